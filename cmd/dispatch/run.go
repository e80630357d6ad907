package main

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/backend"
	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/engine"
	"github.com/ShayCichocki/dispatch/internal/monitor"
	"github.com/ShayCichocki/dispatch/internal/pool"
	"github.com/ShayCichocki/dispatch/internal/recovery"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
)

var (
	runMaxWorkers int
	runDBPath     string
	runQuiet      bool
	runTraceLog   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch daemon",
	Long: `Run the scheduling daemon: recover persisted tasks, start the worker
pool, and dispatch until interrupted.

The daemon owns all live state. Submissions and cancellations from
other shells go through the shared database and are picked up within a
second. Tasks left running by a previous crash are requeued on start;
loop-mode tasks resume from their last checkpoint.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().IntVar(&runMaxWorkers, "max-workers", 0, "Override the worker pool size")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "Override the database path")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress the event feed")
	runCmd.Flags().StringVar(&runTraceLog, "trace-log", "", "Append scheduling-decision traces to this file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runMaxWorkers > 0 {
		cfg.Pool.MaxWorkers = runMaxWorkers
	}
	if runDBPath != "" {
		cfg.Paths.DB = runDBPath
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	apiKey, _, keyErr := config.ResolveAPIKey(cfg)
	if keyErr != nil && !cfg.Anthropic.UseBedrock {
		return fmt.Errorf("execution backend: %w", keyErr)
	}
	be, err := backend.NewAnthropic(backend.AnthropicConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return fmt.Errorf("execution backend: %w", err)
	}

	sched := scheduler.New(db)
	p := pool.New(pool.Config{
		MaxWorkers:        cfg.Pool.MaxWorkers,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		HeartbeatMisses:   cfg.Pool.HeartbeatMisses,
		IdleTimeout:       cfg.Pool.IdleTimeout,
	}, db)
	mon := monitor.New(monitor.Config{
		SampleInterval: cfg.Monitor.SampleInterval,
		MemoryCeiling:  uint64(cfg.Monitor.MemoryCeilingMB) * 1024 * 1024,
		WarnFraction:   cfg.Monitor.WarnFraction,
	}, p)

	eng := engine.New(engine.Config{}, db, sched, p, be)
	eng.Recovery().SetBackoff(recovery.Backoff{
		Floor:   cfg.Retry.Floor,
		Ceiling: cfg.Retry.Ceiling,
	})

	trace, err := engine.NewTraceLogger(runTraceLog)
	if err != nil {
		return err
	}
	defer trace.Close()
	eng.SetTraceLogger(trace)

	if err := sched.Recover(); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	// Retry backoff timers died with the previous process; re-enter the
	// tasks they were holding.
	requeued, deadLettered, err := eng.Recovery().Resume()
	if err != nil {
		return fmt.Errorf("resume failed tasks: %w", err)
	}
	if requeued > 0 || deadLettered > 0 {
		fmt.Printf("resumed %d failed tasks, dead-lettered %d exhausted\n", requeued, deadLettered)
	}

	fmt.Printf("dispatch daemon up: %d workers, db %s\n", p.MaxWorkers(), db.Path())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return eng.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return p.RunHeartbeatSweep(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return mon.Run(ctx)
	}, func(error) {
		cancel()
	})
	if path := config.GetProjectConfigPath(); path != "" {
		g.Add(func() error {
			return config.Watch(ctx, path, func(next *config.Config) {
				// Backoff is the only knob safe to swap under live work;
				// pool sizing and backend changes need a restart.
				eng.Recovery().SetBackoff(recovery.Backoff{
					Floor:   next.Retry.Floor,
					Ceiling: next.Retry.Ceiling,
				})
			})
		}, func(error) {
			cancel()
		})
	}
	if !runQuiet {
		g.Add(func() error {
			feedEvents(ctx, eng)
			return nil
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()

	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		fmt.Println("dispatch daemon stopped")
		return nil
	}
	return err
}

// feedEvents renders the engine event stream until ctx ends.
func feedEvents(ctx context.Context, eng *engine.Engine) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			tag := string(ev.Type)
			switch ev.Type {
			case engine.EventTaskCompleted, engine.EventSwarmSettled:
				tag = green(tag)
			case engine.EventTaskFailed, engine.EventTaskDeadLettered:
				tag = red(tag)
			case engine.EventTaskRetrying, engine.EventTaskCancelled:
				tag = yellow(tag)
			default:
				tag = cyan(tag)
			}

			line := fmt.Sprintf("%s  %-20s %s", ev.Timestamp.Format("15:04:05"), tag, ev.TaskID)
			if ev.Message != "" {
				line += "  " + ev.Message
			}
			if ev.Error != "" {
				line += "  " + red(ev.Error)
			}
			fmt.Println(line)
		}
	}
}
