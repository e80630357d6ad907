package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/swarm"
	"github.com/ShayCichocki/dispatch/internal/template"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var (
	submitTemplate  string
	submitPriority  int
	submitMode      string
	submitSpecial   string
	submitRetries   int
	submitID        string
	submitDeps      []string
	submitPlanFile  string
	submitCriterion string
	submitTarget    float64
	submitDirection string
	submitWindow    int
	submitTolerance float64
	submitCheck     string
)

var submitCmd = &cobra.Command{
	Use:   "submit [input]",
	Short: "Submit a task to the queue",
	Long: `Submit a task against the shared database. A running daemon picks it
up within a second; without one it waits for the next 'dispatch run'.

Direct mode takes the input as the worker prompt. Swarm mode takes a
JSON plan, usually via --plan. Loop mode builds an iterative
refinement spec from the input prompt and the criterion flags.

Examples:
  dispatch submit --priority 7 "summarize the attached report"
  dispatch submit --mode swarm --plan review-plan.json
  dispatch submit --mode loop --target 90 --direction maximize "draft the RFC"
  dispatch submit --template code-review "internal/store"`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTemplate, "template", "", "Instantiate a named task template")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 5, "Priority 0-10, 10 highest")
	submitCmd.Flags().StringVar(&submitMode, "mode", "direct", "Execution mode: direct, swarm, or loop")
	submitCmd.Flags().StringVar(&submitSpecial, "specialization", "", "Preferred worker specialization")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", 0, "Retry budget before dead-lettering")
	submitCmd.Flags().StringVar(&submitID, "id", "", "Explicit task id (default generated)")
	submitCmd.Flags().StringSliceVar(&submitDeps, "depends-on", nil, "Task ids that must complete first")
	submitCmd.Flags().StringVar(&submitPlanFile, "plan", "", "Read the input payload from a file")
	submitCmd.Flags().StringVar(&submitCriterion, "criterion", "threshold", "Loop convergence: threshold, stability, judged, or external")
	submitCmd.Flags().Float64Var(&submitTarget, "target", 0, "Threshold/judged target value")
	submitCmd.Flags().StringVar(&submitDirection, "direction", "maximize", "Threshold direction: maximize or minimize")
	submitCmd.Flags().IntVar(&submitWindow, "window", 3, "Stability window size")
	submitCmd.Flags().Float64Var(&submitTolerance, "tolerance", 0, "Stability metric tolerance")
	submitCmd.Flags().StringVar(&submitCheck, "check", "", "Registered external check name")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	input := strings.Join(args, " ")
	if submitPlanFile != "" {
		raw, err := os.ReadFile(submitPlanFile)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		input = string(raw)
	}
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("nothing to submit: pass an input or --plan")
	}

	task, err := buildTask(cfg, input)
	if err != nil {
		return err
	}
	task.ID = submitID
	task.DependsOn = submitDeps
	if cmd.Flags().Changed("priority") || task.Template == "" {
		task.Priority = submitPriority
	}
	if submitSpecial != "" {
		task.Specialization = submitSpecial
	}
	if submitRetries > 0 {
		task.MaxRetries = submitRetries
	} else if task.MaxRetries <= 0 && cfg.Retry.MaxAttempts > 0 {
		task.MaxRetries = cfg.Retry.MaxAttempts
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Recover loads the persisted task index so dependency references
	// validate against what already exists.
	sched := scheduler.New(db)
	if err := sched.Recover(); err != nil {
		return fmt.Errorf("load existing tasks: %w", err)
	}

	id, err := sched.Submit(task)
	if err != nil {
		return err
	}

	fmt.Printf("submitted %s (priority %d, %s mode, %s)\n", id, task.Priority, task.Mode, task.Status)
	return nil
}

// buildTask assembles the submission from a template or from the mode
// flags.
func buildTask(cfg *config.Config, input string) (*models.Task, error) {
	if submitTemplate != "" {
		lib, err := template.LoadDir(cfg.Paths.Templates)
		if err != nil {
			return nil, err
		}
		t, err := lib.Get(submitTemplate)
		if err != nil {
			return nil, err
		}
		return t.Instantiate(input)
	}

	task := &models.Task{Mode: models.ExecutionMode(submitMode)}
	switch task.Mode {
	case models.ModeSwarm:
		payload, err := normalizePlan(cfg, input)
		if err != nil {
			return nil, err
		}
		task.Input = payload

	case models.ModeLoop:
		payload, err := buildLoopSpec(cfg, input)
		if err != nil {
			return nil, err
		}
		task.Input = payload

	default:
		task.Input = input
	}
	return task, nil
}

// normalizePlan validates a swarm plan at submission time, so a broken
// plan is rejected in the shell rather than dead-lettered by the
// daemon, and fills the configured failure threshold when the plan
// leaves it out.
func normalizePlan(cfg *config.Config, input string) (string, error) {
	plan, err := swarm.ParsePlan(input)
	if err != nil {
		return "", err
	}

	var probe struct {
		FailureThreshold *float64 `json:"failure_threshold"`
	}
	_ = json.Unmarshal([]byte(input), &probe)
	if probe.FailureThreshold == nil && cfg.Swarm.FailureThreshold > 0 {
		plan.FailureThreshold = cfg.Swarm.FailureThreshold
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return string(raw), nil
}

// buildLoopSpec assembles a loop spec payload from the criterion flags
// and the configured loop defaults.
func buildLoopSpec(cfg *config.Config, input string) (string, error) {
	criterion := map[string]any{"type": submitCriterion}
	switch submitCriterion {
	case "threshold":
		criterion["target"] = submitTarget
		criterion["direction"] = submitDirection
	case "stability":
		criterion["window"] = submitWindow
		criterion["tolerance"] = submitTolerance
	case "judged":
		criterion["threshold"] = submitTarget
	case "external":
		if submitCheck == "" {
			return "", fmt.Errorf("external criterion requires --check")
		}
		criterion["name"] = submitCheck
	default:
		return "", fmt.Errorf("unknown criterion %q", submitCriterion)
	}

	spec := map[string]any{
		"prompt":    input,
		"criterion": criterion,
	}
	if cfg.Loop.MaxIterations > 0 {
		spec["max_iterations"] = cfg.Loop.MaxIterations
	}
	if cfg.Loop.Timeout > 0 {
		spec["timeout"] = cfg.Loop.Timeout.String()
	}
	if cfg.Loop.CheckpointEvery > 0 {
		spec["checkpoint_every"] = cfg.Loop.CheckpointEvery
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode loop spec: %w", err)
	}
	return string(raw), nil
}
