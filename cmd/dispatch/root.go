package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Persistent priority scheduler for LLM task workers",
	Long: `Dispatch runs a bounded pool of LLM workers over a persistent,
priority-ordered task queue.

Tasks survive restarts: every status change lands in SQLite together
with its audit entry, so a crashed daemon resumes exactly where it
stopped. Failed tasks retry with exponential backoff and move to a
dead-letter store once their budget is spent.

Execution modes:
  direct  one worker, one prompt, one result
  swarm   fan a plan out across sub-tasks and aggregate their results
  loop    iterate on one task until a convergence criterion is met

Start the daemon with 'dispatch run', then submit work from any shell
with 'dispatch submit'.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(deadlettersCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveDBPath picks the database: explicit config, project-local if
// one exists, or the user-level default.
func resolveDBPath(cfg *config.Config) string {
	if cfg.Paths.DB != "" {
		return cfg.Paths.DB
	}
	if cwd, err := os.Getwd(); err == nil {
		p := store.ProjectDBPath(cwd)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return store.DefaultDBPath()
}

// openStore opens and migrates the database every command operates on.
func openStore(cfg *config.Config) (*store.DB, error) {
	db, err := store.Open(resolveDBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
