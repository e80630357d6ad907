package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/recovery"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
)

var deadlettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"deadletter"},
	Short:   "Inspect and retry dead-lettered tasks",
	Long: `Tasks that exhaust their retry budget, or fail permanently, move to
the dead-letter store with their full snapshot and failure reason.
They stay there until an operator retries or discards them.`,
	RunE: runDeadLetterList,
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Resubmit a dead-lettered task",
	Long: `Resubmit a dead-lettered task as a fresh submission with a reset
retry budget. The dead letter is removed once the resubmission lands.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeadLetterRetry,
}

func init() {
	deadlettersCmd.AddCommand(deadletterRetryCmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	letters, err := db.ListDeadLetters()
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}

	fmt.Printf("%-14s %-8s %-10s %s\n", "ID", "AGE", "RETRIES", "REASON")
	for _, dl := range letters {
		fmt.Printf("%-14s %-8s %-10d %s\n",
			dl.TaskID, formatDuration(time.Since(dl.DeadLetteredAt)),
			dl.Task.RetryCount, dl.Reason)
	}
	return nil
}

func runDeadLetterRetry(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sched := scheduler.New(db)
	if err := sched.Recover(); err != nil {
		return fmt.Errorf("load existing tasks: %w", err)
	}

	m := recovery.New(db, sched)
	if err := m.RetryDeadLetter(args[0]); err != nil {
		return err
	}
	fmt.Printf("resubmitted %s\n", args[0])
	return nil
}
