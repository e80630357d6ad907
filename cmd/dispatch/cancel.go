package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/engine"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Long: `File a cancellation request for a task. The daemon applies it on its
next sync pass: pending and waiting tasks are cancelled immediately,
running tasks get a grace period to stop cooperatively before their
worker is terminated. Cancelling a swarm parent cascades to its
sub-tasks.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	taskID := args[0]
	t, err := db.GetTask(taskID)
	if err != nil {
		return err
	}
	// A failed task may still be inside its retry backoff window; that
	// counts as terminal to Terminal() but is still worth refusing with
	// a pointer at the retry.
	if t.Status == models.TaskStatusFailed {
		return fmt.Errorf("task %s is %s and awaiting retry; cancel it once it is pending again", taskID, t.Status)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, t.Status)
	}

	if err := engine.RequestCancel(db, taskID); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", taskID)
	return nil
}
