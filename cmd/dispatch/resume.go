package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/recovery"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Re-enter failed or dead-lettered tasks",
	Long: `Re-enter tasks that are stuck outside the queue.

Without arguments, every failed task whose retry backoff was lost to a
process exit goes back to pending; failed tasks with a spent budget are
dead-lettered. With a task id, that one task is resumed: failed tasks
requeue, dead-lettered tasks are resubmitted fresh.

A running daemon does this sweep itself on start, so resume is mainly
for requeueing work before the next 'dispatch run'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
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

	if len(args) == 0 {
		requeued, deadLettered, err := m.Resume()
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d tasks, dead-lettered %d with spent budgets\n", requeued, deadLettered)
		return nil
	}

	taskID := args[0]
	t, err := db.GetTask(taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case models.TaskStatusDeadLettered:
		if err := m.RetryDeadLetter(taskID); err != nil {
			return err
		}
		fmt.Printf("resubmitted %s from the dead-letter store\n", taskID)
	case models.TaskStatusFailed:
		if err := sched.ResumeFailed(taskID); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", taskID)
	default:
		return fmt.Errorf("task %s is %s; only failed and dead-lettered tasks can be resumed", taskID, t.Status)
	}
	return nil
}
