package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks in the queue. Without --status, shows everything that is
not yet terminal.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, waiting, running, completed, failed, cancelled, dead_lettered)")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	statuses := []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusWaiting, models.TaskStatusRunning,
	}
	if listStatus != "" {
		statuses = []models.TaskStatus{models.TaskStatus(listStatus)}
	}

	tasks, err := db.ListTasks(statuses...)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	fmt.Printf("%-14s %-14s %-4s %-7s %-8s %-8s %s\n",
		"ID", "STATUS", "PRI", "MODE", "RETRIES", "AGE", "TEMPLATE")
	for _, t := range tasks {
		fmt.Printf("%-14s %-14s %-4d %-7s %d/%-6d %-8s %s\n",
			t.ID, t.Status, t.Priority, t.Mode, t.RetryCount, t.MaxRetries,
			formatDuration(time.Since(t.SubmittedAt)), t.Template)
	}
	return nil
}
