package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show queue state or one task",
	Long: `Display the state of the task queue, or the full view of a single
task: its fields, loop progress or swarm sub-tasks where applicable,
and the tail of its audit trail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return showTask(db, args[0])
	}
	return showQueue(db)
}

func showQueue(db *store.DB) error {
	statuses := []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusWaiting, models.TaskStatusRunning,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
		models.TaskStatusDeadLettered,
	}

	fmt.Println("Queue:")
	for _, s := range statuses {
		tasks, err := db.ListTasks(s)
		if err != nil {
			return err
		}
		if len(tasks) == 0 && s != models.TaskStatusPending && s != models.TaskStatusRunning {
			continue
		}
		fmt.Printf("  %-14s %d\n", s, len(tasks))
	}

	letters, err := db.ListDeadLetters()
	if err != nil {
		return err
	}
	if len(letters) > 0 {
		fmt.Printf("\nDead letters: %d (retry with 'dispatch dead-letters retry <task-id>')\n", len(letters))
	}

	running, err := db.ListTasks(models.TaskStatusRunning)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		fmt.Println("\nRunning:")
		for _, t := range running {
			age := ""
			if t.StartedAt != nil {
				age = formatDuration(time.Since(*t.StartedAt))
			}
			fmt.Printf("  %-12s pri %-2d %-6s %s\n", t.ID, t.Priority, t.Mode, age)
		}
	}
	return nil
}

func showTask(db *store.DB, taskID string) error {
	t, err := db.GetTask(taskID)
	if err != nil {
		return err
	}

	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  Status:    %s\n", colorStatus(t.Status))
	fmt.Printf("  Priority:  %d\n", t.Priority)
	fmt.Printf("  Mode:      %s\n", t.Mode)
	if t.Template != "" {
		fmt.Printf("  Template:  %s\n", t.Template)
	}
	if t.Specialization != "" {
		fmt.Printf("  Spec:      %s\n", t.Specialization)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("  Depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.ParentID != "" {
		fmt.Printf("  Parent:    %s\n", t.ParentID)
	}
	fmt.Printf("  Retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
	fmt.Printf("  Submitted: %s ago\n", formatDuration(time.Since(t.SubmittedAt)))
	if t.StartedAt != nil {
		fmt.Printf("  Started:   %s ago\n", formatDuration(time.Since(*t.StartedAt)))
	}
	if t.CompletedAt != nil {
		fmt.Printf("  Finished:  %s ago\n", formatDuration(time.Since(*t.CompletedAt)))
	}
	if t.Partial {
		fmt.Printf("  Partial:   some sub-tasks failed below the threshold\n")
	}
	if t.Error != "" {
		fmt.Printf("  Error:     %s\n", t.Error)
	}
	if t.Result != "" {
		fmt.Printf("  Result:\n%s\n", indent(t.Result, "    "))
	}

	switch t.Mode {
	case models.ModeLoop:
		if err := showLoopProgress(db, t.ID); err != nil {
			return err
		}
	case models.ModeSwarm:
		if err := showSubtasks(db, t.ID); err != nil {
			return err
		}
	}

	return showAuditTail(db, t.ID)
}

func showLoopProgress(db *store.DB, taskID string) error {
	cp, err := db.LatestCheckpoint(taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var state models.LoopState
	if err := json.Unmarshal([]byte(cp.State), &state); err != nil {
		return nil
	}

	fmt.Printf("\nLoop: iteration %d, %s\n", state.Iteration, state.Status)
	if latest := state.Latest(); latest != nil {
		fmt.Printf("  Latest metric: %g\n", latest.Metric)
	}
	return nil
}

func showSubtasks(db *store.DB, parentID string) error {
	subs, err := db.ListChildren(parentID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	fmt.Println("\nSub-tasks:")
	for _, s := range subs {
		fmt.Printf("  %-14s %s\n", s.ID, colorStatus(s.Status))
	}
	return nil
}

func showAuditTail(db *store.DB, taskID string) error {
	entries, err := db.ListAudit(taskID, 0)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > 10 {
		entries = entries[len(entries)-10:]
	}

	fmt.Println("\nAudit trail (latest):")
	for _, e := range entries {
		fmt.Printf("  %s  %-12s %-22s %s\n",
			e.Timestamp.Format("15:04:05"), e.Actor, e.Action, e.Outcome)
	}
	return nil
}

func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString(string(s))
	case models.TaskStatusRunning:
		return color.CyanString(string(s))
	case models.TaskStatusFailed, models.TaskStatusDeadLettered:
		return color.RedString(string(s))
	case models.TaskStatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// formatDuration renders a duration in the largest sensible unit.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
