package store

import (
	"errors"
	"testing"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

func TestDeadLetterTask(t *testing.T) {
	db := openTestDB(t)

	task := newTestTask("task-1", 5)
	task.Status = models.TaskStatusFailed
	task.RetryCount = 3
	if err := db.SubmitTasks([]*models.Task{task}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	entry := &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  task.ID,
		Action:  models.ActionTaskDeadLetter,
		Outcome: "retries exhausted",
	}
	if err := db.DeadLetterTask(task, "permanent: malformed input", entry); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	// The task row is marked, not dropped.
	got, err := db.GetTask("task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusDeadLettered {
		t.Errorf("expected dead_lettered, got %s", got.Status)
	}

	// The dead letter remains inspectable.
	dl, err := db.GetDeadLetter("task-1")
	if err != nil {
		t.Fatalf("get dead letter: %v", err)
	}
	if dl.Reason != "permanent: malformed input" {
		t.Errorf("unexpected reason: %q", dl.Reason)
	}
	if dl.Task == nil || dl.Task.ID != "task-1" {
		t.Errorf("snapshot missing task: %+v", dl.Task)
	}

	letters, err := db.ListDeadLetters()
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Errorf("expected exactly one dead letter, got %d", len(letters))
	}

	// Audit entry landed atomically.
	entries, _ := db.ListAudit("task-1", 0)
	if len(entries) != 1 || entries[0].Action != models.ActionTaskDeadLetter {
		t.Errorf("expected dead-letter audit entry, got %+v", entries)
	}
}

func TestDeadLetterVersionConflict(t *testing.T) {
	db := openTestDB(t)

	task := newTestTask("task-1", 5)
	if err := db.SubmitTasks([]*models.Task{task}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stale, _ := db.GetTask("task-1")

	fresh, _ := db.GetTask("task-1")
	fresh.Status = models.TaskStatusRunning
	if err := db.UpdateTask(fresh, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	err := db.DeadLetterTask(stale, "reason", nil)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The failed transaction must leave no dead letter behind.
	if _, err := db.GetDeadLetter("task-1"); !errors.Is(err, ErrNotFound) {
		t.Error("partial write: dead letter exists after rolled-back transaction")
	}
}

func TestRemoveDeadLetter(t *testing.T) {
	db := openTestDB(t)

	task := newTestTask("task-1", 5)
	if err := db.SubmitTasks([]*models.Task{task}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := db.DeadLetterTask(task, "reason", nil); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	if err := db.RemoveDeadLetter("task-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := db.GetDeadLetter("task-1"); !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound after removal")
	}
}
