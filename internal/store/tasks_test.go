package store

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

func newTestTask(id string, priority int) *models.Task {
	return &models.Task{
		ID:          id,
		Priority:    priority,
		Status:      models.TaskStatusPending,
		Mode:        models.ModeDirect,
		Input:       "payload",
		MaxRetries:  3,
		SubmittedAt: time.Now(),
	}
}

func submitEntry(taskID string) *models.AuditEntry {
	return &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  taskID,
		Action:  models.ActionTaskSubmitted,
		Outcome: "ok",
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	db := openTestDB(t)

	task := newTestTask("task-1", 7)
	task.DependsOn = []string{"task-0"}

	if err := db.SubmitTasks([]*models.Task{task}, []*models.AuditEntry{submitEntry(task.ID)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := db.GetTask("task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Priority != 7 {
		t.Errorf("expected priority 7, got %d", got.Priority)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "task-0" {
		t.Errorf("unexpected depends_on: %v", got.DependsOn)
	}

	// Audit row landed in the same transaction.
	entries, err := db.ListAudit("task-1", 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != models.ActionTaskSubmitted {
		t.Errorf("expected one task_submitted entry, got %+v", entries)
	}
}

func TestSubmitBatchAllOrNothing(t *testing.T) {
	db := openTestDB(t)

	good := newTestTask("dup", 5)
	if err := db.SubmitTasks([]*models.Task{good}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Second batch contains a duplicate id; the whole batch must fail.
	batch := []*models.Task{newTestTask("fresh", 5), newTestTask("dup", 5)}
	if err := db.SubmitTasks(batch, nil); err == nil {
		t.Fatal("expected duplicate id to fail the batch")
	}

	if _, err := db.GetTask("fresh"); !errors.Is(err, ErrNotFound) {
		t.Error("nothing from a failed batch should persist")
	}
}

func TestUpdateTaskOptimisticConcurrency(t *testing.T) {
	db := openTestDB(t)

	task := newTestTask("task-1", 5)
	if err := db.SubmitTasks([]*models.Task{task}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Two readers hold the same version.
	first, _ := db.GetTask("task-1")
	second, _ := db.GetTask("task-1")

	first.Status = models.TaskStatusRunning
	if err := db.UpdateTask(first, nil); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", first.Version)
	}

	// The stale writer must lose.
	second.Status = models.TaskStatusCancelled
	err := db.UpdateTask(second, nil)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := db.GetTask("task-1")
	if got.Status != models.TaskStatusRunning {
		t.Errorf("lost update: status is %s", got.Status)
	}
}

func TestListTasksDispatchOrder(t *testing.T) {
	db := openTestDB(t)

	base := time.Now()
	priorities := []int{3, 9, 3, 7}
	for i, p := range priorities {
		task := newTestTask(taskID(i), p)
		task.SubmittedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := db.SubmitTasks([]*models.Task{task}, nil); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	tasks, err := db.ListTasks(models.TaskStatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	want := []string{taskID(1), taskID(3), taskID(0), taskID(2)}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, tasks[i].ID)
		}
	}
}

func taskID(i int) string {
	return string(rune('a'+i)) + "-task"
}

func TestPurgeTask(t *testing.T) {
	db := openTestDB(t)

	task := newTestTask("task-1", 5)
	if err := db.SubmitTasks([]*models.Task{task}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := db.PurgeTask("task-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if _, err := db.GetTask("task-1"); !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound after purge")
	}
}
