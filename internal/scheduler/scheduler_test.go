package scheduler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return New(db), db
}

func task(id string, priority int) *models.Task {
	return &models.Task{ID: id, Priority: priority, Mode: models.ModeDirect, Input: "in"}
}

func TestSubmitPersistsPending(t *testing.T) {
	s, db := newTestScheduler(t)

	id, err := s.Submit(task("t1", 5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "t1" {
		t.Errorf("expected id t1, got %s", id)
	}

	stored, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.TaskStatusPending {
		t.Errorf("expected pending, got %s", stored.Status)
	}
}

func TestSubmitGeneratesID(t *testing.T) {
	s, _ := newTestScheduler(t)

	id, err := s.Submit(task("", 5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Error("expected generated id")
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	s, _ := newTestScheduler(t)

	if _, err := s.Submit(task("t1", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := s.Submit(task("t1", 5))
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestScheduler(t)

	bad := task("t1", 11)
	if _, err := s.Submit(bad); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for priority 11, got %v", err)
	}

	badMode := task("t2", 5)
	badMode.Mode = models.ExecutionMode("bogus")
	if _, err := s.Submit(badMode); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for bad mode, got %v", err)
	}
}

func TestSubmitCycleRejectedAllOrNothing(t *testing.T) {
	s, db := newTestScheduler(t)

	a := task("a", 5)
	a.DependsOn = []string{"c"}
	b := task("b", 5)
	b.DependsOn = []string{"a"}
	c := task("c", 5)
	c.DependsOn = []string{"b"}

	err := s.SubmitBatch([]*models.Task{a, b, c})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}

	// No task from the cyclic set may be persisted.
	for _, id := range []string{"a", "b", "c"} {
		if _, err := db.GetTask(id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("task %s from rejected batch was persisted", id)
		}
	}
}

func TestDispatchOrderPriorityThenFIFO(t *testing.T) {
	s, _ := newTestScheduler(t)

	// Priorities [3, 9, 3, 7] submitted in order; dispatch order must be
	// [9, 7, 3(first), 3(second)].
	base := time.Now()
	for i, p := range []int{3, 9, 3, 7} {
		tk := task([]string{"p3a", "p9", "p3b", "p7"}[i], p)
		tk.SubmittedAt = base.Add(time.Duration(i) * time.Millisecond)
		if _, err := s.Submit(tk); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	var order []string
	for {
		next := s.NextRunnable()
		if next == nil {
			break
		}
		order = append(order, next.ID)
		if err := s.StartTask(next, "w1"); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	want := []string{"p9", "p7", "p3a", "p3b"}
	if len(order) != len(want) {
		t.Fatalf("expected %d dispatches, got %d (%v)", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dispatch %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestDependencyGating(t *testing.T) {
	s, _ := newTestScheduler(t)

	dep := task("dep", 5)
	child := task("child", 9)
	child.DependsOn = []string{"dep"}

	if err := s.SubmitBatch([]*models.Task{dep, child}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Despite higher priority, child must wait for dep.
	next := s.NextRunnable()
	if next == nil || next.ID != "dep" {
		t.Fatalf("expected dep first, got %+v", next)
	}
	if err := s.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := s.NextRunnable(); got != nil {
		t.Fatalf("child dispatched before dependency completed: %s", got.ID)
	}

	if err := s.CompleteTask("dep", "w1", "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next = s.NextRunnable()
	if next == nil || next.ID != "child" {
		t.Fatalf("expected child after dep completed, got %+v", next)
	}
}

func TestDependencyFailFast(t *testing.T) {
	s, db := newTestScheduler(t)

	dep := task("dep", 5)
	child := task("child", 5)
	child.DependsOn = []string{"dep"}
	grandchild := task("grandchild", 5)
	grandchild.DependsOn = []string{"child"}

	if err := s.SubmitBatch([]*models.Task{dep, child, grandchild}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	next := s.NextRunnable()
	if err := s.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.MarkRunningFailed("dep", "w1", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.FailTerminally("dep", "boom"); err != nil {
		t.Fatalf("terminal fail: %v", err)
	}

	// The cascade fails the whole chain instead of blocking forever.
	for _, id := range []string{"child", "grandchild"} {
		stored, err := db.GetTask(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if stored.Status != models.TaskStatusFailed {
			t.Errorf("%s: expected failed, got %s", id, stored.Status)
		}
	}

	if got := s.NextRunnable(); got != nil {
		t.Errorf("nothing should be runnable, got %s", got.ID)
	}
}

func TestCancelPendingNoWorker(t *testing.T) {
	s, db := newTestScheduler(t)

	if _, err := s.Submit(task("t1", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	outcome, err := s.Cancel("t1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != CancelledImmediately {
		t.Errorf("expected immediate cancellation, got %s", outcome)
	}

	stored, _ := db.GetTask("t1")
	if stored.Status != models.TaskStatusCancelled {
		t.Errorf("expected cancelled, got %s", stored.Status)
	}

	// The task was never dispatched.
	if got := s.NextRunnable(); got != nil {
		t.Errorf("cancelled task dispatched: %s", got.ID)
	}
}

func TestCancelRunningSignalsWorker(t *testing.T) {
	s, _ := newTestScheduler(t)

	var signalled string
	s.SetCancelFunc(func(taskID string) { signalled = taskID })

	if _, err := s.Submit(task("t1", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	next := s.NextRunnable()
	if err := s.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	outcome, err := s.Cancel("t1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != CancelSignalled {
		t.Errorf("expected signalled, got %s", outcome)
	}
	if signalled != "t1" {
		t.Errorf("cancel func not invoked for t1, got %q", signalled)
	}
}

func TestRetryTaskIncrementsCount(t *testing.T) {
	s, _ := newTestScheduler(t)

	if _, err := s.Submit(task("t1", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	next := s.NextRunnable()
	if err := s.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.MarkRunningFailed("t1", "w1", "transient"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.RetryTask("t1", "transient"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got := s.NextRunnable()
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected t1 requeued, got %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestRecoverRequeuesRunning(t *testing.T) {
	s, db := newTestScheduler(t)

	if _, err := s.Submit(task("t1", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	next := s.NextRunnable()
	if err := s.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Simulate a crash: fresh scheduler over the same store.
	s2 := New(db)
	if err := s2.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got := s2.NextRunnable()
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected t1 requeued after recovery, got %+v", got)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("expected pending after recovery, got %s", got.Status)
	}
}

func TestAdoptExternalIndexesForeignSubmissions(t *testing.T) {
	daemon, db := newTestScheduler(t)

	// A second scheduler over the same store stands in for a CLI
	// process submitting while the daemon runs.
	cli := New(db)
	if err := cli.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := cli.Submit(task("ext1", 7)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := cli.Submit(task("ext2", 3)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got := daemon.NextRunnable(); got != nil {
		t.Fatalf("daemon should not see foreign tasks before adopting, got %+v", got)
	}

	adopted, err := daemon.AdoptExternal()
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if len(adopted) != 2 {
		t.Fatalf("expected 2 adopted tasks, got %d", len(adopted))
	}

	got := daemon.NextRunnable()
	if got == nil || got.ID != "ext1" {
		t.Fatalf("expected ext1 first by priority, got %+v", got)
	}

	// A second pass adopts nothing new.
	again, err := daemon.AdoptExternal()
	if err != nil {
		t.Fatalf("re-adopt: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected nothing on second pass, got %d", len(again))
	}
}

func TestAdoptExternalKeepsDependencyGating(t *testing.T) {
	daemon, db := newTestScheduler(t)

	cli := New(db)
	if err := cli.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	dep := task("base", 5)
	child := task("child", 5)
	child.DependsOn = []string{"base"}
	if err := cli.SubmitBatch([]*models.Task{dep, child}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	if _, err := daemon.AdoptExternal(); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	got := daemon.NextRunnable()
	if got == nil || got.ID != "base" {
		t.Fatalf("expected base runnable, got %+v", got)
	}
	if next := daemon.NextRunnable(); next != nil {
		t.Fatalf("child should be gated behind base, got %+v", next)
	}

	if err := daemon.StartTask(got, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := daemon.CompleteTask("base", "w1", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	promoted := daemon.NextRunnable()
	if promoted == nil || promoted.ID != "child" {
		t.Fatalf("expected child promoted after base completed, got %+v", promoted)
	}
}

func TestResumeFailedOnlyAppliesToStrandedTasks(t *testing.T) {
	s, db := newTestScheduler(t)

	if _, err := s.Submit(task("t1", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Live in this process, nothing to resume.
	if err := s.ResumeFailed("t1"); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("expected ErrNotResumable for live task, got %v", err)
	}

	next := s.NextRunnable()
	if err := s.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.MarkRunningFailed("t1", "w1", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// Still indexed here; the recovery manager owns the retry.
	if err := s.ResumeFailed("t1"); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("expected ErrNotResumable while retry pending, got %v", err)
	}

	// A scheduler started over the same store sees the task stranded.
	fresh := New(db)
	if err := fresh.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := fresh.NextRunnable(); got != nil {
		t.Fatalf("stranded task dispatchable before resume: %s", got.ID)
	}
	if err := fresh.ResumeFailed("t1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got := fresh.NextRunnable()
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected t1 runnable after resume, got %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestNextRunnableParksPrematureWakeWithAudit(t *testing.T) {
	s, db := newTestScheduler(t)

	if _, err := s.Submit(task("base", 5)); err != nil {
		t.Fatalf("submit base: %v", err)
	}
	child := task("child", 9)
	child.DependsOn = []string{"base"}
	if _, err := s.Submit(child); err != nil {
		t.Fatalf("submit child: %v", err)
	}

	// Simulate a premature wake: the child lands in the queue as
	// pending before its dependency completed.
	s.mu.Lock()
	s.tasks["child"].Status = models.TaskStatusPending
	s.seq++
	s.queue.push(s.tasks["child"], s.seq)
	s.mu.Unlock()

	got := s.NextRunnable()
	if got == nil || got.ID != "base" {
		t.Fatalf("expected base runnable, got %+v", got)
	}

	stored, err := db.GetTask("child")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if stored.Status != models.TaskStatusWaiting {
		t.Errorf("expected child parked waiting, got %s", stored.Status)
	}

	entries, err := db.ListAudit("child", 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	parked := false
	for _, e := range entries {
		if e.Action == models.ActionTaskParked {
			parked = true
		}
	}
	if !parked {
		t.Error("park did not append its audit entry")
	}
}
