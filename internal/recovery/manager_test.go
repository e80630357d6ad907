package recovery

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *scheduler.Scheduler, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sched := scheduler.New(db)
	m := New(db, sched)
	t.Cleanup(m.Stop)
	return m, sched, db
}

// failOnce submits a task, runs it, and fails it, returning the
// scheduler's view of the failed task.
func failOnce(t *testing.T, sched *scheduler.Scheduler, id string) *models.Task {
	t.Helper()

	next := sched.NextRunnable()
	if next == nil || next.ID != id {
		t.Fatalf("expected %s runnable, got %+v", id, next)
	}
	if err := sched.StartTask(next, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sched.MarkRunningFailed(id, "w1", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	return next
}

func TestBackoffDelays(t *testing.T) {
	b := DefaultBackoff
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{5, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("attempt %d: expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(Permanent(errors.New("bad auth"))); got != ClassPermanent {
		t.Errorf("expected permanent, got %s", got)
	}
	if got := Classify(Transient(errors.New("rate limited"))); got != ClassTransient {
		t.Errorf("expected transient, got %s", got)
	}
	// Unclassified errors get the retry budget.
	if got := Classify(errors.New("mystery")); got != ClassTransient {
		t.Errorf("expected transient default, got %s", got)
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	m, sched, _ := newTestManager(t)

	var armedDelay time.Duration
	fired := make(chan struct{})
	m.after = func(d time.Duration, fn func()) *time.Timer {
		armedDelay = d
		go func() {
			fn()
			close(fired)
		}()
		return time.NewTimer(time.Hour)
	}

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := failOnce(t, sched, "t1")

	decision, err := m.HandleFailure(task, Transient(errors.New("timeout")))
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Disposition != DispositionRetry {
		t.Fatalf("expected retry, got %s", decision.Disposition)
	}
	if armedDelay != 10*time.Second {
		t.Errorf("expected first retry after 10s, got %s", armedDelay)
	}

	<-fired
	got := sched.NextRunnable()
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected t1 requeued, got %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	m, sched, db := newTestManager(t)

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := failOnce(t, sched, "t1")

	decision, err := m.HandleFailure(task, Permanent(errors.New("invalid input")))
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Disposition != DispositionDeadLetter {
		t.Fatalf("expected dead-letter, got %s", decision.Disposition)
	}

	stored, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.TaskStatusDeadLettered {
		t.Errorf("expected dead_lettered, got %s", stored.Status)
	}
	if _, err := db.GetDeadLetter("t1"); err != nil {
		t.Errorf("dead letter missing: %v", err)
	}
}

func TestExhaustionDeadLettersExactlyOnce(t *testing.T) {
	m, sched, db := newTestManager(t)

	// Retries fire immediately in tests.
	m.after = func(d time.Duration, fn func()) *time.Timer {
		fn()
		return time.NewTimer(time.Hour)
	}

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, MaxRetries: 2, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Initial run plus 2 retries all fail; the third failure exhausts.
	for i := 0; i < 3; i++ {
		task := failOnce(t, sched, "t1")
		decision, err := m.HandleFailure(task, Transient(errors.New("flaky")))
		if err != nil {
			t.Fatalf("handle failure %d: %v", i, err)
		}
		if i < 2 && decision.Disposition != DispositionRetry {
			t.Fatalf("failure %d: expected retry, got %s", i, decision.Disposition)
		}
		if i == 2 && decision.Disposition != DispositionDeadLetter {
			t.Fatalf("failure %d: expected dead-letter, got %s", i, decision.Disposition)
		}
	}

	letters, err := db.ListDeadLetters()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(letters))
	}
	if letters[0].Task.RetryCount != 2 {
		t.Errorf("snapshot retry count: expected 2, got %d", letters[0].Task.RetryCount)
	}

	// Nothing left to dispatch.
	if got := sched.NextRunnable(); got != nil {
		t.Errorf("dead-lettered task still dispatchable: %s", got.ID)
	}
}

func TestRetryDeadLetterResubmits(t *testing.T) {
	m, sched, db := newTestManager(t)

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := failOnce(t, sched, "t1")
	if _, err := m.HandleFailure(task, Permanent(errors.New("bad"))); err != nil {
		t.Fatalf("handle failure: %v", err)
	}

	if err := m.RetryDeadLetter("t1"); err != nil {
		t.Fatalf("retry dead letter: %v", err)
	}

	stored, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.TaskStatusPending {
		t.Errorf("expected pending after resubmission, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Errorf("expected reset retry count, got %d", stored.RetryCount)
	}
	if _, err := db.GetDeadLetter("t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("dead letter should be removed, got %v", err)
	}
}

func TestResumeRequeuesTasksStrandedByRestart(t *testing.T) {
	_, sched, db := newTestManager(t)

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, MaxRetries: 3, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The process exits after the failure lands but before the retry
	// timer fires, so nothing is armed to requeue the task.
	failOnce(t, sched, "t1")

	fresh := scheduler.New(db)
	if err := fresh.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	m := New(db, fresh)
	t.Cleanup(m.Stop)

	requeued, deadLettered, err := m.Resume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if requeued != 1 || deadLettered != 0 {
		t.Fatalf("expected 1 requeued, 0 dead-lettered, got %d/%d", requeued, deadLettered)
	}

	next := fresh.NextRunnable()
	if next == nil || next.ID != "t1" {
		t.Fatalf("expected t1 runnable after resume, got %+v", next)
	}
	if next.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", next.RetryCount)
	}
}

func TestResumeDeadLettersSpentBudgets(t *testing.T) {
	_, sched, db := newTestManager(t)

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, MaxRetries: 1, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	failOnce(t, sched, "t1")
	if err := sched.RetryTask("t1", "flaky"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	// The crash lands between the final failure and the dead-letter
	// decision.
	failOnce(t, sched, "t1")

	fresh := scheduler.New(db)
	if err := fresh.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	m := New(db, fresh)
	t.Cleanup(m.Stop)

	requeued, deadLettered, err := m.Resume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if requeued != 0 || deadLettered != 1 {
		t.Fatalf("expected 0 requeued, 1 dead-lettered, got %d/%d", requeued, deadLettered)
	}

	if _, err := db.GetDeadLetter("t1"); err != nil {
		t.Errorf("expected dead letter for t1: %v", err)
	}
	if got := fresh.NextRunnable(); got != nil {
		t.Errorf("exhausted task still dispatchable: %s", got.ID)
	}
}

func TestRetryTimerFiringDuringArmLeavesNoStaleEntry(t *testing.T) {
	m, sched, _ := newTestManager(t)

	// The injected timer runs its callback synchronously, inside the
	// scheduleRetry call itself.
	m.after = func(d time.Duration, fn func()) *time.Timer {
		fn()
		return time.NewTimer(time.Hour)
	}

	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, MaxRetries: 3, Input: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := failOnce(t, sched, "t1")

	decision, err := m.HandleFailure(task, Transient(errors.New("flaky")))
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Disposition != DispositionRetry {
		t.Fatalf("expected retry, got %s", decision.Disposition)
	}

	if got := m.PendingRetries(); got != 0 {
		t.Errorf("expected no armed timers after immediate fire, got %d", got)
	}
	got := sched.NextRunnable()
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected t1 requeued, got %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestRetryDeadLetterDropsStaleCheckpoints(t *testing.T) {
	m, sched, db := newTestManager(t)

	loopInput := `{"prompt":"p","criterion":{"type":"threshold","target":90,"direction":"maximize"}}`
	if _, err := sched.Submit(&models.Task{ID: "t1", Priority: 5, Mode: models.ModeLoop, Input: loopInput}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	cp := &models.Checkpoint{TaskID: "t1", Iteration: 10, State: `{"iteration":10}`, CreatedAt: time.Now()}
	if err := db.SaveCheckpoint(cp, nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	task := failOnce(t, sched, "t1")
	if _, err := m.HandleFailure(task, Permanent(errors.New("loop did not converge"))); err != nil {
		t.Fatalf("handle failure: %v", err)
	}

	if err := m.RetryDeadLetter("t1"); err != nil {
		t.Fatalf("retry dead letter: %v", err)
	}

	// The resubmission must start fresh rather than resume at the stale
	// iteration and immediately re-exhaust.
	if _, err := db.LatestCheckpoint("t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected checkpoints purged with the dead letter, got %v", err)
	}
}
