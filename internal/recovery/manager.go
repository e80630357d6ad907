// Package recovery classifies execution failures and decides what
// happens next: retry with exponential backoff, or dead-letter once the
// budget is spent or the failure is permanent.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Class is the retry classification of an execution failure.
type Class string

const (
	// ClassTransient marks failures worth retrying: timeouts, rate
	// limits, dropped connections, dead workers.
	ClassTransient Class = "transient"
	// ClassPermanent marks failures no retry will fix: invalid input,
	// authentication, a task the backend rejects outright.
	ClassPermanent Class = "permanent"
)

// classified wraps an error with its retry class.
type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e *classified) Unwrap() error { return e.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	return &classified{class: ClassTransient, err: err}
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	return &classified{class: ClassPermanent, err: err}
}

// Classify resolves an error's retry class. Unclassified errors default
// to transient so a flaky backend gets its retry budget rather than an
// immediate dead-letter.
func Classify(err error) Class {
	var ce *classified
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassTransient
}

// Backoff computes retry delays: floor doubling per attempt up to the
// ceiling.
type Backoff struct {
	// Floor is the first retry delay.
	Floor time.Duration
	// Ceiling caps the delay growth.
	Ceiling time.Duration
}

// DefaultBackoff is 10s doubling to a 5m ceiling.
var DefaultBackoff = Backoff{Floor: 10 * time.Second, Ceiling: 5 * time.Minute}

// Delay returns the wait before retry number attempt (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Floor
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Ceiling {
			return b.Ceiling
		}
	}
	if d > b.Ceiling {
		return b.Ceiling
	}
	return d
}

// Disposition is what the manager decided to do with a failed task.
type Disposition string

const (
	// DispositionRetry means a retry was scheduled after a backoff delay.
	DispositionRetry Disposition = "retry"
	// DispositionDeadLetter means the task moved to the dead-letter store.
	DispositionDeadLetter Disposition = "dead_letter"
)

// Decision reports how a failure was handled.
type Decision struct {
	// Disposition is retry or dead-letter.
	Disposition Disposition
	// Delay is the scheduled backoff before the retry, when retrying.
	Delay time.Duration
	// Attempt is the retry number being scheduled (1-indexed).
	Attempt int
}

// Manager owns failure handling for the engine. It never blocks the
// scheduling loop: retries fire from timers.
type Manager struct {
	db      *store.DB
	sched   *scheduler.Scheduler
	backoff Backoff

	mu     sync.Mutex
	timers map[string]*time.Timer

	// after is injectable for tests.
	after func(d time.Duration, fn func()) *time.Timer
}

// New creates a recovery manager with the default backoff policy.
func New(db *store.DB, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		db:      db,
		sched:   sched,
		backoff: DefaultBackoff,
		timers:  make(map[string]*time.Timer),
		after:   time.AfterFunc,
	}
}

// SetBackoff overrides the retry delay policy.
func (m *Manager) SetBackoff(b Backoff) {
	m.backoff = b
}

// HandleFailure decides the fate of a task that just failed: permanent
// failures and exhausted retry budgets dead-letter the task exactly
// once; transient failures schedule a retry after backoff. The task
// must already be in the failed state.
func (m *Manager) HandleFailure(t *models.Task, cause error) (*Decision, error) {
	if t.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("task %s is %s, expected failed", t.ID, t.Status)
	}

	class := Classify(cause)
	reason := fmt.Sprintf("%s: %v", class, cause)

	if class == ClassPermanent || t.RetriesExhausted() {
		if err := m.deadLetter(t, reason); err != nil {
			return nil, err
		}
		return &Decision{Disposition: DispositionDeadLetter}, nil
	}

	delay := m.backoff.Delay(t.RetryCount)
	if err := m.db.AppendAudit(&models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  t.ID,
		Action:  models.ActionRetryScheduled,
		Data:    fmt.Sprintf(`{"attempt":%d,"delay":%q,"class":%q}`, t.RetryCount+1, delay, class),
		Outcome: "scheduled",
	}); err != nil {
		return nil, fmt.Errorf("audit retry schedule: %w", err)
	}

	m.scheduleRetry(t.ID, delay, reason)
	log.Printf("[RECOVERY] task %s retry %d/%d in %s", t.ID, t.RetryCount+1, t.MaxRetries, delay)
	return &Decision{Disposition: DispositionRetry, Delay: delay, Attempt: t.RetryCount + 1}, nil
}

// deadLetter moves the task snapshot to the dead-letter store and drops
// it from the scheduler, poisoning dependents.
func (m *Manager) deadLetter(t *models.Task, reason string) error {
	err := m.db.DeadLetterTask(t, reason, &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  t.ID,
		Action:  models.ActionTaskDeadLetter,
		Data:    reason,
		Outcome: "dead_lettered",
	})
	if err != nil {
		return fmt.Errorf("dead-letter task %s: %w", t.ID, err)
	}

	m.sched.Forget(t.ID)
	log.Printf("[RECOVERY] task %s dead-lettered: %s", t.ID, reason)
	return nil
}

// scheduleRetry arms a timer that requeues the task when the backoff
// elapses. An existing timer for the task is replaced. The lock is not
// held across the timer registration: the callback takes it too, and
// may run before registration returns.
func (m *Manager) scheduleRetry(taskID string, delay time.Duration, reason string) {
	m.mu.Lock()
	if old, ok := m.timers[taskID]; ok && old != nil {
		old.Stop()
	}
	// Placeholder marks the retry as armed until the handle arrives.
	m.timers[taskID] = nil
	m.mu.Unlock()

	timer := m.after(delay, func() {
		m.mu.Lock()
		delete(m.timers, taskID)
		m.mu.Unlock()

		if err := m.sched.RetryTask(taskID, reason); err != nil {
			log.Printf("[RECOVERY] requeue %s: %v", taskID, err)
		}
	})

	m.mu.Lock()
	if _, armed := m.timers[taskID]; armed {
		m.timers[taskID] = timer
	} else {
		// The callback already fired and cleared the entry.
		timer.Stop()
	}
	m.mu.Unlock()
}

// PendingRetries returns how many retry timers are armed.
func (m *Manager) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels all armed retry timers. Tasks left in failed state are
// requeued by crash recovery on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.timers {
		if timer != nil {
			timer.Stop()
		}
		delete(m.timers, id)
	}
}

// Resume re-enters tasks a previous process left in the failed state:
// their backoff timers died with it, so nothing is armed to requeue
// them. Tasks with retries remaining go back to pending immediately;
// tasks caught between failing and the retry decision with a spent
// budget are dead-lettered. Tasks failed terminally by a poisoned
// dependency stay where they are.
func (m *Manager) Resume() (requeued, deadLettered int, err error) {
	tasks, err := m.db.ListTasks(models.TaskStatusFailed)
	if err != nil {
		return 0, 0, fmt.Errorf("load failed tasks: %w", err)
	}

	for _, t := range tasks {
		if t.RetriesExhausted() {
			if err := m.deadLetter(t, "retry budget exhausted before restart"); err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}

		switch rErr := m.sched.ResumeFailed(t.ID); {
		case rErr == nil:
			requeued++
		case errors.Is(rErr, scheduler.ErrNotResumable):
			// Terminal for its own reasons; leave it failed.
		default:
			return requeued, deadLettered, rErr
		}
	}
	return requeued, deadLettered, nil
}

// RetryDeadLetter manually resubmits a dead-lettered task as a fresh
// submission with a reset retry budget. The dead letter is removed only
// after the resubmission lands.
func (m *Manager) RetryDeadLetter(taskID string) error {
	dl, err := m.db.GetDeadLetter(taskID)
	if err != nil {
		return err
	}

	fresh := *dl.Task
	fresh.Status = ""
	fresh.Error = ""
	fresh.Result = ""
	fresh.RetryCount = 0
	fresh.StartedAt = nil
	fresh.CompletedAt = nil
	fresh.SubmittedAt = time.Time{}
	fresh.Version = 0

	// The dead-lettered row must go first or the resubmission is
	// rejected as a duplicate.
	if err := m.db.PurgeTask(taskID); err != nil {
		return err
	}
	if _, err := m.sched.Submit(&fresh); err != nil {
		return fmt.Errorf("resubmit dead letter %s: %w", taskID, err)
	}
	return m.db.RemoveDeadLetter(taskID)
}
