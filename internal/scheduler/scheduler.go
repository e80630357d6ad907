// Package scheduler maintains the pending-task ordering and hands the
// next runnable task to the dispatcher on demand. Ordering is priority
// descending with FIFO tiebreak; dependency gating goes through the
// dependency graph, with cycles rejected at submission time.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/graph"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// DefaultMaxRetries is the retry budget applied when a submission does
// not set one.
const DefaultMaxRetries = 3

// maxTransitionRetries bounds optimistic-concurrency retry loops.
const maxTransitionRetries = 5

// CancelFunc signals cooperative cancellation to the worker bound to a
// running task. The engine registers it so the scheduler never touches
// workers directly.
type CancelFunc func(taskID string)

// Scheduler owns the pending-task index and the task state machine.
// All status transitions are persisted with their audit rows in one
// transaction; in-memory structures only mirror the durable state.
type Scheduler struct {
	mu sync.Mutex

	db    *store.DB
	graph *graph.DependencyGraph

	// queue orders pending runnable tasks; stale entries are skipped at
	// pop time by re-checking status.
	queue taskQueue
	// tasks mirrors all non-terminal tasks by id.
	tasks map[string]*models.Task
	// seq is the admission counter used for FIFO tiebreaking.
	seq uint64

	// trigger wakes the scheduling loop when new work may be runnable.
	trigger chan struct{}

	// cancelRunning signals cooperative cancellation for running tasks.
	cancelRunning CancelFunc
}

// New creates a Scheduler backed by the given store.
func New(db *store.DB) *Scheduler {
	return &Scheduler{
		db:      db,
		graph:   graph.New(),
		tasks:   make(map[string]*models.Task),
		trigger: make(chan struct{}, 1),
	}
}

// SetCancelFunc registers the engine's cooperative-cancel hook for
// running tasks.
func (s *Scheduler) SetCancelFunc(fn CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRunning = fn
}

// Notify returns a channel that receives a signal whenever new work may
// be runnable. The channel has capacity one; signals coalesce.
func (s *Scheduler) Notify() <-chan struct{} {
	return s.trigger
}

func (s *Scheduler) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Recover reloads non-terminal tasks from the store after a restart.
// Tasks left running by a crash are requeued as pending so they are
// dispatched again (loop-mode tasks resume from their checkpoint).
func (s *Scheduler) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.db.ListTasks(models.TaskStatusPending, models.TaskStatusWaiting, models.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("load non-terminal tasks: %w", err)
	}

	// Terminal markers come from the full task table so dependencies on
	// finished tasks resolve.
	done, err := s.db.ListTasks(models.TaskStatusCompleted, models.TaskStatusFailed,
		models.TaskStatusCancelled, models.TaskStatusDeadLettered)
	if err != nil {
		return fmt.Errorf("load terminal tasks: %w", err)
	}

	deps := make(map[string][]string, len(tasks)+len(done))
	for _, t := range done {
		deps[t.ID] = nil
	}
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	if err := s.graph.Add(deps); err != nil {
		return fmt.Errorf("rebuild dependency graph: %w", err)
	}
	for _, t := range done {
		if t.Status == models.TaskStatusCompleted {
			s.graph.MarkSucceeded(t.ID)
		} else {
			s.graph.MarkFailed(t.ID)
		}
	}

	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning {
			t.StartedAt = nil
			if err := s.persistTransition(t, models.TaskStatusPending, &models.AuditEntry{
				Actor:   models.ActorScheduler,
				TaskID:  t.ID,
				Action:  models.ActionTaskRequeued,
				Data:    "crash recovery",
				Outcome: "requeued",
			}); err != nil {
				return err
			}
		}
		s.tasks[t.ID] = t
		if t.Status == models.TaskStatusPending {
			s.seq++
			s.queue.push(t, s.seq)
		}
	}

	s.wake()
	return nil
}

// AdoptExternal indexes tasks persisted by another process, such as a
// CLI submitting against a live daemon, that this scheduler has not
// seen yet. Returns the newly adopted tasks. Tasks whose dependencies
// are not yet indexed are left for a later pass.
func (s *Scheduler) AdoptExternal() ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := s.db.ListTasks(models.TaskStatusPending, models.TaskStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("load external submissions: %w", err)
	}

	var unseen []*models.Task
	for _, t := range persisted {
		if _, ok := s.tasks[t.ID]; !ok {
			unseen = append(unseen, t)
		}
	}
	if len(unseen) == 0 {
		return nil, nil
	}

	deps := make(map[string][]string, len(unseen))
	for _, t := range unseen {
		deps[t.ID] = t.DependsOn
	}
	if err := s.graph.Add(deps); err != nil {
		// A batch can straddle two adoption passes; retry one at a time
		// and leave stragglers for the next pass.
		adoptable := unseen[:0]
		for _, t := range unseen {
			if s.graph.Add(map[string][]string{t.ID: t.DependsOn}) == nil {
				adoptable = append(adoptable, t)
			}
		}
		unseen = adoptable
	}

	for _, t := range unseen {
		s.graph.ClearMarkers(t.ID)
		s.tasks[t.ID] = t
		if t.Status == models.TaskStatusPending {
			s.seq++
			s.queue.push(t, s.seq)
		}
	}
	if len(unseen) > 0 {
		s.wake()
	}
	return unseen, nil
}

// Submit validates and persists a single new task, returning its id.
// It returns before any execution begins.
func (s *Scheduler) Submit(t *models.Task) (string, error) {
	if err := s.SubmitBatch([]*models.Task{t}); err != nil {
		return "", err
	}
	return t.ID, nil
}

// SubmitBatch validates and persists a set of tasks atomically.
// Dependencies may reference tasks already known or tasks in the same
// batch; a cycle anywhere in the set rejects the whole batch with
// ErrCircularDependency and nothing is persisted.
func (s *Scheduler) SubmitBatch(tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := s.normalize(t, now); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("task %s repeated in batch: %w", t.ID, ErrDuplicateTask)
		}
		seen[t.ID] = true

		if _, ok := s.tasks[t.ID]; ok {
			return fmt.Errorf("task %s: %w", t.ID, ErrDuplicateTask)
		}
		exists, err := s.db.TaskExists(t.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("task %s: %w", t.ID, ErrDuplicateTask)
		}
	}

	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	if err := s.graph.Add(deps); err != nil {
		if errors.Is(err, graph.ErrCycleDetected) {
			return fmt.Errorf("%w: %v", ErrCircularDependency, err)
		}
		if errors.Is(err, graph.ErrUnknownDependency) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return err
	}

	entries := make([]*models.AuditEntry, 0, len(tasks))
	for _, t := range tasks {
		if s.graph.Ready(t.ID) {
			t.Status = models.TaskStatusPending
		} else {
			t.Status = models.TaskStatusWaiting
		}
		entries = append(entries, &models.AuditEntry{
			Actor:   models.ActorScheduler,
			TaskID:  t.ID,
			Action:  models.ActionTaskSubmitted,
			Data:    fmt.Sprintf(`{"priority":%d,"mode":%q}`, t.Priority, t.Mode),
			Outcome: string(t.Status),
		})
	}

	if err := s.db.SubmitTasks(tasks, entries); err != nil {
		// Undo the graph registration so the rejection is all-or-nothing.
		for _, t := range tasks {
			s.graph.Remove(t.ID)
		}
		return err
	}

	for _, t := range tasks {
		// A resubmitted dead-letter id must not keep its old terminal
		// marker, or fresh dependents would see it as failed.
		s.graph.ClearMarkers(t.ID)
		s.tasks[t.ID] = t
		if t.Status == models.TaskStatusPending {
			s.seq++
			s.queue.push(t, s.seq)
		}
	}

	s.wake()
	return nil
}

// normalize fills defaults and validates a submission.
func (s *Scheduler) normalize(t *models.Task, now time.Time) error {
	if t.ID == "" {
		t.ID = uuid.New().String()[:8]
	}
	if t.Mode == "" {
		t.Mode = models.ModeDirect
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("unknown mode %q: %w", t.Mode, ErrValidation)
	}
	if t.Priority < models.PriorityMin || t.Priority > models.PriorityMax {
		return fmt.Errorf("priority %d out of range [%d,%d]: %w",
			t.Priority, models.PriorityMin, models.PriorityMax, ErrValidation)
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	return nil
}

// NextRunnable atomically selects and removes the highest-priority
// pending task whose dependencies have all reached terminal success.
// Returns nil when no runnable task exists; callers wait on Notify.
// Tasks poisoned by a terminally failed dependency are failed fast
// here rather than blocking forever.
func (s *Scheduler) NextRunnable() *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		t := s.queue.pop()
		if t == nil {
			return nil
		}

		// Skip entries whose task moved on since being queued.
		current, ok := s.tasks[t.ID]
		if !ok || current.Status != models.TaskStatusPending {
			continue
		}

		if s.graph.Poisoned(t.ID) {
			s.failFastLocked(current, "dependency failed")
			continue
		}

		if !s.graph.Ready(t.ID) {
			// Queued prematurely; park it as waiting until a dependency
			// completion promotes it again.
			if err := s.persistTransition(current, models.TaskStatusWaiting, &models.AuditEntry{
				Actor:   models.ActorScheduler,
				TaskID:  current.ID,
				Action:  models.ActionTaskParked,
				Data:    "dependencies not ready",
				Outcome: "waiting",
			}); err != nil {
				// The pop already happened; keep the task dispatchable
				// rather than stranding it in memory.
				log.Printf("[SCHEDULER] park %s: %v", current.ID, err)
				s.seq++
				s.queue.push(current, s.seq)
				return nil
			}
			continue
		}

		return current
	}
}

// StartTask transitions a dispatched task to running, recording the
// worker that took it.
func (s *Scheduler) StartTask(t *models.Task, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t.StartedAt = &now
	return s.persistTransition(t, models.TaskStatusRunning, &models.AuditEntry{
		Actor:   workerID,
		TaskID:  t.ID,
		Action:  models.ActionTaskStarted,
		Outcome: "running",
	})
}

// Requeue puts a dispatched-but-not-started task back in the queue,
// for example when a worker could not be spawned for it.
func (s *Scheduler) Requeue(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status != models.TaskStatusPending {
		return
	}
	s.seq++
	s.queue.push(t, s.seq)
	s.wake()
}

// CompleteTask records terminal success for a running task and promotes
// any dependents whose dependency sets are now satisfied.
func (s *Scheduler) CompleteTask(taskID, workerID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}

	now := time.Now()
	t.Result = result
	t.CompletedAt = &now
	if err := s.persistTransition(t, models.TaskStatusCompleted, &models.AuditEntry{
		Actor:   workerID,
		TaskID:  t.ID,
		Action:  models.ActionTaskCompleted,
		Outcome: "completed",
	}); err != nil {
		return err
	}

	s.graph.MarkSucceeded(taskID)
	delete(s.tasks, taskID)
	s.promoteDependentsLocked(taskID)
	s.wake()
	return nil
}

// RetryTask moves a failed task back to pending, incrementing its retry
// count. The recovery manager decides when to call this.
func (s *Scheduler) RetryTask(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}

	t.RetryCount++
	t.StartedAt = nil
	data, _ := json.Marshal(map[string]any{"retry": t.RetryCount, "reason": reason})
	if err := s.persistTransition(t, models.TaskStatusPending, &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  t.ID,
		Action:  models.ActionTaskRequeued,
		Data:    string(data),
		Outcome: "pending",
	}); err != nil {
		return err
	}

	s.seq++
	s.queue.push(t, s.seq)
	s.wake()
	return nil
}

// ResumeFailed re-adopts a failed task from the store and moves it back
// to pending. Retry backoff timers die with their process, so a task
// that crashed mid-backoff sits failed in the store with nobody armed
// to requeue it; resume is how it re-enters the queue. Tasks with a
// spent retry budget, a terminally failed dependency, or a live retry
// timer in this process are not resumable.
func (s *Scheduler) ResumeFailed(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; ok {
		return fmt.Errorf("task %s: retry already scheduled: %w", taskID, ErrNotResumable)
	}

	t, err := s.db.GetTask(taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
		}
		return err
	}
	if t.Status != models.TaskStatusFailed {
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotResumable)
	}
	if t.RetriesExhausted() {
		return fmt.Errorf("task %s: retry budget spent: %w", taskID, ErrNotResumable)
	}
	if s.graph.Poisoned(taskID) {
		return fmt.Errorf("task %s: dependency failed terminally: %w", taskID, ErrNotResumable)
	}

	// Crash recovery loaded the task as a terminal marker with its edges
	// dropped; rebuild the node with its real dependencies.
	s.graph.Remove(taskID)
	if err := s.graph.Add(map[string][]string{taskID: t.DependsOn}); err != nil {
		return fmt.Errorf("task %s: %w: %v", taskID, ErrNotResumable, err)
	}
	s.graph.ClearMarkers(taskID)

	t.RetryCount++
	t.StartedAt = nil
	data, _ := json.Marshal(map[string]any{"retry": t.RetryCount, "reason": "resumed after restart"})
	if err := s.persistTransition(t, models.TaskStatusPending, &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  t.ID,
		Action:  models.ActionTaskRequeued,
		Data:    string(data),
		Outcome: "pending",
	}); err != nil {
		return err
	}

	s.tasks[t.ID] = t
	s.seq++
	s.queue.push(t, s.seq)
	s.wake()
	return nil
}

// MarkRunningFailed transitions a running task to failed without making
// the failure terminal for dependents; the recovery manager follows up
// with RetryTask or dead-lettering.
func (s *Scheduler) MarkRunningFailed(taskID, workerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}

	t.Error = reason
	return s.persistTransition(t, models.TaskStatusFailed, &models.AuditEntry{
		Actor:   workerID,
		TaskID:  t.ID,
		Action:  models.ActionTaskFailed,
		Data:    reason,
		Outcome: "failed",
	})
}

// FailTerminally records a terminal failure: the graph marks the task
// failed and every dependent is failed fast. Called when retries are
// exhausted or the failure is permanent.
func (s *Scheduler) FailTerminally(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		// Already dead-lettered or purged; still poison dependents.
		s.graph.MarkFailed(taskID)
		s.failDependentsLocked(taskID)
		return nil
	}

	if t.Status != models.TaskStatusFailed && t.Status != models.TaskStatusDeadLettered {
		now := time.Now()
		t.Error = reason
		t.CompletedAt = &now
		if err := s.persistTransition(t, models.TaskStatusFailed, &models.AuditEntry{
			Actor:   models.ActorScheduler,
			TaskID:  t.ID,
			Action:  models.ActionTaskFailed,
			Data:    reason,
			Outcome: "failed",
		}); err != nil {
			return err
		}
	}

	s.graph.MarkFailed(taskID)
	delete(s.tasks, taskID)
	s.failDependentsLocked(taskID)
	return nil
}

// Forget drops a task from the scheduler's in-memory index after the
// recovery manager has dead-lettered it, poisoning its dependents.
func (s *Scheduler) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.graph.MarkFailed(taskID)
	delete(s.tasks, taskID)
	s.failDependentsLocked(taskID)
}

// Cancel transitions pending/waiting tasks to cancelled immediately.
// For running tasks it signals cooperative cancellation to the bound
// worker; the engine enforces the grace period and force-terminates.
func (s *Scheduler) Cancel(taskID string) (CancelOutcome, error) {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}

	switch t.Status {
	case models.TaskStatusPending, models.TaskStatusWaiting:
		now := time.Now()
		t.CompletedAt = &now
		if err := s.persistTransition(t, models.TaskStatusCancelled, &models.AuditEntry{
			Actor:   models.ActorScheduler,
			TaskID:  t.ID,
			Action:  models.ActionTaskCancelled,
			Outcome: "cancelled",
		}); err != nil {
			s.mu.Unlock()
			return "", err
		}
		// Cancellation gates dependents the same way a failure does.
		s.graph.MarkFailed(taskID)
		delete(s.tasks, taskID)
		s.failDependentsLocked(taskID)
		s.mu.Unlock()
		return CancelledImmediately, nil

	case models.TaskStatusRunning:
		cancel := s.cancelRunning
		s.mu.Unlock()
		if cancel != nil {
			cancel(taskID)
		}
		return CancelSignalled, nil

	default:
		s.mu.Unlock()
		return "", fmt.Errorf("task %s in state %s: %w", taskID, t.Status, ErrNotCancellable)
	}
}

// FinishCancelled records the terminal cancelled state for a running
// task once its worker stopped (cooperatively or by force).
func (s *Scheduler) FinishCancelled(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}

	now := time.Now()
	t.CompletedAt = &now
	if err := s.persistTransition(t, models.TaskStatusCancelled, &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  t.ID,
		Action:  models.ActionTaskCancelled,
		Outcome: "cancelled",
	}); err != nil {
		return err
	}

	s.graph.MarkFailed(taskID)
	delete(s.tasks, taskID)
	s.failDependentsLocked(taskID)
	return nil
}

// Get returns the scheduler's view of a task, falling back to the store
// for terminal tasks.
func (s *Scheduler) Get(taskID string) (*models.Task, error) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	t, err := s.db.GetTask(taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
		}
		return nil, err
	}
	return t, nil
}

// PendingCount returns the number of tasks awaiting dispatch.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusWaiting {
			n++
		}
	}
	return n
}

// promoteDependentsLocked moves waiting dependents whose dependency
// sets are now satisfied into pending. Caller must hold s.mu.
func (s *Scheduler) promoteDependentsLocked(taskID string) {
	for _, depID := range s.graph.Dependents(taskID) {
		t, ok := s.tasks[depID]
		if !ok || t.Status != models.TaskStatusWaiting {
			continue
		}
		if !s.graph.Ready(depID) {
			continue
		}
		if err := s.persistTransition(t, models.TaskStatusPending, &models.AuditEntry{
			Actor:   models.ActorScheduler,
			TaskID:  t.ID,
			Action:  models.ActionTaskRequeued,
			Data:    "dependencies satisfied",
			Outcome: "pending",
		}); err != nil {
			continue
		}
		s.seq++
		s.queue.push(t, s.seq)
	}
}

// failFastLocked terminally fails a task whose dependency failed.
// Caller must hold s.mu.
func (s *Scheduler) failFastLocked(t *models.Task, reason string) {
	now := time.Now()
	t.Error = reason
	t.CompletedAt = &now
	if err := s.persistTransition(t, models.TaskStatusFailed, &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  t.ID,
		Action:  models.ActionTaskFailed,
		Data:    reason,
		Outcome: "failed",
	}); err != nil {
		return
	}
	s.graph.MarkFailed(t.ID)
	delete(s.tasks, t.ID)
	s.failDependentsLocked(t.ID)
}

// failDependentsLocked fails every waiting/pending dependent of a
// terminally failed task, cascading. Caller must hold s.mu.
func (s *Scheduler) failDependentsLocked(taskID string) {
	for _, depID := range s.graph.Dependents(taskID) {
		t, ok := s.tasks[depID]
		if !ok {
			continue
		}
		if t.Status != models.TaskStatusWaiting && t.Status != models.TaskStatusPending {
			continue
		}
		s.failFastLocked(t, "dependency failed: "+taskID)
	}
}

// persistTransition validates the state-machine edge and writes the new
// status with its audit row, retrying on optimistic-concurrency
// conflicts with a fresh read. Caller must hold s.mu.
func (s *Scheduler) persistTransition(t *models.Task, to models.TaskStatus, entry *models.AuditEntry) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for task %s: %w", t.Status, to, t.ID, ErrValidation)
	}

	from := t.Status
	t.Status = to

	var err error
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		err = s.db.UpdateTask(t, entry)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			break
		}
		// Lost a race with a worker callback; refresh the version and
		// re-apply.
		fresh, getErr := s.db.GetTask(t.ID)
		if getErr != nil {
			err = getErr
			break
		}
		t.Version = fresh.Version
	}

	t.Status = from
	return fmt.Errorf("transition %s -> %s: %w", from, to, err)
}
