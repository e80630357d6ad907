package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ErrPoolSaturated indicates no concurrency slot is free; the caller
// may retry later. This is not a task failure.
var ErrPoolSaturated = errors.New("worker pool saturated")

// ErrWorkerNotFound indicates the referenced worker is not in the pool.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrHeartbeatTimeout indicates a worker missed its heartbeat budget
// and is presumed dead.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Defaults for pool sizing and heartbeat policy.
const (
	DefaultMaxWorkers        = 10
	MaxWorkersCeiling        = 50
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMisses   = 3
)

// Config controls pool sizing, heartbeat policy, and idle teardown.
type Config struct {
	// MaxWorkers is the concurrency ceiling, capped at MaxWorkersCeiling.
	MaxWorkers int
	// HeartbeatInterval is the expected liveness reporting period.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals may elapse before a worker
	// is presumed dead.
	HeartbeatMisses int
	// IdleTimeout is how long a released worker may sit idle before
	// teardown. Zero tears workers down immediately on release.
	IdleTimeout time.Duration
}

// withDefaults fills zero fields with defaults and clamps the ceiling.
func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxWorkers > MaxWorkersCeiling {
		c.MaxWorkers = MaxWorkersCeiling
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	return c
}

// SpawnConfig describes the worker being requested.
type SpawnConfig struct {
	// Specialization tags the kind of work the worker is tuned for.
	Specialization string
	// Priority is the bound task's priority, used for termination
	// victim selection under resource pressure.
	Priority int
}

// Initializer prepares a freshly spawned worker, for example verifying
// the execution backend accepts requests. A failure moves the worker to
// failed instead of idle.
type Initializer func(ctx context.Context, w *models.Worker) error

// Pool is the bounded worker pool. The scheduler never touches workers
// directly; everything goes through Spawn/Assign/Release/Terminate.
type Pool struct {
	cfg Config
	db  *store.DB

	// slots is the fixed-size semaphore; acquiring it is the only
	// blocking point in Spawn.
	slots chan struct{}

	mu      sync.RWMutex
	workers map[string]*models.Worker

	events  chan Event
	dropped atomic.Uint64

	init Initializer

	// throttled is consulted before granting a slot; the resource
	// monitor installs it to delay spawns under memory pressure.
	throttled func() bool

	// onHeartbeatTimeout notifies the recovery manager that a worker
	// died silently and its task needs reassignment.
	onHeartbeatTimeout func(w *models.Worker)

	// clock is injectable for heartbeat tests.
	clock func() time.Time
}

// New creates a worker pool persisting lifecycle state to db.
func New(cfg Config, db *store.DB) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		db:      db,
		slots:   make(chan struct{}, cfg.MaxWorkers),
		workers: make(map[string]*models.Worker),
		events:  make(chan Event, 100),
		clock:   time.Now,
	}
}

// SetInitializer sets the worker initialization hook.
func (p *Pool) SetInitializer(fn Initializer) {
	p.init = fn
}

// SetThrottle installs the resource monitor's spawn gate.
func (p *Pool) SetThrottle(fn func() bool) {
	p.throttled = fn
}

// SetHeartbeatTimeoutHandler registers the recovery notification for
// silently failed workers.
func (p *Pool) SetHeartbeatTimeoutHandler(fn func(w *models.Worker)) {
	p.onHeartbeatTimeout = fn
}

// Events returns the worker lifecycle event channel.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// DroppedEventCount returns how many events were dropped because the
// channel was full.
func (p *Pool) DroppedEventCount() uint64 {
	return p.dropped.Load()
}

func (p *Pool) emit(e Event) {
	e.Timestamp = p.clock()
	select {
	case p.events <- e:
	default:
		p.dropped.Add(1)
	}
}

// Spawn blocks until a concurrency slot is free (or ctx is done), then
// creates a worker and initializes it. The worker lands in idle, or in
// failed if initialization errors.
func (p *Pool) Spawn(ctx context.Context, cfg SpawnConfig) (*models.Worker, error) {
	if err := p.waitThrottle(ctx); err != nil {
		return nil, err
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return p.spawnWithSlot(ctx, cfg)
}

// TrySpawn is the non-blocking variant: it fails with ErrPoolSaturated
// when no slot is immediately free.
func (p *Pool) TrySpawn(ctx context.Context, cfg SpawnConfig) (*models.Worker, error) {
	if p.throttled != nil && p.throttled() {
		return nil, fmt.Errorf("spawns throttled by resource monitor: %w", ErrPoolSaturated)
	}

	select {
	case p.slots <- struct{}{}:
	default:
		return nil, ErrPoolSaturated
	}

	return p.spawnWithSlot(ctx, cfg)
}

// waitThrottle delays while the resource monitor is throttling spawns.
func (p *Pool) waitThrottle(ctx context.Context) error {
	if p.throttled == nil {
		return nil
	}
	for p.throttled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}

// spawnWithSlot creates and initializes a worker. The caller has
// already acquired a slot; it is released on any failure path.
func (p *Pool) spawnWithSlot(ctx context.Context, cfg SpawnConfig) (*models.Worker, error) {
	now := p.clock()
	w := &models.Worker{
		ID:             "w-" + uuid.New().String()[:8],
		Specialization: cfg.Specialization,
		State:          models.WorkerSpawning,
		Priority:       cfg.Priority,
		SpawnedAt:      now,
		LastHeartbeat:  now,
	}

	if err := p.db.CreateWorker(w); err != nil {
		<-p.slots
		return nil, fmt.Errorf("persist worker: %w", err)
	}

	p.mu.Lock()
	p.workers[w.ID] = w
	p.mu.Unlock()

	if p.init != nil {
		if err := p.init(ctx, w); err != nil {
			p.terminate(w, models.WorkerFailed, "initialization failed: "+err.Error())
			return nil, fmt.Errorf("initialize worker %s: %w", w.ID, err)
		}
	}

	p.mu.Lock()
	w.State = models.WorkerIdle
	p.mu.Unlock()

	if err := p.db.UpdateWorker(w); err != nil {
		p.terminate(w, models.WorkerFailed, "persist idle state failed")
		return nil, fmt.Errorf("persist worker state: %w", err)
	}

	p.emit(Event{Type: EventWorkerSpawned, WorkerID: w.ID, State: models.WorkerIdle})
	return w, nil
}

// Assign binds an idle worker to a task and moves it to busy. The pool
// does not inspect task semantics.
func (p *Pool) Assign(workerID string, task *models.Task) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker %s: %w", workerID, ErrWorkerNotFound)
	}
	if w.State != models.WorkerIdle {
		p.mu.Unlock()
		return fmt.Errorf("worker %s is %s, not idle", workerID, w.State)
	}
	w.State = models.WorkerBusy
	w.TaskID = task.ID
	w.Priority = task.Priority
	p.mu.Unlock()

	if err := p.db.UpdateWorker(w); err != nil {
		return fmt.Errorf("persist assignment: %w", err)
	}

	p.emit(Event{Type: EventWorkerAssigned, WorkerID: w.ID, TaskID: task.ID, State: models.WorkerBusy})
	return nil
}

// Release unbinds a worker from its task. Per the idle-timeout policy a
// released worker either returns to idle or is torn down; with the
// default zero timeout it is torn down immediately, releasing its slot.
func (p *Pool) Release(workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker %s: %w", workerID, ErrWorkerNotFound)
	}
	taskID := w.TaskID
	w.State = models.WorkerIdle
	p.mu.Unlock()

	p.emit(Event{Type: EventWorkerReleased, WorkerID: w.ID, TaskID: taskID, State: models.WorkerIdle})

	if p.cfg.IdleTimeout <= 0 {
		// TaskID stays set so the terminal audit row keeps the task
		// association.
		p.terminate(w, models.WorkerTerminated, "released")
		return nil
	}

	p.mu.Lock()
	w.TaskID = ""
	p.mu.Unlock()
	return p.db.UpdateWorker(w)
}

// Heartbeat records a liveness report and an updated resource snapshot
// for an active worker. Liveness is independent of task completion, so
// a slow task does not count as a missed heartbeat.
func (p *Pool) Heartbeat(workerID string, usage *models.ResourceUsage) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker %s: %w", workerID, ErrWorkerNotFound)
	}
	w.LastHeartbeat = p.clock()
	if usage != nil {
		w.Usage = *usage
	}
	w.Usage.Elapsed = w.LastHeartbeat.Sub(w.SpawnedAt)
	p.mu.Unlock()

	return p.db.UpdateWorker(w)
}

// Fail force-terminates a worker into the failed state, for example
// after a cancellation grace period expires.
func (p *Pool) Fail(workerID, reason string) error {
	p.mu.RLock()
	w, ok := p.workers[workerID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrWorkerNotFound)
	}
	p.terminate(w, models.WorkerFailed, reason)
	return nil
}

// Terminate shuts a worker down cleanly.
func (p *Pool) Terminate(workerID string) error {
	p.mu.RLock()
	w, ok := p.workers[workerID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrWorkerNotFound)
	}
	p.terminate(w, models.WorkerTerminated, "terminated")
	return nil
}

// terminate persists the terminal state and final resource snapshot to
// the audit log before removing the worker from the pool, then frees
// its slot.
func (p *Pool) terminate(w *models.Worker, state models.WorkerState, reason string) {
	p.mu.Lock()
	if _, ok := p.workers[w.ID]; !ok {
		// Already terminated; never double-release the slot.
		p.mu.Unlock()
		return
	}
	now := p.clock()
	w.State = state
	w.Usage.Elapsed = now.Sub(w.SpawnedAt)
	delete(p.workers, w.ID)
	p.mu.Unlock()

	action := models.ActionWorkerReleased
	if state == models.WorkerFailed {
		action = models.ActionWorkerFailed
	}
	entry := &models.AuditEntry{
		Actor:   w.ID,
		TaskID:  w.TaskID,
		Action:  action,
		Data:    fmt.Sprintf(`{"reason":%q,"tokens":%d,"cost":%f}`, reason, w.Usage.TokensUsed, w.Usage.Cost),
		Outcome: string(state),
	}
	if err := p.db.TerminateWorker(w, now, entry); err != nil {
		// The in-memory removal stands; the row keeps its last state.
		p.emit(Event{Type: EventWorkerFailed, WorkerID: w.ID, Message: "persist terminal state: " + err.Error()})
	}

	eventType := EventWorkerTerminated
	if state == models.WorkerFailed {
		eventType = EventWorkerFailed
	}
	p.emit(Event{Type: eventType, WorkerID: w.ID, TaskID: w.TaskID, State: state, Message: reason})

	<-p.slots
}

// Get returns the pool's view of a worker.
func (p *Pool) Get(workerID string) (*models.Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[workerID]
	return w, ok
}

// ActiveCount returns the number of workers currently holding slots.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// ActiveWorkers returns a snapshot of all workers in the pool.
func (p *Pool) ActiveWorkers() []*models.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workers := make([]*models.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		copied := *w
		workers = append(workers, &copied)
	}
	return workers
}

// MaxWorkers returns the configured concurrency ceiling.
func (p *Pool) MaxWorkers() int {
	return p.cfg.MaxWorkers
}

// HeartbeatInterval returns the configured liveness reporting period.
func (p *Pool) HeartbeatInterval() time.Duration {
	return p.cfg.HeartbeatInterval
}

// TerminateLowestPriority force-terminates the active worker bound to
// the lowest-priority task, reclaiming headroom under resource
// pressure. Returns the victim, or nil if the pool is empty.
func (p *Pool) TerminateLowestPriority(reason string) *models.Worker {
	p.mu.RLock()
	var victim *models.Worker
	for _, w := range p.workers {
		if w.State != models.WorkerBusy {
			continue
		}
		if victim == nil || w.Priority < victim.Priority {
			victim = w
		}
	}
	p.mu.RUnlock()

	if victim == nil {
		return nil
	}
	p.terminate(victim, models.WorkerFailed, reason)
	return victim
}
