// Package engine runs the dispatch loop: it pulls runnable tasks from
// the scheduler, binds them to pooled workers, executes them in their
// mode (direct, swarm, loop), and routes failures through the recovery
// manager. Worker-local errors never abort the loop; store errors do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/dispatch/internal/backend"
	"github.com/ShayCichocki/dispatch/internal/loop"
	"github.com/ShayCichocki/dispatch/internal/pool"
	"github.com/ShayCichocki/dispatch/internal/recovery"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/internal/swarm"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Defaults for the dispatch loop.
const (
	// DefaultCancelGrace is how long a running task gets to stop
	// cooperatively before its worker is force-terminated.
	DefaultCancelGrace = 10 * time.Second
	// DefaultPollInterval bounds the wait between scheduling passes when
	// nothing is runnable.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultSyncInterval is how often external submissions and control
	// requests are picked up from the shared store.
	DefaultSyncInterval = time.Second
)

// Config controls the dispatch loop.
type Config struct {
	// CancelGrace is the cooperative-cancellation grace period.
	CancelGrace time.Duration
	// PollInterval is the idle re-check period of the scheduling loop.
	PollInterval time.Duration
	// SyncInterval is how often the loop adopts submissions and control
	// requests filed by other processes against the shared store.
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	return c
}

// inflight tracks one task currently executing on a worker.
type inflight struct {
	task     *models.Task
	workerID string
	cancel   context.CancelFunc

	// cancelled marks a cooperative cancellation request; the completion
	// path finishes the task as cancelled instead of failed.
	cancelled bool
	// workerDead marks that the heartbeat sweep declared the worker dead
	// while the task was inflight.
	workerDead bool
}

// swarmWait tracks a swarm parent awaiting terminal sub-tasks.
type swarmWait struct {
	parent *models.Task
	plan   *swarm.Plan
	ids    []string

	// cancelled marks a parent cancellation; settlement finishes the
	// parent as cancelled instead of aggregating.
	cancelled bool
	// settling guards against concurrent settlement attempts.
	settling bool
}

// completion is what an execution goroutine reports back to the loop.
type completion struct {
	task     *models.Task
	workerID string
	result   string
	err      error
}

// Engine owns the scheduling loop and the execution-mode glue.
type Engine struct {
	cfg Config

	db      *store.DB
	sched   *scheduler.Scheduler
	pool    *pool.Pool
	swarms  *swarm.Coordinator
	loops   *loop.Executor
	rec     *recovery.Manager
	backend backend.Backend

	mu       sync.Mutex
	inflight map[string]*inflight
	waits    map[string]*swarmWait

	completions chan completion
	wg          sync.WaitGroup

	events  chan Event
	dropped atomic.Uint64

	// trace is the optional file-backed decision trace; a nil logger is
	// a no-op, so trace calls stay unconditional.
	trace *TraceLogger

	// runCtx is the context Run was started with. Backend calls made
	// outside a task goroutine (judging, reduce aggregation) use it so
	// shutdown cancels them too.
	runCtx context.Context

	// after is injectable for cancellation-grace tests.
	after func(d time.Duration, fn func()) *time.Timer
}

// New wires an engine over the scheduler, pool, and execution backend.
// It installs the scheduler's cancellation hook and the pool's
// heartbeat-timeout handler.
func New(cfg Config, db *store.DB, sched *scheduler.Scheduler, p *pool.Pool, b backend.Backend) *Engine {
	e := &Engine{
		cfg:         cfg.withDefaults(),
		db:          db,
		sched:       sched,
		pool:        p,
		backend:     b,
		inflight:    make(map[string]*inflight),
		waits:       make(map[string]*swarmWait),
		completions: make(chan completion, p.MaxWorkers()),
		events:      make(chan Event, 100),
		runCtx:      context.Background(),
		after:       time.AfterFunc,
	}

	e.swarms = swarm.New(sched, db)
	e.swarms.SetReducer(e.reduce)
	e.loops = loop.New(db, e.invokeIteration)
	e.loops.SetJudge(e.judge)
	e.rec = recovery.New(db, sched)

	sched.SetCancelFunc(e.cancelRunning)
	p.SetHeartbeatTimeoutHandler(e.onWorkerDead)
	return e
}

// Recovery exposes the failure manager for dead-letter operations.
func (e *Engine) Recovery() *recovery.Manager {
	return e.rec
}

// Loops exposes the loop executor for check registration.
func (e *Engine) Loops() *loop.Executor {
	return e.loops
}

// SetTraceLogger installs a decision-trace logger. Call before Run.
func (e *Engine) SetTraceLogger(l *TraceLogger) {
	e.trace = l
}

// Events returns the engine event channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// DroppedEventCount returns how many events were dropped because the
// channel was full.
func (e *Engine) DroppedEventCount() uint64 {
	return e.dropped.Load()
}

func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Submit accepts a single new task.
func (e *Engine) Submit(t *models.Task) (string, error) {
	id, err := e.sched.Submit(t)
	if err != nil {
		return "", err
	}
	e.emit(Event{Type: EventTaskQueued, TaskID: id, Message: fmt.Sprintf("priority %d, %s mode", t.Priority, t.Mode)})
	return id, nil
}

// Run drives the scheduling loop until ctx is cancelled or a store
// error makes dispatch unsafe.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	lastSync := time.Now()
	for {
		if time.Since(lastSync) >= e.cfg.SyncInterval {
			e.syncExternal()
			lastSync = time.Now()
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case c := <-e.completions:
			if err := e.settle(c); err != nil {
				return err
			}
			continue
		default:
		}

		// Don't pop a task without a slot to run it: a pop-and-requeue
		// under saturation would reorder equal-priority tasks.
		if e.pool.ActiveCount() >= e.pool.MaxWorkers() {
			select {
			case <-ctx.Done():
				e.shutdown()
				return ctx.Err()
			case c := <-e.completions:
				if err := e.settle(c); err != nil {
					return err
				}
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		t := e.sched.NextRunnable()
		if t == nil {
			select {
			case <-ctx.Done():
				e.shutdown()
				return ctx.Err()
			case c := <-e.completions:
				if err := e.settle(c); err != nil {
					return err
				}
			case <-e.sched.Notify():
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		if err := e.dispatch(ctx, t); err != nil {
			return err
		}
	}
}

// shutdown cancels inflight work and waits for execution goroutines.
// Tasks left running are requeued by crash recovery on the next start.
func (e *Engine) shutdown() {
	e.mu.Lock()
	for _, inf := range e.inflight {
		inf.cancel()
	}
	e.mu.Unlock()

	e.rec.Stop()
	e.wg.Wait()
}

// dispatch hands one runnable task to its execution path. Swarm parents
// never occupy a worker slot; they fan out and wait for their sub-tasks.
func (e *Engine) dispatch(ctx context.Context, t *models.Task) error {
	if t.Mode == models.ModeSwarm {
		return e.dispatchSwarm(t)
	}

	w, err := e.pool.TrySpawn(ctx, pool.SpawnConfig{Specialization: t.Specialization, Priority: t.Priority})
	if err != nil {
		// No capacity (or spawn failed): put the task back and wait for a
		// completion to free a slot.
		e.sched.Requeue(t)
		if !errors.Is(err, pool.ErrPoolSaturated) {
			log.Printf("[ENGINE] spawn for task %s: %v", t.ID, err)
		}
		select {
		case <-ctx.Done():
		case c := <-e.completions:
			return e.settle(c)
		case <-time.After(e.cfg.PollInterval):
		}
		return nil
	}

	if err := e.pool.Assign(w.ID, t); err != nil {
		e.sched.Requeue(t)
		_ = e.pool.Terminate(w.ID)
		log.Printf("[ENGINE] assign task %s to worker %s: %v", t.ID, w.ID, err)
		return nil
	}
	if err := e.sched.StartTask(t, w.ID); err != nil {
		_ = e.pool.Release(w.ID)
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	inf := &inflight{task: t, workerID: w.ID, cancel: cancel}
	e.mu.Lock()
	e.inflight[t.ID] = inf
	e.mu.Unlock()

	e.trace.Log("dispatch %s to %s (priority %d, %s mode)", t.ID, w.ID, t.Priority, t.Mode)
	e.emit(Event{Type: EventTaskStarted, TaskID: t.ID, WorkerID: w.ID})

	e.wg.Add(1)
	go e.runTask(taskCtx, inf)
	return nil
}

// runTask executes one task on its worker and reports the outcome. The
// completions channel is sized to the pool, so the send never blocks.
func (e *Engine) runTask(ctx context.Context, inf *inflight) {
	defer e.wg.Done()

	stopHeartbeats := e.startHeartbeats(ctx, inf.workerID)
	result, err := e.execute(ctx, inf.task)
	stopHeartbeats()

	e.completions <- completion{task: inf.task, workerID: inf.workerID, result: result, err: err}
}

// startHeartbeats reports worker liveness at half the heartbeat
// interval while the task executes.
func (e *Engine) startHeartbeats(ctx context.Context, workerID string) func() {
	hbCtx, stop := context.WithCancel(ctx)
	interval := e.pool.HeartbeatInterval() / 2
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.pool.Heartbeat(workerID, nil); err != nil {
					return
				}
			}
		}
	}()
	return stop
}

// execute runs a task in its mode and returns the result payload.
func (e *Engine) execute(ctx context.Context, t *models.Task) (string, error) {
	switch t.Mode {
	case models.ModeLoop:
		return e.executeLoop(ctx, t)
	default:
		return e.executeDirect(ctx, t)
	}
}

// settle handles one completed execution: success completes the task,
// cancellation finishes it cancelled, and failure goes through the
// recovery manager. Returns an error only when the store is unusable.
func (e *Engine) settle(c completion) error {
	e.mu.Lock()
	inf := e.inflight[c.task.ID]
	delete(e.inflight, c.task.ID)
	cancelled := inf != nil && inf.cancelled
	workerDead := inf != nil && inf.workerDead
	e.mu.Unlock()
	if inf != nil {
		inf.cancel()
	}

	switch {
	case cancelled:
		e.releaseWorker(c.workerID)
		if err := e.sched.FinishCancelled(c.task.ID); err != nil {
			return err
		}
		e.trace.Log("task %s cancelled on %s", c.task.ID, c.workerID)
		e.emit(Event{Type: EventTaskCancelled, TaskID: c.task.ID, WorkerID: c.workerID})

	case c.err != nil:
		e.trace.Log("task %s failed on %s: %v", c.task.ID, c.workerID, c.err)
		if workerDead {
			// The sweep already terminated the worker; reassignment is a
			// transient condition.
			c.err = recovery.Transient(fmt.Errorf("%w: %v", pool.ErrHeartbeatTimeout, c.err))
		}
		e.releaseWorker(c.workerID)
		if err := e.sched.MarkRunningFailed(c.task.ID, c.workerID, c.err.Error()); err != nil {
			return err
		}
		decision, err := e.rec.HandleFailure(c.task, c.err)
		if err != nil {
			return err
		}
		if decision.Disposition == recovery.DispositionRetry {
			e.trace.Log("task %s retry %d scheduled in %s", c.task.ID, decision.Attempt, decision.Delay)
			e.emit(Event{Type: EventTaskRetrying, TaskID: c.task.ID, WorkerID: c.workerID,
				Error: c.err.Error(), Message: fmt.Sprintf("attempt %d in %s", decision.Attempt, decision.Delay)})
			return nil
		}
		e.trace.Log("task %s dead-lettered", c.task.ID)
		e.emit(Event{Type: EventTaskDeadLettered, TaskID: c.task.ID, WorkerID: c.workerID, Error: c.err.Error()})

	default:
		e.releaseWorker(c.workerID)
		if err := e.sched.CompleteTask(c.task.ID, c.workerID, c.result); err != nil {
			return err
		}
		e.trace.Log("task %s completed on %s", c.task.ID, c.workerID)
		e.emit(Event{Type: EventTaskCompleted, TaskID: c.task.ID, WorkerID: c.workerID})
	}

	// A terminal sub-task may settle its parent swarm.
	if c.task.ParentID != "" {
		return e.checkSwarm(c.task.ParentID)
	}
	return nil
}

// releaseWorker returns a worker to the pool, tolerating workers the
// sweep or a forced cancellation already removed.
func (e *Engine) releaseWorker(workerID string) {
	if err := e.pool.Release(workerID); err != nil && !errors.Is(err, pool.ErrWorkerNotFound) {
		log.Printf("[ENGINE] release worker %s: %v", workerID, err)
	}
}

// dispatchSwarm fans a swarm parent out into sub-tasks and registers
// the parent to be settled once they all finish. A parent requeued by
// crash recovery finds its sub-task ids taken and re-attaches to the
// persisted children instead of re-distributing.
func (e *Engine) dispatchSwarm(t *models.Task) error {
	if err := e.sched.StartTask(t, models.ActorScheduler); err != nil {
		return err
	}

	plan, ids, err := e.swarms.Distribute(t)
	if errors.Is(err, scheduler.ErrDuplicateTask) {
		plan, ids, err = e.swarms.Recovered(t)
	}
	if err != nil {
		if mErr := e.sched.MarkRunningFailed(t.ID, models.ActorScheduler, err.Error()); mErr != nil {
			return mErr
		}
		if _, hErr := e.rec.HandleFailure(t, recovery.Permanent(err)); hErr != nil {
			return hErr
		}
		e.emit(Event{Type: EventTaskDeadLettered, TaskID: t.ID, Error: err.Error()})
		return nil
	}

	e.mu.Lock()
	e.waits[t.ID] = &swarmWait{parent: t, plan: plan, ids: ids}
	e.mu.Unlock()

	e.trace.Log("swarm %s fanned out %d subtasks (%s/%s)", t.ID, len(ids), plan.Assign, plan.Aggregate)
	e.emit(Event{Type: EventSwarmDispatched, TaskID: t.ID,
		Message: fmt.Sprintf("%d subtasks, %s/%s", len(ids), plan.Assign, plan.Aggregate)})

	// Recovered swarms may already have every sub-task terminal.
	return e.checkSwarm(t.ID)
}

// checkSwarm settles a waiting swarm parent once every sub-task reached
// a settled state. Failed sub-tasks still inside their retry budget are
// not settled: they either requeue or dead-letter.
func (e *Engine) checkSwarm(parentID string) error {
	e.mu.Lock()
	w, ok := e.waits[parentID]
	if !ok || w.settling {
		e.mu.Unlock()
		return nil
	}
	w.settling = true
	e.mu.Unlock()

	subs, err := e.swarms.Subtasks(parentID, w.ids)
	if err != nil {
		e.mu.Lock()
		w.settling = false
		e.mu.Unlock()
		return err
	}
	for _, sub := range subs {
		switch sub.Status {
		case models.TaskStatusCompleted, models.TaskStatusCancelled, models.TaskStatusDeadLettered:
		default:
			e.mu.Lock()
			w.settling = false
			e.mu.Unlock()
			return nil
		}
	}

	e.mu.Lock()
	delete(e.waits, parentID)
	cancelled := w.cancelled
	e.mu.Unlock()

	if cancelled {
		if err := e.sched.FinishCancelled(parentID); err != nil {
			return err
		}
		e.emit(Event{Type: EventTaskCancelled, TaskID: parentID})
	} else {
		outcome, err := e.swarms.Settle(w.parent, w.plan, subs)
		if err != nil {
			return err
		}
		e.trace.Log("swarm %s settled: failed=%t partial=%t ratio=%.2f", parentID, outcome.Failed, outcome.Partial, outcome.FailedRatio)

		if outcome.Failed {
			reason := fmt.Sprintf("swarm failure ratio %.2f over threshold %.2f", outcome.FailedRatio, w.plan.FailureThreshold)
			if err := e.sched.MarkRunningFailed(parentID, models.ActorScheduler, reason); err != nil {
				return err
			}
			if _, err := e.rec.HandleFailure(w.parent, recovery.Permanent(errors.New(reason))); err != nil {
				return err
			}
			e.emit(Event{Type: EventSwarmSettled, TaskID: parentID, Error: reason})
		} else {
			w.parent.Partial = outcome.Partial
			if err := e.sched.CompleteTask(parentID, models.ActorScheduler, outcome.Result); err != nil {
				return err
			}
			msg := "completed"
			if outcome.Partial {
				msg = fmt.Sprintf("completed partial, failure ratio %.2f", outcome.FailedRatio)
			}
			e.emit(Event{Type: EventSwarmSettled, TaskID: parentID, Message: msg})
		}
	}

	// The parent may itself be a sub-task of a larger swarm.
	if w.parent.ParentID != "" {
		return e.checkSwarm(w.parent.ParentID)
	}
	return nil
}

// Cancel requests cancellation of a task. Pending and waiting tasks are
// cancelled immediately; running tasks get the cooperative signal with
// the grace period enforced by cancelRunning.
func (e *Engine) Cancel(taskID string) (scheduler.CancelOutcome, error) {
	t, err := e.sched.Get(taskID)
	if err != nil {
		return "", err
	}

	outcome, err := e.sched.Cancel(taskID)
	if err != nil {
		return "", err
	}
	if outcome == scheduler.CancelledImmediately {
		e.emit(Event{Type: EventTaskCancelled, TaskID: taskID})
		if t.ParentID != "" {
			if err := e.checkSwarm(t.ParentID); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}

// cancelRunning is the scheduler's hook for running tasks: it signals
// the inflight execution to stop and arms the grace timer that
// force-terminates the worker. For a waiting swarm parent it cascades
// cancellation to the sub-tasks.
func (e *Engine) cancelRunning(taskID string) {
	e.mu.Lock()
	if w, ok := e.waits[taskID]; ok {
		w.cancelled = true
		ids := append([]string(nil), w.ids...)
		e.mu.Unlock()
		for _, id := range ids {
			if _, err := e.Cancel(id); err != nil &&
				!errors.Is(err, scheduler.ErrNotCancellable) && !errors.Is(err, scheduler.ErrTaskNotFound) {
				log.Printf("[ENGINE] cancel subtask %s of %s: %v", id, taskID, err)
			}
		}
		return
	}

	inf, ok := e.inflight[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	inf.cancelled = true
	workerID := inf.workerID
	e.mu.Unlock()

	e.trace.Log("cancel signalled to %s for task %s, grace %s", workerID, taskID, e.cfg.CancelGrace)
	inf.cancel()
	e.after(e.cfg.CancelGrace, func() {
		e.mu.Lock()
		_, still := e.inflight[taskID]
		e.mu.Unlock()
		if still {
			log.Printf("[ENGINE] task %s ignored cancellation, force-terminating worker %s", taskID, workerID)
			_ = e.pool.Fail(workerID, "cancellation grace expired")
		}
	})
}

// onWorkerDead is the pool's heartbeat-timeout notification: the worker
// is already terminated, so the inflight execution is cancelled and the
// completion path classifies the failure as transient.
func (e *Engine) onWorkerDead(w *models.Worker) {
	if w.TaskID == "" {
		return
	}
	e.mu.Lock()
	inf := e.inflight[w.TaskID]
	if inf != nil {
		inf.workerDead = true
	}
	e.mu.Unlock()
	if inf != nil {
		e.trace.Log("worker %s missed heartbeats with task %s inflight", w.ID, w.TaskID)
		inf.cancel()
	}
}
