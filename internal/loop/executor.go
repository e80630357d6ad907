package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ErrCheckpointCorrupt indicates the latest checkpoint for a task could
// not be decoded; the operator decides whether to restart or abandon.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// Defaults for loop bounds.
const (
	DefaultMaxIterations   = 10
	DefaultTimeout         = time.Hour
	DefaultCheckpointEvery = 1
)

// Spec is the parsed definition a loop-mode task carries as its input
// payload.
type Spec struct {
	// Prompt is the base instruction refined each iteration.
	Prompt string
	// Criterion decides convergence.
	Criterion Criterion
	// MaxIterations bounds the iteration count.
	MaxIterations int
	// Timeout bounds the loop's wall-clock time.
	Timeout time.Duration
	// CheckpointEvery persists state every N iterations; terminal
	// iterations always checkpoint.
	CheckpointEvery int
}

// specJSON is the wire shape of a loop spec; criterion is a tagged
// union discriminated by type.
type specJSON struct {
	Prompt          string  `json:"prompt"`
	MaxIterations   int     `json:"max_iterations,omitempty"`
	Timeout         string  `json:"timeout,omitempty"`
	CheckpointEvery int     `json:"checkpoint_every,omitempty"`
	Criterion       struct {
		Type      string  `json:"type"`
		Target    float64 `json:"target,omitempty"`
		Direction string  `json:"direction,omitempty"`
		Window    int     `json:"window,omitempty"`
		Tolerance float64 `json:"tolerance,omitempty"`
		Name      string  `json:"name,omitempty"`
		Threshold float64 `json:"threshold,omitempty"`
	} `json:"criterion"`
}

// Invoker runs one iteration on a worker: it receives the task, the
// 1-indexed iteration number, and the previous iteration (nil on the
// first), and returns the refined output with its convergence metric.
type Invoker func(ctx context.Context, task *models.Task, iteration int, prev *models.IterationResult) (string, float64, error)

// Executor drives loop-mode tasks through iterate/evaluate/checkpoint
// cycles.
type Executor struct {
	db     *store.DB
	invoke Invoker
	judge  JudgeFunc
	checks map[string]CheckFunc
	clock  func() time.Time
}

// New creates a loop executor persisting checkpoints to db and running
// iterations through invoke.
func New(db *store.DB, invoke Invoker) *Executor {
	return &Executor{
		db:     db,
		invoke: invoke,
		checks: make(map[string]CheckFunc),
		clock:  time.Now,
	}
}

// SetJudge installs the scoring step backing judged criteria.
func (e *Executor) SetJudge(j JudgeFunc) {
	e.judge = j
}

// RegisterCheck makes a named predicate available to external-check
// criteria.
func (e *Executor) RegisterCheck(name string, fn CheckFunc) {
	e.checks[name] = fn
}

// ParseSpec decodes a loop task's input payload, applying defaults and
// resolving the convergence criterion.
func (e *Executor) ParseSpec(raw string) (*Spec, error) {
	var sj specJSON
	if err := json.Unmarshal([]byte(raw), &sj); err != nil {
		return nil, fmt.Errorf("parse loop spec: %w", err)
	}

	spec := &Spec{
		Prompt:          sj.Prompt,
		MaxIterations:   sj.MaxIterations,
		CheckpointEvery: sj.CheckpointEvery,
		Timeout:         DefaultTimeout,
	}
	if spec.MaxIterations <= 0 {
		spec.MaxIterations = DefaultMaxIterations
	}
	if spec.CheckpointEvery <= 0 {
		spec.CheckpointEvery = DefaultCheckpointEvery
	}
	if sj.Timeout != "" {
		d, err := time.ParseDuration(sj.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse loop timeout: %w", err)
		}
		spec.Timeout = d
	}

	switch sj.Criterion.Type {
	case "threshold":
		dir := Direction(sj.Criterion.Direction)
		if dir != Maximize && dir != Minimize {
			return nil, fmt.Errorf("threshold criterion: unknown direction %q", sj.Criterion.Direction)
		}
		spec.Criterion = Threshold{Target: sj.Criterion.Target, Direction: dir}
	case "stability":
		window := sj.Criterion.Window
		if window == 0 {
			window = 3
		}
		spec.Criterion = Stability{Window: window, Tolerance: sj.Criterion.Tolerance}
	case "external":
		spec.Criterion = ExternalCheck{Name: sj.Criterion.Name, Check: e.checks[sj.Criterion.Name]}
	case "judged":
		spec.Criterion = Judged{Threshold: sj.Criterion.Threshold, Judge: e.judge}
	default:
		return nil, fmt.Errorf("unknown criterion type %q", sj.Criterion.Type)
	}

	return spec, nil
}

// Run executes a loop task to a terminal convergence status, resuming
// from the latest checkpoint when one exists. A completed iteration is
// never replayed: resumption continues from the checkpointed iteration
// count. The returned state's Latest() output is the task result on
// convergence.
func (e *Executor) Run(ctx context.Context, task *models.Task) (*models.LoopState, error) {
	spec, err := e.ParseSpec(task.Input)
	if err != nil {
		return nil, err
	}

	state, resumed, err := e.loadOrInit(task.ID)
	if err != nil {
		return nil, err
	}
	if resumed {
		log.Printf("[LOOP] task %s resuming at iteration %d", task.ID, state.Iteration)
		if err := e.db.AppendAudit(&models.AuditEntry{
			Actor:   models.ActorScheduler,
			TaskID:  task.ID,
			Action:  models.ActionLoopResumed,
			Data:    fmt.Sprintf(`{"iteration":%d}`, state.Iteration),
			Outcome: "resumed",
		}); err != nil {
			return nil, fmt.Errorf("audit loop resume: %w", err)
		}
	}

	deadline := state.StartedAt.Add(spec.Timeout)

	for {
		if ctx.Err() != nil {
			state.Status = models.ConvergenceFailed
			e.checkpoint(task.ID, state)
			return state, ctx.Err()
		}
		if !e.clock().Before(deadline) {
			state.Status = models.ConvergenceTimedOut
			e.checkpoint(task.ID, state)
			return state, nil
		}
		if state.Iteration >= spec.MaxIterations {
			state.Status = models.ConvergenceExhausted
			e.checkpoint(task.ID, state)
			return state, nil
		}

		iteration := state.Iteration + 1
		output, metric, err := e.invoke(ctx, task, iteration, state.Latest())
		if err != nil {
			state.Status = models.ConvergenceFailed
			e.checkpoint(task.ID, state)
			return state, fmt.Errorf("iteration %d of %s: %w", iteration, task.ID, err)
		}

		result := models.IterationResult{
			Iteration:   iteration,
			Output:      output,
			Metric:      metric,
			CompletedAt: e.clock(),
		}

		converged, distance, err := spec.Criterion.Evaluate(stateWith(state, result), result)
		if err != nil {
			state.Record(result)
			state.Status = models.ConvergenceFailed
			e.checkpoint(task.ID, state)
			return state, fmt.Errorf("evaluate %s for %s: %w", spec.Criterion.Describe(), task.ID, err)
		}
		result.Distance = distance
		state.Record(result)
		if converged {
			state.Status = models.ConvergenceReached
		}

		if err := e.db.AppendAudit(&models.AuditEntry{
			Actor:   models.ActorScheduler,
			TaskID:  task.ID,
			Action:  models.ActionConvergenceEval,
			Data:    fmt.Sprintf(`{"iteration":%d,"metric":%g,"distance":%g,"criterion":%q}`, iteration, metric, distance, spec.Criterion.Describe()),
			Outcome: string(state.Status),
		}); err != nil {
			return nil, fmt.Errorf("audit convergence eval: %w", err)
		}

		if converged || iteration%spec.CheckpointEvery == 0 {
			if err := e.checkpoint(task.ID, state); err != nil {
				state.Status = models.ConvergenceFailed
				return state, err
			}
		}

		if converged {
			return state, nil
		}
	}
}

// loadOrInit resumes from the latest checkpoint or starts a fresh
// state. A checkpoint that fails to decode surfaces
// ErrCheckpointCorrupt rather than silently restarting the loop.
func (e *Executor) loadOrInit(taskID string) (*models.LoopState, bool, error) {
	cp, err := e.db.LatestCheckpoint(taskID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.LoopState{
			TaskID:    taskID,
			Status:    models.ConvergenceNone,
			StartedAt: e.clock(),
		}, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var state models.LoopState
	if err := json.Unmarshal([]byte(cp.State), &state); err != nil {
		return nil, false, fmt.Errorf("checkpoint %s/%d: %w", cp.TaskID, cp.Iteration, ErrCheckpointCorrupt)
	}
	if state.TaskID != taskID {
		return nil, false, fmt.Errorf("checkpoint %s/%d names task %q: %w", cp.TaskID, cp.Iteration, state.TaskID, ErrCheckpointCorrupt)
	}
	return &state, true, nil
}

// checkpoint persists the current state keyed by iteration. Duplicate
// iterations (a resume that re-lands on a checkpointed boundary) are
// tolerated; checkpoints are immutable so the original row stands.
func (e *Executor) checkpoint(taskID string, state *models.LoopState) error {
	now := e.clock()
	state.CheckpointedAt = now
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal loop state: %w", err)
	}

	err = e.db.SaveCheckpoint(&models.Checkpoint{
		TaskID:    taskID,
		Iteration: state.Iteration,
		State:     string(raw),
		CreatedAt: now,
	}, &models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  taskID,
		Action:  models.ActionCheckpointSaved,
		Data:    fmt.Sprintf(`{"iteration":%d}`, state.Iteration),
		Outcome: string(state.Status),
	})
	// A resumed loop re-saves the checkpoint it restarted from; the
	// (task, iteration) collision is benign.
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint %s at iteration %d: %w", taskID, state.Iteration, err)
	}
	return nil
}

// stateWith returns a view of state as if result were already recorded,
// so criteria that inspect history see the in-flight iteration.
func stateWith(state *models.LoopState, result models.IterationResult) *models.LoopState {
	view := *state
	view.History = append(append([]models.IterationResult(nil), state.History...), result)
	return &view
}
