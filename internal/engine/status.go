package engine

import (
	"encoding/json"
	"errors"

	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// TaskView is the per-task status the CLI renders: the task itself plus
// mode-specific progress.
type TaskView struct {
	// Task is the current task state.
	Task *models.Task `json:"task"`
	// Loop is the latest checkpointed loop state for loop-mode tasks.
	Loop *models.LoopState `json:"loop,omitempty"`
	// Subtasks are the fanned-out children of a swarm parent.
	Subtasks []*models.Task `json:"subtasks,omitempty"`
}

// Status returns the full view of one task.
func (e *Engine) Status(taskID string) (*TaskView, error) {
	t, err := e.sched.Get(taskID)
	if err != nil {
		return nil, err
	}
	view := &TaskView{Task: t}

	switch t.Mode {
	case models.ModeLoop:
		cp, err := e.db.LatestCheckpoint(taskID)
		if errors.Is(err, store.ErrNotFound) {
			return view, nil
		}
		if err != nil {
			return nil, err
		}
		var state models.LoopState
		if err := json.Unmarshal([]byte(cp.State), &state); err == nil {
			view.Loop = &state
		}

	case models.ModeSwarm:
		subs, err := e.db.ListChildren(taskID)
		if err != nil {
			return nil, err
		}
		view.Subtasks = subs
	}

	return view, nil
}

// Stats is the engine-wide snapshot the CLI status feed polls.
type Stats struct {
	// Pending counts tasks awaiting dispatch (pending plus waiting).
	Pending int `json:"pending"`
	// InFlight counts tasks currently executing on workers.
	InFlight int `json:"in_flight"`
	// SwarmsWaiting counts parents awaiting sub-task settlement.
	SwarmsWaiting int `json:"swarms_waiting"`
	// ActiveWorkers counts workers holding concurrency slots.
	ActiveWorkers int `json:"active_workers"`
	// MaxWorkers is the concurrency ceiling.
	MaxWorkers int `json:"max_workers"`
	// PendingRetries counts armed retry timers.
	PendingRetries int `json:"pending_retries"`
}

// Snapshot returns the engine-wide stats.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	inflight := len(e.inflight)
	waiting := len(e.waits)
	e.mu.Unlock()

	return Stats{
		Pending:        e.sched.PendingCount(),
		InFlight:       inflight,
		SwarmsWaiting:  waiting,
		ActiveWorkers:  e.pool.ActiveCount(),
		MaxWorkers:     e.pool.MaxWorkers(),
		PendingRetries: e.rec.PendingRetries(),
	}
}

// Workers returns the pool's active worker snapshots.
func (e *Engine) Workers() []*models.Worker {
	return e.pool.ActiveWorkers()
}
