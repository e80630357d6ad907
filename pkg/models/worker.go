package models

import "time"

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerSpawning indicates the worker is being initialized.
	WorkerSpawning WorkerState = "spawning"
	// WorkerIdle indicates the worker is initialized and unassigned.
	WorkerIdle WorkerState = "idle"
	// WorkerBusy indicates the worker is executing a task.
	WorkerBusy WorkerState = "busy"
	// WorkerTerminating indicates the worker is shutting down.
	WorkerTerminating WorkerState = "terminating"
	// WorkerTerminated indicates the worker shut down cleanly.
	WorkerTerminated WorkerState = "terminated"
	// WorkerFailed indicates the worker died or missed its heartbeats.
	WorkerFailed WorkerState = "failed"
)

// Valid returns true if the state is a known value.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerSpawning, WorkerIdle, WorkerBusy, WorkerTerminating,
		WorkerTerminated, WorkerFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true once the worker has left the pool for good.
func (s WorkerState) Terminal() bool {
	return s == WorkerTerminated || s == WorkerFailed
}

// Active returns true while the worker holds a concurrency slot.
func (s WorkerState) Active() bool {
	return s == WorkerSpawning || s == WorkerIdle || s == WorkerBusy || s == WorkerTerminating
}

// ResourceUsage is a point-in-time snapshot of a worker's consumption.
type ResourceUsage struct {
	// MemoryBytes is the approximate memory attributed to the worker.
	MemoryBytes uint64 `json:"memory_bytes"`
	// Elapsed is the wall-clock time since the worker spawned.
	Elapsed time.Duration `json:"elapsed"`
	// TokensUsed is the number of model tokens consumed.
	TokensUsed int64 `json:"tokens_used"`
	// Cost is the accumulated cost in dollars.
	Cost float64 `json:"cost"`
}

// Worker represents a spawned execution unit bound to at most one task.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// TaskID is the ID of the task the worker is bound to, if any.
	TaskID string `json:"task_id,omitempty"`
	// Specialization tags the kind of work this worker is tuned for.
	Specialization string `json:"specialization,omitempty"`
	// State is the current lifecycle state.
	State WorkerState `json:"state"`
	// Priority is the priority of the bound task, used by the resource
	// monitor to pick a termination victim under pressure.
	Priority int `json:"priority"`
	// SpawnedAt is when the worker was created.
	SpawnedAt time.Time `json:"spawned_at"`
	// LastHeartbeat is the most recent liveness report.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Usage is the latest resource snapshot.
	Usage ResourceUsage `json:"usage"`
}
