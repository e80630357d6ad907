// Package pool provides the bounded worker pool and dispatcher: it
// spawns, tracks, and tears down workers, enforces the concurrency
// ceiling, and watches heartbeats.
package pool

import (
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// EventType represents the kind of worker lifecycle event.
type EventType string

const (
	// EventWorkerSpawned indicates a worker finished initializing.
	EventWorkerSpawned EventType = "worker_spawned"
	// EventWorkerAssigned indicates a worker was bound to a task.
	EventWorkerAssigned EventType = "worker_assigned"
	// EventWorkerReleased indicates a worker was unbound from its task.
	EventWorkerReleased EventType = "worker_released"
	// EventWorkerTerminated indicates a worker shut down cleanly.
	EventWorkerTerminated EventType = "worker_terminated"
	// EventWorkerFailed indicates a worker failed or was force-terminated.
	EventWorkerFailed EventType = "worker_failed"
	// EventHeartbeatMissed indicates the sweep declared a worker dead.
	EventHeartbeatMissed EventType = "heartbeat_missed"
)

// Event is a worker lifecycle notification emitted by the pool.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// WorkerID is the worker this event concerns.
	WorkerID string
	// TaskID is the task bound to the worker, if any.
	TaskID string
	// State is the worker's lifecycle state after the event.
	State models.WorkerState
	// Message provides additional context.
	Message string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
