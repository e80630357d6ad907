package engine

import (
	"time"
)

// EventType identifies the kind of engine event.
type EventType string

const (
	// EventTaskQueued is emitted when a submission is accepted.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted is emitted when a task is handed to a worker.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted is emitted on terminal success.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed is emitted when an execution attempt fails.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetrying is emitted when a retry is scheduled after backoff.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskDeadLettered is emitted when a task moves to the
	// dead-letter store.
	EventTaskDeadLettered EventType = "task_dead_lettered"
	// EventTaskCancelled is emitted when a task reaches the cancelled
	// state.
	EventTaskCancelled EventType = "task_cancelled"
	// EventSwarmDispatched is emitted when a swarm parent fans out.
	EventSwarmDispatched EventType = "swarm_dispatched"
	// EventSwarmSettled is emitted when a swarm parent's sub-tasks all
	// finished and the outcome was computed.
	EventSwarmSettled EventType = "swarm_settled"
)

// Event is a notification from the engine's scheduling loop, consumed
// by the CLI status feed.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// TaskID is the task this event relates to.
	TaskID string `json:"task_id,omitempty"`
	// WorkerID is the worker involved, if any.
	WorkerID string `json:"worker_id,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
	// Error carries the failure detail for failure events.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
