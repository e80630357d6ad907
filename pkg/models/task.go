package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusWaiting indicates the task has unmet dependencies.
	TaskStatusWaiting TaskStatus = "waiting"
	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusDeadLettered indicates the task exhausted its retries and
	// was moved to the dead-letter store.
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusWaiting, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusDeadLettered:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusDeadLettered:
		return true
	default:
		return false
	}
}

// taskTransitions defines the legal edges of the task state machine.
// failed -> pending is the retry edge; failed -> dead_lettered is the
// retry-exhaustion edge; running -> pending is the crash-recovery
// requeue of a task whose process died mid-execution.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusWaiting, TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusWaiting: {TaskStatusPending, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusPending, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusFailed:  {TaskStatusPending, TaskStatusDeadLettered},
}

// CanTransition returns true if moving from s to next is a legal edge
// in the task state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutionMode determines how a task is executed once dispatched.
type ExecutionMode string

const (
	// ModeDirect runs the task on a single worker, once.
	ModeDirect ExecutionMode = "direct"
	// ModeSwarm fans the task out into sub-tasks across multiple workers.
	ModeSwarm ExecutionMode = "swarm"
	// ModeLoop runs the task through iterative refinement until convergence.
	ModeLoop ExecutionMode = "loop"
)

// Valid returns true if the mode is a known value.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeDirect, ModeSwarm, ModeLoop:
		return true
	default:
		return false
	}
}

// Priority bounds. PriorityMax is the highest priority.
const (
	PriorityMin = 0
	PriorityMax = 10
)

// Task represents a unit of work tracked through the scheduler.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Template is the name of the task template this task was created from.
	Template string `json:"template,omitempty"`
	// Priority orders pending tasks, 0-10 with 10 highest.
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Mode determines how the task is executed (direct, swarm, loop).
	Mode ExecutionMode `json:"mode"`
	// Input is the serialized input payload handed to the worker.
	Input string `json:"input,omitempty"`
	// Result is the serialized result payload, set only on terminal success.
	Result string `json:"result,omitempty"`
	// Error contains the classified failure detail, set only on terminal failure.
	Error string `json:"error,omitempty"`
	// Specialization is the worker specialization this task prefers.
	Specialization string `json:"specialization,omitempty"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// MaxRetries is the retry budget before dead-lettering.
	MaxRetries int `json:"max_retries"`
	// SubmittedAt is when the task was accepted by the scheduler.
	SubmittedAt time.Time `json:"submitted_at"`
	// StartedAt is when a worker first began executing the task.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ParentID is the ID of the parent task for hierarchical swarm spawning.
	ParentID string `json:"parent_id,omitempty"`
	// Depth is how many swarm levels deep this task sits; root tasks are 0.
	Depth int `json:"depth,omitempty"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Partial indicates a swarm parent that completed with some failed
	// sub-tasks below the failure threshold.
	Partial bool `json:"partial,omitempty"`
	// Version is the optimistic-concurrency version of the persisted row.
	Version int64 `json:"version"`
}

// Runnable returns true if the task can be handed to a worker, ignoring
// dependency gating (which the scheduler evaluates against the graph).
func (t *Task) Runnable() bool {
	return t.Status == TaskStatusPending
}

// RetriesExhausted returns true once the retry budget is spent.
func (t *Task) RetriesExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}
