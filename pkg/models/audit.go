package models

import "time"

// AuditAction identifies the kind of state transition an audit entry records.
type AuditAction string

const (
	ActionTaskSubmitted   AuditAction = "task_submitted"
	ActionTaskStarted     AuditAction = "task_started"
	ActionTaskCompleted   AuditAction = "task_completed"
	ActionTaskFailed      AuditAction = "task_failed"
	ActionTaskCancelled   AuditAction = "task_cancelled"
	ActionTaskRequeued    AuditAction = "task_requeued"
	ActionTaskParked      AuditAction = "task_parked"
	ActionTaskDeadLetter  AuditAction = "task_dead_lettered"
	ActionWorkerSpawned   AuditAction = "worker_spawned"
	ActionWorkerAssigned  AuditAction = "worker_assigned"
	ActionWorkerReleased  AuditAction = "worker_released"
	ActionWorkerFailed    AuditAction = "worker_failed"
	ActionWorkerHeartbeat AuditAction = "heartbeat_missed"
	ActionRetryScheduled  AuditAction = "retry_scheduled"
	ActionConvergenceEval AuditAction = "convergence_evaluated"
	ActionCheckpointSaved AuditAction = "checkpoint_saved"
	ActionLoopResumed     AuditAction = "loop_resumed"
	ActionSwarmDispatched AuditAction = "swarm_dispatched"
	ActionSwarmAggregated AuditAction = "swarm_aggregated"
)

// ActorScheduler is the actor recorded for transitions the scheduler
// itself performs, as opposed to a specific worker.
const ActorScheduler = "scheduler"

// AuditEntry is an immutable append-only record of one state transition
// or worker action. Entries are never updated or deleted by normal
// operation; only the retention-policy purge removes them.
type AuditEntry struct {
	// ID is the autoincrement row id assigned by the store.
	ID int64 `json:"id"`
	// Timestamp is when the transition occurred.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID ties together entries from one logical operation.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Actor is the worker id that performed the action, or ActorScheduler.
	Actor string `json:"actor"`
	// TaskID is the related task, if any.
	TaskID string `json:"task_id,omitempty"`
	// Action is the kind of transition recorded.
	Action AuditAction `json:"action"`
	// Data carries serialized transition detail.
	Data string `json:"data,omitempty"`
	// Outcome records whether the transition succeeded.
	Outcome string `json:"outcome"`
}
