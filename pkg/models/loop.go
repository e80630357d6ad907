package models

import "time"

// ConvergenceStatus represents the outcome state of an iterative loop.
type ConvergenceStatus string

const (
	// ConvergenceNone indicates the loop has not converged yet.
	ConvergenceNone ConvergenceStatus = "not_converged"
	// ConvergenceReached indicates the convergence predicate was satisfied.
	ConvergenceReached ConvergenceStatus = "converged"
	// ConvergenceExhausted indicates the iteration budget ran out.
	ConvergenceExhausted ConvergenceStatus = "exhausted"
	// ConvergenceTimedOut indicates the wall-clock timeout tripped.
	ConvergenceTimedOut ConvergenceStatus = "timed_out"
	// ConvergenceFailed indicates the loop aborted on an error.
	ConvergenceFailed ConvergenceStatus = "failed"
)

// Terminal returns true once the loop can no longer continue.
func (s ConvergenceStatus) Terminal() bool {
	return s != ConvergenceNone && s != ""
}

// IterationResult is the outcome of a single loop iteration.
type IterationResult struct {
	// Iteration is the 1-indexed iteration number.
	Iteration int `json:"iteration"`
	// Output is the worker's output for this iteration.
	Output string `json:"output"`
	// Metric is the scalar metric reported for convergence evaluation.
	Metric float64 `json:"metric"`
	// Distance is the evaluator's distance-to-target, for progress reporting.
	Distance float64 `json:"distance,omitempty"`
	// CompletedAt is when the iteration finished.
	CompletedAt time.Time `json:"completed_at"`
}

// MaxLoopHistory bounds the per-iteration history retained in a
// LoopState so checkpoints stay small.
const MaxLoopHistory = 20

// LoopState is the state of one iterative-refinement run. It is
// checkpointed after iterations so a crash resumes from the last saved
// iteration instead of from zero.
type LoopState struct {
	// TaskID is the owning loop-mode task.
	TaskID string `json:"task_id"`
	// Iteration is the number of fully completed iterations.
	Iteration int `json:"iteration"`
	// History holds the most recent iteration results, bounded by
	// MaxLoopHistory.
	History []IterationResult `json:"history,omitempty"`
	// Status is the current convergence status.
	Status ConvergenceStatus `json:"status"`
	// StartedAt is when the loop began, for timeout accounting.
	StartedAt time.Time `json:"started_at"`
	// CheckpointedAt is when the state was last persisted.
	CheckpointedAt time.Time `json:"checkpointed_at,omitempty"`
}

// Record appends an iteration result, trimming history to the bound.
func (s *LoopState) Record(r IterationResult) {
	s.Iteration = r.Iteration
	s.History = append(s.History, r)
	if len(s.History) > MaxLoopHistory {
		s.History = s.History[len(s.History)-MaxLoopHistory:]
	}
}

// Latest returns the most recent iteration result, or nil if none.
func (s *LoopState) Latest() *IterationResult {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// Checkpoint is an immutable durable snapshot of a LoopState, keyed by
// (task id, iteration). Used exclusively for crash recovery.
type Checkpoint struct {
	// TaskID is the owning task.
	TaskID string `json:"task_id"`
	// Iteration is the completed iteration this checkpoint captures.
	Iteration int `json:"iteration"`
	// State is the serialized LoopState at this iteration.
	State string `json:"state"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}
