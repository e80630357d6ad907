package scheduler

import "errors"

// ErrValidation indicates a malformed submission, rejected before
// anything is persisted.
var ErrValidation = errors.New("invalid task submission")

// ErrDuplicateTask indicates the submitted id already exists.
var ErrDuplicateTask = errors.New("duplicate task id")

// ErrCircularDependency indicates the submitted dependency set contains
// a cycle. The whole submission is rejected and nothing is persisted.
var ErrCircularDependency = errors.New("circular dependency")

// ErrTaskNotFound indicates the referenced task is unknown.
var ErrTaskNotFound = errors.New("task not found")

// ErrNotCancellable indicates the task is already terminal.
var ErrNotCancellable = errors.New("task is not cancellable")

// ErrNotResumable indicates the task is not in a state resume can act
// on: it is not failed, its retry budget is spent, a dependency failed
// terminally, or a retry is already scheduled in this process.
var ErrNotResumable = errors.New("task is not resumable")

// CancelOutcome describes how a cancellation request was resolved.
type CancelOutcome string

const (
	// CancelledImmediately means the task was pending or waiting and was
	// cancelled without a worker ever being involved.
	CancelledImmediately CancelOutcome = "cancelled"
	// CancelSignalled means the task is running and cooperative
	// cancellation was signalled to its worker; the grace period is
	// enforced by the engine.
	CancelSignalled CancelOutcome = "signalled"
)
