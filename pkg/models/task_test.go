package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusWaiting, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusDeadLettered,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("bogus").Valid() {
		t.Error("expected bogus status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusDeadLettered}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	nonTerminal := []TaskStatus{TaskStatusPending, TaskStatusWaiting, TaskStatusRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestTaskStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusWaiting, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusWaiting, TaskStatusPending, true},
		{TaskStatusWaiting, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		// Crash recovery requeues tasks a dead process left running.
		{TaskStatusRunning, TaskStatusPending, true},
		{TaskStatusFailed, TaskStatusPending, true},
		{TaskStatusFailed, TaskStatusDeadLettered, true},
		// A task never reaches completed without being running.
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusWaiting, TaskStatusCompleted, false},
		{TaskStatusWaiting, TaskStatusRunning, false},
		{TaskStatusCompleted, TaskStatusRunning, false},
		{TaskStatusCancelled, TaskStatusPending, false},
		{TaskStatusDeadLettered, TaskStatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskRetriesExhausted(t *testing.T) {
	task := &Task{MaxRetries: 3}

	if task.RetriesExhausted() {
		t.Error("expected fresh task to have retries remaining")
	}

	task.RetryCount = 3
	if !task.RetriesExhausted() {
		t.Error("expected retries to be exhausted at max")
	}
}

func TestExecutionModeValid(t *testing.T) {
	for _, m := range []ExecutionMode{ModeDirect, ModeSwarm, ModeLoop} {
		if !m.Valid() {
			t.Errorf("expected %q to be valid", m)
		}
	}
	if ExecutionMode("parallel").Valid() {
		t.Error("expected unknown mode to be invalid")
	}
}
