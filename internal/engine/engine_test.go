package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/backend"
	"github.com/ShayCichocki/dispatch/internal/pool"
	"github.com/ShayCichocki/dispatch/internal/recovery"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

type testEnv struct {
	engine *Engine
	sched  *scheduler.Scheduler
	db     *store.DB
	stub   *backend.Stub
}

func newTestEngine(t *testing.T, maxWorkers int, script func(req backend.Request) (*backend.Result, error)) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sched := scheduler.New(db)
	p := pool.New(pool.Config{MaxWorkers: maxWorkers}, db)
	stub := backend.NewStub(script)

	e := New(Config{PollInterval: 2 * time.Millisecond, CancelGrace: 50 * time.Millisecond, SyncInterval: 5 * time.Millisecond}, db, sched, p, stub)
	// Retries fire near-instantly in tests.
	e.Recovery().SetBackoff(recovery.Backoff{Floor: time.Millisecond, Ceiling: time.Millisecond})

	return &testEnv{engine: e, sched: sched, db: db, stub: stub}
}

// start runs the engine loop until the test ends.
func (env *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("engine loop: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

// waitStatus polls the store until the task reaches the wanted status.
func (env *testEnv) waitStatus(t *testing.T, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.db.GetTask(taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, err := env.db.GetTask(taskID)
	t.Fatalf("task %s never reached %s (last: %+v, err: %v)", taskID, want, task, err)
	return nil
}

func TestDirectTaskCompletes(t *testing.T) {
	env := newTestEngine(t, 2, nil)
	env.start(t)

	id, err := env.engine.Submit(&models.Task{ID: "t1", Priority: 5, Input: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := env.waitStatus(t, id, models.TaskStatusCompleted)
	if task.Result != "hello" {
		t.Errorf("expected echoed result, got %q", task.Result)
	}
}

func TestDispatchFollowsPriorityOrder(t *testing.T) {
	// One worker forces serial execution, exposing dispatch order.
	env := newTestEngine(t, 1, nil)

	submissions := []struct {
		id       string
		priority int
	}{
		{"a", 3}, {"b", 9}, {"c", 3}, {"d", 7},
	}
	for _, s := range submissions {
		if _, err := env.engine.Submit(&models.Task{ID: s.id, Priority: s.priority, Input: s.id}); err != nil {
			t.Fatalf("submit %s: %v", s.id, err)
		}
	}

	env.start(t)
	for _, s := range submissions {
		env.waitStatus(t, s.id, models.TaskStatusCompleted)
	}

	var order []string
	for _, req := range env.stub.Requests() {
		order = append(order, req.Prompt)
	}
	want := []string{"b", "d", "a", "c"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected dispatch order %v, got %v", want, order)
	}
}

func TestSwarmAggregatesInSubmissionOrder(t *testing.T) {
	env := newTestEngine(t, 2, nil)
	env.start(t)

	plan := `{"aggregate":"concatenate","subtasks":[{"input":"alpha"},{"input":"beta"},{"input":"gamma"}]}`
	id, err := env.engine.Submit(&models.Task{ID: "p1", Priority: 5, Mode: models.ModeSwarm, Input: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := env.waitStatus(t, id, models.TaskStatusCompleted)
	if task.Result != "alpha\n\nbeta\n\ngamma" {
		t.Errorf("unexpected aggregate: %q", task.Result)
	}
	if task.Partial {
		t.Error("fully successful swarm marked partial")
	}
}

func TestSwarmFailureThresholdFailsParent(t *testing.T) {
	env := newTestEngine(t, 2, func(req backend.Request) (*backend.Result, error) {
		if strings.HasPrefix(req.Prompt, "fail") {
			return nil, recovery.Permanent(errors.New("rejected"))
		}
		return &backend.Result{Output: req.Prompt}, nil
	})
	env.start(t)

	plan := `{"subtasks":[{"input":"fail-1"},{"input":"fail-2"},{"input":"ok"}]}`
	id, err := env.engine.Submit(&models.Task{ID: "p1", Priority: 5, Mode: models.ModeSwarm, Input: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 2 of 3 failed is over the 0.30 default threshold.
	env.waitStatus(t, id, models.TaskStatusDeadLettered)

	ok, err := env.db.GetTask("p1.3")
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if ok.Status != models.TaskStatusCompleted {
		t.Errorf("surviving subtask should be completed, got %s", ok.Status)
	}
}

func TestSwarmPartialCompletion(t *testing.T) {
	env := newTestEngine(t, 2, func(req backend.Request) (*backend.Result, error) {
		if strings.HasPrefix(req.Prompt, "fail") {
			return nil, recovery.Permanent(errors.New("rejected"))
		}
		return &backend.Result{Output: req.Prompt}, nil
	})
	env.start(t)

	// 1 of 4 failed stays under the threshold.
	plan := `{"subtasks":[{"input":"a"},{"input":"fail"},{"input":"c"},{"input":"d"}]}`
	id, err := env.engine.Submit(&models.Task{ID: "p1", Priority: 5, Mode: models.ModeSwarm, Input: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := env.waitStatus(t, id, models.TaskStatusCompleted)
	if !task.Partial {
		t.Error("expected partial flag")
	}
	if task.Result != "a\n\nc\n\nd" {
		t.Errorf("unexpected aggregate: %q", task.Result)
	}
}

func TestLoopConvergesAndStoresResult(t *testing.T) {
	var calls atomic.Int64
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		n := calls.Add(1)
		metric := 20 * n
		return &backend.Result{Output: fmt.Sprintf("draft %d\nMETRIC: %d", n, metric)}, nil
	})
	env.start(t)

	spec := `{"prompt":"improve this","criterion":{"type":"threshold","target":50,"direction":"maximize"},"max_iterations":5}`
	id, err := env.engine.Submit(&models.Task{ID: "l1", Priority: 5, Mode: models.ModeLoop, Input: spec})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Metrics run 20, 40, 60: convergence on the third iteration.
	task := env.waitStatus(t, id, models.TaskStatusCompleted)
	if task.Result != "draft 3" {
		t.Errorf("expected third draft as result, got %q", task.Result)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 iterations, got %d", got)
	}
}

func TestLoopExhaustionDeadLetters(t *testing.T) {
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		return &backend.Result{Output: "stuck\nMETRIC: 10"}, nil
	})
	env.start(t)

	spec := `{"prompt":"improve","criterion":{"type":"threshold","target":50,"direction":"maximize"},"max_iterations":2}`
	id, err := env.engine.Submit(&models.Task{ID: "l1", Priority: 5, Mode: models.ModeLoop, Input: spec})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Non-convergence is permanent: straight to the dead-letter store.
	env.waitStatus(t, id, models.TaskStatusDeadLettered)
	if _, err := env.db.GetDeadLetter(id); err != nil {
		t.Errorf("dead letter missing: %v", err)
	}
}

func TestCancelPendingTaskNeverRuns(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		if req.Prompt == "block" {
			<-release
		}
		return &backend.Result{Output: req.Prompt}, nil
	})
	env.start(t)

	blocker, err := env.engine.Submit(&models.Task{ID: "b1", Priority: 9, Input: "block"})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	env.waitStatus(t, blocker, models.TaskStatusRunning)

	victim, err := env.engine.Submit(&models.Task{ID: "v1", Priority: 1, Input: "victim"})
	if err != nil {
		t.Fatalf("submit victim: %v", err)
	}

	outcome, err := env.engine.Cancel(victim)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != scheduler.CancelledImmediately {
		t.Errorf("expected immediate cancellation, got %s", outcome)
	}
	env.waitStatus(t, victim, models.TaskStatusCancelled)

	close(release)
	env.waitStatus(t, blocker, models.TaskStatusCompleted)

	for _, req := range env.stub.Requests() {
		if req.Prompt == "victim" {
			t.Error("cancelled pending task reached a worker")
		}
	}
}

func TestCancelRunningTaskFinishesCancelled(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		<-release
		return &backend.Result{Output: "late"}, nil
	})
	env.start(t)

	id, err := env.engine.Submit(&models.Task{ID: "t1", Priority: 5, Input: "work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitStatus(t, id, models.TaskStatusRunning)

	outcome, err := env.engine.Cancel(id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != scheduler.CancelSignalled {
		t.Errorf("expected cooperative signal, got %s", outcome)
	}

	close(release)
	env.waitStatus(t, id, models.TaskStatusCancelled)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		if calls.Add(1) == 1 {
			return nil, recovery.Transient(errors.New("rate limited"))
		}
		return &backend.Result{Output: "recovered"}, nil
	})
	env.start(t)

	id, err := env.engine.Submit(&models.Task{ID: "t1", Priority: 5, Input: "flaky"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := env.waitStatus(t, id, models.TaskStatusCompleted)
	if task.Result != "recovered" {
		t.Errorf("expected recovered result, got %q", task.Result)
	}
	if task.RetryCount != 1 {
		t.Errorf("expected one retry, got %d", task.RetryCount)
	}
}

func TestPermanentFailureDeadLettersOnce(t *testing.T) {
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		return nil, recovery.Permanent(errors.New("invalid input"))
	})
	env.start(t)

	id, err := env.engine.Submit(&models.Task{ID: "t1", Priority: 5, Input: "bad"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	env.waitStatus(t, id, models.TaskStatusDeadLettered)
	if env.stub.Calls() != 1 {
		t.Errorf("permanent failure should not retry, got %d calls", env.stub.Calls())
	}

	letters, err := env.db.ListDeadLetters()
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Errorf("expected one dead letter, got %d", len(letters))
	}
}

func TestSwarmCancelCascades(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		<-release
		return &backend.Result{Output: req.Prompt}, nil
	})
	env.start(t)

	plan := `{"subtasks":[{"input":"one"},{"input":"two"}]}`
	id, err := env.engine.Submit(&models.Task{ID: "p1", Priority: 5, Mode: models.ModeSwarm, Input: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Wait until the first subtask holds the only worker.
	env.waitStatus(t, "p1.1", models.TaskStatusRunning)

	if _, err := env.engine.Cancel(id); err != nil {
		t.Fatalf("cancel parent: %v", err)
	}
	// The pending subtask cancels immediately; the running one needs its
	// worker to stop.
	env.waitStatus(t, "p1.2", models.TaskStatusCancelled)
	close(release)

	env.waitStatus(t, "p1.1", models.TaskStatusCancelled)
	env.waitStatus(t, id, models.TaskStatusCancelled)
}

func TestSnapshotCountsWork(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		<-release
		return &backend.Result{Output: req.Prompt}, nil
	})
	env.start(t)

	running, err := env.engine.Submit(&models.Task{ID: "r1", Priority: 9, Input: "block"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.Submit(&models.Task{ID: "q1", Priority: 1, Input: "queued"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitStatus(t, running, models.TaskStatusRunning)

	stats := env.engine.Snapshot()
	if stats.InFlight != 1 {
		t.Errorf("expected 1 inflight, got %d", stats.InFlight)
	}
	if stats.Pending != 1 {
		t.Errorf("expected 1 pending, got %d", stats.Pending)
	}
	if stats.ActiveWorkers != 1 || stats.MaxWorkers != 1 {
		t.Errorf("unexpected worker counts: %+v", stats)
	}

	close(release)
}

func TestStatusViewForSwarm(t *testing.T) {
	env := newTestEngine(t, 2, nil)
	env.start(t)

	plan := `{"subtasks":[{"input":"x"},{"input":"y"}]}`
	id, err := env.engine.Submit(&models.Task{ID: "p1", Priority: 5, Mode: models.ModeSwarm, Input: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitStatus(t, id, models.TaskStatusCompleted)

	view, err := env.engine.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(view.Subtasks) != 2 {
		t.Errorf("expected 2 subtasks in view, got %d", len(view.Subtasks))
	}
}

func TestExternalSubmissionAdopted(t *testing.T) {
	env := newTestEngine(t, 2, nil)
	env.start(t)

	// A second scheduler over the same database stands in for a CLI
	// process submitting against the live daemon.
	other := scheduler.New(env.db)
	if err := other.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := other.Submit(&models.Task{ID: "ext1", Priority: 5, Input: "from outside"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := env.waitStatus(t, "ext1", models.TaskStatusCompleted)
	if task.Result != "from outside" {
		t.Errorf("expected echoed result, got %q", task.Result)
	}
}

func TestCancelRequestFromStoreApplied(t *testing.T) {
	release := make(chan struct{})
	env := newTestEngine(t, 1, func(req backend.Request) (*backend.Result, error) {
		if req.Prompt == "blocker" {
			<-release
		}
		return &backend.Result{Output: req.Prompt}, nil
	})
	defer close(release)
	env.start(t)

	if _, err := env.engine.Submit(&models.Task{ID: "blocker", Priority: 9, Input: "blocker"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitStatus(t, "blocker", models.TaskStatusRunning)

	if _, err := env.engine.Submit(&models.Task{ID: "victim", Priority: 5, Input: "victim"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// File the request the way the CLI does, through the shared store.
	if err := RequestCancel(env.db, "victim"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	env.waitStatus(t, "victim", models.TaskStatusCancelled)

	// The applied request must not linger.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reqs, err := env.db.ListKV(cancelRequestPrefix)
		if err != nil {
			t.Fatalf("list kv: %v", err)
		}
		if len(reqs) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("cancel request was not cleared after being applied")
}

func TestSplitMetric(t *testing.T) {
	cases := []struct {
		in     string
		out    string
		metric float64
	}{
		{"draft\nMETRIC: 42", "draft", 42},
		{"draft\nMETRIC: 3.5\n", "draft", 3.5},
		{"no metric here", "no metric here", 0},
		{"METRIC: 7", "", 7},
		{"text\nMETRIC: not-a-number", "text\nMETRIC: not-a-number", 0},
	}
	for _, c := range cases {
		out, metric := splitMetric(c.in)
		if out != c.out || metric != c.metric {
			t.Errorf("splitMetric(%q) = (%q, %g), expected (%q, %g)", c.in, out, metric, c.out, c.metric)
		}
	}
}

func TestShutdownCancelsJudgeAndReduceCalls(t *testing.T) {
	env := newTestEngine(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	if _, err := env.engine.Submit(&models.Task{ID: "t1", Priority: 5, Input: "hello"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.waitStatus(t, "t1", models.TaskStatusCompleted)

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("engine loop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	// Aggregation-side backend calls run under the loop's context, so
	// shutdown cancels them too.
	if _, err := env.engine.judge("output"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled judge call after shutdown, got %v", err)
	}
	if _, err := env.engine.reduce([]string{"a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled reduce call after shutdown, got %v", err)
	}
}
