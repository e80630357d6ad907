// Package swarm implements fan-out execution: a parent task is split
// into sub-tasks distributed across workers, and their results are
// aggregated back into a single parent result.
package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/store"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ErrMaxDepthExceeded indicates a swarm tried to spawn sub-tasks past
// the nesting limit.
var ErrMaxDepthExceeded = errors.New("swarm max depth exceeded")

// ErrBadPlan indicates the parent task's input is not a valid swarm
// plan.
var ErrBadPlan = errors.New("invalid swarm plan")

// Defaults for swarm behavior.
const (
	// MaxDepth bounds hierarchical spawning: a swarm of swarms of swarms
	// is the deepest allowed shape.
	MaxDepth = 3
	// DefaultFailureThreshold is the fraction of failed sub-tasks above
	// which the parent fails outright.
	DefaultFailureThreshold = 0.30
)

// AssignStrategy chooses how sub-tasks map onto workers.
type AssignStrategy string

const (
	// AssignRoundRobin cycles sub-tasks across workers in order.
	AssignRoundRobin AssignStrategy = "round_robin"
	// AssignSpecialization routes each sub-task to a worker matching its
	// specialization tag.
	AssignSpecialization AssignStrategy = "specialization"
	// AssignLoad prefers the least-loaded worker slot.
	AssignLoad AssignStrategy = "load"
)

// Valid returns true if the strategy is a known value.
func (s AssignStrategy) Valid() bool {
	switch s {
	case AssignRoundRobin, AssignSpecialization, AssignLoad:
		return true
	default:
		return false
	}
}

// AggregateStrategy chooses how sub-task results combine into the
// parent result.
type AggregateStrategy string

const (
	// AggregateConcatenate joins results in submission order.
	AggregateConcatenate AggregateStrategy = "concatenate"
	// AggregateMerge merges JSON object results key-wise.
	AggregateMerge AggregateStrategy = "merge"
	// AggregateReduce folds results through a synthesis step.
	AggregateReduce AggregateStrategy = "reduce"
	// AggregateVote picks the majority result.
	AggregateVote AggregateStrategy = "vote"
)

// Valid returns true if the strategy is a known value.
func (s AggregateStrategy) Valid() bool {
	switch s {
	case AggregateConcatenate, AggregateMerge, AggregateReduce, AggregateVote:
		return true
	default:
		return false
	}
}

// Subtask is one unit of a swarm plan.
type Subtask struct {
	// Input is the payload handed to the sub-task's worker.
	Input string `json:"input"`
	// Specialization routes the sub-task under the specialization
	// assignment strategy.
	Specialization string `json:"specialization,omitempty"`
	// Priority overrides the inherited parent priority when non-nil.
	Priority *int `json:"priority,omitempty"`
	// Mode lets a sub-task itself be a swarm or loop; empty means direct.
	Mode models.ExecutionMode `json:"mode,omitempty"`
}

// Plan is the parsed swarm definition a parent task carries as its
// input payload.
type Plan struct {
	// Assign is the worker assignment strategy.
	Assign AssignStrategy `json:"assign,omitempty"`
	// Aggregate is the result aggregation strategy.
	Aggregate AggregateStrategy `json:"aggregate,omitempty"`
	// FailureThreshold is the failed fraction above which the parent
	// fails; zero means the default.
	FailureThreshold float64 `json:"failure_threshold,omitempty"`
	// Subtasks are the units to fan out, in submission order.
	Subtasks []Subtask `json:"subtasks"`
}

// ParsePlan decodes and validates a swarm plan from a parent task's
// input payload. Missing strategies default to round-robin assignment
// and concatenation.
func ParsePlan(raw string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPlan, err)
	}
	if len(p.Subtasks) == 0 {
		return nil, fmt.Errorf("%w: no subtasks", ErrBadPlan)
	}
	if p.Assign == "" {
		p.Assign = AssignRoundRobin
	}
	if !p.Assign.Valid() {
		return nil, fmt.Errorf("%w: unknown assign strategy %q", ErrBadPlan, p.Assign)
	}
	if p.Aggregate == "" {
		p.Aggregate = AggregateConcatenate
	}
	if !p.Aggregate.Valid() {
		return nil, fmt.Errorf("%w: unknown aggregate strategy %q", ErrBadPlan, p.Aggregate)
	}
	if p.FailureThreshold < 0 || p.FailureThreshold > 1 {
		return nil, fmt.Errorf("%w: failure threshold %f out of range", ErrBadPlan, p.FailureThreshold)
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	for i, st := range p.Subtasks {
		if st.Mode != "" && !st.Mode.Valid() {
			return nil, fmt.Errorf("%w: subtask %d has unknown mode %q", ErrBadPlan, i, st.Mode)
		}
	}
	return &p, nil
}

// Reducer synthesizes a set of sub-task results into one; the engine
// wires it to a worker invocation for the reduce strategy.
type Reducer func(inputs []string) (string, error)

// Coordinator distributes swarm sub-tasks through the scheduler and
// settles parent outcomes from their results.
type Coordinator struct {
	sched   *scheduler.Scheduler
	db      *store.DB
	reducer Reducer
}

// New creates a swarm coordinator over the given scheduler and store.
func New(sched *scheduler.Scheduler, db *store.DB) *Coordinator {
	return &Coordinator{sched: sched, db: db}
}

// SetReducer installs the synthesis step for the reduce strategy.
// Without one, reduce falls back to concatenation.
func (c *Coordinator) SetReducer(r Reducer) {
	c.reducer = r
}

// Distribute parses the parent's plan and submits its sub-tasks as a
// batch. Sub-task ids are derived from the parent id in submission
// order, and each carries the parent's depth plus one. Returns the plan
// and the submitted ids.
func (c *Coordinator) Distribute(parent *models.Task) (*Plan, []string, error) {
	plan, err := ParsePlan(parent.Input)
	if err != nil {
		return nil, nil, err
	}

	if parent.Depth+1 > MaxDepth {
		return nil, nil, fmt.Errorf("task %s at depth %d: %w", parent.ID, parent.Depth, ErrMaxDepthExceeded)
	}

	subs := make([]*models.Task, 0, len(plan.Subtasks))
	ids := make([]string, 0, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		priority := parent.Priority
		if st.Priority != nil {
			priority = *st.Priority
		}
		mode := st.Mode
		if mode == "" {
			mode = models.ModeDirect
		}
		specialization := st.Specialization
		if plan.Assign != AssignSpecialization {
			// Specialization routing only applies under its own strategy;
			// round-robin and load ignore the tag.
			specialization = parent.Specialization
		}
		sub := &models.Task{
			ID:             subtaskID(parent.ID, i),
			Template:       parent.Template,
			Priority:       priority,
			Mode:           mode,
			Input:          st.Input,
			Specialization: specialization,
			MaxRetries:     parent.MaxRetries,
			ParentID:       parent.ID,
			Depth:          parent.Depth + 1,
		}
		subs = append(subs, sub)
		ids = append(ids, sub.ID)
	}

	if err := c.sched.SubmitBatch(subs); err != nil {
		return nil, nil, fmt.Errorf("submit swarm batch for %s: %w", parent.ID, err)
	}

	data, _ := json.Marshal(map[string]any{
		"assign":    plan.Assign,
		"aggregate": plan.Aggregate,
		"subtasks":  ids,
	})
	if err := c.db.AppendAudit(&models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  parent.ID,
		Action:  models.ActionSwarmDispatched,
		Data:    string(data),
		Outcome: fmt.Sprintf("%d subtasks", len(ids)),
	}); err != nil {
		return nil, nil, fmt.Errorf("audit swarm dispatch: %w", err)
	}

	return plan, ids, nil
}

// Recovered rebuilds the plan and sub-task ids of a parent whose swarm
// was already distributed before a crash, from the persisted children.
// Used when re-dispatching the parent finds its sub-task ids taken.
func (c *Coordinator) Recovered(parent *models.Task) (*Plan, []string, error) {
	plan, err := ParsePlan(parent.Input)
	if err != nil {
		return nil, nil, err
	}

	subs, err := c.db.ListChildren(parent.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(subs) != len(plan.Subtasks) {
		return nil, nil, fmt.Errorf("parent %s has %d persisted subtasks, plan names %d: %w",
			parent.ID, len(subs), len(plan.Subtasks), ErrBadPlan)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subtaskIndex(subs[i].ID) < subtaskIndex(subs[j].ID)
	})
	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	return plan, ids, nil
}

// Subtasks returns the persisted sub-tasks of a parent, in submission
// order.
func (c *Coordinator) Subtasks(parentID string, ids []string) ([]*models.Task, error) {
	subs := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, err := c.db.GetTask(id)
		if err != nil {
			return nil, fmt.Errorf("load subtask %s of %s: %w", id, parentID, err)
		}
		subs = append(subs, t)
	}
	return subs, nil
}

// subtaskID derives a stable sub-task id; the numeric suffix preserves
// submission order for aggregation.
func subtaskID(parentID string, i int) string {
	return fmt.Sprintf("%s.%d", parentID, i+1)
}

// subtaskIndex recovers the submission-order index from a sub-task id.
func subtaskIndex(id string) int {
	dot := strings.LastIndexByte(id, '.')
	if dot < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[dot+1:])
	if err != nil {
		return 0
	}
	return n
}
