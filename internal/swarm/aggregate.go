package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ErrSwarmIncomplete indicates settlement was attempted while some
// sub-tasks are still non-terminal.
var ErrSwarmIncomplete = errors.New("swarm has non-terminal subtasks")

// Outcome is the settled result of a swarm.
type Outcome struct {
	// Failed is true when the failed fraction exceeded the threshold.
	Failed bool
	// Partial is true when some sub-tasks failed but the swarm still
	// completed under the threshold.
	Partial bool
	// FailedRatio is the fraction of sub-tasks that failed.
	FailedRatio float64
	// Result is the aggregated parent result; empty when Failed.
	Result string
}

// Settle computes the parent outcome from terminal sub-tasks: above the
// failure threshold the parent fails, otherwise successful results are
// aggregated per the plan's strategy, with the partial flag marking any
// sub-task losses.
func (c *Coordinator) Settle(parent *models.Task, plan *Plan, subs []*models.Task) (*Outcome, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no subtasks to settle", ErrBadPlan)
	}

	var succeeded []*models.Task
	failed := 0
	for _, sub := range subs {
		switch sub.Status {
		case models.TaskStatusCompleted:
			succeeded = append(succeeded, sub)
		case models.TaskStatusFailed, models.TaskStatusCancelled, models.TaskStatusDeadLettered:
			failed++
		default:
			return nil, fmt.Errorf("subtask %s is %s: %w", sub.ID, sub.Status, ErrSwarmIncomplete)
		}
	}

	out := &Outcome{FailedRatio: float64(failed) / float64(len(subs))}
	if out.FailedRatio > plan.FailureThreshold {
		out.Failed = true
	} else {
		out.Partial = failed > 0
		result, err := c.aggregate(plan.Aggregate, succeeded)
		if err != nil {
			return nil, err
		}
		out.Result = result
	}

	data, _ := json.Marshal(map[string]any{
		"strategy":     plan.Aggregate,
		"failed_ratio": out.FailedRatio,
		"partial":      out.Partial,
	})
	outcome := "completed"
	if out.Failed {
		outcome = "failed"
	}
	if err := c.db.AppendAudit(&models.AuditEntry{
		Actor:   models.ActorScheduler,
		TaskID:  parent.ID,
		Action:  models.ActionSwarmAggregated,
		Data:    string(data),
		Outcome: outcome,
	}); err != nil {
		return nil, fmt.Errorf("audit swarm aggregation: %w", err)
	}

	return out, nil
}

// aggregate combines successful sub-task results. Submission order, not
// completion order, governs ordering-sensitive strategies.
func (c *Coordinator) aggregate(strategy AggregateStrategy, subs []*models.Task) (string, error) {
	ordered := make([]*models.Task, len(subs))
	copy(ordered, subs)
	sort.Slice(ordered, func(i, j int) bool {
		return subtaskIndex(ordered[i].ID) < subtaskIndex(ordered[j].ID)
	})

	results := make([]string, len(ordered))
	for i, sub := range ordered {
		results[i] = sub.Result
	}

	switch strategy {
	case AggregateConcatenate:
		return strings.Join(results, "\n\n"), nil
	case AggregateMerge:
		return mergeJSON(results)
	case AggregateReduce:
		if c.reducer == nil {
			return strings.Join(results, "\n\n"), nil
		}
		return c.reducer(results)
	case AggregateVote:
		return vote(results), nil
	default:
		return "", fmt.Errorf("%w: unknown aggregate strategy %q", ErrBadPlan, strategy)
	}
}

// mergeJSON merges object results key-wise, later sub-tasks overriding
// earlier ones on key collisions.
func mergeJSON(results []string) (string, error) {
	merged := make(map[string]json.RawMessage)
	for i, r := range results {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(r), &obj); err != nil {
			return "", fmt.Errorf("merge: subtask result %d is not a JSON object: %w", i, err)
		}
		for k, v := range obj {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}
	return string(out), nil
}

// vote returns the majority result; ties go to the earliest-submitted
// candidate.
func vote(results []string) string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, r := range results {
		if _, ok := firstSeen[r]; !ok {
			firstSeen[r] = i
		}
		counts[r]++
	}

	var winner string
	best := -1
	for r, n := range counts {
		if n > best || (n == best && firstSeen[r] < firstSeen[winner]) {
			winner, best = r, n
		}
	}
	return winner
}
