// Package loop implements iterative-refinement execution: a task is run
// repeatedly through a worker, each iteration's output evaluated
// against a convergence criterion and checkpointed, until the loop
// converges or exhausts its bounds.
package loop

import (
	"fmt"
	"math"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Direction is the optimization direction of a threshold criterion.
type Direction string

const (
	// Maximize converges when the metric reaches or exceeds the target.
	Maximize Direction = "maximize"
	// Minimize converges when the metric reaches or falls below the target.
	Minimize Direction = "minimize"
)

// Criterion decides whether a loop has converged. The variants are a
// closed set: threshold, stability, external check, and judged.
type Criterion interface {
	// Evaluate inspects the latest iteration (and history where the
	// variant needs it) and reports convergence plus a distance-to-goal
	// for progress reporting.
	Evaluate(state *models.LoopState, latest models.IterationResult) (bool, float64, error)
	// Describe names the criterion for logs and audit entries.
	Describe() string
}

// Threshold converges when the iteration metric crosses a target value
// in the configured direction.
type Threshold struct {
	// Target is the metric value to reach.
	Target float64
	// Direction is maximize or minimize.
	Direction Direction
}

// Evaluate implements Criterion.
func (c Threshold) Evaluate(_ *models.LoopState, latest models.IterationResult) (bool, float64, error) {
	switch c.Direction {
	case Maximize:
		return latest.Metric >= c.Target, math.Max(0, c.Target-latest.Metric), nil
	case Minimize:
		return latest.Metric <= c.Target, math.Max(0, latest.Metric-c.Target), nil
	default:
		return false, 0, fmt.Errorf("unknown direction %q", c.Direction)
	}
}

// Describe implements Criterion.
func (c Threshold) Describe() string {
	return fmt.Sprintf("threshold(%s %g)", c.Direction, c.Target)
}

// Stability converges when the last Window metrics stay within
// Tolerance of each other, meaning further iterations are no longer
// moving the output.
type Stability struct {
	// Window is how many consecutive iterations must agree.
	Window int
	// Tolerance is the allowed metric spread across the window.
	Tolerance float64
}

// Evaluate implements Criterion.
func (c Stability) Evaluate(state *models.LoopState, _ models.IterationResult) (bool, float64, error) {
	if c.Window < 2 {
		return false, 0, fmt.Errorf("stability window must be at least 2, got %d", c.Window)
	}
	if len(state.History) < c.Window {
		return false, math.Inf(1), nil
	}

	window := state.History[len(state.History)-c.Window:]
	lo, hi := window[0].Metric, window[0].Metric
	for _, r := range window[1:] {
		lo = math.Min(lo, r.Metric)
		hi = math.Max(hi, r.Metric)
	}
	spread := hi - lo
	return spread <= c.Tolerance, math.Max(0, spread-c.Tolerance), nil
}

// Describe implements Criterion.
func (c Stability) Describe() string {
	return fmt.Sprintf("stability(last %d within %g)", c.Window, c.Tolerance)
}

// CheckFunc is a caller-supplied convergence predicate over an
// iteration's output.
type CheckFunc func(output string) (bool, error)

// ExternalCheck converges when a registered predicate accepts the
// iteration output, for example a lint or test run.
type ExternalCheck struct {
	// Name identifies the registered check.
	Name string
	// Check is the resolved predicate.
	Check CheckFunc
}

// Evaluate implements Criterion.
func (c ExternalCheck) Evaluate(_ *models.LoopState, latest models.IterationResult) (bool, float64, error) {
	if c.Check == nil {
		return false, 0, fmt.Errorf("external check %q not registered", c.Name)
	}
	ok, err := c.Check(latest.Output)
	if err != nil {
		return false, 0, fmt.Errorf("external check %q: %w", c.Name, err)
	}
	if ok {
		return true, 0, nil
	}
	return false, 1, nil
}

// Describe implements Criterion.
func (c ExternalCheck) Describe() string {
	return fmt.Sprintf("external(%s)", c.Name)
}

// JudgeFunc scores an iteration output in [0, 1].
type JudgeFunc func(output string) (float64, error)

// Judged converges when a judging step scores the output at or above
// the threshold. The engine wires the judge to a worker invocation.
type Judged struct {
	// Threshold is the minimum accepted score.
	Threshold float64
	// Judge produces the score.
	Judge JudgeFunc
}

// Evaluate implements Criterion.
func (c Judged) Evaluate(_ *models.LoopState, latest models.IterationResult) (bool, float64, error) {
	if c.Judge == nil {
		return false, 0, fmt.Errorf("no judge configured")
	}
	score, err := c.Judge(latest.Output)
	if err != nil {
		return false, 0, fmt.Errorf("judge output: %w", err)
	}
	return score >= c.Threshold, math.Max(0, c.Threshold-score), nil
}

// Describe implements Criterion.
func (c Judged) Describe() string {
	return fmt.Sprintf("judged(>= %g)", c.Threshold)
}
