package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShayCichocki/dispatch/internal/backend"
	"github.com/ShayCichocki/dispatch/internal/recovery"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// metricPrefix marks the line a loop worker reports its convergence
// metric on, as the last line of its output.
const metricPrefix = "METRIC:"

// executeDirect runs a direct-mode task as a single backend invocation.
func (e *Engine) executeDirect(ctx context.Context, t *models.Task) (string, error) {
	res, err := e.backend.Execute(ctx, backend.Request{
		Prompt:         t.Input,
		Specialization: t.Specialization,
	})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// executeLoop runs a loop-mode task to a terminal convergence status.
// Non-convergence is permanent: re-running the same budget against the
// same criterion is operator territory, not retry territory.
func (e *Engine) executeLoop(ctx context.Context, t *models.Task) (string, error) {
	state, err := e.loops.Run(ctx, t)
	if err != nil {
		return "", err
	}

	switch state.Status {
	case models.ConvergenceReached:
		return state.Latest().Output, nil
	case models.ConvergenceExhausted:
		return "", recovery.Permanent(fmt.Errorf("loop did not converge within %d iterations", state.Iteration))
	case models.ConvergenceTimedOut:
		return "", recovery.Permanent(fmt.Errorf("loop timed out after %d iterations", state.Iteration))
	default:
		return "", fmt.Errorf("loop ended %s", state.Status)
	}
}

// invokeIteration is the loop executor's worker invocation: the first
// iteration runs the spec prompt, later iterations feed the previous
// output back for refinement. The metric comes from the worker's
// trailing METRIC line.
func (e *Engine) invokeIteration(ctx context.Context, task *models.Task, iteration int, prev *models.IterationResult) (string, float64, error) {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(task.Input), &payload); err != nil {
		return "", 0, fmt.Errorf("loop task %s input: %w", task.ID, err)
	}

	prompt := payload.Prompt
	if prev != nil {
		prompt = fmt.Sprintf("%s\n\nPrevious attempt (iteration %d):\n%s\n\nRefine the previous attempt.",
			payload.Prompt, prev.Iteration, prev.Output)
	}
	prompt += "\n\nEnd your reply with a line \"METRIC: <number>\" reporting your convergence metric."

	res, err := e.backend.Execute(ctx, backend.Request{
		Prompt:         prompt,
		Specialization: task.Specialization,
	})
	if err != nil {
		return "", 0, err
	}

	output, metric := splitMetric(res.Output)
	return output, metric, nil
}

// judge scores an output for judged convergence criteria by asking the
// backend for a bare number.
func (e *Engine) judge(output string) (float64, error) {
	res, err := e.backend.Execute(e.runCtx, backend.Request{
		Prompt: "Score the quality of the following output from 0 to 100. Reply with only the number.\n\n" + output,
	})
	if err != nil {
		return 0, err
	}

	score, err := parseLeadingFloat(res.Output)
	if err != nil {
		return 0, fmt.Errorf("judge reply %q: %w", truncate(res.Output, 80), err)
	}
	return score, nil
}

// reduce synthesizes swarm sub-task results for the reduce aggregation
// strategy.
func (e *Engine) reduce(inputs []string) (string, error) {
	var b strings.Builder
	b.WriteString("Synthesize the following results into a single coherent result:\n")
	for i, in := range inputs {
		fmt.Fprintf(&b, "\n--- result %d ---\n%s\n", i+1, in)
	}

	res, err := e.backend.Execute(e.runCtx, backend.Request{Prompt: b.String()})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// splitMetric strips a trailing METRIC line from a worker's output and
// parses its value. Output without one keeps a zero metric, which only
// matters to metric-driven criteria.
func splitMetric(output string) (string, float64) {
	trimmed := strings.TrimRight(output, "\n ")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed
	if idx >= 0 {
		last = trimmed[idx+1:]
	}

	rest, ok := strings.CutPrefix(strings.TrimSpace(last), metricPrefix)
	if !ok {
		return output, 0
	}
	metric, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return output, 0
	}

	if idx < 0 {
		return "", metric
	}
	return strings.TrimRight(trimmed[:idx], "\n "), metric
}

// parseLeadingFloat reads the first number in a reply, tolerating
// surrounding prose.
func parseLeadingFloat(s string) (float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-'
	})
	for _, f := range fields {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no number found")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
