// Package backend provides the LLM execution layer workers run their
// tasks through, with per-call token and cost accounting.
package backend

import (
	"context"
	"sync"
)

// Request is one unit of work handed to the backend.
type Request struct {
	// System is the system prompt; empty uses the backend default.
	System string
	// Prompt is the task input.
	Prompt string
	// Specialization tunes the system prompt for the worker's role.
	Specialization string
	// MaxTokens caps the response length; zero uses the backend default.
	MaxTokens int64
}

// Result is the outcome of one backend invocation.
type Result struct {
	// Output is the model's text response.
	Output string
	// InputTokens and OutputTokens are the usage reported by the API.
	InputTokens  int64
	OutputTokens int64
	// Cost is the estimated cost of this call in dollars.
	Cost float64
}

// Backend executes prompts. Implementations classify their errors as
// transient or permanent so the recovery manager can decide retries.
type Backend interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// TokenTracker accumulates token usage across calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records usage from one call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns accumulated input and output tokens.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of recorded calls.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Cost estimates accumulated cost in USD at approximate Sonnet pricing:
// $3/1M input, $15/1M output.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cost(t.inputTok, t.outputTok)
}

func cost(input, output int64) float64 {
	return float64(input)/1_000_000*3.0 + float64(output)/1_000_000*15.0
}
