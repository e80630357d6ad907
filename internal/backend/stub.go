package backend

import (
	"context"
	"sync"
)

// Stub is a scriptable backend for tests and dry runs: each Execute
// call is answered by the script function, and requests are recorded
// for assertions.
type Stub struct {
	mu       sync.Mutex
	script   func(req Request) (*Result, error)
	requests []Request
}

// NewStub creates a stub backend answering with the given script. A nil
// script echoes the prompt back.
func NewStub(script func(req Request) (*Result, error)) *Stub {
	if script == nil {
		script = func(req Request) (*Result, error) {
			return &Result{Output: req.Prompt}, nil
		}
	}
	return &Stub{script: script}
}

// Execute implements Backend.
func (s *Stub) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	script := s.script
	s.mu.Unlock()

	return script(req)
}

// Requests returns the recorded requests in call order.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many Execute calls were made.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
