// Package graph provides the dependency graph used for task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a task depends on an id not present in the graph.
var ErrUnknownDependency = errors.New("unknown dependency")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Nodes are task ids; edges point from a task to the tasks it is
// blocked by. A task is ready only when every dependency has reached
// terminal success; a terminally failed dependency poisons its
// dependents instead of blocking them forever.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes is the set of known task ids.
	nodes map[string]bool
	// edges maps task id to the ids it depends on.
	edges map[string][]string
	// succeeded tracks tasks that reached terminal success.
	succeeded map[string]bool
	// failed tracks tasks that reached a terminal failure state.
	failed map[string]bool
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]bool),
		edges:     make(map[string][]string),
		succeeded: make(map[string]bool),
		failed:    make(map[string]bool),
	}
}

// Add registers a set of tasks and their dependency edges atomically.
// Dependencies may point at tasks already in the graph or at tasks in
// the same batch. The whole batch is rejected if any dependency is
// unknown or if adding the batch would introduce a cycle; on rejection
// the graph is left unchanged.
func (g *DependencyGraph) Add(deps map[string][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, depIDs := range deps {
		for _, depID := range depIDs {
			if !g.nodes[depID] {
				if _, inBatch := deps[depID]; !inBatch {
					return fmt.Errorf("task %s depends on %s: %w", id, depID, ErrUnknownDependency)
				}
			}
		}
	}

	for id := range deps {
		g.nodes[id] = true
	}
	for id, depIDs := range deps {
		g.edges[id] = append(g.edges[id], depIDs...)
	}

	if g.hasCycleLocked() {
		// Roll the batch back so rejection is all-or-nothing.
		for id, depIDs := range deps {
			g.edges[id] = g.edges[id][:len(g.edges[id])-len(depIDs)]
			if len(g.edges[id]) == 0 {
				delete(g.edges, id)
			}
			delete(g.nodes, id)
		}
		return ErrCycleDetected
	}

	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked runs a depth-first search with three-color marking to
// detect back edges. Caller must hold the lock.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// Ready reports whether every dependency of the given task has reached
// terminal success.
func (g *DependencyGraph) Ready(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readyLocked(id)
}

func (g *DependencyGraph) readyLocked(id string) bool {
	for _, depID := range g.edges[id] {
		if !g.succeeded[depID] {
			return false
		}
	}
	return true
}

// Poisoned reports whether any dependency of the given task reached a
// terminal failure state, making the task unrunnable.
func (g *DependencyGraph) Poisoned(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, depID := range g.edges[id] {
		if g.failed[depID] {
			return true
		}
	}
	return false
}

// MarkSucceeded records terminal success for a task, potentially
// unblocking its dependents.
func (g *DependencyGraph) MarkSucceeded(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.succeeded[id] = true
}

// MarkFailed records terminal failure for a task, poisoning its
// dependents.
func (g *DependencyGraph) MarkFailed(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed[id] = true
}

// ClearMarkers drops the terminal markers for a task id, used when a
// dead-lettered task is resubmitted under the same id.
func (g *DependencyGraph) ClearMarkers(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.succeeded, id)
	delete(g.failed, id)
}

// Remove deletes a task and its outbound edges from the graph. Terminal
// markers are kept so dependents of a purged-but-finished task still
// resolve.
func (g *DependencyGraph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	delete(g.edges, id)
}

// Dependencies returns the ids the given task depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	deps := make([]string, len(g.edges[id]))
	copy(deps, g.edges[id])
	return deps
}

// Dependents returns the ids of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for node, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, node)
				break
			}
		}
	}
	return dependents
}

// Contains reports whether the task id is registered in the graph.
func (g *DependencyGraph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// TopologicalSort returns task ids ordered so that every dependency
// precedes its dependents. Returns ErrCycleDetected if the graph has a
// cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		for _, depID := range g.edges[id] {
			visit(depID)
		}

		result = append(result, id)
	}

	for id := range g.nodes {
		visit(id)
	}

	return result, nil
}
