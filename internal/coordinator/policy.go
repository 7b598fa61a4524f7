// Package coordinator implements the single cooperative scheduling loop of
// spec.md §4.5: each tick it matches ready tasks to healthy agents with
// spare capacity, via one of five pluggable fit-score policies. It is
// grounded on the teacher's supervisor.StandardDispatcher.spawnAgents loop
// shape and supervisor.StandardDecisionEngine's mode-selection structure,
// repurposed from spawning OS processes to reserve/withdraw/assign.
package coordinator

import (
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// Score is a policy's fit-score contract result for a (task, agent) pair.
type Score struct {
	Value      float64
	Acceptable bool
}

// Policy picks, among a set of candidate agents, the best fit for a task,
// per spec.md §4.5's fit-score contract.
type Policy interface {
	Name() string
	// Score returns the fit-score contract result for assigning t to a.
	Score(t *task.Task, a *registry.Agent) Score
	// Select runs Score over every candidate and returns the best
	// acceptable match, or nil if none is acceptable.
	Select(t *task.Task, candidates []*registry.Agent) *registry.Agent
}

// defaultSelect is the shared "score everyone, keep the best acceptable
// one" reducer every policy but round-robin uses.
func defaultSelect(p Policy, t *task.Task, candidates []*registry.Agent) *registry.Agent {
	var best *registry.Agent
	bestScore := -1.0
	for _, a := range candidates {
		s := p.Score(t, a)
		if !s.Acceptable {
			continue
		}
		if s.Value > bestScore {
			bestScore = s.Value
			best = a
		}
	}
	return best
}

// ForName constructs the Policy named by cfg's scheduling_policy value.
// Unknown names fall back to capability-first, matching the weighted
// policy's own stale-advice fallback rule in spec.md §4.5.
func ForName(name string, weights map[string]float64) Policy {
	switch name {
	case "round-robin":
		return NewRoundRobin()
	case "least-connections":
		return NewLeastConnections()
	case "resource-based":
		return NewResourceBased()
	case "weighted":
		return NewWeighted(weights)
	case "capability-first":
		return NewCapabilityFirst()
	default:
		return NewCapabilityFirst()
	}
}
