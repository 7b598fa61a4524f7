package coordinator

import (
	"sync"

	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// RoundRobin cycles through candidates in rotation, ignoring load. Suited
// only to homogeneous agent pools, per spec.md §4.5.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

// NewRoundRobin constructs a RoundRobin policy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (p *RoundRobin) Name() string { return "round-robin" }

// Score always reports a neutral acceptable score; rotation order, not
// score magnitude, decides placement for this policy.
func (p *RoundRobin) Score(t *task.Task, a *registry.Agent) Score {
	if !a.HasCapability(t.Kind) || a.FreeCapacity() <= 0 {
		return Score{Value: 0, Acceptable: false}
	}
	return Score{Value: 1, Acceptable: true}
}

// Select advances the rotation pointer and returns the next eligible
// candidate, wrapping around the slice at most once.
func (p *RoundRobin) Select(t *task.Task, candidates []*registry.Agent) *registry.Agent {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(candidates); i++ {
		idx := (p.next + i) % len(candidates)
		if p.Score(t, candidates[idx]).Acceptable {
			p.next = idx + 1
			return candidates[idx]
		}
	}
	return nil
}
