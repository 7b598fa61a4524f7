package coordinator

import (
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// LeastConnections prefers the agent with the fewest current active
// assignments, per spec.md §4.5.
type LeastConnections struct{}

// NewLeastConnections constructs a LeastConnections policy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

func (p *LeastConnections) Name() string { return "least-connections" }

// Score rewards low current load: 1.0 at zero load, trending to 0 at full
// capacity.
func (p *LeastConnections) Score(t *task.Task, a *registry.Agent) Score {
	if !a.HasCapability(t.Kind) || a.FreeCapacity() <= 0 {
		return Score{Value: 0, Acceptable: false}
	}
	if a.Capacity == 0 {
		return Score{Value: 0, Acceptable: false}
	}
	value := 1 - float64(a.CurrentLoad)/float64(a.Capacity)
	return Score{Value: value, Acceptable: true}
}

func (p *LeastConnections) Select(t *task.Task, candidates []*registry.Agent) *registry.Agent {
	return defaultSelect(p, t, candidates)
}
