package coordinator

import (
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// CapabilityFirst prefers agents whose capability set is the tightest
// superset of the task kind, tie-broken by least-connections. This is the
// default policy per spec.md §4.5.
type CapabilityFirst struct {
	tieBreak *LeastConnections
}

// NewCapabilityFirst constructs a CapabilityFirst policy.
func NewCapabilityFirst() *CapabilityFirst {
	return &CapabilityFirst{tieBreak: NewLeastConnections()}
}

func (p *CapabilityFirst) Name() string { return "capability-first" }

// Score favors agents with fewer total capabilities (a tighter superset of
// just what the task needs), folding in the least-connections tie-break as
// a small secondary term so equally-tight agents still separate on load.
func (p *CapabilityFirst) Score(t *task.Task, a *registry.Agent) Score {
	if !a.HasCapability(t.Kind) || a.FreeCapacity() <= 0 {
		return Score{Value: 0, Acceptable: false}
	}
	tightness := 1 / float64(len(a.Capabilities))
	tieBreak := p.tieBreak.Score(t, a).Value
	return Score{Value: tightness + tieBreak*0.01, Acceptable: true}
}

func (p *CapabilityFirst) Select(t *task.Task, candidates []*registry.Agent) *registry.Agent {
	return defaultSelect(p, t, candidates)
}
