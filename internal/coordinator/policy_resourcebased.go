package coordinator

import (
	"math"

	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// ResourceBased prefers the agent whose remaining resource headroom best
// matches the task's requirements, minimizing fragmentation (spec.md
// §4.5). Headroom here is approximated from the agent's advertised
// footprint scaled by its free capacity fraction, since the live ledger
// tracks reservations per allocation rather than per agent.
type ResourceBased struct{}

// NewResourceBased constructs a ResourceBased policy.
func NewResourceBased() *ResourceBased {
	return &ResourceBased{}
}

func (p *ResourceBased) Name() string { return "resource-based" }

func (p *ResourceBased) Score(t *task.Task, a *registry.Agent) Score {
	if !a.HasCapability(t.Kind) || a.FreeCapacity() <= 0 {
		return Score{Value: 0, Acceptable: false}
	}

	headroomFrac := float64(a.FreeCapacity()) / float64(a.Capacity)
	headroomCPU := a.CPUCores * headroomFrac
	headroomMem := float64(a.MemoryMB) * headroomFrac

	if t.Resources.CPUCores > headroomCPU || float64(t.Resources.MemoryMB) > headroomMem {
		return Score{Value: 0, Acceptable: false}
	}

	// Minimize fragmentation: score highest when the task consumes most of
	// the agent's remaining headroom without exceeding it (tight fit),
	// rather than leaving a mostly-idle agent mostly idle.
	cpuFit := fitRatio(t.Resources.CPUCores, headroomCPU)
	memFit := fitRatio(float64(t.Resources.MemoryMB), headroomMem)
	return Score{Value: (cpuFit + memFit) / 2, Acceptable: true}
}

func fitRatio(want, have float64) float64 {
	if have <= 0 {
		return 0
	}
	ratio := want / have
	if ratio > 1 {
		return 0
	}
	return 1 - math.Abs(1-ratio)
}

func (p *ResourceBased) Select(t *task.Task, candidates []*registry.Agent) *registry.Agent {
	return defaultSelect(p, t, candidates)
}
