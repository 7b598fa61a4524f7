package coordinator

import (
	"sync"
	"time"

	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// Advisor is the ML hook of spec.md §4.5: a pure function returning
// suggested weights by agent id plus the time they were computed, called on
// every Score. It carries no authority — Weighted validates whatever it
// returns and falls back to the operator base weights on anything stale or
// malformed, and to capability-first when those are empty or all zero.
type Advisor func() (map[string]float64, time.Time)

const weightStaleAfter = 5 * time.Minute

// Weighted scores agents by operator-assigned weights, normalized, with
// an optional Advisor allowed to override them at runtime. Invalid or
// stale advice is ignored (spec.md §4.5).
type Weighted struct {
	mu          sync.RWMutex
	baseWeights map[string]float64
	advisor     Advisor
	fallback    *CapabilityFirst
}

// NewWeighted constructs a Weighted policy from operator-assigned base
// weights (agent id -> weight).
func NewWeighted(baseWeights map[string]float64) *Weighted {
	return &Weighted{
		baseWeights: baseWeights,
		fallback:    NewCapabilityFirst(),
	}
}

// SetAdvisor installs the external advisor hook.
func (p *Weighted) SetAdvisor(a Advisor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advisor = a
}

// SetBaseWeights replaces the operator-assigned base weights consulted
// whenever no fresh, valid advisor output is available (spec.md §6's
// adjust-policy-weights operation).
func (p *Weighted) SetBaseWeights(weights map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseWeights = weights
}

func (p *Weighted) Name() string { return "weighted" }

// effectiveWeights returns validated, normalized weights: advisor output
// if present, fresh, and well-formed; the operator base weights otherwise.
func (p *Weighted) effectiveWeights() map[string]float64 {
	p.mu.RLock()
	advisor := p.advisor
	p.mu.RUnlock()

	if advisor != nil {
		weights, asOf := advisor()
		if time.Since(asOf) <= weightStaleAfter && validWeights(weights) {
			return normalizeWeights(weights)
		}
	}
	p.mu.RLock()
	base := p.baseWeights
	p.mu.RUnlock()
	return normalizeWeights(base)
}

// validWeights rejects empty maps, negative weights, and all-zero weights
// — anything an advisor could return that would make normalization
// meaningless or reward an unhealthy agent with an inflated share.
func validWeights(w map[string]float64) bool {
	if len(w) == 0 {
		return false
	}
	var sum float64
	for _, v := range w {
		if v < 0 {
			return false
		}
		sum += v
	}
	return sum > 0
}

func normalizeWeights(w map[string]float64) map[string]float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		return nil
	}
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v / sum
	}
	return out
}

func (p *Weighted) Score(t *task.Task, a *registry.Agent) Score {
	if !a.HasCapability(t.Kind) || a.FreeCapacity() <= 0 {
		return Score{Value: 0, Acceptable: false}
	}
	weights := p.effectiveWeights()
	if weights == nil {
		return p.fallback.Score(t, a)
	}
	w, ok := weights[a.ID]
	if !ok {
		return Score{Value: 0, Acceptable: false}
	}
	return Score{Value: w, Acceptable: true}
}

func (p *Weighted) Select(t *task.Task, candidates []*registry.Agent) *registry.Agent {
	return defaultSelect(p, t, candidates)
}
