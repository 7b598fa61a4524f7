// Package registry tracks the live agent population: who is registered,
// what they can do, how loaded they are, and whether they are still
// answering heartbeats (spec.md §4.3). It is grounded on the teacher's
// server.StartHeartbeatChecker/checkStaleAgents/handleStaleAgent trio —
// same ticker-driven staleness sweep, same log texture — restructured
// around the spec's four-rung health ladder instead of a binary
// connected/disconnected flag.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agenthive/orchestrator-core/internal/store"
)

// Health is an agent's position on the four-rung ladder of spec.md §4.3.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthSuspect      Health = "suspect"
	HealthUnresponsive Health = "unresponsive"
	HealthDrained      Health = "drained"
)

// Agent is the descriptor spec.md §3 defines: identity, advertised
// capabilities and capacity, current load, resource footprint, and health.
type Agent struct {
	ID              string            `json:"id"`
	Capabilities    []string          `json:"capabilities"`
	Capacity        int               `json:"capacity"`
	CurrentLoad     int               `json:"current_load"`
	CPUCores        float64           `json:"cpu_cores"`
	MemoryMB        int64             `json:"memory_mb"`
	DiskMB          int64             `json:"disk_mb"`
	NetworkMbps     int64             `json:"network_mbps"`
	Health          Health            `json:"health"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	RegisteredAt    time.Time         `json:"registered_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the agent advertises cap.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// FreeCapacity returns how many more assignments the agent can take.
func (a *Agent) FreeCapacity() int {
	f := a.Capacity - a.CurrentLoad
	if f < 0 {
		return 0
	}
	return f
}

func (a *Agent) clone() *Agent {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var (
	// ErrAlreadyRegistered is returned by Register for a duplicate id.
	ErrAlreadyRegistered = fmt.Errorf("registry: agent already registered")
	// ErrNotFound is returned when an operation names an unknown agent id.
	ErrNotFound = fmt.Errorf("registry: agent not found")
	// ErrAtCapacity is returned by ReviseLoad when an agent has no free slots.
	ErrAtCapacity = fmt.Errorf("registry: agent at capacity")
)

// Registry is the durable, thread-safe agent directory.
type Registry struct {
	mu               sync.RWMutex
	agents           map[string]*Agent
	st               store.Store
	heartbeatInterval time.Duration
	responseTimeout   time.Duration
}

// New loads every agent from st and returns a populated Registry.
// heartbeatInterval and responseTimeout parameterize the health ladder of
// spec.md §4.3 (healthy/suspect/unresponsive thresholds).
func New(st store.Store, heartbeatInterval, responseTimeout time.Duration) (*Registry, error) {
	r := &Registry{
		agents:            make(map[string]*Agent),
		st:                st,
		heartbeatInterval: heartbeatInterval,
		responseTimeout:   responseTimeout,
	}
	items, err := st.ScanAll(store.CollectionAgents)
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	for _, item := range items {
		var a Agent
		if err := json.Unmarshal(item.Value, &a); err != nil {
			return nil, fmt.Errorf("registry: decode %s: %w", item.ID, err)
		}
		r.agents[a.ID] = &a
	}
	return r, nil
}

func (r *Registry) persistLocked(a *Agent) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", a.ID, err)
	}
	item := store.Item{
		ID:    a.ID,
		Value: value,
		IndexKeys: map[string]string{
			"agents_by_health": string(a.Health),
		},
	}
	if err := r.st.Put(store.CollectionAgents, item); err != nil {
		return fmt.Errorf("registry: persist %s: %w", a.ID, err)
	}
	return nil
}

// Register adds a new agent descriptor, rejecting duplicate ids.
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return ErrAlreadyRegistered
	}
	now := time.Now()
	a.RegisteredAt = now
	a.LastHeartbeatAt = now
	a.Health = HealthHealthy
	if err := r.persistLocked(a); err != nil {
		return err
	}
	r.agents[a.ID] = a
	log.Printf("[REGISTRY] agent %s registered (capabilities=%v capacity=%d)", a.ID, a.Capabilities, a.Capacity)
	return nil
}

// Deregister moves an agent to drained and, only once it carries no load,
// removes its descriptor entirely (spec.md §4.3).
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Health = HealthDrained
	if err := r.persistLocked(a); err != nil {
		return err
	}
	if a.CurrentLoad == 0 {
		if err := r.st.Delete(store.CollectionAgents, id); err != nil {
			return fmt.Errorf("registry: deregister %s: %w", id, err)
		}
		delete(r.agents, id)
		log.Printf("[REGISTRY] agent %s deregistered", id)
	} else {
		log.Printf("[REGISTRY] agent %s draining, %d assignment(s) still active", id, a.CurrentLoad)
	}
	return nil
}

// Heartbeat records that id is alive and recomputes its health rung.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeatAt = time.Now()
	if a.Health != HealthDrained {
		a.Health = HealthHealthy
	}
	return r.persistLocked(a)
}

// Drain marks an agent drained explicitly, e.g. by operator request or
// policy (repeated validation failures). Existing assignments may still
// finish; no new ones will be offered.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Health = HealthDrained
	log.Printf("[REGISTRY] agent %s drained", id)
	return r.persistLocked(a)
}

// ReviseLoad adjusts an agent's current-load counter by delta (positive on
// assignment, negative on completion/release) and persists the change.
func (r *Registry) ReviseLoad(id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	next := a.CurrentLoad + delta
	if next < 0 {
		next = 0
	}
	if delta > 0 && next > a.Capacity {
		return ErrAtCapacity
	}
	a.CurrentLoad = next
	return r.persistLocked(a)
}

// Get returns a defensive copy of the agent descriptor for id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// Filter narrows List results. A zero-value field is not filtered on.
type Filter struct {
	Capability    string
	Health        Health
	MinFreeCapacity int
}

// List returns every agent matching f.
func (r *Registry) List(f Filter) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if f.Capability != "" && !a.HasCapability(f.Capability) {
			continue
		}
		if f.Health != "" && a.Health != f.Health {
			continue
		}
		if f.MinFreeCapacity > 0 && a.FreeCapacity() < f.MinFreeCapacity {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// SweepHealth recomputes every non-drained agent's health rung against now
// and returns the ids that just crossed into unresponsive. Run discards
// this list and no event is published; an unresponsive agent's active
// assignments are reassigned by the Accountability Monitor's own
// per-assignment heartbeat-loss check.
func (r *Registry) SweepHealth(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newlyUnresponsive []string
	for _, a := range r.agents {
		if a.Health == HealthDrained {
			continue
		}
		silence := now.Sub(a.LastHeartbeatAt)
		var next Health
		switch {
		case silence <= r.heartbeatInterval:
			next = HealthHealthy
		case silence <= r.responseTimeout:
			next = HealthSuspect
		default:
			next = HealthUnresponsive
		}
		if next != a.Health {
			if next == HealthUnresponsive {
				log.Printf("[REGISTRY] agent %s unresponsive (silent for %v)", a.ID, silence)
				newlyUnresponsive = append(newlyUnresponsive, a.ID)
			}
			a.Health = next
			if err := r.persistLocked(a); err != nil {
				log.Printf("[REGISTRY] failed to persist health transition for %s: %v", a.ID, err)
			}
		}
	}
	return newlyUnresponsive
}

// Run ticks SweepHealth at heartbeatInterval until ctx is cancelled,
// mirroring the teacher's StartHeartbeatChecker loop shape.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	log.Printf("[REGISTRY] health sweep started (interval=%v timeout=%v)", r.heartbeatInterval, r.responseTimeout)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[REGISTRY] health sweep stopping")
			return
		case <-ticker.C:
			r.SweepHealth(time.Now())
		}
	}
}
