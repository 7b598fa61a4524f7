// Package resource implements the four-dimension reservation ledger of
// spec.md §4.2: an all-or-nothing admission check across CPU, memory,
// disk, and network against configured per-dimension caps. It is grounded
// on the other_examples pool.ResourceManager/ResourceMonitor shape — a
// single mutex-guarded counter map plus an allocation-id keyed ledger —
// restructured around the spec's reserve/release/snapshot/optimization
// hint operations and durable-write-then-counter-revert failure handling.
package resource

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthive/orchestrator-core/internal/store"
)

// Requirements is the four-dimension resource estimate a reservation
// request carries, mirroring task.ResourceHint.
type Requirements struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryMB    int64   `json:"memory_mb"`
	DiskMB      int64   `json:"disk_mb"`
	NetworkMbps int64   `json:"network_mbps"`
}

// Caps are the configured per-dimension ceilings the ledger enforces.
type Caps struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryMB    int64   `json:"memory_mb"`
	DiskMB      int64   `json:"disk_mb"`
	NetworkMbps int64   `json:"network_mbps"`
}

// Allocation is a single granted reservation, persisted so the ledger can
// be reconstructed on restart.
type Allocation struct {
	ID           string       `json:"id"`
	AgentID      string       `json:"agent_id"`
	TaskID       string       `json:"task_id"`
	Requirements Requirements `json:"requirements"`
	ReservedAt   time.Time    `json:"reserved_at"`
}

// ErrInsufficientCapacity is returned by Reserve when any dimension would
// exceed its configured cap.
var ErrInsufficientCapacity = fmt.Errorf("resource: insufficient capacity")

// ErrAlreadyReleased is returned only in contexts that care; Release
// itself is idempotent and never returns it.
var ErrAlreadyReleased = fmt.Errorf("resource: allocation already released")

// Manager is the mutex-guarded reservation ledger.
type Manager struct {
	mu          sync.Mutex
	caps        Caps
	used        Caps
	allocations map[string]*Allocation
	st          store.Store
}

// New loads the ledger from st and rebuilds in-memory counters from the
// surviving allocations.
func New(st store.Store, caps Caps) (*Manager, error) {
	m := &Manager{
		caps:        caps,
		allocations: make(map[string]*Allocation),
		st:          st,
	}
	items, err := st.ScanAll(store.CollectionLedger)
	if err != nil {
		return nil, fmt.Errorf("resource: load ledger: %w", err)
	}
	for _, item := range items {
		var a Allocation
		if err := json.Unmarshal(item.Value, &a); err != nil {
			return nil, fmt.Errorf("resource: decode %s: %w", item.ID, err)
		}
		m.allocations[a.ID] = &a
		m.used.CPUCores += a.Requirements.CPUCores
		m.used.MemoryMB += a.Requirements.MemoryMB
		m.used.DiskMB += a.Requirements.DiskMB
		m.used.NetworkMbps += a.Requirements.NetworkMbps
	}
	return m, nil
}

// Reserve performs the atomic four-dimension admission check. On success
// it durably records the allocation; if that write fails, the in-memory
// counters are reverted before Reserve returns, per spec.md §4.2's
// explicit failure-handling rule.
func (m *Manager) Reserve(agentID, taskID string, req Requirements) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used.CPUCores+req.CPUCores > m.caps.CPUCores ||
		m.used.MemoryMB+req.MemoryMB > m.caps.MemoryMB ||
		m.used.DiskMB+req.DiskMB > m.caps.DiskMB ||
		m.used.NetworkMbps+req.NetworkMbps > m.caps.NetworkMbps {
		return nil, ErrInsufficientCapacity
	}

	m.used.CPUCores += req.CPUCores
	m.used.MemoryMB += req.MemoryMB
	m.used.DiskMB += req.DiskMB
	m.used.NetworkMbps += req.NetworkMbps

	alloc := &Allocation{
		ID:           "alloc-" + uuid.New().String(),
		AgentID:      agentID,
		TaskID:       taskID,
		Requirements: req,
		ReservedAt:   time.Now(),
	}
	value, err := json.Marshal(alloc)
	if err != nil {
		m.revertLocked(req)
		return nil, fmt.Errorf("resource: encode allocation: %w", err)
	}
	item := store.Item{ID: alloc.ID, Value: value, IndexKeys: map[string]string{
		"ledger_by_agent": agentID,
	}}
	if err := m.st.Put(store.CollectionLedger, item); err != nil {
		m.revertLocked(req)
		return nil, fmt.Errorf("resource: persist allocation: %w", err)
	}

	m.allocations[alloc.ID] = alloc
	return alloc, nil
}

func (m *Manager) revertLocked(req Requirements) {
	m.used.CPUCores -= req.CPUCores
	m.used.MemoryMB -= req.MemoryMB
	m.used.DiskMB -= req.DiskMB
	m.used.NetworkMbps -= req.NetworkMbps
}

// Release frees an allocation's reserved resources. Releasing an unknown
// or already-released id is a no-op, matching spec.md §4.2's "idempotent".
func (m *Manager) Release(allocationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocations[allocationID]
	if !ok {
		return nil
	}
	if err := m.st.Delete(store.CollectionLedger, allocationID); err != nil {
		return fmt.Errorf("resource: release %s: %w", allocationID, err)
	}
	m.revertLocked(alloc.Requirements)
	delete(m.allocations, allocationID)
	return nil
}

// ReleaseByTask releases every allocation held for the given task, used
// when a task is reassigned, completed, or abandoned and its task id is
// known but its allocation id is not (e.g. after a process restart).
func (m *Manager) ReleaseByTask(taskID string) error {
	m.mu.Lock()
	ids := make([]string, 0, 1)
	for id, a := range m.allocations {
		if a.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Release(id); err != nil {
			return err
		}
	}
	return nil
}

// Ledger is a point-in-time snapshot of per-dimension totals.
type Ledger struct {
	Caps Caps `json:"caps"`
	Used Caps `json:"used"`
}

// Snapshot returns the current ledger, read by the operator surface and
// the metrics refresh loop (spec.md §4.2).
func (m *Manager) Snapshot() Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Ledger{Caps: m.caps, Used: m.used}
}

// Hint is an advisory, read-only signal about ledger pressure.
type Hint struct {
	OverCommitted  []string `json:"over_committed,omitempty"`
	UnderCommitted []string `json:"under_committed,omitempty"`
}

// OptimizationHint reports dimensions running hot (>85% of cap) or cold
// (<15% of cap). It never mutates state and carries no authority to act —
// spec.md explicitly keeps scaling decisions external to the core.
func (m *Manager) OptimizationHint() Hint {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h Hint
	check := func(name string, used, cap float64) {
		if cap <= 0 {
			return
		}
		ratio := used / cap
		switch {
		case ratio > 0.85:
			h.OverCommitted = append(h.OverCommitted, name)
		case ratio < 0.15:
			h.UnderCommitted = append(h.UnderCommitted, name)
		}
	}
	check("cpu", m.used.CPUCores, m.caps.CPUCores)
	check("memory", float64(m.used.MemoryMB), float64(m.caps.MemoryMB))
	check("disk", float64(m.used.DiskMB), float64(m.caps.DiskMB))
	check("network", float64(m.used.NetworkMbps), float64(m.caps.NetworkMbps))
	return h
}
