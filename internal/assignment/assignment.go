// Package assignment defines the binding of one task to one agent for one
// attempt (spec.md §3). It is a standalone package, separate from
// coordinator and monitor, because both of those components — and the
// operator surface — need to read and mutate Assignment records without
// importing each other.
package assignment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agenthive/orchestrator-core/internal/store"
)

// Status is an assignment's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusComplete   Status = "complete"
	StatusTimedOut   Status = "timed-out"
	StatusReassigned Status = "reassigned"
	StatusSuperseded Status = "superseded"
)

// Assignment binds a task to an agent for one execution attempt.
type Assignment struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	AgentID          string    `json:"agent_id"`
	AllocationID     string    `json:"allocation_id"`
	AssignedAt       time.Time `json:"assigned_at"`
	ExpectedDeadline time.Time `json:"expected_deadline"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
	LastProgressAt   time.Time `json:"last_progress_at"`
	ProgressPercent  int       `json:"progress_percent"`
	Confidence       int       `json:"confidence"`
	Status           Status    `json:"status"`
	Evidence         []string  `json:"evidence,omitempty"`
	// PriorAssignmentID, when set, points at the Assignment this one
	// supersedes after a reassignment (spec.md §3's provenance pointer).
	PriorAssignmentID string `json:"prior_assignment_id,omitempty"`

	// StallCount and InvalidReportStreak back the monitor's escalation
	// severity ramp-up (spec.md §4.6); persisted here so a restart does
	// not reset an assignment's standing escalation history.
	StallCount          int `json:"stall_count"`
	InvalidReportStreak int `json:"invalid_report_streak"`
}

// Store persists Assignment records in the durable store's assignments
// collection, keyed by id and indexed by agent for the monitor's sweeps.
type Store struct {
	st store.Store
}

// NewStore wraps a store.Store for assignment records.
func NewStore(st store.Store) *Store {
	return &Store{st: st}
}

// Put inserts or replaces an assignment.
func (s *Store) Put(a *Assignment) error {
	item, err := s.Item(a)
	if err != nil {
		return err
	}
	if err := s.st.Put(store.CollectionAssignments, item); err != nil {
		return fmt.Errorf("assignment: persist %s: %w", a.ID, err)
	}
	return nil
}

// Item builds the store.Item representing a, without writing it, so a
// caller can fold the write into a larger atomic store.Transact call
// alongside another collection's write (spec.md §4.1, §4.5 step 3).
func (s *Store) Item(a *Assignment) (store.Item, error) {
	value, err := json.Marshal(a)
	if err != nil {
		return store.Item{}, fmt.Errorf("assignment: encode %s: %w", a.ID, err)
	}
	return store.Item{
		ID:    a.ID,
		Value: value,
		IndexKeys: map[string]string{
			store.IndexAssignmentsByAgent: a.AgentID,
		},
	}, nil
}

// Get retrieves an assignment by id.
func (s *Store) Get(id string) (*Assignment, error) {
	item, err := s.st.Get(store.CollectionAssignments, id)
	if err != nil {
		return nil, err
	}
	var a Assignment
	if err := json.Unmarshal(item.Value, &a); err != nil {
		return nil, fmt.Errorf("assignment: decode %s: %w", id, err)
	}
	return &a, nil
}

// ByAgent returns every assignment currently attributed to agentID.
func (s *Store) ByAgent(agentID string) ([]*Assignment, error) {
	items, err := s.st.ScanIndex(store.CollectionAssignments, store.IndexAssignmentsByAgent, agentID)
	if err != nil {
		return nil, fmt.Errorf("assignment: scan by agent %s: %w", agentID, err)
	}
	out := make([]*Assignment, 0, len(items))
	for _, item := range items {
		var a Assignment
		if err := json.Unmarshal(item.Value, &a); err != nil {
			return nil, fmt.Errorf("assignment: decode %s: %w", item.ID, err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// All returns every assignment record known to the store.
func (s *Store) All() ([]*Assignment, error) {
	items, err := s.st.ScanAll(store.CollectionAssignments)
	if err != nil {
		return nil, fmt.Errorf("assignment: scan all: %w", err)
	}
	out := make([]*Assignment, 0, len(items))
	for _, item := range items {
		var a Assignment
		if err := json.Unmarshal(item.Value, &a); err != nil {
			return nil, fmt.Errorf("assignment: decode %s: %w", item.ID, err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// Active filters a slice of assignments down to those still active.
func Active(all []*Assignment) []*Assignment {
	var out []*Assignment
	for _, a := range all {
		if a.Status == StatusActive {
			out = append(out, a)
		}
	}
	return out
}
