// Package task implements the priority-and-dependency-ordered task backlog.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending           Status = "pending"
	StatusReady             Status = "ready"
	StatusAssigned          Status = "assigned"
	StatusRunning           Status = "running"
	StatusAwaitingEvidence  Status = "awaiting-evidence"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusAbandoned         Status = "abandoned"
	StatusEscalatedToHuman  Status = "escalated-to-human"
	StatusBlockedOnResource Status = "blocked-on-resources"
)

// IsTerminal reports whether status is absorbing (I7).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned, StatusEscalatedToHuman:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the lifecycle graph of spec.md §4.3.
// Unlisted sources transition nowhere (terminal or unreachable without
// going through the Queue/Monitor helper methods below).
var validTransitions = map[Status][]Status{
	StatusPending:           {StatusReady, StatusFailed, StatusAbandoned},
	StatusReady:             {StatusAssigned, StatusPending, StatusBlockedOnResource, StatusFailed, StatusAbandoned},
	StatusBlockedOnResource: {StatusReady, StatusFailed, StatusAbandoned},
	StatusAssigned:          {StatusRunning, StatusReady, StatusFailed, StatusAbandoned},
	StatusRunning:           {StatusAwaitingEvidence, StatusReady, StatusFailed, StatusAbandoned},
	StatusAwaitingEvidence:  {StatusCompleted, StatusRunning, StatusReady, StatusFailed, StatusAbandoned},
}

// CanTransition reports whether newStatus is reachable from the task's
// current status. Every non-terminal status may also transition directly
// to escalated-to-human once reassignment is exhausted (spec.md §4.6), so
// that case is handled as a blanket allowance rather than repeated in
// every row of validTransitions above.
// current status, per spec.md §3's lifecycle invariant.
func (t *Task) CanTransition(newStatus Status) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if newStatus == StatusEscalatedToHuman {
		return true
	}
	for _, s := range validTransitions[t.Status] {
		if s == newStatus {
			return true
		}
	}
	return false
}

// Requirement is an acceptance criterion attached to a task.
type Requirement struct {
	Text     string `json:"text"`
	Required bool   `json:"required"`
	Met      bool   `json:"met"`
}

// ResourceHint carries the four-dimension resource estimate a submitter
// supplies for admission control (consumed by internal/resource).
type ResourceHint struct {
	CPUCores   float64 `json:"cpu_cores"`
	MemoryMB   int64   `json:"memory_mb"`
	DiskMB     int64   `json:"disk_mb"`
	NetworkMbp int64   `json:"network_mbps"`
}

// Task is a unit of work in the system. See spec.md §3.
type Task struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Kind              string            `json:"kind"`
	Priority          int               `json:"priority"`
	Status            Status            `json:"status"`
	Prerequisites     []string          `json:"prerequisites,omitempty"`
	ParentTaskID      string            `json:"parent_task_id,omitempty"`
	ReassignmentCount int               `json:"reassignment_count"`
	EscalationCount   int               `json:"escalation_count"`
	Resources         ResourceHint      `json:"resources"`
	Requirements      []Requirement     `json:"requirements,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	Deadline          *time.Time        `json:"deadline,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`

	// EstimatedEffort, when set, is combined with
	// completion_timeout_multiplier to compute an Assignment's deadline.
	EstimatedEffort time.Duration `json:"estimated_effort,omitempty"`

	// ExcludedAgents accumulates agent ids the accountability monitor has
	// ruled out for this task after a reassignment (spec.md §4.6 step 3),
	// so the coordinator never redispatches to an agent that just stalled
	// or lost heartbeat on the same task.
	ExcludedAgents []string `json:"excluded_agents,omitempty"`
}

// ExcludesAgent reports whether agentID has been ruled out for this task
// by a prior reassignment.
func (t *Task) ExcludesAgent(agentID string) bool {
	for _, id := range t.ExcludedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// EffortEstimate returns the duration the coordinator should treat this
// task's expected work as taking, for computing an assignment's deadline:
// the submitter's own estimate if one was given, else the span between
// submission and deadline if a deadline was set, else defaultEffort.
func (t *Task) EffortEstimate(defaultEffort time.Duration) time.Duration {
	if t.EstimatedEffort > 0 {
		return t.EstimatedEffort
	}
	if t.Deadline != nil {
		if d := t.Deadline.Sub(t.SubmittedAt); d > 0 {
			return d
		}
	}
	return defaultEffort
}

// New creates a task in StatusPending with a fresh id, mirroring the
// teacher's tasks.NewTask constructor shape.
func New(title, description, kind string, priority int) *Task {
	now := time.Now()
	return &Task{
		ID:          "task-" + uuid.New().String(),
		Title:       title,
		Description: description,
		Kind:        kind,
		Priority:    priority,
		Status:      StatusPending,
		Metadata:    make(map[string]string),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// Validate checks field-level invariants enforced at the submission
// boundary (spec.md §6, error "invalid-task").
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if t.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidTask)
	}
	if t.Priority < 0 {
		return fmt.Errorf("%w: priority must be non-negative", ErrInvalidTask)
	}
	seen := make(map[string]bool, len(t.Prerequisites))
	for _, p := range t.Prerequisites {
		if p == t.ID {
			return fmt.Errorf("%w: task cannot depend on itself", ErrInvalidTask)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate prerequisite %s", ErrInvalidTask, p)
		}
		seen[p] = true
	}
	return nil
}

// TransitionTo attempts to move the task to newStatus, enforcing the
// lifecycle graph and stamping UpdatedAt/StartedAt/CompletedAt as needed.
func (t *Task) TransitionTo(newStatus Status) error {
	if !t.CanTransition(newStatus) {
		return fmt.Errorf("%w: invalid transition from %s to %s", ErrInvalidTransition, t.Status, newStatus)
	}
	t.Status = newStatus
	t.UpdatedAt = time.Now()
	switch newStatus {
	case StatusRunning:
		if t.StartedAt == nil {
			now := time.Now()
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusAbandoned, StatusEscalatedToHuman:
		now := time.Now()
		t.CompletedAt = &now
	}
	return nil
}

// Clone returns a deep-enough copy for safe hand-off across component
// boundaries without sharing slice/map backing arrays.
func (t *Task) Clone() *Task {
	c := *t
	if t.Prerequisites != nil {
		c.Prerequisites = append([]string(nil), t.Prerequisites...)
	}
	if t.Requirements != nil {
		c.Requirements = append([]Requirement(nil), t.Requirements...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.ExcludedAgents != nil {
		c.ExcludedAgents = append([]string(nil), t.ExcludedAgents...)
	}
	return &c
}
