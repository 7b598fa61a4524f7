package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenthive/orchestrator-core/internal/store"
)

// Kind classifies the anomaly an Escalation records (spec.md §4.6).
type Kind string

const (
	KindHeartbeatLoss   Kind = "heartbeat-loss"
	KindProgressStall   Kind = "progress-stall"
	KindDeadlineOverrun Kind = "deadline-overrun"
	KindEvidenceInvalid Kind = "evidence-invalid"
	KindSystemFailure   Kind = "system-failure"
)

// Severity ramps from medium through critical/system-failure as an
// anomaly recurs on the same assignment (spec.md §4.6).
type Severity string

const (
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
	SeveritySystemFailure Severity = "system-failure"
)

// Escalation is a recorded anomaly and the policy response it triggered.
type Escalation struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Kind         Kind      `json:"kind"`
	Severity     Severity  `json:"severity"`
	Detail       string    `json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
}

func newEscalation(assignmentID, taskID, agentID string, kind Kind, severity Severity, detail string) Escalation {
	return Escalation{
		ID:           "escalation-" + uuid.New().String(),
		AssignmentID: assignmentID,
		TaskID:       taskID,
		AgentID:      agentID,
		Kind:         kind,
		Severity:     severity,
		Detail:       detail,
		CreatedAt:    time.Now(),
	}
}

func persistEscalation(st store.Store, e Escalation) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("monitor: encode escalation %s: %w", e.ID, err)
	}
	item := store.Item{ID: e.ID, Value: value}
	if err := st.Put(store.CollectionEscalations, item); err != nil {
		return fmt.Errorf("monitor: persist escalation %s: %w", e.ID, err)
	}
	return nil
}
