package agentrpc

import "time"

// Subject patterns for agent <-> orchestrator RPCs (spec.md §4.7). Use
// fmt.Sprintf with an agent id to build a concrete subject from a
// %s-bearing pattern.
const (
	// SubjectAgentRegister is a request/reply subject: an agent sends a
	// RegisterRequest and gets back a RegisterResponse.
	SubjectAgentRegister = "orchestrator.agent.register"

	// SubjectAgentHeartbeat is the per-agent heartbeat publish pattern.
	SubjectAgentHeartbeat = "orchestrator.agent.%s.heartbeat"
	// SubjectAllHeartbeats subscribes to every agent's heartbeats.
	SubjectAllHeartbeats = "orchestrator.agent.*.heartbeat"

	// SubjectAgentAssignmentAck is where an agent acknowledges (or
	// rejects) a pushed assignment.
	SubjectAgentAssignmentAck = "orchestrator.agent.%s.assignment.ack"
	SubjectAllAssignmentAcks  = "orchestrator.agent.*.assignment.ack"

	// SubjectAgentProgress carries progress reports toward an assignment.
	SubjectAgentProgress = "orchestrator.agent.%s.progress"
	SubjectAllProgress   = "orchestrator.agent.*.progress"

	// SubjectAgentComplete and SubjectAgentFail carry terminal reports.
	SubjectAgentComplete = "orchestrator.agent.%s.complete"
	SubjectAllComplete   = "orchestrator.agent.*.complete"
	SubjectAgentFail     = "orchestrator.agent.%s.fail"
	SubjectAllFail       = "orchestrator.agent.*.fail"

	// SubjectAgentAssign is where the orchestrator pushes a newly granted
	// assignment to the agent responsible for it.
	SubjectAgentAssign = "orchestrator.agent.%s.assign"
)

// RegisterRequest is what an agent sends to join the hive.
type RegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	CPUCores     float64  `json:"cpu_cores"`
	MemoryMB     int64    `json:"memory_mb"`
	DiskMB       int64    `json:"disk_mb"`
	NetworkMbps  int64    `json:"network_mbps"`
}

// RegisterResponse is the orchestrator's reply to a RegisterRequest.
type RegisterResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// HeartbeatMessage is an agent's liveness ping.
type HeartbeatMessage struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AssignmentAckMessage is an agent's acceptance or rejection of a pushed
// assignment.
type AssignmentAckMessage struct {
	AssignmentID string `json:"assignment_id"`
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
}

// ProgressMessage is an agent's progress report against an assignment.
type ProgressMessage struct {
	AssignmentID string   `json:"assignment_id"`
	Percent      int      `json:"percent"`
	Confidence   int      `json:"confidence"`
	Evidence     []string `json:"evidence,omitempty"`
}

// CompleteMessage declares an assignment finished.
type CompleteMessage struct {
	AssignmentID string `json:"assignment_id"`
}

// FailMessage declares an assignment unrecoverably failed.
type FailMessage struct {
	AssignmentID string `json:"assignment_id"`
	Reason       string `json:"reason"`
}

// AckResponse is the generic accept/reject reply the orchestrator sends
// back to progress/complete/fail reports.
type AckResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// AssignmentPush is what the orchestrator sends an agent when the
// coordinator grants it a new assignment.
type AssignmentPush struct {
	AssignmentID     string     `json:"assignment_id"`
	TaskID           string     `json:"task_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Kind             string     `json:"kind"`
	Requirements     []string   `json:"requirements,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	ExpectedDeadline time.Time  `json:"expected_deadline"`
}
