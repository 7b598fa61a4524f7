package agentrpc

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	nc "github.com/nats-io/nats.go"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/monitor"
	"github.com/agenthive/orchestrator-core/internal/registry"
)

// Service binds the inbound agent RPC surface to the orchestration core:
// registration lands in the agent Registry, heartbeats refresh both the
// Registry and every active Assignment the agent holds, and progress/
// complete/fail reports are delegated to the Monitor. It is grounded on
// the teacher's nats.Handler — same subscribe-in-Start, unsubscribe-in-
// Stop, callback-per-message-kind shape — restructured around direct core
// calls instead of a HandlerCallbacks indirection, since this package
// already owns the concrete core types it calls into.
type Service struct {
	client  *Client
	agents  *registry.Registry
	assigns *assignment.Store
	mon     *monitor.Monitor
	bus     *event.Bus

	mu      sync.Mutex
	subs    []*nc.Subscription
	running bool
}

// NewService constructs a Service over an already-connected Client.
func NewService(client *Client, agents *registry.Registry, assigns *assignment.Store, mon *monitor.Monitor, bus *event.Bus) *Service {
	return &Service{client: client, agents: agents, assigns: assigns, mon: mon, bus: bus}
}

// Start subscribes to every inbound agent subject.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("agentrpc: service already running")
	}

	type binding struct {
		subject string
		handler func(*Message)
	}
	bindings := []binding{
		{SubjectAllHeartbeats, s.handleHeartbeat},
		{SubjectAllAssignmentAcks, s.handleAssignmentAck},
		{SubjectAllProgress, s.handleProgress},
		{SubjectAllComplete, s.handleComplete},
		{SubjectAllFail, s.handleFail},
	}
	bindings = append(bindings, binding{SubjectAgentRegister, func(msg *Message) {
		s.handleRegister(msg, msg.Reply)
	}})
	for _, b := range bindings {
		sub, err := s.client.Subscribe(b.subject, b.handler)
		if err != nil {
			return fmt.Errorf("agentrpc: subscribe %s: %w", b.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.running = true
	log.Printf("[AGENTRPC] service started, subscribed to %d subjects", len(s.subs))
	return nil
}

// Stop unsubscribes from every inbound subject.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.running = false
	log.Printf("[AGENTRPC] service stopped")
}

func (s *Service) handleRegister(msg *Message, replySubject string) {
	var req RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("[AGENTRPC] invalid register request: %v", err)
		return
	}
	agent := &registry.Agent{
		ID:           req.AgentID,
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
		CPUCores:     req.CPUCores,
		MemoryMB:     req.MemoryMB,
		DiskMB:       req.DiskMB,
		NetworkMbps:  req.NetworkMbps,
	}
	resp := RegisterResponse{Accepted: true}
	if err := s.agents.Register(agent); err != nil {
		resp = RegisterResponse{Accepted: false, Reason: err.Error()}
	} else if s.bus != nil {
		s.bus.Publish(event.New(event.TypeAgentRegistered, "agentrpc", agent.ID, nil))
	}
	if replySubject != "" {
		if err := s.client.PublishJSON(replySubject, resp); err != nil {
			log.Printf("[AGENTRPC] reply to register: %v", err)
		}
	}
}

func (s *Service) handleHeartbeat(msg *Message) {
	var hb HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.Printf("[AGENTRPC] invalid heartbeat: %v", err)
		return
	}
	if err := s.agents.Heartbeat(hb.AgentID); err != nil {
		log.Printf("[AGENTRPC] heartbeat for unknown agent %s: %v", hb.AgentID, err)
		return
	}
	active, err := s.assigns.ByAgent(hb.AgentID)
	if err != nil {
		log.Printf("[AGENTRPC] heartbeat: load assignments for %s: %v", hb.AgentID, err)
		return
	}
	for _, a := range assignment.Active(active) {
		if err := s.mon.Heartbeat(a.ID); err != nil {
			log.Printf("[AGENTRPC] heartbeat: update assignment %s: %v", a.ID, err)
		}
	}
}

func (s *Service) handleAssignmentAck(msg *Message) {
	var ack AssignmentAckMessage
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		log.Printf("[AGENTRPC] invalid assignment ack: %v", err)
		return
	}
	if !ack.Accepted {
		s.mon.Reassign(ack.AssignmentID, "agent rejected assignment: "+ack.Reason)
		return
	}
	log.Printf("[AGENTRPC] assignment %s acknowledged", ack.AssignmentID)
}

func (s *Service) handleProgress(msg *Message) {
	var p ProgressMessage
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		log.Printf("[AGENTRPC] invalid progress report: %v", err)
		return
	}
	err := s.mon.SubmitProgress(monitor.ProgressReport{
		AssignmentID: p.AssignmentID,
		Percent:      p.Percent,
		Confidence:   p.Confidence,
		Evidence:     p.Evidence,
	})
	resp := AckResponse{Accepted: err == nil}
	if err != nil {
		resp.Reason = err.Error()
	}
	if msg.Reply != "" {
		if err := s.client.PublishJSON(msg.Reply, resp); err != nil {
			log.Printf("[AGENTRPC] reply to progress: %v", err)
		}
	}
}

func (s *Service) handleComplete(msg *Message) {
	var c CompleteMessage
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		log.Printf("[AGENTRPC] invalid complete report: %v", err)
		return
	}
	err := s.mon.Complete(c.AssignmentID)
	resp := AckResponse{Accepted: err == nil}
	if err != nil {
		resp.Reason = err.Error()
	}
	if msg.Reply != "" {
		if err := s.client.PublishJSON(msg.Reply, resp); err != nil {
			log.Printf("[AGENTRPC] reply to complete: %v", err)
		}
	}
}

func (s *Service) handleFail(msg *Message) {
	var f FailMessage
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		log.Printf("[AGENTRPC] invalid fail report: %v", err)
		return
	}
	if err := s.mon.Fail(f.AssignmentID, f.Reason); err != nil {
		log.Printf("[AGENTRPC] fail %s: %v", f.AssignmentID, err)
	}
}

// PushAssignment notifies an agent of a newly granted assignment. The
// caller (the orchestrator wiring layer, subscribed to
// event.TypeTaskAssigned) supplies the fields already resolved from the
// task and assignment records.
func (s *Service) PushAssignment(agentID string, push AssignmentPush) error {
	subject := fmt.Sprintf(SubjectAgentAssign, agentID)
	return s.client.PublishJSON(subject, push)
}
