// Package monitor implements the Accountability Monitor of spec.md §4.6:
// it validates progress reports, sweeps active assignments for
// heartbeat-loss, progress-stall, and deadline-overrun, escalates with
// increasing severity, and drives reassignment or completion. It is
// grounded on the teacher's server.StartHeartbeatChecker ticker-and-sweep
// shape, already reused for internal/registry's health ladder, applied
// here to the finer-grained per-assignment accountability checks.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/evidence"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/store"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// invalidReportEscalationThreshold is the number of consecutive invalid
// progress reports on one assignment that trigger an evidence-invalid
// escalation (spec.md §4.6).
const invalidReportEscalationThreshold = 3

// ErrInvalidProgress is returned by SubmitProgress when the report fails
// validation: a regressing percentage, an out-of-range confidence, or an
// unresolvable evidence reference while validation is required.
var ErrInvalidProgress = fmt.Errorf("monitor: invalid progress report")

// ProgressReport is what an agent submits against an active assignment.
type ProgressReport struct {
	AssignmentID string
	Percent      int
	Confidence   int
	Evidence     []string
}

// Config carries the thresholds the monitor enforces, mirroring the
// relevant subset of policy.Config so this package does not import the
// whole configuration surface.
type Config struct {
	ResponseTimeout             time.Duration
	ProgressTimeout             time.Duration
	CompletionTimeoutMultiplier float64
	MaxReassignments            int
	EvidenceValidationRequired  bool
	AutoEscalationEnabled       bool
}

// Monitor is the Accountability Monitor: it owns no scheduling decisions
// of its own, only the health and completion bookkeeping for assignments
// already made by the coordinator.
type Monitor struct {
	queue    *task.Queue
	agents   *registry.Registry
	res      *resource.Manager
	assigns  *assignment.Store
	bus      *event.Bus
	resolver evidence.Resolver
	st       store.Store
	cfg      Config
	interval time.Duration
}

// New constructs a Monitor. interval is the sweep cadence (spec.md §6's
// check_interval_seconds).
func New(q *task.Queue, agents *registry.Registry, res *resource.Manager, assigns *assignment.Store, bus *event.Bus, resolver evidence.Resolver, st store.Store, cfg Config, interval time.Duration) *Monitor {
	if resolver == nil {
		resolver = evidence.AlwaysValid{}
	}
	return &Monitor{
		queue:    q,
		agents:   agents,
		res:      res,
		assigns:  assigns,
		bus:      bus,
		resolver: resolver,
		st:       st,
		cfg:      cfg,
		interval: interval,
	}
}

// Run ticks Sweep on cfg's interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// SubmitProgress validates and records an agent's progress report against
// its assignment (spec.md §4.6). A regressing percentage or an
// unresolvable evidence reference (when validation is required) counts
// against the assignment's InvalidReportStreak; three in a row raise a
// high-severity evidence-invalid escalation.
func (m *Monitor) SubmitProgress(r ProgressReport) error {
	a, err := m.assigns.Get(r.AssignmentID)
	if err != nil {
		return err
	}
	if a.Status != assignment.StatusActive {
		return fmt.Errorf("%w: assignment %s is not active", ErrInvalidProgress, a.ID)
	}

	valid := r.Percent >= a.ProgressPercent &&
		r.Percent >= 0 && r.Percent <= 100 &&
		r.Confidence >= 1 && r.Confidence <= 100 &&
		m.evidenceResolves(r.Evidence)

	if !valid {
		a.InvalidReportStreak++
		if a.InvalidReportStreak >= invalidReportEscalationThreshold {
			m.escalate(a, KindEvidenceInvalid, SeverityHigh,
				fmt.Sprintf("%d consecutive invalid progress reports", a.InvalidReportStreak))
			a.InvalidReportStreak = 0
		}
		if err := m.assigns.Put(a); err != nil {
			return err
		}
		return ErrInvalidProgress
	}

	a.InvalidReportStreak = 0
	a.ProgressPercent = r.Percent
	a.Confidence = r.Confidence
	a.Evidence = r.Evidence
	a.LastHeartbeatAt = time.Now()
	a.LastProgressAt = time.Now()
	a.StallCount = 0

	// A task only moves to running on its first acknowledged progress; the
	// transition is best-effort since the task may already be running.
	_ = m.queue.Transition(a.TaskID, task.StatusRunning)

	return m.assigns.Put(a)
}

func (m *Monitor) evidenceResolves(refs []string) bool {
	if !m.cfg.EvidenceValidationRequired {
		return true
	}
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if !m.resolver.Resolve(ref) {
			return false
		}
	}
	return true
}

// Heartbeat records that an agent is still alive for assignmentID without
// changing its progress standing.
func (m *Monitor) Heartbeat(assignmentID string) error {
	a, err := m.assigns.Get(assignmentID)
	if err != nil {
		return err
	}
	a.LastHeartbeatAt = time.Now()
	return m.assigns.Put(a)
}

// Sweep checks every active assignment for heartbeat-loss, progress-stall,
// and deadline-overrun, escalating or reassigning as needed.
func (m *Monitor) Sweep() {
	all, err := m.assigns.All()
	if err != nil {
		log.Printf("[MONITOR] sweep: load assignments: %v", err)
		return
	}
	now := time.Now()
	for _, a := range assignment.Active(all) {
		m.checkOne(a, now)
	}
}

// checkOne runs the three accountability checks in spec.md §4.6's priority
// order — heartbeat-loss, then progress-stall, then deadline-overrun — so
// that when more than one condition holds at once, the highest-priority
// one is the one that is escalated and acted on.
func (m *Monitor) checkOne(a *assignment.Assignment, now time.Time) {
	if !a.LastHeartbeatAt.IsZero() && now.Sub(a.LastHeartbeatAt) > m.cfg.ResponseTimeout {
		m.escalate(a, KindHeartbeatLoss, SeverityHigh, "no heartbeat within response timeout")
		m.Reassign(a.ID, "heartbeat loss")
		return
	}

	if !a.LastProgressAt.IsZero() && now.Sub(a.LastProgressAt) > m.cfg.ProgressTimeout {
		a.StallCount++
		severity := SeverityMedium
		switch {
		case a.StallCount >= 3:
			severity = SeverityCritical
		case a.StallCount == 2:
			severity = SeverityHigh
		}
		m.escalate(a, KindProgressStall, severity, fmt.Sprintf("no progress for %s (stall #%d)", m.cfg.ProgressTimeout, a.StallCount))
		if err := m.assigns.Put(a); err != nil {
			log.Printf("[MONITOR] persist stall count for %s: %v", a.ID, err)
		}
		if severity == SeverityCritical {
			m.Reassign(a.ID, "repeated progress stall")
		}
		return
	}

	if !a.ExpectedDeadline.IsZero() && now.After(a.ExpectedDeadline) {
		m.escalate(a, KindDeadlineOverrun, SeverityCritical, "assignment exceeded its expected deadline")
		m.Reassign(a.ID, "deadline exceeded")
	}
}

func (m *Monitor) escalate(a *assignment.Assignment, kind Kind, severity Severity, detail string) {
	if !m.cfg.AutoEscalationEnabled {
		return
	}
	e := newEscalation(a.ID, a.TaskID, a.AgentID, kind, severity, detail)
	if m.st != nil {
		if err := persistEscalation(m.st, e); err != nil {
			log.Printf("[MONITOR] %v", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(event.New(event.TypeMonitorEscalation, "monitor", a.TaskID, map[string]any{
			"assignment_id": a.ID,
			"agent_id":      a.AgentID,
			"kind":          string(kind),
			"severity":      string(severity),
			"detail":        detail,
		}))
	}
	log.Printf("[MONITOR] escalation kind=%s severity=%s assignment=%s task=%s agent=%s: %s",
		kind, severity, a.ID, a.TaskID, a.AgentID, detail)
}

// Reassign marks the assignment reassigned, releases its resource
// reservation, and either requeues the task (incrementing its
// reassignment count and excluding the failing agent from the next tick)
// or escalates to a human once max_reassignments is exceeded.
func (m *Monitor) Reassign(assignmentID, reason string) {
	a, err := m.assigns.Get(assignmentID)
	if err != nil {
		log.Printf("[MONITOR] reassign: load %s: %v", assignmentID, err)
		return
	}
	if a.Status != assignment.StatusActive {
		return
	}
	a.Status = assignment.StatusReassigned
	if err := m.assigns.Put(a); err != nil {
		log.Printf("[MONITOR] reassign: persist %s: %v", a.ID, err)
	}
	if err := m.res.Release(a.AllocationID); err != nil {
		log.Printf("[MONITOR] reassign: release allocation %s: %v", a.AllocationID, err)
	}
	if err := m.agents.ReviseLoad(a.AgentID, -1); err != nil {
		log.Printf("[MONITOR] reassign: revise load for %s: %v", a.AgentID, err)
	}

	t, err := m.queue.GetByID(a.TaskID)
	if err != nil {
		log.Printf("[MONITOR] reassign: load task %s: %v", a.TaskID, err)
		return
	}
	if t.ReassignmentCount >= m.cfg.MaxReassignments {
		if err := m.queue.EscalateToHuman(t.ID); err != nil {
			log.Printf("[MONITOR] escalate-to-human: %s: %v", t.ID, err)
		}
		m.escalate(a, KindSystemFailure, SeveritySystemFailure,
			fmt.Sprintf("reassignment limit (%d) exceeded: %s", m.cfg.MaxReassignments, reason))
		if m.bus != nil {
			m.bus.Publish(event.New(event.TypeTaskEscalated, "monitor", t.ID, map[string]any{"reason": reason}))
		}
		return
	}
	if err := m.queue.RequeueExcluding(t.ID, a.AgentID); err != nil {
		log.Printf("[MONITOR] reassign: requeue %s: %v", t.ID, err)
		return
	}
	if err := m.queue.UnblockAll(); err != nil {
		log.Printf("[MONITOR] reassign: unblock queue: %v", err)
	}
	if m.bus != nil {
		m.bus.Publish(event.New(event.TypeTaskReady, "monitor", t.ID, map[string]any{"reason": reason, "prior_assignment": a.ID}))
	}
}

// Complete accepts an assignment as finished: it requires 100% progress
// and resolvable evidence (the assignment's current Evidence, checked via
// the configured Resolver when validation is required), releases
// the resource reservation, marks the task completed, and re-evaluates
// any blocked tasks that may now fit.
func (m *Monitor) Complete(assignmentID string) error {
	return m.complete(assignmentID, false)
}

// ForceComplete accepts an assignment as finished regardless of progress
// percentage or evidence, for operator-initiated overrides (spec.md §4.6).
func (m *Monitor) ForceComplete(assignmentID string) error {
	return m.complete(assignmentID, true)
}

func (m *Monitor) complete(assignmentID string, force bool) error {
	a, err := m.assigns.Get(assignmentID)
	if err != nil {
		return err
	}
	if a.Status != assignment.StatusActive {
		return fmt.Errorf("monitor: assignment %s is not active", a.ID)
	}
	if !force {
		if a.ProgressPercent != 100 {
			return fmt.Errorf("monitor: assignment %s is not at 100%% progress", a.ID)
		}
		if !m.evidenceResolves(a.Evidence) {
			return fmt.Errorf("monitor: assignment %s evidence does not resolve", a.ID)
		}
	}

	a.Status = assignment.StatusComplete
	if err := m.assigns.Put(a); err != nil {
		return err
	}
	if err := m.res.Release(a.AllocationID); err != nil {
		log.Printf("[MONITOR] complete: release allocation %s: %v", a.AllocationID, err)
	}
	if err := m.agents.ReviseLoad(a.AgentID, -1); err != nil {
		log.Printf("[MONITOR] complete: revise load for %s: %v", a.AgentID, err)
	}

	// Best-effort walk through the intermediate lifecycle states: the task
	// may still be assigned (force-complete with no progress reports ever
	// submitted) or already awaiting-evidence.
	_ = m.queue.Transition(a.TaskID, task.StatusRunning)
	_ = m.queue.Transition(a.TaskID, task.StatusAwaitingEvidence)

	if err := m.queue.Finish(a.TaskID, true); err != nil {
		return fmt.Errorf("monitor: finish task %s: %w", a.TaskID, err)
	}
	if err := m.queue.UnblockAll(); err != nil {
		log.Printf("[MONITOR] complete: unblock queue: %v", err)
	}
	if m.bus != nil {
		m.bus.Publish(event.New(event.TypeTaskCompleted, "monitor", a.TaskID, map[string]any{"assignment_id": a.ID, "forced": force}))
	}
	return nil
}

// Fail marks an assignment timed-out and its task failed, releasing
// resources and cascading abandonment to dependents via Queue.Finish.
func (m *Monitor) Fail(assignmentID, reason string) error {
	a, err := m.assigns.Get(assignmentID)
	if err != nil {
		return err
	}
	if a.Status != assignment.StatusActive {
		return fmt.Errorf("monitor: assignment %s is not active", a.ID)
	}
	a.Status = assignment.StatusTimedOut
	if err := m.assigns.Put(a); err != nil {
		return err
	}
	if err := m.res.Release(a.AllocationID); err != nil {
		log.Printf("[MONITOR] fail: release allocation %s: %v", a.AllocationID, err)
	}
	if err := m.agents.ReviseLoad(a.AgentID, -1); err != nil {
		log.Printf("[MONITOR] fail: revise load for %s: %v", a.AgentID, err)
	}
	if err := m.queue.Finish(a.TaskID, false); err != nil {
		return fmt.Errorf("monitor: finish task %s: %w", a.TaskID, err)
	}
	if err := m.queue.UnblockAll(); err != nil {
		log.Printf("[MONITOR] fail: unblock queue: %v", err)
	}
	if m.bus != nil {
		m.bus.Publish(event.New(event.TypeTaskFailed, "monitor", a.TaskID, map[string]any{"assignment_id": a.ID, "reason": reason}))
	}
	return nil
}
