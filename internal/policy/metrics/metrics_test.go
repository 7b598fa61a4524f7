package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/task"
)

func TestObserveIncrementsTaskOutcomeCounters(t *testing.T) {
	c := New()
	c.observe(event.New(event.TypeTaskCompleted, "test", "task-1", nil))
	c.observe(event.New(event.TypeTaskFailed, "test", "task-2", nil))

	if got := testutil.ToFloat64(c.tasksTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed, got %v", got)
	}
	if got := testutil.ToFloat64(c.tasksTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed, got %v", got)
	}
}

func TestObserveCountsEscalationsByKindAndSeverity(t *testing.T) {
	c := New()
	c.observe(event.New(event.TypeMonitorEscalation, "monitor", "task-1", map[string]any{
		"kind": "progress-stall", "severity": "high",
	}))
	if got := testutil.ToFloat64(c.escalationsTotal.WithLabelValues("progress-stall", "high")); got != 1 {
		t.Errorf("expected 1 escalation, got %v", got)
	}
}

func TestObserveCountsReassignmentOnlyWhenPriorAssignmentPresent(t *testing.T) {
	c := New()
	c.observe(event.New(event.TypeTaskReady, "monitor", "task-1", map[string]any{"prior_assignment": "assignment-1"}))
	c.observe(event.New(event.TypeTaskReady, "queue", "task-2", nil))
	if got := testutil.ToFloat64(c.reassignmentsTotal); got != 1 {
		t.Errorf("expected 1 reassignment counted, got %v", got)
	}
}

func TestRefreshGaugesReflectsLiveState(t *testing.T) {
	c := New()
	tasks := []*task.Task{
		{ID: "t1", Status: task.StatusReady},
		{ID: "t2", Status: task.StatusReady},
		{ID: "t3", Status: task.StatusRunning},
	}
	agents := []*registry.Agent{
		{ID: "a1", Health: registry.HealthHealthy},
		{ID: "a2", Health: registry.HealthUnresponsive},
	}
	ledger := resource.Ledger{
		Caps: resource.Caps{CPUCores: 10, MemoryMB: 1000},
		Used: resource.Caps{CPUCores: 5, MemoryMB: 250},
	}
	c.RefreshGauges(tasks, agents, ledger, 0)

	if got := testutil.ToFloat64(c.tasksByStatus.WithLabelValues("ready")); got != 2 {
		t.Errorf("expected 2 ready tasks, got %v", got)
	}
	if got := testutil.ToFloat64(c.agentsByHealth.WithLabelValues("unresponsive")); got != 1 {
		t.Errorf("expected 1 unresponsive agent, got %v", got)
	}
	if got := testutil.ToFloat64(c.resourceUsedRatio.WithLabelValues("cpu")); got != 0.5 {
		t.Errorf("expected cpu ratio 0.5, got %v", got)
	}
}

func TestRefreshGaugesAddsOnlyDroppedEventDelta(t *testing.T) {
	c := New()
	c.RefreshGauges(nil, nil, resource.Ledger{}, 3)
	c.RefreshGauges(nil, nil, resource.Ledger{}, 5)
	if got := testutil.ToFloat64(c.droppedEventsTotal); got != 5 {
		t.Errorf("expected cumulative dropped count 5, got %v", got)
	}
}

func TestObserveTaskDuration(t *testing.T) {
	c := New()
	c.ObserveTaskDuration(90 * time.Second)
	if got := testutil.CollectAndCount(c.taskDurationSeconds); got != 1 {
		t.Errorf("expected 1 observation recorded, got %d", got)
	}
}
