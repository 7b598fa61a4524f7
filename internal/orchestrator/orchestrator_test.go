package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/policy"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/task"
)

func testConfig(t *testing.T, port int) Config {
	t.Helper()
	cfg := policy.Default()
	cfg.StoreBackend = "filestore"
	cfg.StorePath = t.TempDir() + "/hive.json"
	cfg.CheckIntervalSeconds = 1
	cfg.EvidenceValidationRequired = false

	return Config{
		Policy:       cfg,
		OperatorAddr: "127.0.0.1:0",
		AgentRPCPort: port,
	}
}

func TestHiveStartStopWithFilestoreBackend(t *testing.T) {
	hive, err := New(testConfig(t, 14511))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hive.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer hive.Stop()

	if hive.MetricsCollector() == nil {
		t.Fatal("expected a non-nil metrics collector")
	}
}

func TestHiveRejectsInvalidPolicy(t *testing.T) {
	cfg := testConfig(t, 14512)
	cfg.Policy.SchedulingPolicy = "not-a-real-policy"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error constructing a hive with an invalid scheduling policy")
	}
}

func TestHiveRejectsUnknownStoreBackend(t *testing.T) {
	cfg := testConfig(t, 14513)
	cfg.Policy.StoreBackend = "not-a-real-backend"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error constructing a hive with an unknown store backend")
	}
}

// TestHiveBridgesTaskAssignedEventsToAgentPush exercises the seam between
// the coordinator's scheduling decision and the agent RPC push without
// going through the operator HTTP surface or a live agent connection: it
// registers an agent and submits a task directly against the wired
// queue/registry, then waits for the coordinator tick to produce an
// Assignment record.
func TestHiveBridgesTaskAssignedEventsToAgentPush(t *testing.T) {
	hive, err := New(testConfig(t, 14514))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hive.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer hive.Stop()

	if err := hive.agents.Register(&registry.Agent{
		ID:           "agent-1",
		Capabilities: []string{"investigation"},
		Capacity:     2,
		CPUCores:     4,
		MemoryMB:     4096,
		DiskMB:       10000,
		NetworkMbps:  100,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk := task.New("investigate flaky test", "reproduce and file a root cause", "investigation", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 512, DiskMB: 100, NetworkMbp: 10}
	if err := hive.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the coordinator to dispatch the task")
		default:
		}
		assignments, err := hive.assigns.All()
		if err != nil {
			t.Fatalf("assigns.All: %v", err)
		}
		if len(assignments) > 0 {
			if assignments[0].TaskID != tk.ID {
				t.Fatalf("expected assignment for %s, got %s", tk.ID, assignments[0].TaskID)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestHiveDoesNotReassignWithinOneTickOfDefaultEffort is a regression test
// for a prior bug where a task submitted with neither an explicit effort
// estimate nor a deadline got an assignment deadline equal to its
// assignment time, so the very next monitor sweep always saw it as
// overrun. It submits such a task, waits for the coordinator to dispatch
// it, then runs two full check-interval ticks and asserts the assignment
// is still active (spec.md §4.1's default effort fallback, spec.md
// scenario S1).
func TestHiveDoesNotReassignWithinOneTickOfDefaultEffort(t *testing.T) {
	cfg := testConfig(t, 14515)
	cfg.Policy.CheckIntervalSeconds = 1
	cfg.Policy.ResponseTimeoutMinutes = 5
	cfg.Policy.ProgressTimeoutMinutes = 30
	cfg.Policy.DefaultTaskEffortMinutes = 30
	cfg.Policy.CompletionTimeoutMultiplier = 1.5

	hive, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hive.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer hive.Stop()

	if err := hive.agents.Register(&registry.Agent{
		ID:           "agent-1",
		Capabilities: []string{"investigation"},
		Capacity:     2,
		CPUCores:     4,
		MemoryMB:     4096,
		DiskMB:       10000,
		NetworkMbps:  100,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk := task.New("investigate flaky test", "no effort or deadline given", "investigation", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 512, DiskMB: 100, NetworkMbp: 10}
	if err := hive.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var a *assignment.Assignment
	waitDeadline := time.After(3 * time.Second)
waitForAssignment:
	for {
		select {
		case <-waitDeadline:
			t.Fatal("timed out waiting for the coordinator to dispatch the task")
		default:
		}
		all, err := hive.assigns.All()
		if err != nil {
			t.Fatalf("assigns.All: %v", err)
		}
		if len(all) > 0 {
			a = all[0]
			break waitForAssignment
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Let two real check-interval ticks elapse, well past the single tick
	// that used to falsely trip the deadline-overrun check.
	time.Sleep(2*time.Second + 200*time.Millisecond)

	got, err := hive.assigns.Get(a.ID)
	if err != nil {
		t.Fatalf("assigns.Get: %v", err)
	}
	if got.Status != assignment.StatusActive {
		t.Errorf("expected assignment to remain active past one tick, got %s", got.Status)
	}
	tkAfter, err := hive.queue.GetByID(tk.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if tkAfter.ReassignmentCount != 0 {
		t.Errorf("expected no reassignment, got count %d", tkAfter.ReassignmentCount)
	}
}
