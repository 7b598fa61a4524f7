package coordinator

import (
	"testing"
	"time"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/store"
	"github.com/agenthive/orchestrator-core/internal/store/filestore"
	"github.com/agenthive/orchestrator-core/internal/task"
)

type testRig struct {
	coord   *Coordinator
	queue   *task.Queue
	agents  *registry.Registry
	res     *resource.Manager
	assigns *assignment.Store
	st      store.Store
}

func newTestRig(t *testing.T, policy Policy) *testRig {
	t.Helper()
	st, err := filestore.New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	q, err := task.NewQueue(st)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	reg, err := registry.New(st, 30*time.Second, 5*time.Minute)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	res, err := resource.New(st, resource.Caps{CPUCores: 8, MemoryMB: 8192, DiskMB: 100000, NetworkMbps: 1000})
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	assigns := assignment.NewStore(st)
	bus := event.NewBus(nil)
	c := New(q, reg, res, assigns, bus, st, policy, time.Minute, 1.5, 30*time.Minute)
	return &testRig{coord: c, queue: q, agents: reg, res: res, assigns: assigns, st: st}
}

func TestTickAssignsReadyTaskToMatchingAgent(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	_ = rig.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 1, CPUCores: 4, MemoryMB: 4096})
	tk := task.New("Fix bug", "", "build", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	if err := rig.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rig.coord.Tick()

	got, err := rig.queue.GetByID(tk.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Errorf("expected assigned, got %s", got.Status)
	}
	agent, _ := rig.agents.Get("agent-1")
	if agent.CurrentLoad != 1 {
		t.Errorf("expected agent load incremented, got %d", agent.CurrentLoad)
	}
}

func TestAdjustPolicyWeightsRejectsNonWeightedPolicy(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	if err := rig.coord.AdjustPolicyWeights(map[string]float64{"agent-1": 1}); err == nil {
		t.Error("expected an error adjusting weights under a non-weighted policy")
	}
}

func TestAdjustPolicyWeightsUpdatesWeightedPolicy(t *testing.T) {
	weighted := NewWeighted(map[string]float64{"agent-1": 1})
	rig := newTestRig(t, weighted)
	_ = rig.agents.Register(&registry.Agent{ID: "agent-2", Capabilities: []string{"build"}, Capacity: 1, CPUCores: 4, MemoryMB: 4096})
	tk := task.New("Fix bug", "", "build", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	if err := rig.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := rig.coord.AdjustPolicyWeights(map[string]float64{"agent-2": 1}); err != nil {
		t.Fatalf("AdjustPolicyWeights: %v", err)
	}

	rig.coord.Tick()

	got, err := rig.queue.GetByID(tk.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Errorf("expected task assigned to the newly-weighted agent, got %s", got.Status)
	}
}

func TestDispatchSkipsAgentExcludedByPriorReassignment(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	_ = rig.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 1, CPUCores: 4, MemoryMB: 4096})
	tk := task.New("Fix bug", "", "build", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	tk.ExcludedAgents = []string{"agent-1"}
	if err := rig.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rig.coord.Tick()

	got, err := rig.queue.GetByID(tk.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != task.StatusReady {
		t.Errorf("expected task to remain ready since its only candidate agent is excluded, got %s", got.Status)
	}
}

func TestDispatchUsesAtomicTransactForWithdrawAndAssign(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	_ = rig.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 1, CPUCores: 4, MemoryMB: 4096})
	tk := task.New("Fix bug", "", "build", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	if err := rig.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rig.coord.Tick()

	got, err := rig.queue.GetByID(tk.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
	all, err := rig.assigns.All()
	if err != nil {
		t.Fatalf("assigns.All: %v", err)
	}
	if len(all) != 1 || all[0].TaskID != tk.ID {
		t.Errorf("expected exactly one assignment for %s alongside the withdrawn task, got %v", tk.ID, all)
	}
}

func TestTickIsNoOpWithNoHealthyAgents(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	tk := task.New("Fix bug", "", "build", 1)
	_ = rig.queue.Submit(tk)

	rig.coord.Tick()

	got, _ := rig.queue.GetByID(tk.ID)
	if got.Status != task.StatusReady {
		t.Errorf("expected task to remain ready, got %s", got.Status)
	}
}

func TestTickSkipsTaskExceedingCapacity(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	_ = rig.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 1, CPUCores: 4, MemoryMB: 4096})
	tk := task.New("Big task", "", "build", 1)
	tk.Resources = task.ResourceHint{CPUCores: 100, MemoryMB: 256}
	_ = rig.queue.Submit(tk)

	rig.coord.Tick()

	got, _ := rig.queue.GetByID(tk.ID)
	if got.Status == task.StatusAssigned {
		t.Error("expected oversized task not to be assigned")
	}
}

func TestTickDoesNotExceedAgentCapacity(t *testing.T) {
	rig := newTestRig(t, NewCapabilityFirst())
	_ = rig.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 1, CPUCores: 4, MemoryMB: 4096})
	t1 := task.New("T1", "", "build", 1)
	t1.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	t2 := task.New("T2", "", "build", 1)
	t2.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	_ = rig.queue.Submit(t1)
	_ = rig.queue.Submit(t2)

	rig.coord.Tick()

	assigned := 0
	for _, status := range []string{t1.ID, t2.ID} {
		got, _ := rig.queue.GetByID(status)
		if got.Status == task.StatusAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Errorf("expected exactly 1 task assigned given capacity 1, got %d", assigned)
	}
}
