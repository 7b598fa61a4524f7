package registry

import (
	"testing"
	"time"

	"github.com/agenthive/orchestrator-core/internal/store/filestore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := filestore.New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	r, err := New(st, 15*time.Second, 5*time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	a := &Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 2}
	if err := r.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&Agent{ID: "agent-1", Capacity: 1}); err != ErrAlreadyRegistered {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegisterStartsHealthy(t *testing.T) {
	r := newTestRegistry(t)
	a := &Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 2}
	_ = r.Register(a)
	got, err := r.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Health != HealthHealthy {
		t.Errorf("expected healthy, got %s", got.Health)
	}
}

func TestDeregisterWithNoLoadRemovesDescriptor(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "agent-1", Capacity: 1})
	if err := r.Deregister("agent-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := r.Get("agent-1"); err != ErrNotFound {
		t.Errorf("expected descriptor removed, got %v", err)
	}
}

func TestDeregisterWithLoadDrainsInstead(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "agent-1", Capacity: 2})
	_ = r.ReviseLoad("agent-1", 1)
	if err := r.Deregister("agent-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	got, err := r.Get("agent-1")
	if err != nil {
		t.Fatalf("expected descriptor retained while draining: %v", err)
	}
	if got.Health != HealthDrained {
		t.Errorf("expected drained, got %s", got.Health)
	}
}

func TestHeartbeatResetsHealthToHealthy(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "agent-1", Capacity: 1})
	r.agents["agent-1"].Health = HealthSuspect
	if err := r.Heartbeat("agent-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ := r.Get("agent-1")
	if got.Health != HealthHealthy {
		t.Errorf("expected healthy after heartbeat, got %s", got.Health)
	}
}

func TestSweepHealthPromotesSuspectThenUnresponsive(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "agent-1", Capacity: 1})

	now := time.Now()
	r.agents["agent-1"].LastHeartbeatAt = now.Add(-20 * time.Second)
	r.SweepHealth(now)
	got, _ := r.Get("agent-1")
	if got.Health != HealthSuspect {
		t.Errorf("expected suspect, got %s", got.Health)
	}

	r.agents["agent-1"].LastHeartbeatAt = now.Add(-10 * time.Minute)
	unresponsive := r.SweepHealth(now)
	if len(unresponsive) != 1 || unresponsive[0] != "agent-1" {
		t.Errorf("expected agent-1 reported unresponsive, got %v", unresponsive)
	}
}

func TestSweepHealthSkipsDrainedAgents(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "agent-1", Capacity: 1})
	_ = r.Drain("agent-1")
	r.agents["agent-1"].LastHeartbeatAt = time.Now().Add(-time.Hour)
	unresponsive := r.SweepHealth(time.Now())
	if len(unresponsive) != 0 {
		t.Errorf("expected drained agent not reported, got %v", unresponsive)
	}
	got, _ := r.Get("agent-1")
	if got.Health != HealthDrained {
		t.Errorf("expected still drained, got %s", got.Health)
	}
}

func TestReviseLoadRejectsOverCapacity(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "agent-1", Capacity: 1})
	if err := r.ReviseLoad("agent-1", 1); err != nil {
		t.Fatalf("ReviseLoad: %v", err)
	}
	if err := r.ReviseLoad("agent-1", 1); err != ErrAtCapacity {
		t.Errorf("expected ErrAtCapacity, got %v", err)
	}
}

func TestListFiltersByCapabilityHealthAndFreeCapacity(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(&Agent{ID: "builder", Capabilities: []string{"build"}, Capacity: 2})
	_ = r.Register(&Agent{ID: "reviewer", Capabilities: []string{"review"}, Capacity: 1})
	_ = r.ReviseLoad("reviewer", 1)

	builders := r.List(Filter{Capability: "build"})
	if len(builders) != 1 || builders[0].ID != "builder" {
		t.Errorf("expected only builder, got %v", builders)
	}

	withSpare := r.List(Filter{MinFreeCapacity: 1})
	if len(withSpare) != 1 || withSpare[0].ID != "builder" {
		t.Errorf("expected only builder has spare capacity, got %v", withSpare)
	}
}
