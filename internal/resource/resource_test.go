package resource

import (
	"testing"

	"github.com/agenthive/orchestrator-core/internal/store/filestore"
)

func newTestManager(t *testing.T, caps Caps) *Manager {
	t.Helper()
	st, err := filestore.New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	m, err := New(st, caps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestReserveGrantsWithinCaps(t *testing.T) {
	m := newTestManager(t, Caps{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000, NetworkMbps: 1000})
	alloc, err := m.Reserve("agent-1", "task-1", Requirements{CPUCores: 1, MemoryMB: 256})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if alloc.ID == "" {
		t.Error("expected allocation id")
	}
}

func TestReserveRejectsWhenAnyDimensionExceedsCap(t *testing.T) {
	m := newTestManager(t, Caps{CPUCores: 1, MemoryMB: 256, DiskMB: 1000, NetworkMbps: 100})
	if _, err := m.Reserve("agent-1", "task-1", Requirements{CPUCores: 0.5, MemoryMB: 128}); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if _, err := m.Reserve("agent-1", "task-2", Requirements{CPUCores: 0.6, MemoryMB: 64}); err != ErrInsufficientCapacity {
		t.Errorf("expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestReserveIsAllOrNothingAcrossDimensions(t *testing.T) {
	m := newTestManager(t, Caps{CPUCores: 4, MemoryMB: 100, DiskMB: 10000, NetworkMbps: 1000})
	if _, err := m.Reserve("agent-1", "task-1", Requirements{CPUCores: 1, MemoryMB: 200}); err != ErrInsufficientCapacity {
		t.Fatalf("expected rejection on memory dimension, got %v", err)
	}
	snap := m.Snapshot()
	if snap.Used.CPUCores != 0 {
		t.Errorf("expected cpu counter untouched after rejected reservation, got %v", snap.Used.CPUCores)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, Caps{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000, NetworkMbps: 1000})
	alloc, _ := m.Reserve("agent-1", "task-1", Requirements{CPUCores: 1, MemoryMB: 256})
	if err := m.Release(alloc.ID); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := m.Release(alloc.ID); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
	snap := m.Snapshot()
	if snap.Used.CPUCores != 0 || snap.Used.MemoryMB != 0 {
		t.Errorf("expected counters reset after release, got %+v", snap.Used)
	}
}

func TestReleaseByTaskReleasesAllMatchingAllocations(t *testing.T) {
	m := newTestManager(t, Caps{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000, NetworkMbps: 1000})
	_, _ = m.Reserve("agent-1", "task-1", Requirements{CPUCores: 1})
	_, _ = m.Reserve("agent-2", "task-1", Requirements{CPUCores: 1})
	if err := m.ReleaseByTask("task-1"); err != nil {
		t.Fatalf("ReleaseByTask: %v", err)
	}
	snap := m.Snapshot()
	if snap.Used.CPUCores != 0 {
		t.Errorf("expected all task-1 allocations released, got cpu=%v", snap.Used.CPUCores)
	}
}

func TestOptimizationHintFlagsOverAndUnderCommitted(t *testing.T) {
	m := newTestManager(t, Caps{CPUCores: 10, MemoryMB: 1000, DiskMB: 1000, NetworkMbps: 1000})
	_, _ = m.Reserve("agent-1", "task-1", Requirements{CPUCores: 9, MemoryMB: 10, DiskMB: 10, NetworkMbps: 10})
	hint := m.OptimizationHint()
	found := false
	for _, d := range hint.OverCommitted {
		if d == "cpu" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected cpu flagged over-committed, got %v", hint.OverCommitted)
	}
	if len(hint.UnderCommitted) == 0 {
		t.Errorf("expected other dimensions flagged under-committed, got none")
	}
}

func TestLedgerSurvivesReload(t *testing.T) {
	dir := t.TempDir() + "/snapshot.json"
	st, err := filestore.New(dir)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	caps := Caps{CPUCores: 4, MemoryMB: 4096, DiskMB: 10000, NetworkMbps: 1000}
	m, err := New(st, caps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Reserve("agent-1", "task-1", Requirements{CPUCores: 1, MemoryMB: 256}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	st2, err := filestore.New(dir)
	if err != nil {
		t.Fatalf("reopen filestore: %v", err)
	}
	m2, err := New(st2, caps)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	snap := m2.Snapshot()
	if snap.Used.CPUCores != 1 {
		t.Errorf("expected ledger reconstructed from durable store, got cpu=%v", snap.Used.CPUCores)
	}
}
