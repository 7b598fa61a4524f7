package filestore

import (
	"testing"

	"github.com/agenthive/orchestrator-core/internal/store"
)

func TestPutGetRoundTrip(t *testing.T) {
	path := t.TempDir() + "/snapshot.json"
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Put("tasks", store.Item{ID: "t1", Value: []byte(`{"id":"t1"}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("tasks", "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != `{"id":"t1"}` {
		t.Errorf("unexpected value: %s", got.Value)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Get("tasks", "missing"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwapRejectsDuplicateInsert(t *testing.T) {
	s, err := New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	item := store.Item{ID: "t1", Value: []byte(`{}`)}
	if _, err := s.CompareAndSwap("tasks", item, 0); err != nil {
		t.Fatalf("first CompareAndSwap: %v", err)
	}
	if _, err := s.CompareAndSwap("tasks", item, 0); err != store.ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCompareAndSwapRejectsVersionMismatch(t *testing.T) {
	s, err := New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	item := store.Item{ID: "t1", Value: []byte(`{}`)}
	version, err := s.CompareAndSwap("tasks", item, 0)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if _, err := s.CompareAndSwap("tasks", item, version+1); err != store.ErrVersionMismatch {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestScanIndexReturnsMatchingItems(t *testing.T) {
	s, err := New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.Put("tasks", store.Item{ID: "t1", Value: []byte(`{}`), IndexKeys: map[string]string{"by_status": "ready"}})
	_ = s.Put("tasks", store.Item{ID: "t2", Value: []byte(`{}`), IndexKeys: map[string]string{"by_status": "pending"}})

	ready, err := s.ScanIndex("tasks", "by_status", "ready")
	if err != nil {
		t.Fatalf("ScanIndex: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Errorf("expected [t1], got %+v", ready)
	}
}

func TestDeleteRemovesItemAndIndexEntry(t *testing.T) {
	s, err := New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.Put("tasks", store.Item{ID: "t1", Value: []byte(`{}`), IndexKeys: map[string]string{"by_status": "ready"}})
	if err := s.Delete("tasks", "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("tasks", "t1"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	ready, err := s.ScanIndex("tasks", "by_status", "ready")
	if err != nil {
		t.Fatalf("ScanIndex: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("expected no items indexed after delete, got %+v", ready)
	}
}

func TestTransactAppliesBothOpsAtomically(t *testing.T) {
	s, err := New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Transact(
		store.TxOp{Collection: "tasks", Item: store.Item{ID: "t1", Value: []byte(`{}`)}},
		store.TxOp{Collection: "assignments", Item: store.Item{ID: "a1", Value: []byte(`{}`)}},
	)
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if _, err := s.Get("tasks", "t1"); err != nil {
		t.Errorf("Get tasks/t1: %v", err)
	}
	if _, err := s.Get("assignments", "a1"); err != nil {
		t.Errorf("Get assignments/a1: %v", err)
	}
}

func TestReopenReloadsPersistedState(t *testing.T) {
	path := t.TempDir() + "/snapshot.json"
	s1, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Put("tasks", store.Item{ID: "t1", Value: []byte(`{"id":"t1"}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	got, err := s2.Get("tasks", "t1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got.Value) != `{"id":"t1"}` {
		t.Errorf("unexpected value after reopen: %s", got.Value)
	}
}
