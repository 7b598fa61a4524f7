// Package filestore implements store.Store as a single JSON snapshot file,
// grounded on the teacher's internal/persistence/store.go: an in-memory
// map guarded by a mutex, flushed to disk on every write with a durable
// rename-into-place, satisfying spec.md §5's "fsync-like confirmation
// before any externally visible transition is acknowledged" by fsync-ing
// before the rename returns. Intended for the CLI quick-start path and
// tests; the sqlite backend is the production default for real deployments.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agenthive/orchestrator-core/internal/store"
)

type snapshot struct {
	Collections map[string]map[string]store.Item `json:"collections"`
	Indices     map[string]map[string]map[string]bool `json:"indices"` // collection.index -> key -> set of ids
}

// Store is a write-through, fsync-backed JSON file store: every mutating
// call rewrites the whole snapshot before returning.
type Store struct {
	mu   sync.Mutex
	path string
	snap snapshot
}

// New opens (or creates) the JSON snapshot at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	s := &Store{
		path: path,
		snap: snapshot{
			Collections: make(map[string]map[string]store.Item),
			Indices:     make(map[string]map[string]map[string]bool),
		},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.snap); err != nil {
		return nil, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	if s.snap.Collections == nil {
		s.snap.Collections = make(map[string]map[string]store.Item)
	}
	if s.snap.Indices == nil {
		s.snap.Indices = make(map[string]map[string]map[string]bool)
	}
	return s, nil
}

func (s *Store) coll(name string) map[string]store.Item {
	c, ok := s.snap.Collections[name]
	if !ok {
		c = make(map[string]store.Item)
		s.snap.Collections[name] = c
	}
	return c
}

func (s *Store) indexBucket(collection, index string) map[string]map[string]bool {
	key := collection + "." + index
	b, ok := s.snap.Indices[key]
	if !ok {
		b = make(map[string]map[string]bool)
		s.snap.Indices[key] = b
	}
	return b
}

// putLocked writes item into collection and refreshes its index entries.
// Caller must hold s.mu.
func (s *Store) putLocked(collection string, item store.Item) {
	c := s.coll(collection)
	if old, ok := c[item.ID]; ok {
		for idx, oldKey := range old.IndexKeys {
			bucket := s.indexBucket(collection, idx)
			if ids, ok := bucket[oldKey]; ok {
				delete(ids, item.ID)
			}
		}
	}
	c[item.ID] = item
	for idx, key := range item.IndexKeys {
		bucket := s.indexBucket(collection, idx)
		ids, ok := bucket[key]
		if !ok {
			ids = make(map[string]bool)
			bucket[key] = ids
		}
		ids[item.ID] = true
	}
}

// Get implements store.Store.
func (s *Store) Get(collection, id string) (store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.coll(collection)[id]
	if !ok {
		return store.Item{}, store.ErrNotFound
	}
	return item, nil
}

// Put implements store.Store.
func (s *Store) Put(collection string, item store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.coll(collection)[item.ID]; ok {
		item.Version = old.Version + 1
	} else {
		item.Version = 1
	}
	s.putLocked(collection, item)
	return s.flushLocked()
}

// CompareAndSwap implements store.Store.
func (s *Store) CompareAndSwap(collection string, item store.Item, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	old, exists := c[item.ID]
	if expectedVersion == 0 {
		if exists {
			return 0, store.ErrAlreadyExists
		}
		item.Version = 1
	} else {
		if !exists || old.Version != expectedVersion {
			return 0, store.ErrVersionMismatch
		}
		item.Version = old.Version + 1
	}
	s.putLocked(collection, item)
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	return item.Version, nil
}

// ScanIndex implements store.Store.
func (s *Store) ScanIndex(collection, index, key string) ([]store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.indexBucket(collection, index)
	ids := bucket[key]
	c := s.coll(collection)
	out := make([]store.Item, 0, len(ids))
	for id := range ids {
		if item, ok := c[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// ScanAll implements store.Store.
func (s *Store) ScanAll(collection string) ([]store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	out := make([]store.Item, 0, len(c))
	for _, item := range c {
		out = append(out, item)
	}
	return out, nil
}

// Delete implements store.Store.
func (s *Store) Delete(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	if old, ok := c[id]; ok {
		for idx, key := range old.IndexKeys {
			bucket := s.indexBucket(collection, idx)
			if ids, ok := bucket[key]; ok {
				delete(ids, id)
			}
		}
		delete(c, id)
	}
	return s.flushLocked()
}

// Transact implements store.Store as two sequential putLocked calls under
// the same lock — there's only one writer (this struct's mutex), so the
// pair is observable to readers only after both have landed and the
// flush has happened.
func (s *Store) Transact(ops ...store.TxOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if old, ok := s.coll(op.Collection)[op.Item.ID]; ok {
			op.Item.Version = old.Version + 1
		} else {
			op.Item.Version = 1
		}
		s.putLocked(op.Collection, op.Item)
	}
	return s.flushLocked()
}

// Close flushes a final time; the file handle itself is opened and closed
// per-write, so there is nothing else to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the full snapshot to a temp file, fsyncs it, and
// renames it into place so a crash mid-write never corrupts the previous
// durable snapshot. Caller must hold s.mu.
func (s *Store) flushLocked() error {
	data, err := json.Marshal(s.snap)
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("filestore: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("filestore: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("filestore: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: rename into place: %w", err)
	}
	return nil
}
