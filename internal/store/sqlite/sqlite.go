// Package sqlite implements store.Store on top of a SQLite database,
// grounded on the teacher's internal/memory.SQLiteMemoryDB: go:embed schema
// plus versioned migrations applied at Open time, a pooled *sql.DB, and
// every write going through the standard database/sql API. Where the
// teacher hand-wrote one method per table, this backend keeps the schema
// generic (items + item_indices) so it can satisfy store.Store once for
// every collection the core uses.
package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/agenthive/orchestrator-core/internal/store"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/001_initial.sql
var migration001 string

// Store is the SQLite-backed store.Store implementation. It is the
// production default: durable, crash-safe via SQLite's own WAL journal,
// and requires no C toolchain because modernc.org/sqlite is pure Go.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer cooperative model (spec.md §5)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check schema version: %w", err)
	}
	if version < 1 {
		if _, err := s.db.Exec(migration001); err != nil {
			return fmt.Errorf("run migration 001: %w", err)
		}
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements store.Store.
func (s *Store) Get(collection, id string) (store.Item, error) {
	var value []byte
	var version int64
	err := s.db.QueryRow(`SELECT value, version FROM items WHERE collection = ? AND id = ?`, collection, id).
		Scan(&value, &version)
	if err == sql.ErrNoRows {
		return store.Item{}, store.ErrNotFound
	}
	if err != nil {
		return store.Item{}, fmt.Errorf("sqlite get: %w", err)
	}
	idx, err := s.loadIndexKeys(collection, id)
	if err != nil {
		return store.Item{}, err
	}
	return store.Item{ID: id, Value: value, Version: version, IndexKeys: idx}, nil
}

func (s *Store) loadIndexKeys(collection, id string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT idx_name, idx_key FROM item_indices WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite load index keys: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return nil, fmt.Errorf("sqlite scan index row: %w", err)
		}
		out[name] = key
	}
	return out, rows.Err()
}

// Put implements store.Store.
func (s *Store) Put(collection string, item store.Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite put: begin: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(`SELECT version FROM items WHERE collection = ? AND id = ?`, collection, item.ID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		item.Version = 1
	case err != nil:
		return fmt.Errorf("sqlite put: read version: %w", err)
	default:
		item.Version = current + 1
	}

	if err := putTx(tx, collection, item); err != nil {
		return err
	}
	return tx.Commit()
}

func putTx(tx *sql.Tx, collection string, item store.Item) error {
	if _, err := tx.Exec(`INSERT INTO items (collection, id, value, version) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET value = excluded.value, version = excluded.version`,
		collection, item.ID, item.Value, item.Version); err != nil {
		return fmt.Errorf("sqlite upsert item: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM item_indices WHERE collection = ? AND id = ?`, collection, item.ID); err != nil {
		return fmt.Errorf("sqlite clear indices: %w", err)
	}
	for name, key := range item.IndexKeys {
		if _, err := tx.Exec(`INSERT INTO item_indices (collection, idx_name, idx_key, id) VALUES (?, ?, ?, ?)`,
			collection, name, key, item.ID); err != nil {
			return fmt.Errorf("sqlite insert index: %w", err)
		}
	}
	return nil
}

// CompareAndSwap implements store.Store.
func (s *Store) CompareAndSwap(collection string, item store.Item, expectedVersion int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("sqlite cas: begin: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(`SELECT version FROM items WHERE collection = ? AND id = ?`, collection, item.ID).Scan(&current)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlite cas: read version: %w", err)
	}

	if expectedVersion == 0 {
		if exists {
			return 0, store.ErrAlreadyExists
		}
		item.Version = 1
	} else {
		if !exists || current != expectedVersion {
			return 0, store.ErrVersionMismatch
		}
		item.Version = current + 1
	}

	if err := putTx(tx, collection, item); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite cas: commit: %w", err)
	}
	return item.Version, nil
}

// ScanIndex implements store.Store.
func (s *Store) ScanIndex(collection, index, key string) ([]store.Item, error) {
	rows, err := s.db.Query(`SELECT i.id, i.value, i.version FROM items i
		JOIN item_indices x ON x.collection = i.collection AND x.id = i.id
		WHERE i.collection = ? AND x.idx_name = ? AND x.idx_key = ?`, collection, index, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan index: %w", err)
	}
	defer rows.Close()
	return s.collectRows(rows, collection)
}

// ScanAll implements store.Store.
func (s *Store) ScanAll(collection string) ([]store.Item, error) {
	rows, err := s.db.Query(`SELECT id, value, version FROM items WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan all: %w", err)
	}
	defer rows.Close()
	return s.collectRows(rows, collection)
}

func (s *Store) collectRows(rows *sql.Rows, collection string) ([]store.Item, error) {
	var out []store.Item
	for rows.Next() {
		var id string
		var value []byte
		var version int64
		if err := rows.Scan(&id, &value, &version); err != nil {
			return nil, fmt.Errorf("sqlite scan row: %w", err)
		}
		idx, err := s.loadIndexKeys(collection, id)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Item{ID: id, Value: value, Version: version, IndexKeys: idx})
	}
	return out, rows.Err()
}

// Delete implements store.Store.
func (s *Store) Delete(collection, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite delete: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM items WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("sqlite delete item: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM item_indices WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("sqlite delete indices: %w", err)
	}
	return tx.Commit()
}

// Transact implements store.Store: both puts happen inside one SQLite
// transaction, giving the bounded two-item atomicity spec.md §4.1 asks
// for (e.g. withdraw a task to assigned and create its Assignment in one
// step).
func (s *Store) Transact(ops ...store.TxOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite transact: begin: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		var current int64
		err := tx.QueryRow(`SELECT version FROM items WHERE collection = ? AND id = ?`, op.Collection, op.Item.ID).Scan(&current)
		switch {
		case err == sql.ErrNoRows:
			op.Item.Version = 1
		case err != nil:
			return fmt.Errorf("sqlite transact: read version: %w", err)
		default:
			op.Item.Version = current + 1
		}
		if err := putTx(tx, op.Collection, op.Item); err != nil {
			return err
		}
	}
	return tx.Commit()
}
