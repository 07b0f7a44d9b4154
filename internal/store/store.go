// Package store provides PersistentMap, a typed, atomic local store with
// scan/watch over named spaces, backed by SQLite in WAL mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/armorclaw/syncengine/pkg/errors"
)

// Space names the five logical spaces the engine persists state into.
type Space string

const (
	SpacePending    Space = "pending"
	SpaceFailed     Space = "failed"
	SpaceIndex      Space = "index"
	SpaceMeta       Space = "meta"
	SpaceOptimistic Space = "optimistic"
)

// Event is delivered on a space's watch channel whenever a key in that
// space is put or deleted.
type Event struct {
	Space  Space
	Key    string
	Value  []byte
	Delete bool
}

// Config configures the PersistentMap.
type Config struct {
	Path           string
	BusyTimeoutMs  int
	WatchQueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:           "/var/lib/syncengine/store.db",
		BusyTimeoutMs:  5000,
		WatchQueueSize: 32,
	}
}

// Store is the SQLite-backed implementation of PersistentMap.
type Store struct {
	cfg Config
	db  *sql.DB

	mu       sync.RWMutex
	watchers map[Space][]chan Event
}

// Open creates or opens the store, applying the WAL pragma and migrating
// the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.BusyTimeoutMs <= 0 {
		cfg.BusyTimeoutMs = 5000
	}
	if cfg.WatchQueueSize <= 0 {
		cfg.WatchQueueSize = 32
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, cfg.BusyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.FromStatus("STO-001", 0, fmt.Sprintf("open store: %v", err))
	}

	s := &Store{
		cfg:      cfg,
		db:       db,
		watchers: make(map[Space][]chan Event),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS kv (
			space TEXT NOT NULL,
			key   TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (space, key)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_kv_space ON kv(space);",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.FromStatus("STO-001", 0, fmt.Sprintf("migrate store: %v", err))
		}
	}
	return nil
}

// Put atomically writes value under (space, key) and notifies watchers.
func (s *Store) Put(ctx context.Context, space Space, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (space, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(space, key) DO UPDATE SET value = excluded.value`,
		string(space), key, value,
	)
	if err != nil {
		return errors.FromStatus("STO-001", 0, fmt.Sprintf("put %s/%s: %v", space, key, err))
	}
	s.notify(Event{Space: space, Key: key, Value: value})
	return nil
}

// Get reads the value at (space, key). ok is false if absent.
func (s *Store) Get(ctx context.Context, space Space, key string) (value []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE space = ? AND key = ?`, string(space), key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errors.FromStatus("STO-002", 0, fmt.Sprintf("get %s/%s: %v", space, key, scanErr))
	}
	return value, true, nil
}

// Delete removes (space, key), no-op if absent, and notifies watchers.
func (s *Store) Delete(ctx context.Context, space Space, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE space = ? AND key = ?`, string(space), key)
	if err != nil {
		return errors.FromStatus("STO-001", 0, fmt.Sprintf("delete %s/%s: %v", space, key, err))
	}
	s.notify(Event{Space: space, Key: key, Delete: true})
	return nil
}

// Scan iterates all keys in a space in key order, calling fn for each.
// Iteration stops early if fn returns false.
func (s *Store) Scan(ctx context.Context, space Space, fn func(key string, value []byte) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE space = ? ORDER BY key`, string(space))
	if err != nil {
		return errors.FromStatus("STO-002", 0, fmt.Sprintf("scan %s: %v", space, err))
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return errors.FromStatus("STO-002", 0, fmt.Sprintf("scan %s row: %v", space, err))
		}
		if !fn(key, value) {
			break
		}
	}
	return rows.Err()
}

// CompareAndSet writes newValue under (space, key) only if the existing
// value's bytes equal oldValue (nil oldValue means "key must be absent").
// Returns ok=false on mismatch without writing.
func (s *Store) CompareAndSet(ctx context.Context, space Space, key string, oldValue, newValue []byte) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.FromStatus("STO-001", 0, fmt.Sprintf("cas begin: %v", err))
	}
	defer tx.Rollback()

	var current []byte
	row := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE space = ? AND key = ?`, string(space), key)
	scanErr := row.Scan(&current)
	switch {
	case scanErr == sql.ErrNoRows:
		if oldValue != nil {
			return false, nil
		}
	case scanErr != nil:
		return false, errors.FromStatus("STO-002", 0, fmt.Sprintf("cas read: %v", scanErr))
	default:
		if oldValue == nil || string(current) != string(oldValue) {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (space, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(space, key) DO UPDATE SET value = excluded.value`,
		string(space), key, newValue,
	); err != nil {
		return false, errors.FromStatus("STO-001", 0, fmt.Sprintf("cas write: %v", err))
	}

	if err := tx.Commit(); err != nil {
		return false, errors.FromStatus("STO-001", 0, fmt.Sprintf("cas commit: %v", err))
	}

	s.notify(Event{Space: space, Key: key, Value: newValue})
	return true, nil
}

// Watch returns a channel of Events for the given space. The channel is
// buffered; slow consumers miss events rather than blocking writers.
func (s *Store) Watch(space Space) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, s.cfg.WatchQueueSize)
	s.watchers[space] = append(s.watchers[space], ch)
	return ch
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers[ev.Space] {
		select {
		case ch <- ev:
		default:
			// Drop on a full channel; watchers are a wakeup hint, not a log.
		}
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
