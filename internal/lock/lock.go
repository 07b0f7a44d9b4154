// Package lock implements ProcessingLock, a cross-invocation single-writer
// lease with heartbeat and stale-lock takeover, backed by a compare-and-set
// on internal/store's meta space.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/armorclaw/syncengine/internal/clockutil"
	"github.com/armorclaw/syncengine/internal/store"
	"github.com/armorclaw/syncengine/pkg/errors"
)

const metaKey = "processing_lock"

// Record is the persisted lock record (spec.md §3.4).
type Record struct {
	HolderID        string    `json:"holder_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	TTL             time.Duration `json:"ttl"`
}

func (r Record) stale(now time.Time) bool {
	return now.Sub(r.LastHeartbeatAt) > r.TTL
}

// Config configures a ProcessingLock.
type Config struct {
	TTL           time.Duration
	HeartbeatEvery time.Duration
}

// DefaultConfig returns the spec's default ttl=120s, heartbeat=40s.
func DefaultConfig() Config {
	return Config{TTL: 120 * time.Second, HeartbeatEvery: 40 * time.Second}
}

// Lock is the ProcessingLock component.
type Lock struct {
	store *store.Store
	clock clockutil.Clock
	cfg   Config
}

// New creates a Lock over the given store.
func New(s *store.Store, clock clockutil.Clock, cfg Config) *Lock {
	if clock == nil {
		clock = clockutil.System
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultConfig().HeartbeatEvery
	}
	return &Lock{store: s, clock: clock, cfg: cfg}
}

// TryAcquire attempts to become the lock holder. It succeeds if
// the record is absent, or if the current holder's heartbeat has gone
// stale (now - lastHeartbeatAt > ttl). The write is a compare-and-set on
// the prior record so a concurrent acquirer never double-wins.
func (l *Lock) TryAcquire(ctx context.Context, holderID string) (bool, error) {
	now := l.clock.Now()

	raw, existed, err := l.store.Get(ctx, store.SpaceMeta, metaKey)
	if err != nil {
		return false, err
	}

	var oldRaw []byte
	if existed {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false, errors.FromStatus("STO-003", 0, fmt.Sprintf("decode lock record: %v", err))
		}
		if !rec.stale(now) {
			return false, nil
		}
		oldRaw = raw
	}

	newRec := Record{HolderID: holderID, AcquiredAt: now, LastHeartbeatAt: now, TTL: l.cfg.TTL}
	newRaw, err := json.Marshal(newRec)
	if err != nil {
		return false, errors.FromStatus("STO-003", 0, fmt.Sprintf("encode lock record: %v", err))
	}

	ok, err := l.store.CompareAndSet(ctx, store.SpaceMeta, metaKey, oldRaw, newRaw)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Heartbeat refreshes lastHeartbeatAt for holderID via compare-and-set.
// Returns ok=false if holderID no longer owns the lock (another process
// took it over, or the record vanished) — the caller must stop processing.
func (l *Lock) Heartbeat(ctx context.Context, holderID string) (bool, error) {
	raw, existed, err := l.store.Get(ctx, store.SpaceMeta, metaKey)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, errors.FromStatus("STO-003", 0, fmt.Sprintf("decode lock record: %v", err))
	}
	if rec.HolderID != holderID {
		return false, nil
	}

	rec.LastHeartbeatAt = l.clock.Now()
	newRaw, err := json.Marshal(rec)
	if err != nil {
		return false, errors.FromStatus("STO-003", 0, fmt.Sprintf("encode lock record: %v", err))
	}

	return l.store.CompareAndSet(ctx, store.SpaceMeta, metaKey, raw, newRaw)
}

// Release deletes the record iff holderID currently owns it.
func (l *Lock) Release(ctx context.Context, holderID string) error {
	raw, existed, err := l.store.Get(ctx, store.SpaceMeta, metaKey)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return errors.FromStatus("STO-003", 0, fmt.Sprintf("decode lock record: %v", err))
	}
	if rec.HolderID != holderID {
		return nil
	}
	return l.store.Delete(ctx, store.SpaceMeta, metaKey)
}

// Current returns the current lock record, if any.
func (l *Lock) Current(ctx context.Context) (Record, bool, error) {
	raw, existed, err := l.store.Get(ctx, store.SpaceMeta, metaKey)
	if err != nil || !existed {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, errors.FromStatus("STO-003", 0, fmt.Sprintf("decode lock record: %v", err))
	}
	return rec, true, nil
}
