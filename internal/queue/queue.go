// Package queue implements Queue: a durable FIFO of PendingOp backed by
// internal/store, with deduplication, batch coalescing, per-entity
// serialization, and the status transitions the engine drives ops through.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/armorclaw/syncengine/internal/router"
	"github.com/armorclaw/syncengine/internal/store"
	"github.com/armorclaw/syncengine/pkg/errors"
)

// OpType is one of CREATE/UPDATE/DELETE (extensible per spec.md §3.1).
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Status is a PendingOp's lifecycle state (spec.md §3.1 invariant 2).
type Status string

const (
	StatusQueued      Status = "queued"
	StatusInFlight    Status = "inFlight"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusReconciling Status = "reconciling"
)

// ConflictPolicy selects how the Reconciler resolves overlapping fields
// in a three-way merge (spec.md §4.6).
type ConflictPolicy string

const (
	ConflictLastWriteWins ConflictPolicy = "lastWriteWins"
	ConflictServerWins    ConflictPolicy = "serverWins"
	ConflictAbort         ConflictPolicy = "abort"
)

// ErrorSummary is the structured error recorded on a PendingOp after a
// failed attempt (spec.md §3.1 lastError).
type ErrorSummary struct {
	Kind       errors.Kind    `json:"kind"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status,omitempty"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// PendingOp is the durable queue element (spec.md §3.1).
type PendingOp struct {
	ID             string                 `json:"id"`
	OpType         OpType                 `json:"op_type"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id,omitempty"`
	Payload        map[string]any         `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key"`
	TxnToken       string                 `json:"txn_token,omitempty"`
	Status         Status                 `json:"status"`
	Attempts       int                    `json:"attempts"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	NextAttemptNotBefore *time.Time       `json:"next_attempt_not_before,omitempty"`
	LastError      *ErrorSummary          `json:"last_error,omitempty"`

	ConflictPolicy ConflictPolicy  `json:"conflict_policy,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	RouteOverride  *router.Route   `json:"route_override,omitempty"`
	BaseSnapshot   map[string]any  `json:"base_snapshot,omitempty"`

	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	ArchivedReason string     `json:"archived_reason,omitempty"`
}

// clone returns a deep-enough copy for safe external handoff.
func (op PendingOp) clone() PendingOp {
	cp := op
	if op.Payload != nil {
		cp.Payload = cloneMap(op.Payload)
	}
	if op.BaseSnapshot != nil {
		cp.BaseSnapshot = cloneMap(op.BaseSnapshot)
	}
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EnqueueOptions mirrors spec.md §6.1's enqueue options.
type EnqueueOptions struct {
	IdempotencyKey string
	TxnToken       string
	ConflictPolicy ConflictPolicy
	MaxAttempts    int
	RouteOverride  *router.Route
}

// ErrDuplicateID is returned when an op's id already exists in pending or failed.
var ErrDuplicateID = fmt.Errorf("duplicate op id")

// Queue is the durable FIFO described in spec.md §4.1.
type Queue struct {
	store *store.Store

	mu               sync.Mutex
	pending          map[string]*PendingOp
	failed           map[string]*PendingOp
	index            map[string][]string // entityId -> ordered op ids
	inFlightEntities map[string]bool
}

// Open loads (or creates) a Queue backed by s, rebuilding its in-memory
// index from whatever is already persisted in the pending/failed spaces.
func Open(ctx context.Context, s *store.Store) (*Queue, error) {
	q := &Queue{
		store:            s,
		pending:          make(map[string]*PendingOp),
		failed:           make(map[string]*PendingOp),
		index:            make(map[string][]string),
		inFlightEntities: make(map[string]bool),
	}

	if err := s.Scan(ctx, store.SpacePending, func(key string, value []byte) bool {
		var op PendingOp
		if err := json.Unmarshal(value, &op); err == nil {
			q.pending[op.ID] = &op
			if op.Status == StatusInFlight && op.EntityID != "" {
				q.inFlightEntities[op.EntityID] = true
			}
		}
		return true
	}); err != nil {
		return nil, err
	}

	if err := s.Scan(ctx, store.SpaceFailed, func(key string, value []byte) bool {
		var op PendingOp
		if err := json.Unmarshal(value, &op); err == nil {
			q.failed[op.ID] = &op
		}
		return true
	}); err != nil {
		return nil, err
	}

	q.rebuildIndexLocked()
	return q, nil
}

func (q *Queue) rebuildIndexLocked() {
	q.index = make(map[string][]string)
	ordered := make([]*PendingOp, 0, len(q.pending))
	for _, op := range q.pending {
		ordered = append(ordered, op)
	}
	sort.Slice(ordered, func(i, j int) bool { return lessOp(ordered[i], ordered[j]) })
	for _, op := range ordered {
		if op.EntityID != "" {
			q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
		}
	}
}

// RebuildIndex reconstructs index/* from pending/* (cmd/syncengine
// rebuild-index, spec.md §6.4).
func (q *Queue) RebuildIndex(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rebuildIndexLocked()
	return q.persistIndexLocked(ctx)
}

func (q *Queue) persistIndexLocked(ctx context.Context) error {
	for entityID, ids := range q.index {
		raw, err := json.Marshal(ids)
		if err != nil {
			continue
		}
		if err := q.store.Put(ctx, store.SpaceIndex, entityID, raw); err != nil {
			return err
		}
	}
	return nil
}

func lessOp(a, b *PendingOp) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Enqueue persists op, applying deduplication and batch coalescing
// (spec.md §4.1). Returns the id of the op actually stored (which may be
// an existing op's id when coalesced, or "" when fully absorbed by a
// coalescing DELETE).
func (q *Queue) Enqueue(ctx context.Context, op PendingOp, opts EnqueueOptions) (string, error) {
	id, _, err := q.EnqueueTracked(ctx, op, opts)
	return id, err
}

// EnqueueTracked is Enqueue plus the set of other pending ops that batch
// coalescing discarded or merged away as a side effect of this call (spec.md
// §4.1). Callers that track a terminal outcome per op (the Engine's
// optimistic store) need this to settle every affected op, not just the
// incoming one: coalescing a DELETE against a queued CREATE discards both,
// and coalescing a DELETE against a queued UPDATE discards the UPDATE while
// still enqueuing the DELETE itself.
func (q *Queue) EnqueueTracked(ctx context.Context, op PendingOp, opts EnqueueOptions) (string, []PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.IdempotencyKey == "" {
		op.IdempotencyKey = opts.IdempotencyKey
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = op.ID
	}
	if op.Status == "" {
		op.Status = StatusQueued
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	op.UpdatedAt = op.CreatedAt
	op.TxnToken = orDefault(op.TxnToken, opts.TxnToken)
	op.ConflictPolicy = orDefaultPolicy(op.ConflictPolicy, opts.ConflictPolicy)
	if op.MaxAttempts == 0 {
		op.MaxAttempts = opts.MaxAttempts
	}
	if op.RouteOverride == nil {
		op.RouteOverride = opts.RouteOverride
	}

	if _, exists := q.pending[op.ID]; exists {
		return "", nil, ErrDuplicateID
	}
	if _, exists := q.failed[op.ID]; exists {
		return "", nil, ErrDuplicateID
	}

	var coalesceDiscarded []PendingOp
	if op.EntityID != "" {
		coalescedID, discarded, handled, err := q.coalesceLocked(ctx, op)
		coalesceDiscarded = discarded
		if handled {
			return coalescedID, discarded, err
		}
	}

	if err := q.persistPendingLocked(ctx, &op); err != nil {
		return "", coalesceDiscarded, err
	}
	q.pending[op.ID] = &op
	if op.EntityID != "" {
		q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
		if err := q.persistIndexEntityLocked(ctx, op.EntityID); err != nil {
			return "", coalesceDiscarded, err
		}
	}
	return op.ID, coalesceDiscarded, nil
}

// coalesceLocked implements spec.md §4.1's batch coalescing rules. It
// returns handled=true when the incoming op was absorbed into (or
// cancelled against) an existing queued op for the same entity, rather
// than being enqueued as a new entry.
func (q *Queue) coalesceLocked(ctx context.Context, incoming PendingOp) (id string, discarded []PendingOp, handled bool, err error) {
	var existing *PendingOp
	for _, opID := range q.index[incoming.EntityID] {
		candidate, ok := q.pending[opID]
		if !ok {
			continue
		}
		if candidate.Status == StatusInFlight || candidate.Status == StatusReconciling {
			continue // frozen: coalescing is skipped
		}
		if candidate.Status == StatusQueued {
			existing = candidate
			break
		}
	}
	if existing == nil {
		return "", nil, false, nil
	}

	switch incoming.OpType {
	case OpDelete:
		switch existing.OpType {
		case OpCreate:
			// Never created remotely: discard both the CREATE and the DELETE.
			discardedOp := *existing
			if err := q.removeFromPendingLocked(ctx, existing); err != nil {
				return "", nil, true, err
			}
			return "", []PendingOp{discardedOp}, true, nil
		case OpUpdate:
			discardedOp := *existing
			if err := q.removeFromPendingLocked(ctx, existing); err != nil {
				return "", nil, true, err
			}
			return "", []PendingOp{discardedOp}, false, nil // fall through: enqueue the DELETE itself
		}
	case OpUpdate:
		if existing.OpType == OpUpdate {
			merged := cloneMap(existing.Payload)
			for k, v := range incoming.Payload {
				merged[k] = v
			}
			existing.Payload = merged
			existing.UpdatedAt = time.Now().UTC()
			if err := q.persistPendingLocked(ctx, existing); err != nil {
				return "", nil, true, err
			}
			return existing.ID, nil, true, nil
		}
	case OpCreate:
		if existing.OpType == OpCreate {
			return existing.ID, nil, true, nil // reject as duplicate
		}
	}

	return "", nil, false, nil
}

func (q *Queue) removeFromPendingLocked(ctx context.Context, op *PendingOp) error {
	delete(q.pending, op.ID)
	q.index[op.EntityID] = removeID(q.index[op.EntityID], op.ID)
	if err := q.store.Delete(ctx, store.SpacePending, op.ID); err != nil {
		return err
	}
	return q.persistIndexEntityLocked(ctx, op.EntityID)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (q *Queue) persistPendingLocked(ctx context.Context, op *PendingOp) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return errors.FromStatus("STO-001", 0, fmt.Sprintf("marshal pending op %s: %v", op.ID, err))
	}
	if err := q.store.Put(ctx, store.SpacePending, op.ID, raw); err != nil {
		return err
	}
	return nil
}

func (q *Queue) persistIndexEntityLocked(ctx context.Context, entityID string) error {
	if entityID == "" {
		return nil
	}
	raw, err := json.Marshal(q.index[entityID])
	if err != nil {
		return nil
	}
	return q.store.Put(ctx, store.SpaceIndex, entityID, raw)
}

// PeekNextRunnable returns the next op eligible to run: FIFO by
// createdAt then id, skipping ops whose entity is in-flight or whose
// nextAttemptNotBefore is still in the future.
func (q *Queue) PeekNextRunnable(now time.Time) *PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*PendingOp
	for _, op := range q.pending {
		if op.Status != StatusQueued {
			continue
		}
		if op.EntityID != "" && q.inFlightEntities[op.EntityID] {
			continue
		}
		if op.NextAttemptNotBefore != nil && op.NextAttemptNotBefore.After(now) {
			continue
		}
		candidates = append(candidates, op)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return lessOp(candidates[i], candidates[j]) })
	cp := candidates[0].clone()
	return &cp
}

// MarkInFlight transitions op to inFlight and bumps attempts.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	op.Status = StatusInFlight
	op.Attempts++
	op.UpdatedAt = time.Now().UTC()
	if op.EntityID != "" {
		q.inFlightEntities[op.EntityID] = true
	}
	return q.persistPendingLocked(ctx, op)
}

// MarkSucceeded removes op from pending (terminal state, purged immediately).
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	if op.EntityID != "" {
		delete(q.inFlightEntities, op.EntityID)
	}
	return q.removeFromPendingLocked(ctx, op)
}

// MarkFailed records lastError and returns the op to queued for another
// attempt (used for transient errors; the caller then schedules the retry
// via ScheduleRetry, since MarkFailed alone just clears in-flight).
func (q *Queue) MarkFailed(ctx context.Context, id string, errSummary ErrorSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	op.Status = StatusQueued
	op.LastError = &errSummary
	op.UpdatedAt = time.Now().UTC()
	if op.EntityID != "" {
		delete(q.inFlightEntities, op.EntityID)
	}
	return q.persistPendingLocked(ctx, op)
}

// ScheduleRetry sets nextAttemptNotBefore and returns op to queued.
func (q *Queue) ScheduleRetry(ctx context.Context, id string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	op.Status = StatusQueued
	op.NextAttemptNotBefore = &notBefore
	op.UpdatedAt = time.Now().UTC()
	if op.EntityID != "" {
		delete(q.inFlightEntities, op.EntityID)
	}
	return q.persistPendingLocked(ctx, op)
}

// MarkReconciling transitions op to reconciling ahead of Reconciler work.
func (q *Queue) MarkReconciling(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	op.Status = StatusReconciling
	op.UpdatedAt = time.Now().UTC()
	return q.persistPendingLocked(ctx, op)
}

// RequeueReconciled rewrites payload after a successful merge and resets
// attempts to 0, re-queuing the op (spec.md §4.6 UPDATE strategy).
func (q *Queue) RequeueReconciled(ctx context.Context, id string, payload map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	op.Payload = payload
	op.Attempts = 0
	op.Status = StatusQueued
	op.UpdatedAt = time.Now().UTC()
	if op.EntityID != "" {
		delete(q.inFlightEntities, op.EntityID)
	}
	return q.persistPendingLocked(ctx, op)
}

// ArchiveToFailed moves op from pending to failed with a reason.
func (q *Queue) ArchiveToFailed(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("op %s not in pending", id)
	}
	now := time.Now().UTC()
	op.Status = StatusFailed
	op.ArchivedAt = &now
	op.ArchivedReason = reason
	op.UpdatedAt = now

	if op.EntityID != "" {
		delete(q.inFlightEntities, op.EntityID)
		q.index[op.EntityID] = removeID(q.index[op.EntityID], op.ID)
		if err := q.persistIndexEntityLocked(ctx, op.EntityID); err != nil {
			return err
		}
	}

	if err := q.store.Delete(ctx, store.SpacePending, op.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return errors.FromStatus("STO-001", 0, fmt.Sprintf("marshal failed op %s: %v", op.ID, err))
	}
	if err := q.store.Put(ctx, store.SpaceFailed, op.ID, raw); err != nil {
		return err
	}

	delete(q.pending, op.ID)
	q.failed[op.ID] = op
	return nil
}

// RetryFromFailed moves op from failed back to pending with attempts=0.
func (q *Queue) RetryFromFailed(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.failed[id]
	if !ok {
		return false, nil
	}

	op.Status = StatusQueued
	op.Attempts = 0
	op.ArchivedAt = nil
	op.ArchivedReason = ""
	op.UpdatedAt = time.Now().UTC()

	if err := q.store.Delete(ctx, store.SpaceFailed, op.ID); err != nil {
		return false, err
	}
	if err := q.persistPendingLocked(ctx, op); err != nil {
		return false, err
	}

	delete(q.failed, op.ID)
	q.pending[op.ID] = op
	if op.EntityID != "" {
		q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
		if err := q.persistIndexEntityLocked(ctx, op.EntityID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Cancel removes a queued op (not inFlight/reconciling) and reports
// whether it was found and removed.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.pending[id]
	if !ok || op.Status != StatusQueued {
		return false, nil
	}
	if err := q.removeFromPendingLocked(ctx, op); err != nil {
		return false, err
	}
	return true, nil
}

// LookupByEntity returns the ordered op ids queued for entityID.
func (q *Queue) LookupByEntity(entityID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.index[entityID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Get returns a copy of the pending op with the given id, if present.
func (q *Queue) Get(id string) (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.pending[id]
	if !ok {
		return PendingOp{}, false
	}
	return op.clone(), true
}

// GetFailed returns a copy of the archived op with the given id, if present.
func (q *Queue) GetFailed(id string) (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.failed[id]
	if !ok {
		return PendingOp{}, false
	}
	return op.clone(), true
}

// ListPending returns a snapshot of every pending op, FIFO-ordered.
func (q *Queue) ListPending() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOp, 0, len(q.pending))
	for _, op := range q.pending {
		out = append(out, op.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListFailed returns a snapshot of every archived op, most-recently
// archived first (cmd/syncengine's retry-failed --all).
func (q *Queue) ListFailed() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOp, 0, len(q.failed))
	for _, op := range q.failed {
		out = append(out, op.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].ArchivedAt, out[j].ArchivedAt
		if ai == nil || aj == nil {
			return out[i].ID < out[j].ID
		}
		return ai.After(*aj)
	})
	return out
}

// PurgeFailed permanently deletes archived ops older than olderThan,
// as measured from now (cmd/syncengine's purge-failed maintenance
// command and the daemon's periodic retention sweep). It returns the
// number of ops removed.
func (q *Queue) PurgeFailed(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var purged []string
	for id, op := range q.failed {
		if op.ArchivedAt == nil {
			continue
		}
		if now.Sub(*op.ArchivedAt) >= olderThan {
			purged = append(purged, id)
		}
	}

	for _, id := range purged {
		if err := q.store.Delete(ctx, store.SpaceFailed, id); err != nil {
			return 0, err
		}
		delete(q.failed, id)
	}
	return len(purged), nil
}

// ResetOrphanedInFlight transitions every pending op still marked
// inFlight back to queued, clearing the in-memory inFlightEntities set
// for them. Called once at engine startup (spec.md §4.9 step 3): the
// op's unchanged idempotencyKey makes resuming it after a crash safe.
func (q *Queue) ResetOrphanedInFlight(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reset []string
	for _, op := range q.pending {
		if op.Status != StatusInFlight {
			continue
		}
		op.Status = StatusQueued
		op.UpdatedAt = time.Now().UTC()
		if op.EntityID != "" {
			delete(q.inFlightEntities, op.EntityID)
		}
		if err := q.persistPendingLocked(ctx, op); err != nil {
			return reset, err
		}
		reset = append(reset, op.ID)
	}
	return reset, nil
}

// Size returns the count of pending and failed ops.
func (q *Queue) Size() (pending int, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.failed)
}

// OldestPendingAge returns the age of the oldest pending op, or 0 if empty.
func (q *Queue) OldestPendingAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, op := range q.pending {
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orDefaultPolicy(v, fallback ConflictPolicy) ConflictPolicy {
	if v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return ConflictLastWriteWins
}
