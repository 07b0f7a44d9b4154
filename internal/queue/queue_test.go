package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/armorclaw/syncengine/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q, err := Open(context.Background(), s)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	return q
}

func newOp(id, entityID string, opType OpType) PendingOp {
	return PendingOp{
		ID:         id,
		OpType:     opType,
		EntityType: "device",
		EntityID:   entityID,
		Payload:    map[string]any{},
		CreatedAt:  time.Now().UTC(),
	}
}

func TestQueue_EnqueueAndPeek(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "op-1" {
		t.Errorf("Enqueue() id = %q, want op-1", id)
	}

	next := q.PeekNextRunnable(time.Now())
	if next == nil || next.ID != "op-1" {
		t.Fatalf("PeekNextRunnable() = %v, want op-1", next)
	}
}

func TestQueue_DuplicateIDRejected(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, newOp("op-1", "d2", OpCreate), EnqueueOptions{}); err != ErrDuplicateID {
		t.Errorf("Enqueue() duplicate id error = %v, want ErrDuplicateID", err)
	}
}

func TestQueue_FIFOOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := newOp("op-1", "d1", OpCreate)
	first.CreatedAt = time.Now().Add(-2 * time.Second)
	second := newOp("op-2", "d2", OpCreate)
	second.CreatedAt = time.Now().Add(-1 * time.Second)

	q.Enqueue(ctx, second, EnqueueOptions{})
	q.Enqueue(ctx, first, EnqueueOptions{})

	next := q.PeekNextRunnable(time.Now())
	if next == nil || next.ID != "op-1" {
		t.Fatalf("PeekNextRunnable() = %v, want op-1 (earliest createdAt)", next)
	}
}

func TestQueue_InFlightEntitySkipped(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	if err := q.MarkInFlight(ctx, "op-1"); err != nil {
		t.Fatalf("MarkInFlight() error = %v", err)
	}

	// Same entity can't coalesce into an inFlight op; a second op on a
	// different entity should still be runnable.
	q.Enqueue(ctx, newOp("op-2", "d2", OpCreate), EnqueueOptions{})

	next := q.PeekNextRunnable(time.Now())
	if next == nil || next.ID != "op-2" {
		t.Fatalf("PeekNextRunnable() = %v, want op-2 (op-1's entity is inFlight)", next)
	}
}

func TestQueue_MarkSucceededRemoves(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	q.MarkInFlight(ctx, "op-1")
	if err := q.MarkSucceeded(ctx, "op-1"); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	if _, ok := q.Get("op-1"); ok {
		t.Error("Get() after MarkSucceeded found op, want gone")
	}
	pending, _ := q.Size()
	if pending != 0 {
		t.Errorf("Size() pending = %d, want 0", pending)
	}
}

func TestQueue_ScheduleRetryDelaysVisibility(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	q.MarkInFlight(ctx, "op-1")

	future := time.Now().Add(time.Minute)
	if err := q.ScheduleRetry(ctx, "op-1", future); err != nil {
		t.Fatalf("ScheduleRetry() error = %v", err)
	}

	if next := q.PeekNextRunnable(time.Now()); next != nil {
		t.Errorf("PeekNextRunnable() = %v, want nil before nextAttemptNotBefore", next)
	}
	if next := q.PeekNextRunnable(future.Add(time.Second)); next == nil {
		t.Error("PeekNextRunnable() after notBefore = nil, want op-1 runnable")
	}
}

func TestQueue_ArchiveAndRetryFromFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	if err := q.ArchiveToFailed(ctx, "op-1", "exhausted retries"); err != nil {
		t.Fatalf("ArchiveToFailed() error = %v", err)
	}
	if _, ok := q.Get("op-1"); ok {
		t.Error("Get() after archive found op in pending")
	}
	if _, ok := q.GetFailed("op-1"); !ok {
		t.Error("GetFailed() after archive = not found, want present")
	}

	ok, err := q.RetryFromFailed(ctx, "op-1")
	if err != nil || !ok {
		t.Fatalf("RetryFromFailed() = (%v, %v), want (true, nil)", ok, err)
	}
	op, found := q.Get("op-1")
	if !found {
		t.Fatal("Get() after RetryFromFailed = not found")
	}
	if op.Status != StatusQueued || op.Attempts != 0 {
		t.Errorf("op after RetryFromFailed = %+v, want queued/attempts=0", op)
	}
}

func TestQueue_CoalesceDeleteCancelsQueuedCreate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, newOp("op-create", "m1", OpCreate), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue(CREATE) error = %v", err)
	}
	id, err := q.Enqueue(ctx, newOp("op-delete", "m1", OpDelete), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue(DELETE) error = %v", err)
	}
	if id != "" {
		t.Errorf("Enqueue(DELETE) after queued CREATE id = %q, want empty (fully absorbed)", id)
	}

	if ids := q.LookupByEntity("m1"); len(ids) != 0 {
		t.Errorf("LookupByEntity(m1) = %v, want empty after CREATE+DELETE coalescing", ids)
	}
	pending, _ := q.Size()
	if pending != 0 {
		t.Errorf("Size() pending = %d, want 0", pending)
	}
}

func TestQueue_CoalesceDeleteCancelsQueuedUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-update", "d1", OpUpdate), EnqueueOptions{})
	id, err := q.Enqueue(ctx, newOp("op-delete", "d1", OpDelete), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue(DELETE) error = %v", err)
	}
	if id != "op-delete" {
		t.Errorf("Enqueue(DELETE) after queued UPDATE id = %q, want op-delete (UPDATE removed, DELETE enqueued)", id)
	}

	ids := q.LookupByEntity("d1")
	if len(ids) != 1 || ids[0] != "op-delete" {
		t.Errorf("LookupByEntity(d1) = %v, want [op-delete]", ids)
	}
}

func TestQueue_CoalesceUpdateMergesPayload(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := newOp("op-1", "d1", OpUpdate)
	first.Payload = map[string]any{"brightness": 50.0, "on": true}
	q.Enqueue(ctx, first, EnqueueOptions{})

	second := newOp("op-2", "d1", OpUpdate)
	second.Payload = map[string]any{"brightness": 70.0}
	id, err := q.Enqueue(ctx, second, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "op-1" {
		t.Errorf("Enqueue() merged id = %q, want op-1 (existing op retained)", id)
	}

	op, ok := q.Get("op-1")
	if !ok {
		t.Fatal("Get(op-1) not found after merge")
	}
	if op.Payload["brightness"] != 70.0 || op.Payload["on"] != true {
		t.Errorf("merged payload = %v, want brightness=70 on=true", op.Payload)
	}
}

func TestQueue_CoalesceCreateDuplicateRejected(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	id, err := q.Enqueue(ctx, newOp("op-2", "d1", OpCreate), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "op-1" {
		t.Errorf("Enqueue() duplicate CREATE id = %q, want op-1 (existing retained)", id)
	}
}

func TestQueue_CancelRemovesQueuedOp(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	ok, err := q.Cancel(ctx, "op-1")
	if err != nil || !ok {
		t.Fatalf("Cancel() = (%v, %v), want (true, nil)", ok, err)
	}
	if _, found := q.Get("op-1"); found {
		t.Error("Get() after Cancel found op, want gone")
	}
}

func TestQueue_CancelInFlightRefused(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	q.MarkInFlight(ctx, "op-1")

	ok, err := q.Cancel(ctx, "op-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if ok {
		t.Error("Cancel() on inFlight op = true, want false")
	}
}

func TestQueue_ResetOrphanedInFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	q.MarkInFlight(ctx, "op-1")

	reset, err := q.ResetOrphanedInFlight(ctx)
	if err != nil {
		t.Fatalf("ResetOrphanedInFlight() error = %v", err)
	}
	if len(reset) != 1 || reset[0] != "op-1" {
		t.Errorf("ResetOrphanedInFlight() = %v, want [op-1]", reset)
	}

	op, _ := q.Get("op-1")
	if op.Status != StatusQueued {
		t.Errorf("op.Status = %v, want queued", op.Status)
	}
	if next := q.PeekNextRunnable(time.Now()); next == nil {
		t.Error("PeekNextRunnable() after reset = nil, want op-1 runnable again")
	}
}

func TestQueue_RebuildIndex(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, newOp("op-1", "d1", OpCreate), EnqueueOptions{})
	q.Enqueue(ctx, newOp("op-2", "d2", OpCreate), EnqueueOptions{})

	if err := q.RebuildIndex(ctx); err != nil {
		t.Fatalf("RebuildIndex() error = %v", err)
	}
	if ids := q.LookupByEntity("d1"); len(ids) != 1 || ids[0] != "op-1" {
		t.Errorf("LookupByEntity(d1) after rebuild = %v, want [op-1]", ids)
	}
}
