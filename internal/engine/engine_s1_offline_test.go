package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/armorclaw/syncengine/internal/backoff"
	"github.com/armorclaw/syncengine/internal/breaker"
	"github.com/armorclaw/syncengine/internal/queue"
)

// S1 — Happy offline→online (spec.md §8). The API is unreachable for the
// first two attempts (modeled as 500s, the closest httptest-reachable
// stand-in for a dropped connection), then comes back. Engine must
// deliver exactly one successful POST with the op's idempotency key and
// body, drain the queue to zero, and fire commit exactly once.
func TestEngine_S1_OfflineThenOnline(t *testing.T) {
	h := newHarness(t, breaker.DefaultConfig(), backoff.DefaultConfig())
	h.pump(500 * time.Millisecond)

	var attempts int32
	var idemKeys []string
	h.setHandler(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		idemKeys = append(idemKeys, r.Header.Get("X-Idempotency-Key"))
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["id"] != "d1" || body["name"] != "Lamp" {
			t.Errorf("request body = %+v, want {id:d1,name:Lamp}", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"d1"}`))
	})

	var committed int32
	op := queue.PendingOp{
		ID:         "op-s1",
		OpType:     queue.OpCreate,
		EntityType: "device",
		EntityID:   "d1",
		Payload:    map[string]any{"id": "d1", "name": "Lamp"},
		TxnToken:   "txn-s1",
	}
	h.engine.Optimistic().Register(op.TxnToken, func() {}, func() { atomic.AddInt32(&committed, 1) })

	ctx := context.Background()
	if _, err := h.engine.Enqueue(ctx, op, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	h.start(ctx)

	require.Eventually(t, func() bool {
		pending, failed := h.queue.Size()
		return pending == 0 && failed == 0 && atomic.LoadInt32(&committed) == 1
	}, 5*time.Second, 10*time.Millisecond, "op did not reach succeeded/committed state")

	require.GreaterOrEqual(t, len(idemKeys), 1)
	for _, k := range idemKeys {
		require.Equal(t, "op-s1", k, "idempotency key must be identical on every attempt")
	}
}
