package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/armorclaw/syncengine/internal/apiclient"
	"github.com/armorclaw/syncengine/internal/auth"
	"github.com/armorclaw/syncengine/internal/backoff"
	"github.com/armorclaw/syncengine/internal/breaker"
	"github.com/armorclaw/syncengine/internal/clockutil"
	"github.com/armorclaw/syncengine/internal/lock"
	"github.com/armorclaw/syncengine/internal/optimistic"
	"github.com/armorclaw/syncengine/internal/queue"
	"github.com/armorclaw/syncengine/internal/reconciler"
	"github.com/armorclaw/syncengine/internal/router"
	"github.com/armorclaw/syncengine/internal/store"

	"golang.org/x/oauth2"
)

// fakeTokenSource is a fixed-token oauth2.TokenSource stand-in, mirroring
// internal/apiclient's test fake.
type fakeTokenSource struct{}

func (fakeTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

// harness wires a full Engine against an httptest server for scenario
// tests, using a fake clock so backoff/breaker/lock timing is
// deterministic.
type harness struct {
	t       *testing.T
	engine  *Engine
	queue   *queue.Queue
	breaker *breaker.Breaker
	clock   *clockutil.Fake
	server  *httptest.Server

	mu      sync.Mutex
	handler func(w http.ResponseWriter, r *http.Request)
	reqs    []*http.Request
}

func (h *harness) setHandler(fn func(w http.ResponseWriter, r *http.Request)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

func (h *harness) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reqs)
}

func (h *harness) lastRequest() *http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reqs) == 0 {
		return nil
	}
	return h.reqs[len(h.reqs)-1]
}

// pump advances the fake clock in small real-time-driven steps so the
// engine's backoff/heartbeat/breaker timers progress without the test
// blocking in real wall-clock time. The returned stop func freezes the
// clock again; it is safe to call more than once.
func (h *harness) pump(step time.Duration) (stopFn func()) {
	stop := make(chan struct{})
	var once sync.Once
	stopFn = func() { once.Do(func() { close(stop) }) }
	h.t.Cleanup(stopFn)

	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.clock.Advance(step)
			}
		}
	}()
	return stopFn
}

func newHarness(t *testing.T, breakerCfg breaker.Config, backoffCfg backoff.Config) *harness {
	t.Helper()

	h := &harness{t: t, clock: clockutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.reqs = append(h.reqs, r)
		fn := h.handler
		h.mu.Unlock()
		if fn != nil {
			fn(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "store.db")})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q, err := queue.Open(context.Background(), s)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	h.queue = q

	l := lock.New(s, h.clock, lock.Config{TTL: 2 * time.Second, HeartbeatEvery: time.Second})

	bo := backoff.New(backoffCfg, nil)
	br := breaker.New(breakerCfg, h.clock)
	h.breaker = br

	rt := router.New()
	rt.Register("CREATE", "device", router.Route{Method: http.MethodPost, PathTemplate: "/devices", RequiresIdempotency: true})
	rt.Register("UPDATE", "device", router.Route{Method: http.MethodPatch, PathTemplate: "/devices/{id}", RequiresIdempotency: true})
	rt.Register("GET", "device", router.Route{Method: http.MethodGet, PathTemplate: "/devices/{id}"})
	rt.Register("CREATE", "chat_message", router.Route{Method: http.MethodPost, PathTemplate: "/chat_messages", RequiresIdempotency: true})
	rt.Register("DELETE", "chat_message", router.Route{Method: http.MethodDelete, PathTemplate: "/chat_messages/{id}"})
	rt.Register("GET", "chat_message", router.Route{Method: http.MethodGet, PathTemplate: "/chat_messages/{id}"})

	authProvider := auth.New(fakeTokenSource{}, nil)
	client := apiclient.New(apiclient.Config{BaseURL: h.server.URL, AppVersion: "test", DeviceID: "dev1"}, authProvider)

	rec := reconciler.New(newAPIFetcher(client, rt), reconciler.Config{})
	opt := optimistic.New()

	h.engine = New(Dependencies{
		Queue:      q,
		Lock:       l,
		Backoff:    bo,
		Breaker:    br,
		Router:     rt,
		Client:     client,
		Reconciler: rec,
		Optimistic: opt,
		Clock:      h.clock,
		HolderID:   "test-holder",
	}, Config{
		LockRetryInterval: 10 * time.Millisecond,
		HeartbeatEvery:    time.Second,
		EmptyQueuePoll:    10 * time.Millisecond,
		MetricsInterval:   time.Hour,
	})

	return h
}

// start launches the engine and registers a stop on test cleanup.
func (h *harness) start(ctx context.Context) {
	h.t.Helper()
	if err := h.engine.Start(ctx); err != nil {
		h.t.Fatalf("engine.Start() error = %v", err)
	}
	h.t.Cleanup(h.engine.Stop)
}
