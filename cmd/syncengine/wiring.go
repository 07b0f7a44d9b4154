package main

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/armorclaw/syncengine/internal/apiclient"
	"github.com/armorclaw/syncengine/internal/auth"
	"github.com/armorclaw/syncengine/internal/backoff"
	"github.com/armorclaw/syncengine/internal/breaker"
	"github.com/armorclaw/syncengine/internal/clockutil"
	"github.com/armorclaw/syncengine/internal/engine"
	"github.com/armorclaw/syncengine/internal/lock"
	"github.com/armorclaw/syncengine/internal/optimistic"
	"github.com/armorclaw/syncengine/internal/queue"
	"github.com/armorclaw/syncengine/internal/reconciler"
	"github.com/armorclaw/syncengine/internal/router"
	"github.com/armorclaw/syncengine/internal/store"
	"github.com/armorclaw/syncengine/pkg/config"
	"github.com/armorclaw/syncengine/pkg/logger"
	"github.com/armorclaw/syncengine/pkg/metrics"
)

// staticSource is an oauth2.TokenSource wrapping a single never-expiring
// bearer token, used when no OAuth token endpoint is configured.
type staticSource struct{ token string }

func (s staticSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token}, nil
}

// handles bundles everything a one-shot admin command needs to inspect
// or mutate durable state without running the processing loop.
type handles struct {
	store *store.Store
	queue *queue.Queue
	log   *logger.Logger
}

func openHandles(cfg *config.Config) (*handles, error) {
	log, err := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, File: cfg.Logging.File, Component: "syncengine-cli",
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	s, err := store.Open(store.Config{Path: cfg.Store.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	q, err := queue.Open(context.Background(), s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	return &handles{store: s, queue: q, log: log}, nil
}

func (h *handles) Close() {
	h.store.Close()
}

// registerRoutes registers the routes the reference backend exposes. A real
// deployment would load these from config; they're fixed here because
// the wire format (method, path template, idempotency requirement) is
// an API contract, not a per-install tunable.
func registerRoutes(rt *router.Router) {
	for _, entity := range []string{"device", "scene", "automation"} {
		rt.Register("CREATE", entity, router.Route{Method: "POST", PathTemplate: "/" + entity + "s", RequiresIdempotency: true})
		rt.Register("UPDATE", entity, router.Route{Method: "PATCH", PathTemplate: "/" + entity + "s/{id}", RequiresIdempotency: true})
		rt.Register("DELETE", entity, router.Route{Method: "DELETE", PathTemplate: "/" + entity + "s/{id}"})
		rt.Register("GET", entity, router.Route{Method: "GET", PathTemplate: "/" + entity + "s/{id}"})
	}
}

// buildEngine wires the full Engine used by the daemon command. Callers
// own shutting down the returned store via h.Close once the engine has
// stopped.
func buildEngine(cfg *config.Config, h *handles, m *metrics.Metrics) *engine.Engine {
	clock := clockutil.Real{}

	l := lock.New(h.store, clock, lock.Config{
		TTL: cfg.LockTTL(), HeartbeatEvery: cfg.LockHeartbeat(),
	})

	bo := backoff.New(backoff.Config{
		Base: cfg.BackoffBase(), Cap: cfg.BackoffCap(),
		Jitter: cfg.BackoffJitter(), MaxAttempts: cfg.Backoff.MaxAttempts,
	}, nil)

	br := breaker.New(breaker.Config{
		Window: cfg.BreakerWindow(), Threshold: cfg.Breaker.Threshold,
		Cooldown: cfg.BreakerCooldown(),
	}, clock)

	rt := router.New()
	registerRoutes(rt)

	var tokenSource oauth2.TokenSource
	if cfg.Client.OAuthTokenURL != "" {
		tokenSource = (&clientcredentials.Config{
			ClientID:     cfg.Client.OAuthClientID,
			ClientSecret: cfg.Client.OAuthClientSecret,
			TokenURL:     cfg.Client.OAuthTokenURL,
		}).TokenSource(context.Background())
	} else {
		tokenSource = staticSource{token: cfg.Client.StaticBearerToken}
	}
	sec := logger.NewSecurityLogger(h.log)
	authProvider := auth.New(tokenSource, sec)

	client := apiclient.New(apiclient.Config{
		BaseURL: cfg.Client.BaseURL, AppVersion: cfg.Client.AppVersion,
		DeviceID: cfg.Client.DeviceID, Timeout: cfg.ClientTimeout(),
		RateLimit: rate.Limit(cfg.Client.RateLimitPerSecond), RateBurst: cfg.Client.RateLimitBurst,
	}, authProvider)

	rec := reconciler.New(engine.NewAPIFetcher(client, rt), reconciler.Config{})
	opt := optimistic.New()

	return engine.New(engine.Dependencies{
		Queue: h.queue, Lock: l, Backoff: bo, Breaker: br, Router: rt,
		Client: client, Reconciler: rec, Optimistic: opt, Metrics: m,
		Clock: clock, Logger: h.log, HolderID: cfg.Client.DeviceID,
	}, engine.DefaultConfig())
}
