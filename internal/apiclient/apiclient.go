// Package apiclient implements ApiClient: the single HTTP boundary the
// engine dispatches ops through, with auth headers, throttling, and
// status-to-error-kind classification (spec.md §4.5).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/armorclaw/syncengine/internal/auth"
	"github.com/armorclaw/syncengine/internal/router"
	"github.com/armorclaw/syncengine/pkg/errors"
)

// Config holds the client's tunables (spec.md §4.5).
type Config struct {
	BaseURL    string
	AppVersion string
	DeviceID   string
	Timeout    time.Duration
	RateLimit  rate.Limit
	RateBurst  int
}

// DefaultConfig returns a 30s timeout and no throttling (unlimited rate).
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		RateLimit: rate.Inf,
		RateBurst: 1,
	}
}

// Response is the outcome of one dispatched op.
type Response struct {
	StatusCode int
	Body       map[string]any
	RetryAfter *time.Duration
	Err        *errors.TracedError // nil on success
}

// Success reports whether the call should be treated as a success
// (2xx, or 404 on a DELETE per spec.md §4.5's idempotent-delete rule).
func (r Response) Success() bool {
	return r.Err == nil
}

// Client is the ApiClient component.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	auth    auth.Provider
}

// New builds a Client. authProvider must not be nil.
func New(cfg Config, authProvider auth.Provider) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		auth:    authProvider,
	}
}

// Dispatch sends one request described by route/entityID/payload, with
// idempotencyKey attached as required. It retries exactly once, in
// place, after a successful auth refresh on a 401.
func (c *Client) Dispatch(ctx context.Context, route router.Route, entityID, idempotencyKey string, payload map[string]any) Response {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{Err: errors.FromStatus("NET-001", 0, fmt.Sprintf("rate limiter wait: %v", err))}
	}

	path, err := router.BuildPath(route, entityID, payload)
	if err != nil {
		return Response{Err: errors.NewBuilder("RTE-001").WithMessage(err.Error()).WithKind(errors.KindRouting).Build()}
	}

	resp := c.doOnce(ctx, route, path, idempotencyKey, payload)
	if resp.Err != nil && resp.Err.Kind == errors.KindAuth {
		if _, rerr := c.auth.Refresh(ctx); rerr == nil {
			return c.doOnce(ctx, route, path, idempotencyKey, payload)
		}
	}
	return resp
}

func (c *Client) doOnce(ctx context.Context, route router.Route, path, idempotencyKey string, payload map[string]any) Response {
	var body io.Reader
	if route.Method != http.MethodGet && route.Method != http.MethodDelete {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Response{Err: errors.NewBuilder("VAL-001").WithMessagef("marshal payload: %v", err).WithKind(errors.KindValidation).Build()}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, c.cfg.BaseURL+path, body)
	if err != nil {
		return Response{Err: errors.FromStatus("NET-001", 0, fmt.Sprintf("build request: %v", err))}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", uuid.NewString())
	req.Header.Set("X-App-Version", c.cfg.AppVersion)
	req.Header.Set("X-Device-Id", c.cfg.DeviceID)
	if route.Method != http.MethodGet && route.RequiresIdempotency && idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	tok, err := c.auth.Token(ctx)
	if err != nil {
		return Response{Err: errors.NewBuilder("AUTH-002").WithMessagef("fetch token: %v", err).WithKind(errors.KindAuth).Build()}
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{Err: errors.FromStatus("NET-001", 0, fmt.Sprintf("request failed: %v", err))}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	if resp.StatusCode == http.StatusNotFound && route.Method == http.MethodDelete {
		return Response{StatusCode: resp.StatusCode, Body: decoded}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Response{StatusCode: resp.StatusCode, Body: decoded}
	}

	kind := errors.KindFromStatus(resp.StatusCode)
	code := codeForKind(kind, resp.StatusCode)
	tracedErr := errors.FromStatus(code, resp.StatusCode, fmt.Sprintf("%s %s returned %d", route.Method, path, resp.StatusCode))
	return Response{StatusCode: resp.StatusCode, Body: decoded, RetryAfter: retryAfter, Err: tracedErr}
}

func codeForKind(kind errors.Kind, status int) string {
	switch kind {
	case errors.KindValidation:
		return "VAL-001"
	case errors.KindAuth:
		return "AUTH-001"
	case errors.KindPermissionDenied:
		return "PERM-001"
	case errors.KindNotFound:
		return "NF-001"
	case errors.KindConflict:
		return "CFL-001"
	case errors.KindRetryable:
		if status == 429 {
			return "RET-002"
		}
		return "RET-001"
	default:
		return "SRV-001"
	}
}

func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	if secs, err := strconv.Atoi(header); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
