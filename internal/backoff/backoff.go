// Package backoff implements BackoffPolicy: deterministic exponential
// delay with jitter and a cap, with Retry-After override support.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config holds the policy's tunables (spec.md §4.3 defaults).
type Config struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// DefaultConfig returns base=1s, cap=5m, jitter=500ms, maxAttempts=10.
func DefaultConfig() Config {
	return Config{
		Base:        time.Second,
		Cap:         5 * time.Minute,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 10,
	}
}

// Policy computes retry delays for a given configuration.
type Policy struct {
	cfg  Config
	rand *rand.Rand
}

// New creates a Policy. A nil rng gets a new source seeded from the
// current time.
func New(cfg Config, rng *rand.Rand) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig().Base
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultConfig().Cap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{cfg: cfg, rand: rng}
}

// DelayFor computes min(cap, base*2^(attempts-1)) + uniform(0, jitter).
// attempts is 1-indexed (the attempt number that just failed).
func (p *Policy) DelayFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	exp := math.Pow(2, float64(attempts-1))
	computed := time.Duration(float64(p.cfg.Base) * exp)
	if computed > p.cfg.Cap || computed < 0 {
		computed = p.cfg.Cap
	}
	if p.cfg.Jitter > 0 {
		computed += time.Duration(p.rand.Int63n(int64(p.cfg.Jitter) + 1))
	}
	return computed
}

// DelayWithRetryAfter honors a server Retry-After hint by taking the
// maximum of the computed delay and the hint, avoiding thundering herd
// when the hint is smaller than what backoff would have waited anyway.
func (p *Policy) DelayWithRetryAfter(attempts int, retryAfter *time.Duration) time.Duration {
	computed := p.DelayFor(attempts)
	if retryAfter == nil {
		return computed
	}
	if *retryAfter > computed {
		return *retryAfter
	}
	return computed
}

// ExhaustedRetries reports whether attempts has reached the configured cap.
func (p *Policy) ExhaustedRetries(attempts int) bool {
	return attempts >= p.cfg.MaxAttempts
}

// MaxAttempts returns the configured max attempts.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}
