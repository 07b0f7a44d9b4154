// Package breaker implements CircuitBreaker: an in-memory three-state
// controller (closed/open/halfOpen) that short-circuits outbound calls
// after a burst of failures within a rolling window.
package breaker

import (
	"sync"
	"time"

	"github.com/armorclaw/syncengine/internal/clockutil"
)

// Mode is the breaker's current state.
type Mode string

const (
	Closed   Mode = "closed"
	Open     Mode = "open"
	HalfOpen Mode = "halfOpen"
)

// Config holds the breaker's tunables (spec.md §4.4 defaults).
type Config struct {
	Window    time.Duration
	Threshold int
	Cooldown  time.Duration
}

// DefaultConfig returns window=60s, threshold=10, cooldown=60s.
func DefaultConfig() Config {
	return Config{Window: 60 * time.Second, Threshold: 10, Cooldown: 60 * time.Second}
}

// Breaker is the CircuitBreaker component. State is in-memory and not
// persisted, matching spec.md §3.5.
type Breaker struct {
	cfg   Config
	clock clockutil.Clock

	mu                sync.Mutex
	mode              Mode
	failureTimestamps []time.Time
	openedAt          time.Time
}

// New creates a Breaker in the closed state.
func New(cfg Config, clock clockutil.Clock) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if clock == nil {
		clock = clockutil.System
	}
	return &Breaker{cfg: cfg, clock: clock, mode: Closed}
}

// Allow reports whether an API attempt may proceed right now, advancing
// open→halfOpen once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.mode = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		// A single probe is in flight; further callers wait.
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful attempt. In halfOpen this closes the
// breaker and clears the failure counter; in closed it is a no-op.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mode == HalfOpen {
		b.mode = Closed
		b.failureTimestamps = nil
	}
}

// RecordFailure reports a failure that counts toward the breaker (network
// errors, 5xx, and timeouts only — spec.md §4.4; 4xx other than 408/429
// must not be passed here). In halfOpen this immediately re-opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if b.mode == HalfOpen {
		b.trip(now)
		return
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := b.failureTimestamps[:0]
	for _, ts := range b.failureTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	b.failureTimestamps = kept

	if len(b.failureTimestamps) >= b.cfg.Threshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.mode = Open
	b.openedAt = now
	b.failureTimestamps = nil
}

// State returns the current mode.
func (b *Breaker) State() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// CooldownRemaining returns how long until an open breaker allows a probe.
// Zero or negative means the cooldown has already elapsed.
func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode != Open {
		return 0
	}
	return b.cfg.Cooldown - b.clock.Now().Sub(b.openedAt)
}
