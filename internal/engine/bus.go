package engine

import (
	"strconv"
	"sync"
	"time"

	"github.com/armorclaw/syncengine/internal/queue"
	"github.com/armorclaw/syncengine/pkg/errors"
)

// StatusEvent is delivered on every op status transition (spec.md §6.1
// onStatusChange). Delivery is over a buffered per-subscriber channel; an
// event published while a subscriber's buffer is full is dropped for that
// subscriber.
type StatusEvent struct {
	OpID       string
	EntityType string
	EntityID   string
	Status     queue.Status
	Err        *errors.TracedError
	At         time.Time
}

// MetricsSnapshot is delivered on every metrics tick (spec.md §6.1
// onMetricsUpdate).
type MetricsSnapshot struct {
	Pending      int
	Failed       int
	BreakerMode  string
	OldestAge    time.Duration
	At           time.Time
}

// bus fans status/metrics events out to subscribers without blocking the
// processing loop: a slow subscriber's channel fills and further events
// to it are dropped, rather than stalling the engine.
//
// Grounded on the teacher's pkg/eventbus/eventbus.go subscriber map and
// non-blocking select-with-default send, generalized from Matrix events
// to op-status and metrics notifications.
type bus struct {
	mu          sync.RWMutex
	statusSubs  map[string]chan StatusEvent
	metricsSubs map[string]chan MetricsSnapshot
	nextID      int
}

func newBus() *bus {
	return &bus{
		statusSubs:  make(map[string]chan StatusEvent),
		metricsSubs: make(map[string]chan MetricsSnapshot),
	}
}

// onStatusChange registers a buffered subscriber and returns its channel
// plus an unsubscribe function.
func (b *bus) onStatusChange(buffer int) (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := strconv.Itoa(b.nextID)
	ch := make(chan StatusEvent, buffer)
	b.statusSubs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.statusSubs[id]; ok {
			delete(b.statusSubs, id)
			close(existing)
		}
	}
}

func (b *bus) onMetricsUpdate(buffer int) (<-chan MetricsSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := strconv.Itoa(b.nextID)
	ch := make(chan MetricsSnapshot, buffer)
	b.metricsSubs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.metricsSubs[id]; ok {
			delete(b.metricsSubs, id)
			close(existing)
		}
	}
}

func (b *bus) publishStatus(ev StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.statusSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *bus) publishMetrics(snap MetricsSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.metricsSubs {
		select {
		case ch <- snap:
		default:
		}
	}
}
