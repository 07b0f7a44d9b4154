// Package engine implements Engine: the single-threaded processing loop
// that drains internal/queue against internal/apiclient, gated by
// internal/breaker and internal/lock, with conflicts handed to
// internal/reconciler (spec.md §4.9).
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/syncengine/internal/apiclient"
	"github.com/armorclaw/syncengine/internal/backoff"
	"github.com/armorclaw/syncengine/internal/breaker"
	"github.com/armorclaw/syncengine/internal/clockutil"
	"github.com/armorclaw/syncengine/internal/lock"
	"github.com/armorclaw/syncengine/internal/optimistic"
	"github.com/armorclaw/syncengine/internal/queue"
	"github.com/armorclaw/syncengine/internal/reconciler"
	"github.com/armorclaw/syncengine/internal/router"
	"github.com/armorclaw/syncengine/pkg/errors"
	"github.com/armorclaw/syncengine/pkg/logger"
	"github.com/armorclaw/syncengine/pkg/metrics"
)

// Dependencies bundles every component the Engine wires together. All
// fields are required except Metrics, Logger, and Clock (which defaults to
// the system clock).
type Dependencies struct {
	Queue      *queue.Queue
	Lock       *lock.Lock
	Backoff    *backoff.Policy
	Breaker    *breaker.Breaker
	Router     *router.Router
	Client     *apiclient.Client
	Reconciler *reconciler.Reconciler
	Optimistic *optimistic.Store
	Metrics    *metrics.Metrics
	Clock      clockutil.Clock
	Logger     *logger.Logger
	HolderID   string
}

// Config holds the loop's own tunables, distinct from each dependency's
// internal config.
type Config struct {
	// LockRetryInterval is how long start() waits between acquisition
	// attempts while the lock is held by another holder.
	LockRetryInterval time.Duration
	// HeartbeatEvery is how often the loop renews the processing lock.
	HeartbeatEvery time.Duration
	// EmptyQueuePoll caps how long the loop waits for a wake signal when
	// the queue is empty (spec.md §4.9 step 2's "up to a small cap, e.g.
	// 1s"), and is the re-check interval while a half-open breaker's probe
	// is outstanding. An open breaker instead waits out its remaining
	// cooldown.
	EmptyQueuePoll time.Duration
	// MetricsInterval is how often onMetricsUpdate fires.
	MetricsInterval time.Duration
}

// DefaultConfig returns the loop's defaults.
func DefaultConfig() Config {
	return Config{
		LockRetryInterval: 2 * time.Second,
		HeartbeatEvery:    40 * time.Second,
		EmptyQueuePoll:    time.Second,
		MetricsInterval:   5 * time.Second,
	}
}

// Engine is the processing loop component (spec.md §4.9, §6.1).
type Engine struct {
	deps Dependencies
	cfg  Config
	bus  *bus

	wake         chan struct{}
	authUpdated  chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs an Engine. Call Start to begin processing.
func New(deps Dependencies, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clockutil.System
	}
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = DefaultConfig().LockRetryInterval
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultConfig().HeartbeatEvery
	}
	if cfg.EmptyQueuePoll <= 0 {
		cfg.EmptyQueuePoll = DefaultConfig().EmptyQueuePoll
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultConfig().MetricsInterval
	}
	return &Engine{
		deps:        deps,
		cfg:         cfg,
		bus:         newBus(),
		wake:        make(chan struct{}, 1),
		authUpdated: make(chan struct{}, 1),
	}
}

func (e *Engine) logf(level string, msg string, args ...any) {
	if e.deps.Logger == nil {
		return
	}
	switch level {
	case "error":
		e.deps.Logger.Error(msg, args...)
	case "warn":
		e.deps.Logger.Warn(msg, args...)
	default:
		e.deps.Logger.Info(msg, args...)
	}
}

// Enqueue submits a new op (spec.md §6.1's enqueue). It is the only
// externally concurrent entry point besides Cancel/RetryFromFailed; the
// underlying Queue serializes it internally.
func (e *Engine) Enqueue(ctx context.Context, op queue.PendingOp, opts queue.EnqueueOptions) (string, error) {
	id, discarded, err := e.deps.Queue.EnqueueTracked(ctx, op, opts)
	if err != nil {
		return "", err
	}
	// Batch coalescing may have discarded other already-queued ops as a
	// side effect of this one (e.g. a DELETE absorbing a still-queued
	// CREATE for the same entity discards both): neither will ever reach
	// a terminal state through the processing loop, so settle each one's
	// optimistic entry and notify here instead.
	for _, lost := range discarded {
		e.deps.Optimistic.Rollback(lost.TxnToken)
		e.publishStatus(lost, "cancelled", nil)
	}
	if id == "" {
		e.deps.Optimistic.Rollback(op.TxnToken)
		e.publishStatus(op, "cancelled", nil)
		return "", nil
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveEnqueued(string(op.OpType), op.EntityType)
	}
	e.wakeLoop()
	return id, nil
}

// Cancel removes a queued op (spec.md §5 "cancellation & timeouts"),
// rolling back any linked optimistic entry.
func (e *Engine) Cancel(ctx context.Context, opID string) (bool, error) {
	op, found := e.deps.Queue.Get(opID)
	removed, err := e.deps.Queue.Cancel(ctx, opID)
	if err != nil || !removed {
		return removed, err
	}
	if found {
		e.deps.Optimistic.Rollback(op.TxnToken)
		e.publishStatus(op, "cancelled", nil)
	}
	return true, nil
}

// RetryFromFailed requeues an archived op (spec.md §6.1).
func (e *Engine) RetryFromFailed(ctx context.Context, opID string) (bool, error) {
	ok, err := e.deps.Queue.RetryFromFailed(ctx, opID)
	if ok {
		e.wakeLoop()
	}
	return ok, err
}

// Optimistic exposes the OptimisticStore's register passthrough
// (spec.md §6.1's optimistic.register).
func (e *Engine) Optimistic() *optimistic.Store {
	return e.deps.Optimistic
}

// OnStatusChange subscribes to op status transitions. Call the returned
// func to unsubscribe.
func (e *Engine) OnStatusChange(bufferSize int) (<-chan StatusEvent, func()) {
	return e.bus.onStatusChange(bufferSize)
}

// OnMetricsUpdate subscribes to periodic metrics snapshots.
func (e *Engine) OnMetricsUpdate(bufferSize int) (<-chan MetricsSnapshot, func()) {
	return e.bus.onMetricsUpdate(bufferSize)
}

// NotifyAuthUpdated wakes a loop paused on an Auth error (spec.md §4.9's
// "authUpdated" signal), called by the app once credentials are fixed.
func (e *Engine) NotifyAuthUpdated() {
	select {
	case e.authUpdated <- struct{}{}:
	default:
	}
}

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start acquires the processing lock (retrying until held), resets any
// orphaned inFlight ops, and launches the heartbeat/loop/metrics
// goroutines (spec.md §4.9 "On start()"). It blocks until the lock is
// acquired, then returns; the loop continues in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	if err := e.acquireLockBlocking(runCtx); err != nil {
		cancel()
		return err
	}

	if reset, err := e.deps.Queue.ResetOrphanedInFlight(runCtx); err != nil {
		e.logf("error", "reset orphaned in-flight ops", "error", err)
	} else if len(reset) > 0 {
		e.logf("info", "resumed orphaned in-flight ops", "count", len(reset))
	}

	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.run(runCtx, done)
	return nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.heartbeatLoop(gctx) })
	g.Go(func() error { return e.processLoop(gctx) })
	g.Go(func() error { return e.metricsLoop(gctx) })

	if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		e.logf("error", "engine loop stopped", "error", err)
	}

	if err := e.deps.Lock.Release(context.Background(), e.deps.HolderID); err != nil {
		e.logf("error", "release processing lock", "error", err)
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Stop cancels the loop and waits for it to exit. The lock is released;
// any op left inFlight is recovered to queued on the next Start (spec.md
// §4.9 "On stop()").
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (e *Engine) acquireLockBlocking(ctx context.Context) error {
	for {
		ok, err := e.deps.Lock.TryAcquire(ctx, e.deps.HolderID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.deps.Clock.After(e.cfg.LockRetryInterval):
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.deps.Clock.After(e.cfg.HeartbeatEvery):
			ok, err := e.deps.Lock.Heartbeat(ctx, e.deps.HolderID)
			if err != nil {
				e.logf("error", "heartbeat failed", "error", err)
				continue
			}
			if !ok {
				return fmt.Errorf("engine: processing lock lost to another holder")
			}
		}
	}
}

func (e *Engine) metricsLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.deps.Clock.After(e.cfg.MetricsInterval):
			e.publishMetricsSnapshot()
		}
	}
}

func (e *Engine) publishMetricsSnapshot() {
	pending, failed := e.deps.Queue.Size()
	now := e.deps.Clock.Now()
	age := e.deps.Queue.OldestPendingAge(now)
	mode := string(e.deps.Breaker.State())

	if e.deps.Metrics != nil {
		e.deps.Metrics.UpdateQueueDepth(pending, 0, failed)
		e.deps.Metrics.UpdateOldestPendingAge(age)
		e.deps.Metrics.UpdateBreakerState(mode)
	}

	e.bus.publishMetrics(MetricsSnapshot{
		Pending:     pending,
		Failed:      failed,
		BreakerMode: mode,
		OldestAge:   age,
		At:          now,
	})
}

func (e *Engine) publishStatus(op queue.PendingOp, status queue.Status, tracedErr *errors.TracedError) {
	e.bus.publishStatus(StatusEvent{
		OpID:       op.ID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Status:     status,
		Err:        tracedErr,
		At:         e.deps.Clock.Now(),
	})
}

// processLoop is the main loop body (spec.md §4.9 "Loop iteration").
func (e *Engine) processLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !e.deps.Breaker.Allow() {
			wait := e.cfg.EmptyQueuePoll
			if e.deps.Breaker.State() == breaker.Open {
				if remaining := e.deps.Breaker.CooldownRemaining(); remaining > 0 {
					wait = remaining
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.deps.Clock.After(wait):
			}
			continue
		}

		op := e.deps.Queue.PeekNextRunnable(e.deps.Clock.Now())
		if op == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			case <-e.deps.Clock.After(e.cfg.EmptyQueuePoll):
			}
			continue
		}

		if paused := e.processOp(ctx, op); paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.authUpdated:
			}
		}
	}
}

// processOp runs one op through steps 3-10 of spec.md §4.9. It returns
// paused=true when the loop must wait for an authUpdated signal (step 8).
func (e *Engine) processOp(ctx context.Context, op *queue.PendingOp) (paused bool) {
	id := op.ID

	if err := e.deps.Queue.MarkInFlight(ctx, id); err != nil {
		e.logf("error", "mark op in-flight", "op_id", id, "error", err)
		return false
	}
	cur, ok := e.deps.Queue.Get(id)
	if !ok {
		return false
	}
	e.publishStatus(cur, queue.StatusInFlight, nil)

	route, err := e.deps.Router.Resolve(string(cur.OpType), cur.EntityType, cur.RouteOverride)
	if err != nil {
		e.archiveTerminal(ctx, cur, errors.NewBuilder("RTE-001").WithMessage(err.Error()).WithKind(errors.KindRouting).Build())
		return false
	}

	start := e.deps.Clock.Now()
	resp := e.deps.Client.Dispatch(ctx, route, cur.EntityID, cur.IdempotencyKey, cur.Payload)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveAttemptDuration(string(cur.OpType), e.deps.Clock.Now().Sub(start))
	}

	if resp.Success() {
		e.handleSuccess(ctx, cur)
		return false
	}

	return e.handleFailure(ctx, cur, resp)
}

func (e *Engine) handleSuccess(ctx context.Context, op queue.PendingOp) {
	e.deps.Breaker.RecordSuccess()
	age := e.deps.Clock.Now().Sub(op.CreatedAt)

	if err := e.deps.Queue.MarkSucceeded(ctx, op.ID); err != nil {
		e.handleStorageFailure(ctx, op, err)
		return
	}
	e.deps.Optimistic.Commit(op.TxnToken)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveSucceeded(string(op.OpType), op.EntityType, age)
	}
	e.publishStatus(op, queue.StatusSucceeded, nil)
}

// countsTowardBreaker implements spec.md §4.4: only network failures,
// 5xx responses, and request timeouts count against the breaker. 429s
// are rate limiting, not server distress, and must not trip it.
func countsTowardBreaker(resp apiclient.Response) bool {
	if resp.Err == nil {
		return false
	}
	if resp.Err.Kind == errors.KindNetwork {
		return true
	}
	return resp.Err.Kind == errors.KindRetryable && (resp.StatusCode >= 500 || resp.StatusCode == 408)
}

func (e *Engine) handleFailure(ctx context.Context, op queue.PendingOp, resp apiclient.Response) (paused bool) {
	tracedErr := resp.Err
	kind := tracedErr.Kind

	if countsTowardBreaker(resp) {
		e.deps.Breaker.RecordFailure()
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveFailed(string(op.OpType), op.EntityType, string(kind))
	}

	switch kind {
	case errors.KindNetwork, errors.KindRetryable:
		e.scheduleRetry(ctx, op, tracedErr, resp.RetryAfter)
		return false

	case errors.KindConflict:
		e.handleConflict(ctx, op)
		return false

	case errors.KindAuth:
		// apiclient.Dispatch already attempted one refresh-then-retry
		// internally (spec.md §4.5); reaching Auth here means that
		// retry also failed. Surface to the app and pause until it
		// signals authUpdated, per spec.md §4.9 step 8.
		if err := e.deps.Queue.ScheduleRetry(ctx, op.ID, e.deps.Clock.Now()); err != nil {
			e.logf("error", "reschedule op pending auth", "op_id", op.ID, "error", err)
		}
		e.publishStatus(op, queue.StatusQueued, tracedErr)
		return true

	case errors.KindValidation, errors.KindPermissionDenied, errors.KindNotFound, errors.KindRouting:
		e.archiveTerminal(ctx, op, tracedErr)
		return false

	case errors.KindServer:
		e.scheduleRetry(ctx, op, tracedErr, resp.RetryAfter)
		return false

	default:
		e.archiveTerminal(ctx, op, tracedErr)
		return false
	}
}

func (e *Engine) scheduleRetry(ctx context.Context, op queue.PendingOp, tracedErr *errors.TracedError, retryAfter *time.Duration) {
	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.deps.Backoff.MaxAttempts()
	}
	if op.Attempts >= maxAttempts {
		e.archiveTerminal(ctx, op, errors.NewBuilder("EXH-001").
			WithMessagef("exhausted retries after %d attempts: %s", op.Attempts, tracedErr.Message).
			WithKind(errors.KindExhaustedRetries).Build())
		return
	}

	delay := e.deps.Backoff.DelayWithRetryAfter(op.Attempts, retryAfter)
	notBefore := e.deps.Clock.Now().Add(delay)

	summary := queue.ErrorSummary{
		Kind:       tracedErr.Kind,
		Message:    tracedErr.Message,
		HTTPStatus: tracedErr.HTTPStatus,
		RetryAfter: retryAfter,
	}
	if err := e.deps.Queue.MarkFailed(ctx, op.ID, summary); err != nil {
		e.logf("error", "record attempt failure", "op_id", op.ID, "error", err)
		return
	}
	if err := e.deps.Queue.ScheduleRetry(ctx, op.ID, notBefore); err != nil {
		e.logf("error", "schedule retry", "op_id", op.ID, "error", err)
		return
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveRetried(string(op.OpType), op.EntityType)
	}
	e.publishStatus(op, queue.StatusQueued, tracedErr)
}

func (e *Engine) handleConflict(ctx context.Context, op queue.PendingOp) {
	if err := e.deps.Queue.MarkReconciling(ctx, op.ID); err != nil {
		e.logf("error", "mark op reconciling", "op_id", op.ID, "error", err)
		return
	}
	e.publishStatus(op, queue.StatusReconciling, nil)

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveConflictDetected(op.EntityType)
	}

	outcome := e.deps.Reconciler.Reconcile(ctx, op)
	switch {
	case outcome.Err != nil:
		e.archiveTerminal(ctx, op, outcome.Err)
	case outcome.Resolved:
		e.handleSuccess(ctx, op)
	case outcome.Requeue:
		if err := e.deps.Queue.RequeueReconciled(ctx, op.ID, outcome.Payload); err != nil {
			e.logf("error", "requeue reconciled op", "op_id", op.ID, "error", err)
			return
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.ObserveConflictResolved(op.EntityType, string(op.ConflictPolicy))
		}
		e.publishStatus(op, queue.StatusQueued, nil)
	default:
		e.archiveTerminal(ctx, op, errors.NewBuilder("CFU-001").WithMessage("reconciler returned no resolution").WithKind(errors.KindConflictUnresolved).Build())
	}
}

// archiveTerminal implements spec.md §4.9 step 9: archive the op and roll
// back its optimistic entry. This also covers step 7's "archive" branch
// and step 6's retry-exhaustion archive.
func (e *Engine) archiveTerminal(ctx context.Context, op queue.PendingOp, tracedErr *errors.TracedError) {
	age := e.deps.Clock.Now().Sub(op.CreatedAt)
	reason := string(tracedErr.Kind)
	if reason == "" {
		reason = tracedErr.Code
	}

	if err := e.deps.Queue.ArchiveToFailed(ctx, op.ID, reason); err != nil {
		e.logf("error", "archive op to failed", "op_id", op.ID, "error", err)
		return
	}
	e.deps.Optimistic.Rollback(op.TxnToken)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveArchived(string(op.OpType), op.EntityType, reason, age)
	}
	e.publishStatus(op, queue.StatusFailed, tracedErr)
}

// handleStorageFailure implements spec.md §4.9 step 10: retry the queue
// write once, then surface fatal and stop the loop.
func (e *Engine) handleStorageFailure(ctx context.Context, op queue.PendingOp, cause error) {
	e.logf("error", "storage write failed, retrying once", "op_id", op.ID, "error", cause)
	if err := e.deps.Queue.MarkSucceeded(ctx, op.ID); err == nil {
		e.deps.Optimistic.Commit(op.TxnToken)
		e.publishStatus(op, queue.StatusSucceeded, nil)
		return
	}
	e.logf("error", "storage write failed twice, stopping loop", "op_id", op.ID)
	e.publishStatus(op, queue.StatusFailed, errors.New("STO-001", "persistent storage write failed twice"))
	// Stop() blocks until processLoop itself returns, so it cannot be
	// called synchronously from inside processLoop (this call is always
	// on that goroutine, via processOp/handleSuccess). Cancelling in the
	// background lets this call return, processLoop observe ctx.Done()
	// on its next iteration and exit, and Stop()'s wait then unblock.
	go e.Stop()
}
