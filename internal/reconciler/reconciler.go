// Package reconciler implements Reconciler: the 409-conflict resolution
// strategies keyed by opType (spec.md §4.6).
package reconciler

import (
	"context"
	"fmt"

	"github.com/armorclaw/syncengine/internal/queue"
	"github.com/armorclaw/syncengine/pkg/errors"
)

// Fetcher retrieves the server's current view of an entity. found=false
// with err=nil means the entity does not exist remotely (404).
type Fetcher interface {
	Fetch(ctx context.Context, entityType, entityID string) (remote map[string]any, found bool, err error)
}

// Outcome is what the Reconciler decided to do with an op.
type Outcome struct {
	// Resolved is true when the op should be treated as succeeded
	// without re-sending (CREATE already applied, DELETE already gone).
	Resolved bool
	// Requeue is true when the op's payload was rewritten and it should
	// be re-queued with attempts reset to 0.
	Requeue bool
	// Payload is the rewritten payload when Requeue is true.
	Payload map[string]any
	// Err is set when reconciliation could not resolve the conflict;
	// the caller archives the op with this error (ConflictUnresolved, or
	// Network when fetching the remote resource failed).
	Err *errors.TracedError
}

// FingerprintFields configures which payload keys must match the
// remote resource for a CREATE op to be treated as already-applied.
type Config struct {
	FingerprintFields map[string][]string // entityType -> fields
}

// Reconciler resolves 409 conflicts per spec.md §4.6.
type Reconciler struct {
	fetcher Fetcher
	cfg     Config
}

// New builds a Reconciler.
func New(fetcher Fetcher, cfg Config) *Reconciler {
	return &Reconciler{fetcher: fetcher, cfg: cfg}
}

// Reconcile resolves a single conflicting op.
func (r *Reconciler) Reconcile(ctx context.Context, op queue.PendingOp) Outcome {
	var out Outcome
	switch op.OpType {
	case queue.OpCreate:
		out = r.reconcileCreate(ctx, op)
	case queue.OpUpdate:
		out = r.reconcileUpdate(ctx, op)
	case queue.OpDelete:
		out = r.reconcileDelete(ctx, op)
	default:
		out = Outcome{Err: errors.FromStatus("CFU-001", 0, fmt.Sprintf("unknown opType %q for reconciliation", op.OpType))}
	}
	// FromStatus with status 0 classifies as Network; CFU errors are
	// unresolved conflicts, not transport failures.
	if out.Err != nil && out.Err.Code == "CFU-001" {
		out.Err.Kind = errors.KindConflictUnresolved
	}
	return out
}

func (r *Reconciler) reconcileCreate(ctx context.Context, op queue.PendingOp) Outcome {
	remote, found, err := r.fetcher.Fetch(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return Outcome{Err: errors.FromStatus("NET-001", 0, fmt.Sprintf("reconcile CREATE fetch: %v", err))}
	}
	if !found {
		return Outcome{Err: errors.FromStatus("CFU-001", 0, "CREATE conflict but remote resource not found")}
	}

	fields := r.cfg.FingerprintFields[op.EntityType]
	if matchesFingerprint(op.Payload, remote, fields) {
		return Outcome{Resolved: true}
	}
	return Outcome{Err: errors.FromStatus("CFU-001", 0, "remote resource does not match local fingerprint fields")}
}

func (r *Reconciler) reconcileUpdate(ctx context.Context, op queue.PendingOp) Outcome {
	remote, found, err := r.fetcher.Fetch(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return Outcome{Err: errors.FromStatus("NET-001", 0, fmt.Sprintf("reconcile UPDATE fetch: %v", err))}
	}
	if !found {
		return Outcome{Err: errors.FromStatus("CFU-001", 0, "UPDATE conflict but remote resource no longer exists")}
	}

	merged, aborted := threeWayMerge(op.BaseSnapshot, op.Payload, remote, op.ConflictPolicy)
	if aborted {
		return Outcome{Err: errors.FromStatus("CFU-001", 0, "conflict policy abort: overlapping field could not be resolved")}
	}
	return Outcome{Requeue: true, Payload: merged}
}

func (r *Reconciler) reconcileDelete(ctx context.Context, op queue.PendingOp) Outcome {
	_, found, err := r.fetcher.Fetch(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return Outcome{Err: errors.FromStatus("NET-001", 0, fmt.Sprintf("reconcile DELETE fetch: %v", err))}
	}
	if !found {
		return Outcome{Resolved: true}
	}
	return Outcome{Err: errors.FromStatus("CFU-001", 0, "DELETE conflict but remote resource still exists")}
}

func matchesFingerprint(local, remote map[string]any, fields []string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, field := range fields {
		if fmt.Sprintf("%v", local[field]) != fmt.Sprintf("%v", remote[field]) {
			return false
		}
	}
	return true
}

// threeWayMerge applies spec.md §4.6's field-level three-way merge.
// Fields present only in local or only changed on remote pass through
// cleanly; fields both sides touched (relative to base) are resolved by
// policy. aborted is true only under ConflictAbort with an unresolved
// overlap.
func threeWayMerge(base, local, remote map[string]any, policy queue.ConflictPolicy) (merged map[string]any, aborted bool) {
	merged = make(map[string]any, len(remote))
	for k, v := range remote {
		merged[k] = v
	}

	for field, localVal := range local {
		baseVal, hadBase := base[field]
		remoteVal, hasRemote := remote[field]

		localChanged := !hadBase || !equalValue(baseVal, localVal)
		remoteChanged := hasRemote && (!hadBase || !equalValue(baseVal, remoteVal))

		switch {
		case !localChanged:
			// local never touched this field; remote's value stands.
		case localChanged && !remoteChanged:
			merged[field] = localVal
		default:
			// both sides changed this field since base: overlap.
			switch policy {
			case queue.ConflictServerWins:
				// merged[field] already holds remote's value.
			case queue.ConflictAbort:
				if !equalValue(localVal, remoteVal) {
					return nil, true
				}
				merged[field] = localVal
			default: // lastWriteWins
				merged[field] = localVal
			}
		}
	}
	return merged, false
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
