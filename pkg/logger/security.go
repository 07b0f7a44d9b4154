// Package logger provides security-specific logging helpers for the sync engine
package logger

import (
	"context"
	"log/slog"
	"time"
)

// SecurityEventType defines types of security-relevant events emitted by the
// sync engine: authentication against the remote API, lease takeovers on the
// processing lock, and conflict-resolution overrides that bypass the
// configured merge policy.
type SecurityEventType string

const (
	// Authentication events
	AuthAttempt       SecurityEventType = "auth_attempt"
	AuthSuccess       SecurityEventType = "auth_success"
	AuthFailure       SecurityEventType = "auth_failure"
	AuthTokenRefresh  SecurityEventType = "auth_token_refresh"
	AuthTokenRejected SecurityEventType = "auth_token_rejected"

	// Processing lock lifecycle events
	LockAcquired SecurityEventType = "lock_acquired"
	LockReleased SecurityEventType = "lock_released"
	LockStale    SecurityEventType = "lock_stale"
	LockStolen   SecurityEventType = "lock_stolen"

	// Authorization events
	AccessDenied  SecurityEventType = "access_denied"
	AccessGranted SecurityEventType = "access_granted"

	// Conflict reconciliation events
	ConflictDetected   SecurityEventType = "conflict_detected"
	ConflictResolved   SecurityEventType = "conflict_resolved"
	ConflictAbandoned  SecurityEventType = "conflict_abandoned"
)

// SecurityLogger provides security-specific logging methods
type SecurityLogger struct {
	logger *Logger
}

// NewSecurityLogger creates a new security logger
func NewSecurityLogger(baseLogger *Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: baseLogger.WithComponent("security"),
	}
}

// LogAuthAttempt logs an outbound authentication attempt against the API
func (sl *SecurityLogger) LogAuthAttempt(ctx context.Context, provider, accountID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("provider", provider),
		slog.String("account_id", accountID),
	}
	sl.logger.SecurityEvent(ctx, string(AuthAttempt), append(baseAttrs, attrs...)...)
}

// LogAuthSuccess logs a successful authentication
func (sl *SecurityLogger) LogAuthSuccess(ctx context.Context, provider, accountID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("provider", provider),
		slog.String("account_id", accountID),
	}
	sl.logger.SecurityEvent(ctx, string(AuthSuccess), append(baseAttrs, attrs...)...)
}

// LogAuthFailure logs a failed authentication (401 from the remote API)
func (sl *SecurityLogger) LogAuthFailure(ctx context.Context, provider, accountID, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("provider", provider),
		slog.String("account_id", accountID),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(AuthFailure), append(baseAttrs, attrs...)...)
}

// LogAuthTokenRefresh logs a successful token refresh
func (sl *SecurityLogger) LogAuthTokenRefresh(ctx context.Context, provider string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("provider", provider),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	sl.logger.SecurityEvent(ctx, string(AuthTokenRefresh), append(baseAttrs, attrs...)...)
}

// LogAuthTokenRejected logs a refresh-token rejection, which forces the
// engine to pause processing until the operator re-authenticates
func (sl *SecurityLogger) LogAuthTokenRejected(ctx context.Context, provider, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("provider", provider),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(AuthTokenRejected), append(baseAttrs, attrs...)...)
}

// LogLockAcquired logs when a process acquires the single-writer processing lock
func (sl *SecurityLogger) LogLockAcquired(ctx context.Context, ownerID string, leaseExpiry time.Time, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("owner_id", ownerID),
		slog.String("lease_expiry", leaseExpiry.UTC().Format(time.RFC3339)),
	}
	sl.logger.SecurityEvent(ctx, string(LockAcquired), append(baseAttrs, attrs...)...)
}

// LogLockReleased logs a clean release of the processing lock
func (sl *SecurityLogger) LogLockReleased(ctx context.Context, ownerID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("owner_id", ownerID),
	}
	sl.logger.SecurityEvent(ctx, string(LockReleased), append(baseAttrs, attrs...)...)
}

// LogLockStale logs detection of a lock whose heartbeat has expired
func (sl *SecurityLogger) LogLockStale(ctx context.Context, priorOwnerID string, lastHeartbeat time.Time, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("prior_owner_id", priorOwnerID),
		slog.String("last_heartbeat", lastHeartbeat.UTC().Format(time.RFC3339)),
	}
	sl.logger.SecurityEvent(ctx, string(LockStale), append(baseAttrs, attrs...)...)
}

// LogLockStolen logs a compare-and-set takeover of a stale lock by a new owner
func (sl *SecurityLogger) LogLockStolen(ctx context.Context, newOwnerID, priorOwnerID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("new_owner_id", newOwnerID),
		slog.String("prior_owner_id", priorOwnerID),
	}
	sl.logger.SecurityEvent(ctx, string(LockStolen), append(baseAttrs, attrs...)...)
}

// LogAccessDenied logs a 403 permission-denied response from the remote API
func (sl *SecurityLogger) LogAccessDenied(ctx context.Context, entityType, opID, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("entity_type", entityType),
		slog.String("op_id", opID),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(AccessDenied), append(baseAttrs, attrs...)...)
}

// LogAccessGranted logs a previously-denied operation succeeding on retry
func (sl *SecurityLogger) LogAccessGranted(ctx context.Context, entityType, opID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("entity_type", entityType),
		slog.String("op_id", opID),
	}
	sl.logger.SecurityEvent(ctx, string(AccessGranted), append(baseAttrs, attrs...)...)
}

// LogConflictDetected logs a 409 response that requires reconciliation
func (sl *SecurityLogger) LogConflictDetected(ctx context.Context, entityType, entityID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
	}
	sl.logger.SecurityEvent(ctx, string(ConflictDetected), append(baseAttrs, attrs...)...)
}

// LogConflictResolved logs a conflict resolved by the configured merge policy
func (sl *SecurityLogger) LogConflictResolved(ctx context.Context, entityType, entityID, policy string, fieldsOverridden []string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
		slog.String("policy", policy),
		slog.Any("fields_overridden", fieldsOverridden),
	}
	sl.logger.SecurityEvent(ctx, string(ConflictResolved), append(baseAttrs, attrs...)...)
}

// LogConflictAbandoned logs a conflict the policy could not resolve, which
// archives the operation to the failed queue for operator review
func (sl *SecurityLogger) LogConflictAbandoned(ctx context.Context, entityType, entityID, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(ConflictAbandoned), append(baseAttrs, attrs...)...)
}

// LogSecurityEvent logs a generic security event with custom event type.
// This provides flexibility for events that don't fit the predefined categories.
func (sl *SecurityLogger) LogSecurityEvent(eventType string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event_type", eventType),
	}
	sl.logger.SecurityEvent(context.Background(), eventType, append(baseAttrs, attrs...)...)
}
