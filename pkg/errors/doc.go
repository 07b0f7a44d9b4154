// Package errors provides structured, classified errors for the sync
// engine: every failure from ApiClient, the reconciler, or the durable
// store carries a stable code and a Kind the processing loop can switch
// on to decide whether to retry, archive, or trip the circuit breaker.
//
// # Overview
//
// The errors package:
//   - Assigns structured error codes (NET-001, RET-002, CFL-001, etc.)
//   - Classifies errors by Kind for the engine's processing loop to switch on
//   - Captures a wrapped cause, the failing function, and optional inputs
//   - Maps HTTP status codes onto a Kind via KindFromStatus
//
// # Quick Start
//
// Basic usage:
//
//	err := errors.NewBuilder("NET-001").
//	    Wrap(originalError).
//	    WithFunction("Do").
//	    WithHTTPStatus(0).
//	    WithInputs(map[string]any{"op_id": opID}).
//	    Build()
//
// # Error Codes
//
// Error codes follow the format CATEGORY-NUMBER and map onto the engine's
// Kind taxonomy:
//   - NET-001+: network / transport failures
//   - RET-001+: retryable server responses (5xx, 429)
//   - SRV-001+: unrecoverable server responses
//   - CFL-001+: conflicts requiring reconciliation
//   - AUTH-001+: authentication and authorization failures
//   - VAL-001+: request validation failures
//   - PERM-001+: permission denials
//   - NF-001+: not-found responses
//   - RTE-001+: routing configuration errors
//   - CFU-001+: conflicts the reconciliation policy could not resolve
//   - EXH-001+: operations that exhausted their retry budget
//   - STO-001+: persistent store failures
//
// # Severity Levels
//
//   - Warning: transient conditions the engine retries automatically
//   - Error: operation failed and was archived for manual attention
//   - Critical: system-level failure (storage, lock acquisition)
//
// # Thread Safety
//
// TracedError and ErrorBuilder are plain values; callers own their own
// synchronization, same as any other error type.
package errors
