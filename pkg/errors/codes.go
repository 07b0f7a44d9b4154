package errors

import "sync"

// ErrorCodeDefinition defines an error code's properties
type ErrorCodeDefinition struct {
	Code     string   `json:"code"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Help     string   `json:"help"`
}

// registry stores all registered error codes
var (
	registry   = make(map[string]ErrorCodeDefinition)
	registryMu sync.RWMutex
)

// Default error code definitions, grouped by the engine's Kind taxonomy.
var defaultCodes = map[string]ErrorCodeDefinition{
	// Network errors (NET-001+): transport-level failures before a response exists
	"NET-001": {
		Code:     "NET-001",
		Category: "network",
		Severity: SeverityWarning,
		Message:  "connection refused or timed out",
		Help:     "The device may be offline; the operation stays queued for retry",
	},
	"NET-002": {
		Code:     "NET-002",
		Category: "network",
		Severity: SeverityWarning,
		Message:  "DNS resolution failed",
		Help:     "Check network connectivity and base URL configuration",
	},

	// Retryable errors (RET-001+): 5xx and 429 responses
	"RET-001": {
		Code:     "RET-001",
		Category: "retryable",
		Severity: SeverityWarning,
		Message:  "server returned 5xx",
		Help:     "Transient server failure; backoff and retry automatically",
	},
	"RET-002": {
		Code:     "RET-002",
		Category: "retryable",
		Severity: SeverityWarning,
		Message:  "server returned 429 too many requests",
		Help:     "Honor Retry-After header if present, otherwise apply backoff policy",
	},

	// Server errors (SRV-001+): non-retryable 5xx that the engine escalates
	"SRV-001": {
		Code:     "SRV-001",
		Category: "server",
		Severity: SeverityError,
		Message:  "server returned an unrecoverable 5xx",
		Help:     "Inspect server logs; this response is not retried automatically",
	},

	// Conflict errors (CFL-001+): 409 responses requiring reconciliation
	"CFL-001": {
		Code:     "CFL-001",
		Category: "conflict",
		Severity: SeverityWarning,
		Message:  "entity changed on server since last sync",
		Help:     "Reconciler attempts a three-way merge before surfacing this",
	},
	"CFL-002": {
		Code:     "CFL-002",
		Category: "conflict",
		Severity: SeverityError,
		Message:  "three-way merge could not resolve conflicting fields",
		Help:     "Review the base/local/remote snapshots recorded with the operation",
	},

	// Auth errors (AUTH-001+): 401/403 and token refresh failures
	"AUTH-001": {
		Code:     "AUTH-001",
		Category: "auth",
		Severity: SeverityError,
		Message:  "request rejected as unauthenticated",
		Help:     "Token refresh will be attempted once before failing the operation",
	},
	"AUTH-002": {
		Code:     "AUTH-002",
		Category: "auth",
		Severity: SeverityCritical,
		Message:  "token refresh failed",
		Help:     "Credentials may be revoked; re-authentication is required",
	},
	"AUTH-003": {
		Code:     "AUTH-003",
		Category: "auth",
		Severity: SeverityError,
		Message:  "request rejected as forbidden",
		Help:     "The authenticated principal lacks permission for this operation",
	},

	// Validation errors (VAL-001+): 400 responses
	"VAL-001": {
		Code:     "VAL-001",
		Category: "validation",
		Severity: SeverityError,
		Message:  "server rejected the request payload",
		Help:     "The operation will not be retried; inspect the recorded payload",
	},

	// Permission errors (PERM-001+)
	"PERM-001": {
		Code:     "PERM-001",
		Category: "permission",
		Severity: SeverityError,
		Message:  "operation denied for this entity",
		Help:     "Check entity ownership and access scope",
	},

	// Not-found errors (NF-001+): 404 responses
	"NF-001": {
		Code:     "NF-001",
		Category: "notfound",
		Severity: SeverityWarning,
		Message:  "target entity does not exist on the server",
		Help:     "A queued update or delete targeted an entity the server has no record of",
	},

	// Routing errors (RTE-001+): no route registered for an operation
	"RTE-001": {
		Code:     "RTE-001",
		Category: "routing",
		Severity: SeverityError,
		Message:  "no route registered for operation and entity type",
		Help:     "Register a route before enqueuing operations of this shape",
	},

	// Unresolved-conflict errors (CFU-001+): reconciliation policy gave up
	"CFU-001": {
		Code:     "CFU-001",
		Category: "conflict_unresolved",
		Severity: SeverityError,
		Message:  "conflict policy aborted without a resolution",
		Help:     "The operation was archived to the failed queue for manual replay",
	},

	// Exhausted-retries errors (EXH-001+): backoff policy ran out of attempts
	"EXH-001": {
		Code:     "EXH-001",
		Category: "exhausted_retries",
		Severity: SeverityError,
		Message:  "operation exceeded its maximum retry attempts",
		Help:     "Archived to the failed queue; retry manually via retry-failed",
	},

	// Storage errors (STO-001+): PersistentMap / SQLite failures
	"STO-001": {
		Code:     "STO-001",
		Category: "storage",
		Severity: SeverityCritical,
		Message:  "persistent map write failed",
		Help:     "Check disk space and permissions on the store database path",
	},
	"STO-002": {
		Code:     "STO-002",
		Category: "storage",
		Severity: SeverityCritical,
		Message:  "persistent map read failed",
		Help:     "Database file may be corrupted; check WAL and journal files",
	},
	"STO-003": {
		Code:     "STO-003",
		Category: "storage",
		Severity: SeverityError,
		Message:  "processing lock could not be acquired",
		Help:     "Another process holds the lease; verify heartbeat is current",
	},
}

func init() {
	// Register default codes
	for code, def := range defaultCodes {
		registry[code] = def
	}
}

// Register adds a new error code to the registry
func Register(def ErrorCodeDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[def.Code] = def
}

// Lookup retrieves an error code definition
func Lookup(code string) ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if def, ok := registry[code]; ok {
		return def
	}

	// Return unknown code definition
	return ErrorCodeDefinition{
		Code:     code,
		Category: "unknown",
		Severity: SeverityError,
		Message:  "unknown error",
		Help:     "No additional help available for this error code",
	}
}

// AllCodes returns all registered error codes
func AllCodes() map[string]ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make(map[string]ErrorCodeDefinition, len(registry))
	for k, v := range registry {
		result[k] = v
	}
	return result
}

// CodesByCategory returns all codes in a given category
func CodesByCategory(category string) []ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []ErrorCodeDefinition
	for _, def := range registry {
		if def.Category == category {
			result = append(result, def)
		}
	}
	return result
}

// CodesBySeverity returns all codes with a given severity
func CodesBySeverity(severity Severity) []ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []ErrorCodeDefinition
	for _, def := range registry {
		if def.Severity == severity {
			result = append(result, def)
		}
	}
	return result
}

// Kind classifies a TracedError the way the engine's processing loop
// switches on it, independent of the specific error code attached.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindRetryable          Kind = "retryable"
	KindServer             Kind = "server"
	KindConflict           Kind = "conflict"
	KindAuth               Kind = "auth"
	KindValidation         Kind = "validation"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindRouting            Kind = "routing"
	KindConflictUnresolved Kind = "conflict_unresolved"
	KindExhaustedRetries   Kind = "exhausted_retries"
	KindStorage            Kind = "storage"
)

// KindFromStatus maps an HTTP status code to the engine's Kind taxonomy.
// Status 0 denotes a transport-level failure (no response received).
func KindFromStatus(status int) Kind {
	switch {
	case status == 0:
		return KindNetwork
	case status == 400:
		return KindValidation
	case status == 401:
		return KindAuth
	case status == 403:
		return KindPermissionDenied
	case status == 404:
		return KindNotFound
	case status == 408:
		return KindRetryable
	case status == 409:
		return KindConflict
	case status == 429:
		return KindRetryable
	case status >= 500 && status < 600:
		return KindRetryable
	case status >= 200 && status < 300:
		return ""
	default:
		return KindServer
	}
}
