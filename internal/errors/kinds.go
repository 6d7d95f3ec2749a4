// Package errors provides structured error handling for KnowledgeBeast.
//
// Every error surfaced by the core carries a Kind from a closed taxonomy.
// The serving layer maps kinds to HTTP status codes; internal callers branch
// on kinds with KindOf or errors.Is.
package errors

import "net/http"

// Kind classifies an error for propagation and external mapping.
type Kind string

const (
	// KindInvalidArgument indicates malformed input, an unknown mode, or an
	// empty required field.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindUnauthenticated indicates a missing or invalid API key.
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	// KindForbidden indicates insufficient key scope or a project mismatch.
	KindForbidden Kind = "FORBIDDEN"
	// KindNotFound indicates an unknown project or document.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict indicates a duplicate project name or concurrent delete.
	KindConflict Kind = "CONFLICT"
	// KindQuotaExceeded indicates a per-project quota or rate limit breach.
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	// KindTimeout indicates a deadline expired before completion.
	KindTimeout Kind = "TIMEOUT"
	// KindBackendUnavailable indicates the vector backend is unreachable or
	// its circuit is open.
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// KindCircuitOpen indicates a call was short-circuited by the breaker.
	// External mapping is identical to KindBackendUnavailable.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindPartialDelete indicates a project delete tore down only some
	// children; the operation may be retried to completion.
	KindPartialDelete Kind = "PARTIAL_DELETE"
	// KindInternal indicates an unexpected failure.
	KindInternal Kind = "INTERNAL"
)

// HTTPStatus maps an error kind to its external status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBackendUnavailable, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindPartialDelete:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// retryableKinds are transient failures worth another attempt.
func isRetryableKind(k Kind) bool {
	switch k {
	case KindTimeout, KindBackendUnavailable:
		return true
	default:
		return false
	}
}
