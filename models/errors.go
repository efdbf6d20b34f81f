package models

import "errors"

// Stable error codes surfaced on API responses and session records.
// Subsystems classify, the orchestrator decides retry vs skip vs fail.
var (
	ErrTenantScopeMissing = errors.New("FAIL_TENANT_SCOPE_MISSING")
	ErrBudgetExceeded     = errors.New("FAIL_BUDGET_EXCEEDED")
	ErrSessionConflict    = errors.New("FAIL_SESSION_CONFLICT")
	ErrCancelled          = errors.New("ERR_CANCELLED")
	ErrTimeout            = errors.New("ERR_TIMEOUT")
	ErrBackend            = errors.New("ERR_BACKEND")
	ErrTransientIO        = errors.New("ERR_TRANSIENT_IO")
	ErrFetchFailed        = errors.New("ERR_FETCH_FAILED")
	ErrFetchForbidden     = errors.New("ERR_FETCH_FORBIDDEN")
	ErrExtractFailed      = errors.New("ERR_EXTRACT_FAILED")
	ErrNotFound           = errors.New("ERR_NOT_FOUND")
)

// ErrorCode maps an error chain to its stable wire code.
// Unclassified errors surface as ERR_BACKEND.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTenantScopeMissing):
		return "FAIL_TENANT_SCOPE_MISSING"
	case errors.Is(err, ErrBudgetExceeded):
		return "FAIL_BUDGET_EXCEEDED"
	case errors.Is(err, ErrSessionConflict):
		return "FAIL_SESSION_CONFLICT"
	case errors.Is(err, ErrCancelled):
		return "ERR_CANCELLED"
	case errors.Is(err, ErrTimeout):
		return "ERR_TIMEOUT"
	case errors.Is(err, ErrTransientIO):
		return "ERR_TRANSIENT_IO"
	case errors.Is(err, ErrFetchForbidden):
		return "ERR_FETCH_FORBIDDEN"
	case errors.Is(err, ErrFetchFailed):
		return "ERR_FETCH_FAILED"
	case errors.Is(err, ErrExtractFailed):
		return "ERR_EXTRACT_FAILED"
	case errors.Is(err, ErrNotFound):
		return "ERR_NOT_FOUND"
	default:
		return "ERR_BACKEND"
	}
}
