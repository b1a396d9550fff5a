package subsync

import "errors"

var (
	// ErrUnauthenticated is returned when the caller has no session
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the caller is authenticated but lacks the required role
	ErrForbidden = errors.New("forbidden")

	// ErrNotConfigured is returned when the billing integration is disabled or misconfigured
	ErrNotConfigured = errors.New("billing not configured")

	// ErrNotFound is returned when a user, subscription or binding does not exist
	ErrNotFound = errors.New("not found")

	// ErrSignatureInvalid is returned when a webhook fails signature verification
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrProviderUnavailable is returned for transient billing provider failures (retryable)
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrDataIntegrity marks events that reference unknown local users.
	// It is logged, never returned to the billing provider.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrSweepInProgress is returned when a sweep run is skipped because another one holds the guard
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// Stable error codes exposed to API clients.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeNotConfigured       = "not_configured"
	CodeNotFound            = "not_found"
	CodeSignatureInvalid    = "signature_invalid"
	CodeProviderUnavailable = "provider_unavailable"
	CodeInternal            = "internal"
)

// ErrorCode maps an error to its stable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotConfigured):
		return CodeNotConfigured
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, ErrProviderUnavailable):
		return CodeProviderUnavailable
	default:
		return CodeInternal
	}
}
