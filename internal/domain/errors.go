package domain

import "errors"

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("resource conflict")

	// Preference validation failures, surfaced synchronously to API callers.
	ErrInvalidTimezone   = errors.New("invalid timezone identifier")
	ErrInvalidQuietHours = errors.New("invalid quiet hours configuration")

	// Unsubscribe token verification failures. The unsubscribe endpoint maps
	// all of these to a client error; anything else is a server error.
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
	ErrPurposeMismatch = errors.New("token purpose mismatch")
	ErrMissingSubject  = errors.New("token missing subject")

	// Infrastructure failures. Presence treats the store being unreachable as
	// "user absent"; digest scheduling surfaces it as retryable.
	ErrPresenceUnavailable  = errors.New("presence store unavailable")
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")

	// ErrDuplicateJob signals the one-job-per-user invariant was violated.
	// It should never reach a caller; if it does, that is a bug.
	ErrDuplicateJob = errors.New("duplicate digest job detected")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
