package model

import "errors"

// Relay error taxonomy. Validation errors are returned synchronously and are
// never retried; ErrTransient marks failures the retry policy may attempt again.
var (
	ErrInvalidConfig       = errors.New("invalid session configuration")
	ErrSessionFull         = errors.New("session is full")
	ErrSessionClosed       = errors.New("session is closed")
	ErrConstraintViolation = errors.New("caller does not satisfy the session constraint")
	ErrNotAParticipant     = errors.New("not a participant of this session")
	ErrTransient           = errors.New("transient failure")
	ErrPersistentFailure   = errors.New("retries exhausted")
)

// IsValidation reports whether err is a synchronous validation error that must
// not be retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrSessionFull) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, ErrNotAParticipant)
}

// IsTransient reports whether err may be retried under the backoff policy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
