package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrForbidden indicates the actor lacks the capability for an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput indicates a request that failed domain validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoActiveGroup indicates a group-scoped request without a selected group.
	ErrNoActiveGroup = errors.New("no active research group")
)
