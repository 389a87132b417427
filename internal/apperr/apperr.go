// Package apperr defines the error taxonomy shared by the queue, session and
// signaling packages. Callers classify errors with errors.Is against the
// sentinel values; the constructors wrap a sentinel with context.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks malformed input such as an unknown call kind or gender.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown room, session or user.
	ErrNotFound = errors.New("not found")
	// ErrAuthorization marks a token/room mismatch or a non-participant.
	ErrAuthorization = errors.New("unauthorized")
	// ErrConflict marks a user that already holds an active session or ticket.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks an unreachable ephemeral or durable store.
	ErrTransient = errors.New("transient infrastructure error")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Authorization(format string, args ...any) error {
	return wrap(ErrAuthorization, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Transient wraps an infrastructure failure. A nil cause returns nil.
func Transient(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, cause)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the status code returned by the HTTP surfaces.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuthorization):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
