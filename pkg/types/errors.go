package types

import (
	"errors"
	"fmt"
)

// AuthError means the credentials or identifiers are wrong in a way that
// retrying will not fix. It is surfaced to the operator so they can
// reconfigure; the refresh loop treats it as fatal during setup.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError with a formatted message.
func NewAuthError(format string, args ...any) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// WrapAuthError builds an AuthError wrapping an underlying cause.
func WrapAuthError(err error, format string, args ...any) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...), Err: err}
}

// ConnectionError means a network, timeout, or non-auth HTTP failure. It is
// transient: the refresh loop keeps the session and retries on the next
// scheduled tick without operator involvement.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WrapConnectionError builds a ConnectionError wrapping an underlying cause.
func WrapConnectionError(err error, format string, args ...any) *ConnectionError {
	return &ConnectionError{Message: fmt.Sprintf(format, args...), Err: err}
}

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ErrNotInitialized is returned for commands issued before the source has a
// session, distinguishing a local rejection from a remote failure.
var ErrNotInitialized = errors.New("source not initialized")
