package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the grant server packages. Store implementations wrap these so
// callers can translate them into protocol errors without knowing the backend.
var (
	// Lookup errors
	ErrNotFound        = errors.New("not found")
	ErrClientNotFound  = errors.New("client not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")

	// Lifecycle errors
	ErrAlreadyUsed  = errors.New("already used")
	ErrInFlight     = errors.New("currently being redeemed by another request")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")

	// Credential errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")

	// General errors
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// New is errors.New, re-exported so callers only import one errors package.
func New(text string) error {
	return errors.New(text)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
