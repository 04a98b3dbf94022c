package sessions

import (
	"context"
	"time"
)

// Repo defines the interface for session storage operations.
// Get and GetByDeviceSecret return errors.ErrSessionNotFound (wrapped) when absent.
type Repo interface {
	// Upsert creates or updates a session
	Upsert(ctx context.Context, session *Session) error

	// Get retrieves a session by ID
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes a session by ID
	Delete(ctx context.Context, sessionID string) error

	// GetByDeviceSecret finds the session a native SSO device secret is bound to
	GetByDeviceSecret(ctx context.Context, secret string) (*Session, error)

	// DeleteExpired removes sessions that expired before the given time
	DeleteExpired(ctx context.Context, before time.Time) error
}
