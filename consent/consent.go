// Package consent remembers which scopes a user authorized for a client, for clients that
// persist authorizations across sessions.
package consent

import (
	"context"
	"slices"
	"time"
)

type Authorization struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether every requested scope was previously authorized.
func (a *Authorization) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(a.Scopes, s) {
			return false
		}
	}
	return true
}

// Merge adds scopes to the authorization without duplicates.
func (a *Authorization) Merge(scopes []string) {
	for _, s := range scopes {
		if !slices.Contains(a.Scopes, s) {
			a.Scopes = append(a.Scopes, s)
		}
	}
}

// Store persists authorizations per user and client. Find returns errors.ErrNotFound
// (wrapped) when the user never authorized the client.
type Store interface {
	Find(ctx context.Context, userID, clientID string) (*Authorization, error)
	Save(ctx context.Context, a *Authorization) error
	Delete(ctx context.Context, userID, clientID string) error
}
