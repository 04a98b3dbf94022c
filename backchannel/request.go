// Package backchannel tracks out-of-band authorization requests: CIBA authentication requests
// and device authorization requests, which a user approves on another device while the client
// polls the token endpoint.
package backchannel

import (
	"context"
	"slices"
	"time"
)

type Kind string

const (
	KindCIBA   Kind = "ciba"
	KindDevice Kind = "device"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusExpired Status = "expired"
)

type Request struct {
	// ID is the auth_req_id (CIBA) or device_code (device flow).
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	UserCode  string        `json:"user_code,omitempty"`
	ClientID  string        `json:"client_id"`
	Scopes    []string      `json:"scopes,omitempty"`
	LoginHint string        `json:"login_hint,omitempty"`
	Status    Status        `json:"status"`
	UserID    string        `json:"user_id,omitempty"`
	Interval  time.Duration `json:"interval"`
	// LastAccess is the previous poll; zero until the first poll.
	LastAccess time.Time `json:"last_access,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	return &c
}

// Store persists requests. Get and FindByUserCode return errors.ErrNotFound (wrapped).
// Delete is atomic delete-if-present: exactly one concurrent caller observes true.
type Store interface {
	Save(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	FindByUserCode(ctx context.Context, userCode string) (*Request, error)
	Delete(ctx context.Context, id string) (bool, error)
}
