// Package par keeps pushed authorization requests (RFC 9126) until the authorization endpoint
// redeems their request_uri. A request_uri is good for one authorization request.
package par

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// URNPrefix starts every request_uri handed out by the pushed authorization endpoint.
const URNPrefix = "urn:ietf:params:oauth:request_uri:"

// DefaultLifetime is how long a pushed request waits for the authorization request.
const DefaultLifetime = 90 * time.Second

// Request is a validated authorization request pushed by an authenticated client.
type Request struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	// Params are the effective parameters, request object already merged.
	Params    url.Values `json:"params"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// URI is the request_uri returned to the client.
func (r *Request) URI() string {
	return URNPrefix + r.ID
}

func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Request) Clone() *Request {
	c := *r
	c.Params = make(url.Values, len(r.Params))
	for k, v := range r.Params {
		c.Params[k] = append([]string(nil), v...)
	}
	return &c
}

// IDFromURI returns the request id of a request_uri issued by this server.
func IDFromURI(requestURI string) (string, bool) {
	id, ok := strings.CutPrefix(requestURI, URNPrefix)
	return id, ok && id != ""
}

// NewRequest creates a pushed request with a random id.
func NewRequest(clientID string, params url.Values, now time.Time, lifetime time.Duration) (*Request, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrapf(err, "[par.NewRequest] random")
	}
	r := &Request{
		ID:        base64.RawURLEncoding.EncodeToString(b),
		ClientID:  clientID,
		Params:    params,
		ExpiresAt: now.Add(lifetime),
	}
	return r.Clone(), nil
}

type Store interface {
	Save(ctx context.Context, r *Request) error
	// Take removes the request and returns it. A second Take of the same id is ErrNotFound.
	Take(ctx context.Context, id string) (*Request, error)
}
