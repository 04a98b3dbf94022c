package auth

import (
	"context"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/sessions"
)

// AuthenticationFilter resolves a user from request parameters without a login page, e.g. a
// trusted header or a pre-authenticated assertion. It is consulted for prompt=none requests
// without a session and for the password grant.
type AuthenticationFilter interface {
	ResolveUser(ctx context.Context, params map[string][]string) (userID string, ok bool)
}

type AuthenticationFilterFunc func(ctx context.Context, params map[string][]string) (string, bool)

func (f AuthenticationFilterFunc) ResolveUser(ctx context.Context, params map[string][]string) (string, bool) {
	return f(ctx, params)
}

// PostAuthnPolicy lets deployments demand a fresh login or an explicit consent screen after
// the user is authenticated.
type PostAuthnPolicy interface {
	ForceReAuthentication(ctx context.Context, client *clients.Client, session *sessions.Session) bool
	ForceAuthorization(ctx context.Context, client *clients.Client, session *sessions.Session) bool
}
