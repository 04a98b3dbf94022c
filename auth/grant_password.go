package auth

import (
	"context"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/users"
)

// passwordGrant authenticates the resource owner from username and password, or through the
// authentication filter when no username is sent.
func (as *AuthorizationService) passwordGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	user, err := as.resourceOwner(ctx, call.req)
	if err != nil {
		return nil, nil, err
	}

	now := as.nowTime()
	g := grant.New(call.client.ID, user.ID, &grant.ResourceOwnerPassword{}, now, as.refreshLifetime())
	g.AuthTime = now
	if err := as.grantRequestedScopes(ctx, call, g); err != nil {
		return nil, nil, err
	}

	session, err := as.loadSession(ctx, call.req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session != nil && session.UserID == user.ID {
		g.SessionID = session.ID
		g.ACR = session.ACR
	} else {
		session = nil
	}

	resp, err := as.issueTokens(ctx, call, g, issueOptions{refresh: true, idToken: true, session: session})
	if err != nil {
		return nil, g, err
	}
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, g, err
	}
	if err := as.repos.Users.SetLastLogin(user.ID, now); err != nil {
		return nil, g, errors.Wrapf(err, "[AuthorizationService.passwordGrant] users.SetLastLogin")
	}
	return resp, g, nil
}

func (as *AuthorizationService) resourceOwner(ctx context.Context, req *oauthmodel.TokenRequest) (*users.User, error) {
	if req.Username != "" || as.filter == nil {
		user, err := as.authenticateUser(req.Username, req.Password)
		if err != nil {
			return nil, oauthmodel.InvalidGrant("The resource owner credentials are invalid.").WithCause(err)
		}
		return user, nil
	}

	userID, ok := as.filter.ResolveUser(ctx, req.Form)
	if !ok {
		return nil, oauthmodel.InvalidGrant("The resource owner could not be authenticated.")
	}
	user, err := as.repos.Users.GetByID(userID)
	if err != nil {
		return nil, oauthmodel.InvalidGrant("The resource owner is unknown.").WithCause(err)
	}
	if !user.CanAuthenticate() {
		return nil, oauthmodel.InvalidGrant("The resource owner is blocked.")
	}
	return user, nil
}
