package auth

import (
	"context"
	"time"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/internal/utils"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/sessions"
	"github.com/jrsteele09/go-grant-server/token"
)

type issueOptions struct {
	// refresh mints a refresh token when the client may use one.
	refresh bool
	// refreshExpiry keeps the expiry of a rotated refresh token. Zero means a fresh lifetime.
	refreshExpiry time.Time
	// idToken signs an ID token when openid was granted.
	idToken bool
	code    string
	// session binds "sid" into the ID token.
	session      *sessions.Session
	deviceSecret string
}

// issueTokens mints the tokens of a token response onto g. The caller saves g.
func (as *AuthorizationService) issueTokens(ctx context.Context, call *tokenCall, g *grant.Grant, opts issueOptions) (*oauthmodel.TokenResponse, error) {
	now := as.nowTime()
	at, err := as.tokens.CreateAccessToken(ctx, g, token.AccessTokenOptions{
		CertThumbprint: call.req.CertThumbprint,
		DPoPJkt:        call.dpopJkt,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.issueTokens] access token")
	}
	resp := &oauthmodel.TokenResponse{
		AccessToken:          at.Value,
		TokenType:            at.TokenType,
		ExpiresIn:            at.ExpiresIn(now),
		Scope:                utils.JoinSpaces(g.Scopes),
		AuthorizationDetails: g.AuthorizationDetails.JSON(),
	}

	if opts.refresh {
		var rt *grant.TokenRecord
		if opts.refreshExpiry.IsZero() {
			rt, err = as.tokens.CreateRefreshToken(ctx, g, 0)
		} else {
			rt, err = as.tokens.CreateRefreshTokenWithExpiry(ctx, g, opts.refreshExpiry)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.issueTokens] refresh token")
		}
		if rt != nil {
			resp.RefreshToken = utils.Ptr(rt.Value)
		}
	}

	if opts.idToken {
		params := token.IDTokenParams{
			Code:        opts.code,
			AccessToken: at.Value,
		}
		if opts.session != nil {
			params.PostProcessors = append(params.PostProcessors, token.WithSessionID(opts.session.OutsideSID))
		}
		if opts.deviceSecret != "" {
			params.PostProcessors = append(params.PostProcessors, token.WithDeviceSecret(opts.deviceSecret))
		}
		if call.req.CertThumbprint != "" {
			params.PostProcessors = append(params.PostProcessors, token.WithCertBinding(call.req.CertThumbprint))
		}
		idt, err := as.tokens.CreateIDToken(ctx, g, params)
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.issueTokens] id token")
		}
		if idt != nil {
			resp.IDToken = utils.Ptr(idt.Value)
		}
	}

	if opts.deviceSecret != "" {
		resp.DeviceToken = utils.Ptr(opts.deviceSecret)
	}
	return resp, nil
}

// narrowToGrant applies the token request's scope and authorization_details to an existing
// grant. Both may only narrow what was granted.
func (as *AuthorizationService) narrowToGrant(ctx context.Context, call *tokenCall, g *grant.Grant) error {
	return as.applyRequestedScopes(ctx, call.client, call.req, g, g)
}

// grantRequestedScopes sets the scopes of a new grant from the request, bounded by the client.
func (as *AuthorizationService) grantRequestedScopes(ctx context.Context, call *tokenCall, g *grant.Grant) error {
	return as.applyRequestedScopes(ctx, call.client, call.req, nil, g)
}

func (as *AuthorizationService) applyRequestedScopes(ctx context.Context, client *clients.Client, req *oauthmodel.TokenRequest, bound, g *grant.Grant) error {
	scopes, err := as.scopes.CheckScopes(ctx, client, req.Scopes, bound)
	if err != nil {
		return err
	}
	requested, err := grant.ParseAuthorizationDetails(req.AuthorizationDetails)
	if err != nil {
		return oauthmodel.InvalidAuthorizationDetails("authorization_details is malformed.").WithCause(err)
	}
	details, err := as.scopes.CheckAuthorizationDetails(client, requested, bound)
	if err != nil {
		return err
	}
	g.Scopes = scopes
	g.AuthorizationDetails = details
	return nil
}

// loadSession returns the session or nil when it is gone.
func (as *AuthorizationService) loadSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := as.repos.Sessions.Get(ctx, sessionID)
	if errors.Is(err, errors.ErrSessionNotFound) || errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.loadSession] sessions.Get")
	}
	return session, nil
}

func (as *AuthorizationService) saveGrant(ctx context.Context, g *grant.Grant) error {
	if err := as.repos.Grants.Save(ctx, g); err != nil {
		return errors.Wrapf(err, "[AuthorizationService.saveGrant] grant %s", g.ID)
	}
	return nil
}
