package auth

import (
	"context"
	"time"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// refreshTokenGrant rotates a refresh token. The presented token is redeemed through the
// enforcer, so concurrent refreshes with the same token yield one success.
func (as *AuthorizationService) refreshTokenGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	req := call.req
	g, err := as.repos.Grants.FindByRefreshToken(ctx, call.client.ID, req.RefreshToken)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil, oauthmodel.InvalidGrant("The refresh token is invalid or was already used.").WithCause(err)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[AuthorizationService.refreshTokenGrant] find grant")
	}
	record := g.RefreshToken(req.RefreshToken)
	if record == nil {
		return nil, nil, oauthmodel.InvalidGrant("The refresh token is invalid.")
	}
	if record.Expired(as.nowTime()) {
		return nil, nil, oauthmodel.InvalidGrant("The refresh token has expired.")
	}

	// Checked before redemption so a bad scope does not spend the token.
	if err := as.narrowToGrant(ctx, call, g); err != nil {
		return nil, nil, err
	}

	rotate := !as.policy.SkipRefreshTokenOnRefresh
	if rotate {
		if err := as.redeem(ctx, "refresh token", req.RefreshToken, as.repos.Grants.RemoveRefreshToken); err != nil {
			return nil, nil, err
		}
		g.DropRefreshToken(req.RefreshToken)
	}

	session, err := as.loadSession(ctx, g.SessionID)
	if err != nil {
		return nil, nil, err
	}
	var deviceSecret string
	if req.DeviceSecret != "" && session != nil && session.HasDeviceSecret(req.DeviceSecret) {
		if deviceSecret, err = session.RotateDeviceSecret(req.DeviceSecret); err != nil {
			return nil, nil, errors.Wrapf(err, "[AuthorizationService.refreshTokenGrant] rotate device secret")
		}
		if err := as.repos.Sessions.Upsert(ctx, session); err != nil {
			return nil, nil, errors.Wrapf(err, "[AuthorizationService.refreshTokenGrant] sessions.Upsert")
		}
	}

	opts := issueOptions{
		refresh:      rotate,
		idToken:      true,
		session:      session,
		deviceSecret: deviceSecret,
	}
	if !record.ExtendLifetimeOnRotation {
		opts.refreshExpiry = record.ExpiresAt
	}
	resp, err := as.issueTokens(ctx, call, g, opts)
	if err != nil {
		return nil, g, err
	}
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, g, err
	}
	return resp, g, nil
}

// refreshLifetime is the lifetime of grants that may carry refresh tokens.
func (as *AuthorizationService) refreshLifetime() time.Duration {
	return as.tokens.Lifetimes().RefreshToken
}
