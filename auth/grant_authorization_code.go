package auth

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/pkce"
	"github.com/jrsteele09/go-grant-server/sessions"
)

// authorizationCodeGrant redeems an authorization code. The code is removed before anything is
// minted; once it is spent, any failure revokes every grant issued for it.
func (as *AuthorizationService) authorizationCodeGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	req := call.req
	g, err := as.repos.Grants.FindByCode(ctx, req.Code)
	if errors.Is(err, errors.ErrNotFound) {
		// Unknown or replayed. A replayed code takes the tokens issued for it down with it.
		as.revokeCode(ctx, req.Code)
		return nil, nil, oauthmodel.InvalidGrant("The authorization code is invalid or was already used.").WithCause(err)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[AuthorizationService.authorizationCodeGrant] find grant")
	}

	v, ok := grant.VariantOf[*grant.AuthorizationCode](g)
	if !ok || v.Code == nil {
		return nil, nil, oauthmodel.InvalidGrant("The authorization code is invalid.")
	}
	if g.ClientID != call.client.ID {
		return nil, nil, oauthmodel.InvalidGrant("The authorization code was issued to another client.")
	}
	if v.Code.Expired(as.nowTime()) {
		return nil, nil, oauthmodel.InvalidGrant("The authorization code has expired.")
	}

	if err := as.redeem(ctx, "authorization code", req.Code, as.repos.Grants.RemoveAuthorizationCode); err != nil {
		return nil, nil, err
	}

	resp, err := as.exchangeCode(ctx, call, g, v)
	if err != nil {
		as.revokeCode(ctx, v.OriginCode)
		return nil, g, err
	}
	return resp, g, nil
}

func (as *AuthorizationService) exchangeCode(ctx context.Context, call *tokenCall, g *grant.Grant, v *grant.AuthorizationCode) (*oauthmodel.TokenResponse, error) {
	req := call.req
	if req.RedirectURI != v.RedirectURI {
		return nil, oauthmodel.InvalidGrant("The redirect_uri does not match the authorization request.")
	}
	if err := pkce.Validate(v.CodeChallenge, v.CodeChallengeMethod, req.CodeVerifier, false); err != nil {
		return nil, oauthmodel.InvalidGrant("PKCE verification failed.").WithCause(err)
	}
	if v.DPoPJkt != "" && v.DPoPJkt != call.dpopJkt {
		return nil, oauthmodel.InvalidGrant("The DPoP key does not match the key the code was bound to.")
	}
	if err := as.narrowToGrant(ctx, call, g); err != nil {
		return nil, err
	}
	v.Code = nil

	session, err := as.loadSession(ctx, g.SessionID)
	if err != nil {
		return nil, err
	}
	deviceSecret, err := as.issueDeviceSecret(ctx, g, session)
	if err != nil {
		return nil, err
	}

	resp, err := as.issueTokens(ctx, call, g, issueOptions{
		refresh:      true,
		idToken:      true,
		code:         req.Code,
		session:      session,
		deviceSecret: deviceSecret,
	})
	if err != nil {
		return nil, err
	}
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, err
	}
	return resp, nil
}

// issueDeviceSecret binds a new native SSO device secret to the session when device_sso was
// granted.
func (as *AuthorizationService) issueDeviceSecret(ctx context.Context, g *grant.Grant, session *sessions.Session) (string, error) {
	if session == nil || !g.HasScope(oauthmodel.DeviceSSOScope) {
		return "", nil
	}
	secret, err := session.AddDeviceSecret()
	if err != nil {
		return "", errors.Wrapf(err, "[AuthorizationService.issueDeviceSecret] generate")
	}
	if err := as.repos.Sessions.Upsert(ctx, session); err != nil {
		return "", errors.Wrapf(err, "[AuthorizationService.issueDeviceSecret] sessions.Upsert")
	}
	return secret, nil
}

// revokeCode removes every grant issued for code. Failures are logged; the request fails anyway.
func (as *AuthorizationService) revokeCode(ctx context.Context, code string) {
	if code == "" {
		return
	}
	if err := as.repos.Grants.RemoveAllByAuthorizationCode(ctx, code); err != nil {
		log.Err(err).Msg("failed to revoke grants of a spent authorization code")
	}
}
