package auth

import (
	"context"
	"crypto"
	"encoding/json"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/sessions"
	"github.com/jrsteele09/go-grant-server/token"
)

// TokenTypeNotApplicable is the token_type of issued tokens that are not access tokens
// (RFC 8693 section 2.2.1).
const TokenTypeNotApplicable = "N_A"

// exchangeSubject is the identity a subject token resolved to.
type exchangeSubject struct {
	userID string
	// bound limits the scopes of the new grant, nil when only the client bounds them.
	bound *grant.Grant
	// deviceSecretHash is the ds_hash of an ID token subject.
	deviceSecretHash string
}

// tokenExchangeGrant exchanges a subject token for tokens of the calling client (RFC 8693).
// A native SSO device secret as actor token is rotated and returned as device_token.
func (as *AuthorizationService) tokenExchangeGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	req := call.req
	if req.RequestedTokenType == oauthmodel.TxTokenType {
		return as.txTokenGrant(ctx, call)
	}
	if req.RequestedTokenType != "" && req.RequestedTokenType != oauthmodel.AccessTokenType {
		return nil, nil, oauthmodel.InvalidRequest("Unsupported requested_token_type.")
	}

	subject, err := as.resolveSubject(ctx, call)
	if err != nil {
		return nil, nil, err
	}

	now := as.nowTime()
	g := grant.New(call.client.ID, subject.userID, &grant.TokenExchange{
		SubjectTokenType: req.SubjectTokenType,
		ActorTokenType:   req.ActorTokenType,
	}, now, as.refreshLifetime())
	g.AuthTime = now
	if err := as.applyRequestedScopes(ctx, call.client, req, subject.bound, g); err != nil {
		return nil, nil, err
	}

	session, deviceSecret, err := as.exchangeActor(ctx, call, subject)
	if err != nil {
		return nil, nil, err
	}
	if session != nil {
		g.SessionID = session.ID
		g.ACR = session.ACR
		g.AuthTime = session.AuthenticatedAt
	}

	resp, err := as.issueTokens(ctx, call, g, issueOptions{
		refresh:      true,
		idToken:      true,
		session:      session,
		deviceSecret: deviceSecret,
	})
	if err != nil {
		return nil, g, err
	}
	resp.IssuedTokenType = oauthmodel.AccessTokenType
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, g, err
	}
	return resp, g, nil
}

func (as *AuthorizationService) resolveSubject(ctx context.Context, call *tokenCall) (*exchangeSubject, error) {
	req := call.req
	switch req.SubjectTokenType {
	case oauthmodel.AccessTokenType:
		sg, _, err := as.inspector.Lookup(ctx, req.SubjectToken)
		if err != nil {
			return nil, oauthmodel.InvalidGrant("The subject_token is invalid or expired.").WithCause(err)
		}
		return &exchangeSubject{userID: sg.UserID, bound: sg}, nil

	case oauthmodel.IDTokenType, oauthmodel.JWTTokenType:
		a, err := as.assertions.Verify(ctx, req.SubjectToken, as.subjectTokenOptions(req.SubjectTokenType))
		if err != nil {
			return nil, oauthmodel.InvalidGrant("The subject_token could not be verified.").WithCause(err)
		}
		user, err := as.repos.Users.GetByID(a.Subject)
		if err != nil {
			return nil, oauthmodel.InvalidGrant("The subject of the subject_token is unknown.").WithCause(err)
		}
		if !user.CanAuthenticate() {
			return nil, oauthmodel.InvalidGrant("The subject of the subject_token is blocked.")
		}
		dsHash, _ := a.Claims["ds_hash"].(string)
		return &exchangeSubject{userID: user.ID, deviceSecretHash: dsHash}, nil
	}
	return nil, oauthmodel.InvalidRequest("Unsupported subject_token_type.")
}

// exchangeActor resolves a device secret actor token to its session and rotates the secret.
func (as *AuthorizationService) exchangeActor(ctx context.Context, call *tokenCall, subject *exchangeSubject) (*sessions.Session, string, error) {
	req := call.req
	if req.ActorToken == "" {
		return nil, "", nil
	}
	if req.ActorTokenType != oauthmodel.DeviceSecretType {
		return nil, "", oauthmodel.InvalidRequest("Unsupported actor_token_type.")
	}
	if subject.deviceSecretHash != "" && subject.deviceSecretHash != token.HalfHash(req.ActorToken, crypto.SHA256) {
		return nil, "", oauthmodel.InvalidGrant("The device secret does not match the subject token.")
	}

	session, err := as.repos.Sessions.GetByDeviceSecret(ctx, req.ActorToken)
	if errors.Is(err, errors.ErrSessionNotFound) {
		return nil, "", oauthmodel.InvalidGrant("The device secret is invalid.").WithCause(err)
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "[AuthorizationService.exchangeActor] sessions.GetByDeviceSecret")
	}
	if !session.IsAuthenticated() || session.UserID != subject.userID {
		return nil, "", oauthmodel.InvalidGrant("The device secret belongs to another session.")
	}

	rotated, err := session.RotateDeviceSecret(req.ActorToken)
	if err != nil {
		return nil, "", errors.Wrapf(err, "[AuthorizationService.exchangeActor] rotate")
	}
	if err := as.repos.Sessions.Upsert(ctx, session); err != nil {
		return nil, "", errors.Wrapf(err, "[AuthorizationService.exchangeActor] sessions.Upsert")
	}
	return session, rotated, nil
}

// txTokenGrant issues a transaction token for the subject of one of this server's access
// tokens. Nothing is persisted; the token is short lived and self contained.
func (as *AuthorizationService) txTokenGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	req := call.req
	if req.SubjectTokenType != oauthmodel.AccessTokenType {
		return nil, nil, oauthmodel.InvalidRequest("Transaction tokens require an access token as subject_token.")
	}
	sg, _, err := as.inspector.Lookup(ctx, req.SubjectToken)
	if err != nil {
		return nil, nil, oauthmodel.InvalidGrant("The subject_token is invalid or expired.").WithCause(err)
	}
	scopes, err := as.scopes.CheckScopes(ctx, call.client, req.Scopes, sg)
	if err != nil {
		return nil, nil, err
	}
	var rctx json.RawMessage
	if req.RequestContext != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(req.RequestContext), &parsed); err != nil {
			return nil, nil, oauthmodel.InvalidRequest("request_context must be a JSON object.").WithCause(err)
		}
		rctx = json.RawMessage(req.RequestContext)
	}

	record, err := as.tokens.CreateTxToken(ctx, sg, token.TxTokenParams{
		Audience:       req.Audience,
		Scopes:         scopes,
		RequestContext: rctx,
	})
	if err != nil {
		return nil, sg, errors.Wrapf(err, "[AuthorizationService.txTokenGrant] create")
	}
	return &oauthmodel.TokenResponse{
		AccessToken:     record.Value,
		TokenType:       TokenTypeNotApplicable,
		ExpiresIn:       record.ExpiresIn(as.nowTime()),
		IssuedTokenType: oauthmodel.TxTokenType,
	}, sg, nil
}
