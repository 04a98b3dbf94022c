package auth

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/assertion"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// jwtBearerGrant exchanges a signed assertion for an access token (RFC 7523 section 2.1).
// Assertions are accepted from this server and from the client itself, signed with a key of
// its registered JWKS. The subject is a known user, or the client when it asserts itself. A
// self-signed assertion may only name users listed in the client's AssertionSubjects.
func (as *AuthorizationService) jwtBearerGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	as.trustClientKeys(call.client)

	a, err := as.assertions.Verify(ctx, call.req.Assertion, assertion.VerifyOptions{
		Audiences:  as.assertionAudiences(),
		RequireJTI: true,
	})
	if err != nil {
		return nil, nil, oauthmodel.InvalidGrant("The assertion could not be verified.").WithCause(err)
	}
	if a.Issuer != as.tokens.Issuer() && a.Issuer != call.client.ID {
		return nil, nil, oauthmodel.InvalidGrant("The assertion was issued by another client.")
	}
	if a.Issuer == call.client.ID && !call.client.MayAssertSubject(a.Subject) {
		return nil, nil, oauthmodel.InvalidGrant("The client may not assert this subject.")
	}

	userID := ""
	if a.Subject != call.client.ID {
		user, err := as.repos.Users.GetByID(a.Subject)
		if err != nil {
			return nil, nil, oauthmodel.InvalidGrant("The subject of the assertion is unknown.").WithCause(err)
		}
		if !user.CanAuthenticate() {
			return nil, nil, oauthmodel.InvalidGrant("The subject of the assertion is blocked.")
		}
		userID = user.ID
	}

	now := as.nowTime()
	g := grant.New(call.client.ID, userID, &grant.JWTBearer{Issuer: a.Issuer, JTI: a.JTI}, now, as.refreshLifetime())
	g.AuthTime = now
	if err := as.grantRequestedScopes(ctx, call, g); err != nil {
		return nil, nil, err
	}

	resp, err := as.issueTokens(ctx, call, g, issueOptions{refresh: userID != "", idToken: userID != ""})
	if err != nil {
		return nil, g, err
	}
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, g, err
	}
	return resp, g, nil
}

// assertionAudiences are the "aud" values accepted on assertions sent to the token endpoint.
func (as *AuthorizationService) assertionAudiences() []string {
	auds := []string{as.tokens.Issuer()}
	if as.policy.TokenEndpoint != "" {
		auds = append(auds, as.policy.TokenEndpoint)
	}
	return auds
}

// subjectTokenOptions accepts ID tokens for any audience, since native SSO exchanges an ID
// token issued to a sibling app. Other JWTs must be addressed to this server.
func (as *AuthorizationService) subjectTokenOptions(tokenType oauthmodel.TokenTypeURI) assertion.VerifyOptions {
	if tokenType == oauthmodel.IDTokenType {
		return assertion.VerifyOptions{}
	}
	return assertion.VerifyOptions{Audiences: as.assertionAudiences(), RequireJTI: true}
}

// trustClientKeys registers the client's JWKS as the key set for assertions it issues.
func (as *AuthorizationService) trustClientKeys(client *clients.Client) {
	if len(client.JWKS) == 0 || client.ID == as.tokens.Issuer() {
		return
	}
	publicKeys, err := clientSigningKeys(client)
	if err != nil {
		log.Warn().Err(err).Str("client_id", client.ID).Msg("ignoring unreadable client jwks")
		return
	}
	as.assertions.Trust(client.ID, publicKeys)
}
