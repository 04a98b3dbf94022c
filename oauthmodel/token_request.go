package oauthmodel

import (
	"net/url"

	"github.com/jrsteele09/go-grant-server/internal/utils"
)

// TokenRequest holds parameters for the OAuth2 token request.
// This represents the form body sent to the /oauth2/token endpoint, plus the client credentials
// and proof headers the transport extracted.
type TokenRequest struct {
	GrantType GrantType

	// ClientID identifies the OAuth2 client making the request.
	// Taken from HTTP Basic authentication when present, otherwise the form.
	ClientID string

	// ClientSecret is the secret credential for confidential clients.
	// Security: Never log or expose this value
	ClientSecret string

	// Code is the authorization code received from the authorization endpoint.
	// Usage: Exchanged once for tokens, then becomes invalid
	Code string

	// RedirectURI must equal the redirect_uri of the authorization request.
	RedirectURI string

	// CodeVerifier is the PKCE code verifier that matches the code_challenge.
	CodeVerifier string

	// RefreshToken is used to obtain new access tokens without re-authentication.
	// Behavior: Single use, rotated on each redemption
	RefreshToken string

	// Scopes may narrow the scopes of the redeemed grant. Never widen.
	Scopes []string

	// AuthorizationDetails is the raw RFC 9396 JSON array; may only narrow.
	AuthorizationDetails string

	// Username and Password are the resource owner password credentials.
	Username string
	Password string

	// AuthReqID is the CIBA authentication request id.
	AuthReqID string

	// DeviceCode is the RFC 8628 device code.
	DeviceCode string

	// Assertion is the signed JWT for the jwt-bearer grant.
	Assertion string

	// Token exchange members (RFC 8693).
	SubjectToken       string
	SubjectTokenType   TokenTypeURI
	ActorToken         string
	ActorTokenType     TokenTypeURI
	RequestedTokenType TokenTypeURI
	Audience           string
	// RequestContext is the tx-token "request_context" member (JSON object).
	RequestContext string

	// DPoPProof is the DPoP request header, if sent.
	DPoPProof string

	// HTTPMethod and HTTPURL describe the request the DPoP proof must match.
	HTTPMethod string
	HTTPURL    string

	// CertThumbprint is the SHA-256 thumbprint of the client TLS certificate, for
	// certificate-bound access tokens.
	CertThumbprint string

	// DeviceSecret is a native SSO device secret presented on refresh, rotated when it is
	// bound to the grant's session.
	DeviceSecret string

	// SessionID is the browser session cookie, if the request carried one.
	SessionID string

	// RemoteAddr is recorded in the audit log.
	RemoteAddr string

	// FormError is set when the transport could not parse the request body.
	FormError error

	// Form is the raw request body, handed to authentication filters.
	Form url.Values
}

// ParseTokenRequest reads the token request form. Client credentials from HTTP Basic
// authentication take precedence over form members and are applied by the caller.
func ParseTokenRequest(form url.Values) *TokenRequest {
	return &TokenRequest{
		GrantType:            GrantType(form.Get("grant_type")),
		ClientID:             form.Get("client_id"),
		ClientSecret:         form.Get("client_secret"),
		Code:                 form.Get("code"),
		RedirectURI:          form.Get("redirect_uri"),
		CodeVerifier:         form.Get("code_verifier"),
		RefreshToken:         form.Get("refresh_token"),
		Scopes:               utils.SplitSpaces(form.Get("scope")),
		AuthorizationDetails: form.Get("authorization_details"),
		Username:             form.Get("username"),
		Password:             form.Get("password"),
		AuthReqID:            form.Get("auth_req_id"),
		DeviceCode:           form.Get("device_code"),
		Assertion:            form.Get("assertion"),
		SubjectToken:         form.Get("subject_token"),
		SubjectTokenType:     TokenTypeURI(form.Get("subject_token_type")),
		ActorToken:           form.Get("actor_token"),
		ActorTokenType:       TokenTypeURI(form.Get("actor_token_type")),
		RequestedTokenType:   TokenTypeURI(form.Get("requested_token_type")),
		Audience:             form.Get("audience"),
		RequestContext:       form.Get("request_context"),
		DeviceSecret:         form.Get("device_secret"),
		Form:                 form,
	}
}
