package oauthmodel

import "encoding/json"

// TokenResponse represents the response from an OAuth2 token request.
// This is the standard OAuth2 token endpoint response format as defined in RFC 6749, extended
// with the OIDC, RAR, native SSO and token exchange members.
// Returned from the /oauth2/token endpoint for all grant types.
type TokenResponse struct {
	// AccessToken is the token used to access protected resources.
	// Opaque unless the client is registered for JWT access tokens.
	// Usage: "Authorization: Bearer <access_token>" or "Authorization: DPoP <access_token>"
	AccessToken string `json:"access_token"`

	// TokenType indicates how to use the access token: "Bearer", or "DPoP" when the token is
	// bound to a DPoP proof key.
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token.
	// Note: This is a hint - the token record holds the authoritative expiry
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is an opaque single-use token used to obtain new access tokens.
	// Only present: When the client may use the refresh_token grant
	// Security: Rotates on each use
	RefreshToken *string `json:"refresh_token,omitempty"`

	// Scope indicates the access token's granted permissions.
	// Note: May be less than requested if some scopes were denied
	Scope string `json:"scope,omitempty"`

	// IDToken is the OpenID Connect ID token containing user identity information.
	// Only present: When "openid" scope was granted
	IDToken *string `json:"id_token,omitempty"`

	// AuthorizationDetails echoes the granted rich authorization request details (RFC 9396).
	AuthorizationDetails json.RawMessage `json:"authorization_details,omitempty"`

	// DeviceToken is the native SSO device secret bound to the user's session.
	DeviceToken *string `json:"device_token,omitempty"`

	// IssuedTokenType is set by the token exchange grant (RFC 8693).
	IssuedTokenType TokenTypeURI `json:"issued_token_type,omitempty"`
}

// DeviceAuthorizationResponse is returned from the device authorization endpoint (RFC 8628).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// BackchannelAuthenticationResponse is returned from the CIBA backchannel authentication endpoint.
type BackchannelAuthenticationResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// PushedAuthorizationResponse is returned from the pushed authorization request endpoint
// (RFC 9126 section 2.2).
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}
