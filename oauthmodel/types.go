package oauthmodel

import "slices"

// ResponseType represents one member of the OAuth 2.0 response_type parameter.
// Determines what is returned from the authorization endpoint.
type ResponseType string

const (
	// CodeResponseType indicates the authorization code flow.
	// Used in: Authorization Code Flow and the hybrid flows
	// Returns an authorization code that must be exchanged for tokens at the token endpoint.
	// Example: /oauth2/authorize?response_type=code&client_id=...
	CodeResponseType ResponseType = "code"

	// TokenResponseType returns an access token directly from the authorization endpoint.
	// Used in: Implicit Flow, hybrid "code token"
	// Security: The token travels in the front channel, so it defaults to fragment encoding
	TokenResponseType ResponseType = "token"

	// IDTokenResponseType returns an ID token directly from the authorization endpoint.
	// Used in: OIDC Implicit Flow, hybrid "code id_token"
	// Requires: nonce
	IDTokenResponseType ResponseType = "id_token"
)

// ResponseTypes is the parsed, space separated response_type parameter.
type ResponseTypes []ResponseType

func (r ResponseTypes) Has(t ResponseType) bool {
	return slices.Contains(r, t)
}

// TokenBearing reports whether the response carries a token and must not use query encoding.
func (r ResponseTypes) TokenBearing() bool {
	return r.Has(TokenResponseType) || r.Has(IDTokenResponseType)
}

func (r ResponseTypes) Strings() []string {
	out := make([]string, len(r))
	for i, t := range r {
		out[i] = string(t)
	}
	return out
}

func ParseResponseTypes(values []string) ResponseTypes {
	out := make(ResponseTypes, 0, len(values))
	for _, v := range values {
		out = append(out, ResponseType(v))
	}
	return out
}

// ResponseModeType denotes how the authorization response parameters are returned to the client.
// Determines the mechanism used to send the auth code/error back to the redirect_uri.
type ResponseModeType string

const (
	// QueryResponseMode returns parameters in the URL query string.
	// Used in: Standard Authorization Code Flow
	// Example: https://client.example.com/callback?code=ABC123&state=xyz
	// Security: Parameters visible in browser history and server logs
	QueryResponseMode ResponseModeType = "query"

	// FragmentResponseMode returns parameters in the URL fragment (after #).
	// Used in: Implicit and hybrid flows
	// Example: https://client.example.com/callback#access_token=ABC123&state=xyz
	// Security: Fragment not sent to server, only accessible via JavaScript
	FragmentResponseMode ResponseModeType = "fragment"

	// FormPostResponseMode returns parameters via HTTP POST with auto-submitting HTML form.
	// Used in: Enhanced security scenarios, prevents exposure in URL
	// Security: Parameters not in URL, safer for browser history
	FormPostResponseMode ResponseModeType = "form_post"

	// QueryJWTResponseMode is JARM: a single "response" JWT parameter in the query string.
	QueryJWTResponseMode ResponseModeType = "query.jwt"

	// FragmentJWTResponseMode is JARM in the fragment.
	FragmentJWTResponseMode ResponseModeType = "fragment.jwt"

	// FormPostJWTResponseMode is JARM posted with an auto-submitting form.
	FormPostJWTResponseMode ResponseModeType = "form_post.jwt"

	// JWTResponseMode is JARM with the default encoding for the response type:
	// query.jwt for code, fragment.jwt when tokens are returned.
	JWTResponseMode ResponseModeType = "jwt"
)

// IsJARM reports whether the response is wrapped in a signed (and possibly encrypted) JWT.
func (m ResponseModeType) IsJARM() bool {
	switch m {
	case QueryJWTResponseMode, FragmentJWTResponseMode, FormPostJWTResponseMode, JWTResponseMode:
		return true
	}
	return false
}

// Valid reports whether m is empty or a supported response mode.
func (m ResponseModeType) Valid() bool {
	switch m {
	case "", QueryResponseMode, FragmentResponseMode, FormPostResponseMode:
		return true
	}
	return m.IsJARM()
}

// Resolve fills in the default encoding for the given response types and expands "jwt".
func (m ResponseModeType) Resolve(types ResponseTypes) ResponseModeType {
	switch m {
	case "":
		if types.TokenBearing() {
			return FragmentResponseMode
		}
		return QueryResponseMode
	case JWTResponseMode:
		if types.TokenBearing() {
			return FragmentJWTResponseMode
		}
		return QueryJWTResponseMode
	}
	return m
}

// CodeMethodType represents the PKCE (Proof Key for Code Exchange) challenge method.
// Used to prevent authorization code interception attacks (especially for public clients).
type CodeMethodType string

const (
	// CodeMethodTypeS256 indicates SHA-256 hashing is used for the code challenge.
	// Client sends: code_challenge = BASE64URL(SHA256(code_verifier))
	// Server validates: SHA256(provided code_verifier) == stored code_challenge
	CodeMethodTypeS256 CodeMethodType = "S256"

	// CodeMethodTypePlain means no hashing, code_verifier sent directly.
	// Server validates: provided code_verifier == stored code_challenge
	// Security: Weaker than S256, only protects against passive attacks
	CodeMethodTypePlain CodeMethodType = "plain"
)

// GrantType represents the OAuth 2.0 grant type used at the token endpoint.
// Determines what credentials are required to obtain tokens.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges an authorization code for tokens.
	// Token request includes: code, redirect_uri, code_verifier (if PKCE)
	// Returns: access_token, id_token (openid), refresh_token (if allowed)
	AuthorizationCodeGrant GrantType = "authorization_code"

	// ImplicitGrant is not used at the token endpoint; clients register it to be allowed the
	// token and id_token response types.
	ImplicitGrant GrantType = "implicit"

	// ClientCredentialsGrant allows machine-to-machine authentication.
	// Token request includes: client credentials, scope
	// Returns: access_token (no refresh_token, id_token only in backward compatibility mode)
	ClientCredentialsGrant GrantType = "client_credentials"

	// RefreshTokenGrant exchanges a refresh token for new tokens.
	// Token request includes: refresh_token, scope (may only narrow)
	// Returns: new access_token, rotated refresh_token, id_token
	RefreshTokenGrant GrantType = "refresh_token"

	// PasswordGrant is the resource owner password credentials grant.
	// Token request includes: username, password, scope
	PasswordGrant GrantType = "password"

	// CIBAGrant redeems a client initiated backchannel authentication request.
	// Token request includes: auth_req_id
	// Polling: authorization_pending / slow_down until the user approves
	CIBAGrant GrantType = "urn:openid:params:grant-type:ciba"

	// DeviceCodeGrant redeems a device authorization request (RFC 8628).
	// Token request includes: device_code
	DeviceCodeGrant GrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// TokenExchangeGrant exchanges a subject token for new tokens (RFC 8693).
	// With requested_token_type=txn_token it issues a transaction token instead.
	TokenExchangeGrant GrantType = "urn:ietf:params:oauth:grant-type:token-exchange"

	// JWTBearerGrant exchanges a signed JWT assertion for an access token (RFC 7523).
	JWTBearerGrant GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// TokenTypeURI identifies token types in the token exchange grant (RFC 8693 section 3).
type TokenTypeURI string

const (
	AccessTokenType  TokenTypeURI = "urn:ietf:params:oauth:token-type:access_token"
	RefreshTokenType TokenTypeURI = "urn:ietf:params:oauth:token-type:refresh_token"
	IDTokenType      TokenTypeURI = "urn:ietf:params:oauth:token-type:id_token"
	JWTTokenType     TokenTypeURI = "urn:ietf:params:oauth:token-type:jwt"
	TxTokenType      TokenTypeURI = "urn:ietf:params:oauth:token-type:txn_token"
	// DeviceSecretType is the actor token type carrying a native SSO device secret.
	DeviceSecretType TokenTypeURI = "urn:x-oath:params:oauth:token-type:device-secret"
)

// Prompt values of the OIDC prompt parameter.
type Prompt string

const (
	PromptNone          Prompt = "none"
	PromptLogin         Prompt = "login"
	PromptConsent       Prompt = "consent"
	PromptSelectAccount Prompt = "select_account"
)

// BackchannelDeliveryMode is how CIBA tokens reach the client.
type BackchannelDeliveryMode string

const (
	PollDeliveryMode BackchannelDeliveryMode = "poll"
	PingDeliveryMode BackchannelDeliveryMode = "ping"
	PushDeliveryMode BackchannelDeliveryMode = "push"
)

// Well known scope values.
const (
	OpenIDScope        = "openid"
	OfflineAccessScope = "offline_access"
	// DeviceSSOScope asks for a native SSO device secret on the code exchange.
	DeviceSSOScope = "device_sso"
)
