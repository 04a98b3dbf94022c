package oauthmodel

import (
	"net/url"
	"slices"
	"strconv"

	"github.com/jrsteele09/go-grant-server/internal/utils"
)

// AuthorizationParameters holds parameters for the OAuth2 authorization request.
// These are received as query or form parameters at the /oauth2/authorize endpoint, possibly
// overridden by a request object.
type AuthorizationParameters struct {
	// ClientID identifies the application requesting authorization.
	// Required: Yes
	// Validated against: clients.Client.ID
	ClientID string

	// ResponseTypes is the parsed response_type, e.g. ["code"] or ["code", "id_token"].
	// Required: Yes
	ResponseTypes ResponseTypes

	// RedirectURI is where the authorization response will be sent.
	// Validated against: clients.Client.RedirectURIs whitelist
	// Security: Must exactly match a pre-registered URI to prevent open redirects
	RedirectURI string

	// ResponseMode controls how the response is returned (query/fragment/form_post and JARM).
	// Required: No (defaults per response type)
	ResponseMode ResponseModeType

	// Scopes is the parsed scope parameter.
	// Validated against: clients.Client.Scopes
	Scopes []string

	// State is an opaque value echoed back in the redirect.
	// Security: Client validates it on callback to prevent CSRF attacks
	State string

	// Nonce is bound into the ID token and required when an ID token is returned from the
	// authorization endpoint.
	Nonce string

	// CodeChallenge and CodeChallengeMethod are the PKCE parameters.
	// Default method: "plain" when a challenge is sent without a method
	CodeChallenge       string
	CodeChallengeMethod CodeMethodType

	// Prompts is the parsed prompt parameter ("none", "login", "consent", "select_account").
	Prompts []Prompt

	// MaxAge is the allowable elapsed time in seconds since the last active authentication.
	// nil when not sent.
	MaxAge *int

	// ACRValues are the requested authentication context class references in preference order.
	ACRValues []string

	// LoginHint pre-fills the username on the login page. Never trusted.
	LoginHint string

	// UILocales is the preferred language list for the UI.
	UILocales string

	// Claims is the raw OIDC claims request parameter.
	Claims string

	// AuthorizationDetails is the raw RFC 9396 authorization_details JSON array.
	AuthorizationDetails string

	// Request is a request object (JWT) carrying the parameters.
	Request string

	// RequestURI references a pushed authorization request. It is consumed when the request is
	// resolved and never re-encoded.
	RequestURI string

	// AuthReqID links the request to a pending CIBA authentication request.
	AuthReqID string

	// UserCode links the request to a pending device authorization request.
	UserCode string

	// DPoPJkt binds the authorization code to a DPoP key thumbprint (RFC 9449 section 10).
	DPoPJkt string

	// SessionID is the browser session, taken from the session cookie rather than parameters.
	SessionID string
}

func (p *AuthorizationParameters) HasPrompt(prompt Prompt) bool {
	return slices.Contains(p.Prompts, prompt)
}

// RemovePrompt strips a prompt value, e.g. "login" once the user has re-authenticated.
func (p *AuthorizationParameters) RemovePrompt(prompt Prompt) {
	p.Prompts = slices.DeleteFunc(p.Prompts, func(v Prompt) bool { return v == prompt })
}

func (p *AuthorizationParameters) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// ParseAuthorizationParameters reads the authorization request members from query or form values.
func ParseAuthorizationParameters(values url.Values) *AuthorizationParameters {
	p := &AuthorizationParameters{
		ClientID:             values.Get("client_id"),
		ResponseTypes:        ParseResponseTypes(utils.SplitSpaces(values.Get("response_type"))),
		RedirectURI:          values.Get("redirect_uri"),
		ResponseMode:         ResponseModeType(values.Get("response_mode")),
		Scopes:               utils.SplitSpaces(values.Get("scope")),
		State:                values.Get("state"),
		Nonce:                values.Get("nonce"),
		CodeChallenge:        values.Get("code_challenge"),
		CodeChallengeMethod:  CodeMethodType(values.Get("code_challenge_method")),
		ACRValues:            utils.SplitSpaces(values.Get("acr_values")),
		LoginHint:            values.Get("login_hint"),
		UILocales:            values.Get("ui_locales"),
		Claims:               values.Get("claims"),
		AuthorizationDetails: values.Get("authorization_details"),
		Request:              values.Get("request"),
		RequestURI:           values.Get("request_uri"),
		AuthReqID:            values.Get("auth_req_id"),
		UserCode:             values.Get("user_code"),
		DPoPJkt:              values.Get("dpop_jkt"),
	}
	for _, prompt := range utils.SplitSpaces(values.Get("prompt")) {
		p.Prompts = append(p.Prompts, Prompt(prompt))
	}
	if maxAge, err := strconv.Atoi(values.Get("max_age")); err == nil && maxAge >= 0 {
		p.MaxAge = &maxAge
	}
	return p
}

// Values re-encodes the parameters, so redirects to the login and consent pages can resume the
// request unchanged.
func (p *AuthorizationParameters) Values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("client_id", p.ClientID)
	set("response_type", utils.JoinSpaces(p.ResponseTypes.Strings()))
	set("redirect_uri", p.RedirectURI)
	set("response_mode", string(p.ResponseMode))
	set("scope", utils.JoinSpaces(p.Scopes))
	set("state", p.State)
	set("nonce", p.Nonce)
	set("code_challenge", p.CodeChallenge)
	set("code_challenge_method", string(p.CodeChallengeMethod))
	prompts := make([]string, len(p.Prompts))
	for i, prompt := range p.Prompts {
		prompts[i] = string(prompt)
	}
	set("prompt", utils.JoinSpaces(prompts))
	if p.MaxAge != nil {
		v.Set("max_age", strconv.Itoa(*p.MaxAge))
	}
	set("acr_values", utils.JoinSpaces(p.ACRValues))
	set("login_hint", p.LoginHint)
	set("ui_locales", p.UILocales)
	set("claims", p.Claims)
	set("authorization_details", p.AuthorizationDetails)
	set("auth_req_id", p.AuthReqID)
	set("user_code", p.UserCode)
	set("dpop_jkt", p.DPoPJkt)
	return v
}
