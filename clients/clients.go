package clients

import (
	"crypto/subtle"
	"encoding/json"
	"slices"

	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential" // Can keep secrets (server-side apps)
	ClientTypePublic       ClientType = "public"       // Cannot keep secrets (SPAs, mobile apps)
)

// Client is a registered relying party. The grant server only reads clients.
type Client struct {
	ID           string     `json:"id"`
	Type         ClientType `json:"type"` // public or confidential
	Description  string     `json:"description"`
	Secret       string     `json:"secret"`
	RedirectURIs []string   `json:"redirectURIs"`
	Scopes       []string   `json:"scopes"` // Allowed scopes for this client

	GrantTypes    []oauthmodel.GrantType    `json:"grantTypes"`
	ResponseTypes []oauthmodel.ResponseType `json:"responseTypes"`

	// AuthorizationDetailTypes are the RFC 9396 "type" values the client may request.
	AuthorizationDetailTypes []string `json:"authorizationDetailTypes,omitempty"`

	// Trusted first-party clients skip the consent page.
	Trusted bool `json:"trusted,omitempty"`

	// AccessTokenAsJWT issues self-contained access tokens instead of opaque references.
	AccessTokenAsJWT bool `json:"accessTokenAsJwt,omitempty"`

	DefaultACRValues []string `json:"defaultAcrValues,omitempty"`
	// DefaultMaxAge in seconds, applied when the request has no max_age.
	DefaultMaxAge *int `json:"defaultMaxAge,omitempty"`
	// DefaultPromptLogin forces a fresh login on every authorization request.
	DefaultPromptLogin bool `json:"defaultPromptLogin,omitempty"`
	// PersistClientAuthorizations remembers consent so the user is asked once.
	PersistClientAuthorizations bool `json:"persistClientAuthorizations,omitempty"`
	// RequirePushedAuthorizationRequests refuses authorization requests that do not carry a
	// request_uri from the pushed authorization endpoint.
	RequirePushedAuthorizationRequests bool `json:"requirePushedAuthorizationRequests,omitempty"`

	// AssertionSubjects are the user ids the client may name as "sub" in jwt-bearer assertions
	// it signs itself. The client can always assert itself.
	AssertionSubjects []string `json:"assertionSubjects,omitempty"`

	// JARM registration (authorization_signed_response_alg and friends).
	AuthorizationSignedResponseAlg    string `json:"authorizationSignedResponseAlg,omitempty"`
	AuthorizationEncryptedResponseAlg string `json:"authorizationEncryptedResponseAlg,omitempty"`
	AuthorizationEncryptedResponseEnc string `json:"authorizationEncryptedResponseEnc,omitempty"`

	// JWKS is the client's public key set, used for asymmetric response encryption and
	// request object signatures.
	JWKS json.RawMessage `json:"jwks,omitempty"`

	BackchannelTokenDeliveryMode oauthmodel.BackchannelDeliveryMode `json:"backchannelTokenDeliveryMode,omitempty"`
}

// IsPublic returns true if the client is a public client
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasScope checks if the client has permission for a specific scope
func (c *Client) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

func (c *Client) AllowsGrantType(grantType oauthmodel.GrantType) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

func (c *Client) AllowsResponseType(responseType oauthmodel.ResponseType) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// MayAssertSubject reports whether a self-signed assertion of the client may name subject.
func (c *Client) MayAssertSubject(subject string) bool {
	return subject == c.ID || slices.Contains(c.AssertionSubjects, subject)
}

func (c *Client) AllowsAuthorizationDetailType(detailType string) bool {
	return slices.Contains(c.AuthorizationDetailTypes, detailType)
}

// HasRedirectURI performs exact string matching against the registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthenticateSecret compares the presented secret in constant time.
func (c *Client) AuthenticateSecret(secret string) bool {
	if c.Secret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) == 1
}

// UsesJARMSigning reports whether the client registered a signing alg for JARM responses.
func (c *Client) UsesJARMSigning() bool {
	return c.AuthorizationSignedResponseAlg != ""
}

// UsesJARMEncryption reports whether the client registered both encryption parameters.
func (c *Client) UsesJARMEncryption() bool {
	return c.AuthorizationEncryptedResponseAlg != "" && c.AuthorizationEncryptedResponseEnc != ""
}

// PollsBackchannel reports whether CIBA tokens may be collected at the token endpoint.
func (c *Client) PollsBackchannel() bool {
	return c.BackchannelTokenDeliveryMode == oauthmodel.PollDeliveryMode ||
		c.BackchannelTokenDeliveryMode == oauthmodel.PingDeliveryMode
}
