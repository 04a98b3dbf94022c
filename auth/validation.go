package auth

import (
	"slices"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/pkce"
)

// Validator provides centralized validation logic for OAuth2/OIDC requests. Every failure is
// an *oauthmodel.Error carrying the code the client will see.
type Validator struct {
	policy Policy
}

// NewValidator creates a new Validator instance
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// tokenGrantTypes are the grant types the token endpoint dispatches.
var tokenGrantTypes = []oauthmodel.GrantType{
	oauthmodel.AuthorizationCodeGrant,
	oauthmodel.RefreshTokenGrant,
	oauthmodel.ClientCredentialsGrant,
	oauthmodel.PasswordGrant,
	oauthmodel.CIBAGrant,
	oauthmodel.DeviceCodeGrant,
	oauthmodel.TokenExchangeGrant,
	oauthmodel.JWTBearerGrant,
}

// AuthenticateClient resolves the client and checks its credentials. Public clients identify
// themselves by client_id alone and must not send a secret.
func (v *Validator) AuthenticateClient(repo clients.Repo, clientID, clientSecret string) (*clients.Client, error) {
	if clientID == "" {
		return nil, oauthmodel.InvalidClient("Client authentication failed: client_id is required.")
	}
	client, err := repo.Get(clientID)
	if err != nil {
		return nil, oauthmodel.InvalidClient("Client authentication failed.").WithCause(err)
	}

	// Public clients don't have secrets
	if client.IsPublic() {
		if clientSecret != "" {
			return nil, oauthmodel.InvalidClient("Public clients must not provide client_secret.")
		}
		return client, nil
	}
	if !client.AuthenticateSecret(clientSecret) {
		return nil, oauthmodel.InvalidClient("Client authentication failed.")
	}
	return client, nil
}

// ValidateTokenRequest performs the checks shared by every grant: the grant type is supported
// and permitted for the client, and the grant's mandatory parameters are present.
func (v *Validator) ValidateTokenRequest(req *oauthmodel.TokenRequest, client *clients.Client) error {
	if req.GrantType == "" {
		return oauthmodel.InvalidRequest("grant_type is required.")
	}
	if !slices.Contains(tokenGrantTypes, req.GrantType) || slices.Contains(v.policy.DisabledGrantTypes, req.GrantType) {
		return oauthmodel.UnsupportedGrantType("Unsupported grant type.")
	}
	if !client.AllowsGrantType(req.GrantType) {
		return oauthmodel.UnsupportedGrantType("The grant type is not allowed for this client.")
	}

	switch req.GrantType {
	case oauthmodel.AuthorizationCodeGrant:
		if req.Code == "" {
			return oauthmodel.InvalidRequest("code is required.")
		}
		if req.RedirectURI == "" {
			return oauthmodel.InvalidRequest("redirect_uri is required.")
		}
	case oauthmodel.RefreshTokenGrant:
		if req.RefreshToken == "" {
			return oauthmodel.InvalidRequest("refresh_token is required.")
		}
	case oauthmodel.ClientCredentialsGrant:
		if client.IsPublic() {
			return oauthmodel.UnauthorizedClient("The client_credentials grant is not allowed for public clients.")
		}
	case oauthmodel.CIBAGrant:
		if req.AuthReqID == "" {
			return oauthmodel.InvalidRequest("auth_req_id is required.")
		}
	case oauthmodel.DeviceCodeGrant:
		if req.DeviceCode == "" {
			return oauthmodel.InvalidRequest("device_code is required.")
		}
	case oauthmodel.TokenExchangeGrant:
		if req.SubjectToken == "" || req.SubjectTokenType == "" {
			return oauthmodel.InvalidRequest("subject_token and subject_token_type are required.")
		}
	case oauthmodel.JWTBearerGrant:
		if req.Assertion == "" {
			return oauthmodel.InvalidRequest("assertion is required.")
		}
	}
	return nil
}

// ResolveRedirectURI returns the redirect URI to use for the request. A missing redirect_uri
// is only accepted when the client registered exactly one.
func (v *Validator) ResolveRedirectURI(params *oauthmodel.AuthorizationParameters, client *clients.Client) (string, error) {
	if params.RedirectURI == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", oauthmodel.InvalidRequestRedirect("redirect_uri is required.")
	}
	if !client.HasRedirectURI(params.RedirectURI) {
		return "", oauthmodel.InvalidRequestRedirect("redirect_uri is not registered for the client.")
	}
	return params.RedirectURI, nil
}

// ValidateAuthorizationRequest checks the parameters of an authorization request whose client
// and redirect URI are already known. Failures are returned to the client's redirect URI.
func (v *Validator) ValidateAuthorizationRequest(params *oauthmodel.AuthorizationParameters, client *clients.Client) error {
	if len(params.ResponseTypes) == 0 {
		return oauthmodel.InvalidRequest("response_type is required.")
	}
	for _, rt := range params.ResponseTypes {
		switch rt {
		case oauthmodel.CodeResponseType, oauthmodel.TokenResponseType, oauthmodel.IDTokenResponseType:
		default:
			return oauthmodel.UnsupportedResponseType("Unsupported response_type " + string(rt) + ".")
		}
		if !client.AllowsResponseType(rt) {
			return oauthmodel.UnsupportedResponseType("The response_type " + string(rt) + " is not allowed for this client.")
		}
	}

	if !params.ResponseMode.Valid() {
		return oauthmodel.InvalidRequest("Unsupported response_mode.")
	}
	if params.ResponseTypes.TokenBearing() && params.ResponseMode == oauthmodel.QueryResponseMode {
		return oauthmodel.InvalidRequest("response_mode=query is not allowed when tokens are returned.")
	}

	if params.ResponseTypes.Has(oauthmodel.IDTokenResponseType) {
		if !params.HasScope(oauthmodel.OpenIDScope) {
			return oauthmodel.InvalidScope("The id_token response type requires the openid scope.")
		}
		if params.Nonce == "" {
			return oauthmodel.InvalidRequest("nonce is required when an id_token is returned from the authorization endpoint.")
		}
	}

	if params.HasPrompt(oauthmodel.PromptNone) && len(params.Prompts) > 1 {
		return oauthmodel.InvalidRequest("prompt=none cannot be combined with other prompt values.")
	}

	if params.ResponseTypes.Has(oauthmodel.CodeResponseType) {
		required := v.policy.RequirePKCE || client.IsPublic()
		if err := pkce.ValidateChallenge(params.CodeChallenge, params.CodeChallengeMethod, required); err != nil {
			return oauthmodel.InvalidRequest(err.Error()).WithCause(err)
		}
	}
	return nil
}

// toInvalidGrant maps redemption failures to invalid_grant, keeping protocol errors as they are.
func toInvalidGrant(err error, desc string) error {
	if err == nil {
		return nil
	}
	var oauthErr *oauthmodel.Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrAlreadyUsed) ||
		errors.Is(err, errors.ErrInFlight) || errors.Is(err, errors.ErrExpired) {
		return oauthmodel.InvalidGrant(desc).WithCause(err)
	}
	return err
}
