package auth

import (
	"context"
	"net/url"

	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/par"
)

// Client authentication members that are never stored with a pushed request.
var clientAuthParams = []string{"client_secret", "client_assertion", "client_assertion_type"}

// PushedAuthorizationRequest is a POST to the pushed authorization request endpoint.
type PushedAuthorizationRequest struct {
	ClientID     string
	ClientSecret string
	// Params are the authorization request members, possibly carrying a request object.
	Params     url.Values
	RemoteAddr string
	FormError  error
}

// PushAuthorizationRequest validates an authorization request sent directly by the client and
// stores it behind a one-time request_uri (RFC 9126). Validation matches the authorization
// endpoint, so a request that is accepted here fails later only on session and consent.
func (as *AuthorizationService) PushAuthorizationRequest(ctx context.Context, req PushedAuthorizationRequest) (resp *oauthmodel.PushedAuthorizationResponse, err error) {
	event := audit.Event{Action: "pushed_authorization", ClientID: req.ClientID, IP: req.RemoteAddr}
	defer func() { as.sendStartAudit(ctx, &event, err) }()

	if req.FormError != nil {
		return nil, malformedForm(req.FormError)
	}
	client, err := as.validator.AuthenticateClient(as.repos.Clients, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.Params.Get("request_uri") != "" {
		return nil, oauthmodel.InvalidRequest("request_uri cannot be pushed.")
	}
	if cid := req.Params.Get("client_id"); cid != "" && cid != client.ID {
		return nil, oauthmodel.InvalidRequest("client_id does not match the authenticated client.")
	}

	values := cloneValues(req.Params)
	for _, k := range clientAuthParams {
		values.Del(k)
	}
	resolved, err := as.resolveRequestObject(values, client)
	if err != nil {
		return nil, err
	}
	resolved.Set("client_id", client.ID)

	params := oauthmodel.ParseAuthorizationParameters(resolved)
	redirectURI, err := as.validator.ResolveRedirectURI(params, client)
	if err != nil {
		return nil, err
	}
	params.RedirectURI = redirectURI
	resolved.Set("redirect_uri", redirectURI)
	if err := as.validator.ValidateAuthorizationRequest(params, client); err != nil {
		return nil, err
	}
	if _, err := as.scopes.CheckScopes(ctx, client, params.Scopes, nil); err != nil {
		return nil, err
	}
	event.Scopes = params.Scopes

	now := as.nowTime()
	r, err := par.NewRequest(client.ID, resolved, now, as.policy.PARLifetime)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.PushAuthorizationRequest] new request")
	}
	if err := as.pushed.Save(ctx, r); err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.PushAuthorizationRequest] save")
	}
	return &oauthmodel.PushedAuthorizationResponse{
		RequestURI: r.URI(),
		ExpiresIn:  int64(r.ExpiresAt.Sub(now).Seconds()),
	}, nil
}

// resolvePushedRequest redeems the request_uri of an authorization request. It returns nil
// values when the request has no request_uri. The pushed parameters replace the query ones.
func (as *AuthorizationService) resolvePushedRequest(ctx context.Context, values url.Values, client *clients.Client) (url.Values, error) {
	requestURI := values.Get("request_uri")
	if requestURI == "" {
		return nil, nil
	}
	if values.Get("request") != "" {
		return nil, oauthmodel.InvalidRequest("request and request_uri cannot both be present.")
	}
	id, ok := par.IDFromURI(requestURI)
	if !ok {
		return nil, oauthmodel.RequestURINotSupported("Only request_uri values issued by the pushed authorization endpoint are accepted.")
	}

	r, err := as.pushed.Take(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, oauthmodel.InvalidRequestURI("The request_uri is unknown or was already used.").WithCause(err)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.resolvePushedRequest] take")
	}
	if r.ClientID != client.ID {
		return nil, oauthmodel.InvalidRequestURI("The request_uri was issued to another client.")
	}
	if r.Expired(as.nowTime()) {
		return nil, oauthmodel.InvalidRequestURI("The request_uri has expired.")
	}
	return r.Params, nil
}

// requiresPushedRequest reports whether a fresh front channel request must use a request_uri.
func (as *AuthorizationService) requiresPushedRequest(client *clients.Client) bool {
	return as.policy.RequirePAR || client.RequirePushedAuthorizationRequests
}
