package auth

import (
	"context"
	"net/url"
	"slices"

	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/backchannel"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// BackchannelRequest is a CIBA backchannel authentication or device authorization request.
type BackchannelRequest struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// LoginHint names the user to authenticate (CIBA only).
	LoginHint  string
	RemoteAddr string
	// FormError is set when the transport could not parse the request body.
	FormError error
}

// StartBackchannelAuthentication registers a CIBA request for the user named by login_hint.
func (as *AuthorizationService) StartBackchannelAuthentication(ctx context.Context, req BackchannelRequest) (resp *oauthmodel.BackchannelAuthenticationResponse, err error) {
	event := audit.Event{Action: "backchannel_authorize", ClientID: req.ClientID, GrantType: string(oauthmodel.CIBAGrant), IP: req.RemoteAddr}
	defer func() { as.sendStartAudit(ctx, &event, err) }()

	client, scopes, err := as.startBackchannel(ctx, req, oauthmodel.CIBAGrant)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(scopes, oauthmodel.OpenIDScope) {
		return nil, oauthmodel.InvalidScope("The openid scope is required.")
	}
	if req.LoginHint == "" {
		return nil, oauthmodel.InvalidRequest("login_hint is required.")
	}
	user, err := as.repos.Users.GetByUsername(req.LoginHint)
	if err != nil || !user.CanAuthenticate() {
		return nil, oauthmodel.InvalidRequest("login_hint does not identify a known user.").WithCause(err)
	}
	event.UserID = user.ID
	event.Scopes = scopes

	r, err := as.backchannel.StartCIBA(ctx, client, scopes, req.LoginHint)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.StartBackchannelAuthentication] start")
	}
	now := as.nowTime()
	return &oauthmodel.BackchannelAuthenticationResponse{
		AuthReqID: r.ID,
		ExpiresIn: int64(r.ExpiresAt.Sub(now).Seconds()),
		Interval:  int64(r.Interval.Seconds()),
	}, nil
}

// StartDeviceAuthorization registers a device authorization request (RFC 8628 section 3.1).
func (as *AuthorizationService) StartDeviceAuthorization(ctx context.Context, req BackchannelRequest) (resp *oauthmodel.DeviceAuthorizationResponse, err error) {
	event := audit.Event{Action: "device_authorization", ClientID: req.ClientID, GrantType: string(oauthmodel.DeviceCodeGrant), IP: req.RemoteAddr}
	defer func() { as.sendStartAudit(ctx, &event, err) }()

	client, scopes, err := as.startBackchannel(ctx, req, oauthmodel.DeviceCodeGrant)
	if err != nil {
		return nil, err
	}
	event.Scopes = scopes

	r, err := as.backchannel.StartDevice(ctx, client, scopes)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.StartDeviceAuthorization] start")
	}
	cfg := as.backchannel.Config()
	complete := ""
	if cfg.VerificationURI != "" {
		complete = cfg.VerificationURI + "?" + url.Values{"user_code": {r.UserCode}}.Encode()
	}
	now := as.nowTime()
	return &oauthmodel.DeviceAuthorizationResponse{
		DeviceCode:              r.ID,
		UserCode:                r.UserCode,
		VerificationURI:         cfg.VerificationURI,
		VerificationURIComplete: complete,
		ExpiresIn:               int64(r.ExpiresAt.Sub(now).Seconds()),
		Interval:                int64(r.Interval.Seconds()),
	}, nil
}

func (as *AuthorizationService) startBackchannel(ctx context.Context, req BackchannelRequest, grantType oauthmodel.GrantType) (*clients.Client, []string, error) {
	if req.FormError != nil {
		return nil, nil, malformedForm(req.FormError)
	}
	client, err := as.validator.AuthenticateClient(as.repos.Clients, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, nil, err
	}
	if !client.AllowsGrantType(grantType) || slices.Contains(as.policy.DisabledGrantTypes, grantType) {
		return nil, nil, oauthmodel.UnauthorizedClient("The client may not use this grant type.")
	}
	if grantType == oauthmodel.CIBAGrant && !client.PollsBackchannel() {
		return nil, nil, oauthmodel.UnauthorizedClient("The client is not registered for poll or ping token delivery.")
	}
	scopes, err := as.scopes.CheckScopes(ctx, client, req.Scopes, nil)
	if err != nil {
		return nil, nil, err
	}
	return client, scopes, nil
}

func (as *AuthorizationService) sendStartAudit(ctx context.Context, event *audit.Event, err error) {
	event.Timestamp = as.nowTime()
	if err != nil {
		event.ErrorCode = string(oauthmodel.AsError(err).Code)
	} else {
		event.Success = true
	}
	as.audit.SendMessage(ctx, *event)
}

// cibaGrant redeems an approved CIBA request. Until the user has approved, the request is
// polled and answers authorization_pending or slow_down.
func (as *AuthorizationService) cibaGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	if !call.client.PollsBackchannel() {
		return nil, nil, oauthmodel.UnauthorizedClient("The client is not registered for poll or ping token delivery.")
	}
	id := call.req.AuthReqID
	g, err := as.repos.Grants.FindByAuthReqID(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil, as.pollBackchannel(ctx, id, call.client.ID)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[AuthorizationService.cibaGrant] find grant")
	}

	v, ok := grant.VariantOf[*grant.CIBA](g)
	if !ok {
		return nil, nil, oauthmodel.InvalidGrant("The auth_req_id is invalid.")
	}
	if g.ClientID != call.client.ID {
		return nil, nil, oauthmodel.InvalidGrant("The auth_req_id was issued to another client.")
	}
	if v.TokensDelivered {
		return nil, nil, oauthmodel.InvalidGrant("The tokens of this request were already delivered.")
	}
	if err := as.redeem(ctx, "auth_req_id", id, as.backchannel.Remove); err != nil {
		return nil, nil, err
	}
	v.TokensDelivered = true

	return as.issueBackchannelTokens(ctx, call, g)
}

// deviceCodeGrant redeems an approved device authorization request.
func (as *AuthorizationService) deviceCodeGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	id := call.req.DeviceCode
	g, err := as.repos.Grants.FindByDeviceCode(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil, as.pollBackchannel(ctx, id, call.client.ID)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[AuthorizationService.deviceCodeGrant] find grant")
	}

	v, ok := grant.VariantOf[*grant.DeviceCode](g)
	if !ok {
		return nil, nil, oauthmodel.InvalidGrant("The device_code is invalid.")
	}
	if g.ClientID != call.client.ID {
		return nil, nil, oauthmodel.InvalidGrant("The device_code was issued to another client.")
	}
	if err := as.redeem(ctx, "device_code", id, as.backchannel.Remove); err != nil {
		return nil, nil, err
	}
	// Unindexed so the code cannot be redeemed again; the grant keeps its tokens.
	v.DeviceCode = ""

	return as.issueBackchannelTokens(ctx, call, g)
}

func (as *AuthorizationService) pollBackchannel(ctx context.Context, id, clientID string) error {
	if _, err := as.backchannel.Poll(ctx, id, clientID); err != nil {
		return err
	}
	// Approved, but the grant is not written yet.
	return oauthmodel.AuthorizationPending()
}

func (as *AuthorizationService) issueBackchannelTokens(ctx context.Context, call *tokenCall, g *grant.Grant) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	if err := as.narrowToGrant(ctx, call, g); err != nil {
		return nil, g, err
	}
	session, err := as.loadSession(ctx, g.SessionID)
	if err != nil {
		return nil, g, err
	}
	resp, err := as.issueTokens(ctx, call, g, issueOptions{refresh: true, idToken: true, session: session})
	if err != nil {
		return nil, g, err
	}
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, g, err
	}
	return resp, g, nil
}

// approveBackchannel records the user's approval of a CIBA or device request and creates the
// grant the token endpoint redeems.
func (as *AuthorizationService) approveBackchannel(ctx context.Context, r *backchannel.Request, userID string, scopes []string, sessionID, acr string) (*grant.Grant, error) {
	approved, err := as.backchannel.Approve(ctx, r.ID, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.approveBackchannel] approve")
	}

	var variant grant.Variant
	switch approved.Kind {
	case backchannel.KindCIBA:
		variant = &grant.CIBA{AuthReqID: approved.ID}
	case backchannel.KindDevice:
		variant = &grant.DeviceCode{DeviceCode: approved.ID}
	default:
		return nil, errors.Wrapf(errors.ErrInvalidState, "[AuthorizationService.approveBackchannel] kind %s", approved.Kind)
	}

	now := as.nowTime()
	g := grant.New(approved.ClientID, userID, variant, now, as.refreshLifetime())
	g.Scopes = scopes
	g.SessionID = sessionID
	g.ACR = acr
	g.AuthTime = now
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}
