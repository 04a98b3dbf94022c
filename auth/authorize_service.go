package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/backchannel"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/internal/utils"
	"github.com/jrsteele09/go-grant-server/jarm"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/scope"
	"github.com/jrsteele09/go-grant-server/sessions"
	"github.com/jrsteele09/go-grant-server/token"
)

// Session attributes carried between the authorization request and the login and consent pages.
const (
	attrRequestedACR  = "requested_acr"
	attrConsentTicket = "consent_ticket"
)

// AuthorizeRequest is one pass through the authorization endpoint.
type AuthorizeRequest struct {
	// Params are the query or form parameters, possibly carrying a request object.
	Params url.Values
	// SessionID is the session cookie, empty for a new browser.
	SessionID string
	// ConsentGranted is set when the consent page resumes the request; ConsentTicket must be
	// the ticket issued with the consent outcome.
	ConsentGranted bool
	ConsentTicket  string
	RemoteAddr     string
	// FormError is set when the transport could not parse the query or form.
	FormError error
	// Resumed is set when the request continues from a parked flow after the login, consent or
	// account selection page. Its parameters were resolved on the first pass.
	Resumed bool
}

// AuthorizationResponse is the response returned to the client's redirect URI.
type AuthorizationResponse struct {
	RedirectURI string
	// Mode is the resolved response mode; "jwt" is already expanded.
	Mode   oauthmodel.ResponseModeType
	Params url.Values
}

// AuthorizeResult tells the transport what to do next.
type AuthorizeResult struct {
	Outcome Outcome
	Client  *clients.Client
	Session *sessions.Session
	// Params are the effective parameters, request object included, for resuming the request
	// from the login and consent pages.
	Params *oauthmodel.AuthorizationParameters
	// Response is set for OutcomeRedirect.
	Response *AuthorizationResponse
	// Err is the authorization error encoded into Response, if any.
	Err *oauthmodel.Error
	// ConsentTicket must be posted back by the consent page.
	ConsentTicket string
}

// Authorize runs the authorization endpoint. Errors that cannot be returned to a verified
// redirect URI come back as error; everything else is an AuthorizeResult.
func (as *AuthorizationService) Authorize(ctx context.Context, req AuthorizeRequest) (result *AuthorizeResult, err error) {
	event := audit.Event{
		Action:   "authorize",
		ClientID: req.Params.Get("client_id"),
		IP:       req.RemoteAddr,
	}
	defer func() {
		event.Timestamp = as.nowTime()
		outcome := ""
		switch {
		case err != nil:
			oauthErr := oauthmodel.AsError(err)
			err = oauthErr
			event.ErrorCode = string(oauthErr.Code)
			outcome = string(oauthErr.Code)
			if oauthErr.Status >= http.StatusInternalServerError {
				log.Err(oauthErr.Unwrap()).Str("client_id", event.ClientID).Msg("authorization request failed")
			}
		case result.Err != nil:
			event.ErrorCode = string(result.Err.Code)
			outcome = string(result.Err.Code)
		default:
			event.Success = true
			outcome = string(result.Outcome)
		}
		if result != nil && result.Session != nil {
			event.UserID = result.Session.UserID
		}
		if result != nil && result.Params != nil {
			event.Scopes = result.Params.Scopes
		}
		as.audit.SendMessage(ctx, event)
		as.metrics.IncrementAuthorize(outcome)
	}()

	if req.FormError != nil {
		return nil, malformedForm(req.FormError)
	}
	values := req.Params
	if values.Get("client_id") == "" && values.Get("user_code") != "" {
		// The device verification page only knows the user code.
		if r, err := as.backchannel.FindByUserCode(ctx, values.Get("user_code")); err == nil {
			values = cloneValues(values)
			values.Set("client_id", r.ClientID)
			event.ClientID = r.ClientID
		}
	}

	client, err := as.repos.Clients.Get(values.Get("client_id"))
	if err != nil {
		return nil, oauthmodel.NewError(http.StatusUnauthorized, oauthmodel.ErrorUnauthorizedClient, "Unknown client.").WithCause(err)
	}

	resolved, err := as.resolvePushedRequest(ctx, values, client)
	if err != nil {
		return as.earlyError(client, values, err)
	}
	if resolved == nil {
		backchannelApproval := values.Get("auth_req_id") != "" || values.Get("user_code") != ""
		if !req.Resumed && !backchannelApproval && as.requiresPushedRequest(client) {
			return nil, oauthmodel.InvalidRequest("The client must use a pushed authorization request.")
		}
		if resolved, err = as.resolveRequestObject(values, client); err != nil {
			return as.earlyError(client, values, err)
		}
	}
	params := oauthmodel.ParseAuthorizationParameters(resolved)
	params.SessionID = req.SessionID

	if params.AuthReqID != "" || params.UserCode != "" {
		return as.authorizeBackchannel(ctx, req, client, params)
	}
	return as.authorizeRedirect(ctx, req, client, params)
}

// earlyError answers a failure found before the parameters are parsed. It is returned to the
// redirect URI when the raw parameters name a registered one.
func (as *AuthorizationService) earlyError(client *clients.Client, values url.Values, err error) (*AuthorizeResult, error) {
	params := oauthmodel.ParseAuthorizationParameters(values)
	redirectURI, rerr := as.validator.ResolveRedirectURI(params, client)
	if rerr != nil {
		return nil, err
	}
	params.RedirectURI = redirectURI
	return as.errorResult(client, params, nil, err)
}

func (as *AuthorizationService) authorizeRedirect(ctx context.Context, req AuthorizeRequest, client *clients.Client, params *oauthmodel.AuthorizationParameters) (*AuthorizeResult, error) {
	redirectURI, err := as.validator.ResolveRedirectURI(params, client)
	if err != nil {
		return nil, err
	}
	params.RedirectURI = redirectURI

	if err := as.validator.ValidateAuthorizationRequest(params, client); err != nil {
		return as.errorResult(client, params, nil, err)
	}

	scopes, err := as.scopes.CheckScopes(ctx, client, params.Scopes, nil)
	if err != nil {
		return as.errorResult(client, params, nil, err)
	}
	params.Scopes = scope.StripOfflineAccess(scopes, client, params.ResponseTypes, params.HasPrompt(oauthmodel.PromptConsent))

	requested, err := grant.ParseAuthorizationDetails(params.AuthorizationDetails)
	if err != nil {
		return as.errorResult(client, params, nil, oauthmodel.InvalidAuthorizationDetails("authorization_details is malformed.").WithCause(err))
	}
	details, err := as.scopes.CheckAuthorizationDetails(client, requested, nil)
	if err != nil {
		return as.errorResult(client, params, nil, err)
	}
	if len(params.ACRValues) == 0 {
		params.ACRValues = client.DefaultACRValues
	}

	session, err := as.sessionFor(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsAuthenticated() && params.HasPrompt(oauthmodel.PromptNone) && as.filter != nil {
		if userID, ok := as.filter.ResolveUser(ctx, req.Params); ok {
			session.Authenticate(userID, firstOrEmpty(params.ACRValues), as.nowTime())
		}
	}

	d, persisted, err := as.runDecision(ctx, req, client, params, session)
	if err != nil {
		return nil, err
	}
	if d.err != nil {
		return as.errorResult(client, params, session, d.err)
	}
	if d.outcome != OutcomeRedirect {
		return &AuthorizeResult{
			Outcome:       d.outcome,
			Client:        client,
			Session:       session,
			Params:        params,
			ConsentTicket: session.Attributes[attrConsentTicket],
		}, nil
	}

	out, err := as.issueAuthorizationResponse(ctx, client, params, session, details)
	if err != nil {
		return nil, err
	}
	if err := as.persistConsent(ctx, client, session, params.Scopes, persisted); err != nil {
		return nil, err
	}
	resp, err := as.encodeResponse(client, params, out)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{Outcome: OutcomeRedirect, Client: client, Session: session, Params: params, Response: resp}, nil
}

// authorizeBackchannel lets the user approve a CIBA request (auth_req_id) or a device request
// (user_code) after logging in and consenting at the authorization server.
func (as *AuthorizationService) authorizeBackchannel(ctx context.Context, req AuthorizeRequest, client *clients.Client, params *oauthmodel.AuthorizationParameters) (*AuthorizeResult, error) {
	r, err := as.pendingBackchannel(ctx, client, params)
	if err != nil {
		return nil, err
	}
	params.Scopes = r.Scopes

	session, err := as.sessionFor(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	d, persisted, err := as.runDecision(ctx, req, client, params, session)
	if err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	result := &AuthorizeResult{
		Outcome:       d.outcome,
		Client:        client,
		Session:       session,
		Params:        params,
		ConsentTicket: session.Attributes[attrConsentTicket],
	}
	if d.outcome != OutcomeRedirect {
		return result, nil
	}

	if r.Kind == backchannel.KindCIBA {
		user, err := as.repos.Users.GetByID(session.UserID)
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.authorizeBackchannel] users.GetByID")
		}
		if user.Username != r.LoginHint {
			return nil, oauthmodel.AccessDenied("The request was addressed to another user.")
		}
	}
	if _, err := as.approveBackchannel(ctx, r, session.UserID, r.Scopes, session.ID, session.ACR); err != nil {
		return nil, err
	}
	if err := as.persistConsent(ctx, client, session, r.Scopes, persisted); err != nil {
		return nil, err
	}
	result.Outcome = OutcomeBackchannelComplete
	return result, nil
}

func (as *AuthorizationService) pendingBackchannel(ctx context.Context, client *clients.Client, params *oauthmodel.AuthorizationParameters) (*backchannel.Request, error) {
	var (
		r    *backchannel.Request
		err  error
		kind backchannel.Kind
	)
	if params.AuthReqID != "" {
		r, err = as.backchannel.Get(ctx, params.AuthReqID)
		kind = backchannel.KindCIBA
	} else {
		r, err = as.backchannel.FindByUserCode(ctx, params.UserCode)
		kind = backchannel.KindDevice
	}
	if errors.Is(err, errors.ErrNotFound) {
		return nil, oauthmodel.InvalidRequest("The backchannel request is unknown or has expired.").WithCause(err)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.pendingBackchannel] lookup")
	}
	if r.Kind != kind || r.ClientID != client.ID {
		return nil, oauthmodel.InvalidRequest("The backchannel request does not belong to this client.")
	}
	if r.Status != backchannel.StatusPending || r.Expired(as.nowTime()) {
		return nil, oauthmodel.InvalidRequest("The backchannel request is no longer pending.")
	}
	return r, nil
}

// runDecision evaluates the state machine, applies its side effects to the session and saves it.
func (as *AuthorizationService) runDecision(ctx context.Context, req AuthorizeRequest, client *clients.Client, params *oauthmodel.AuthorizationParameters, session *sessions.Session) (decision, *consent.Authorization, error) {
	consentGranted := false
	if req.ConsentGranted {
		if !validTicket(session.Attributes[attrConsentTicket], req.ConsentTicket) {
			return decision{}, nil, oauthmodel.InvalidRequest("The consent ticket is invalid.")
		}
		consentGranted = true
		delete(session.Attributes, attrConsentTicket)
	}

	var persisted *consent.Authorization
	in := decisionInput{
		now:            as.nowTime(),
		client:         client,
		params:         params,
		session:        session,
		consentGranted: consentGranted,

		reauthOnMaxAgeZero: as.policy.ReauthenticateOnMaxAgeZero,
	}
	if session.IsAuthenticated() {
		if client.PersistClientAuthorizations {
			a, err := as.repos.Consents.Find(ctx, session.UserID, client.ID)
			switch {
			case err == nil:
				persisted = a
			case !errors.Is(err, errors.ErrNotFound):
				return decision{}, nil, errors.Wrapf(err, "[AuthorizationService.runDecision] consents.Find")
			}
			in.persisted = persisted
		}
		if as.postAuthn != nil {
			in.forceReAuth = as.postAuthn.ForceReAuthentication(ctx, client, session)
			in.forceConsent = as.postAuthn.ForceAuthorization(ctx, client, session)
		}
	}

	d := decide(in)

	if d.unauthenticate {
		session.Unauthenticate()
	}
	for _, p := range d.stripPrompts {
		params.RemovePrompt(p)
	}
	if d.grantPermission && d.err == nil {
		session.GrantPermission(client.ID)
	}
	if d.clearConsent && persisted != nil {
		if err := as.repos.Consents.Delete(ctx, session.UserID, client.ID); err != nil {
			return decision{}, nil, errors.Wrapf(err, "[AuthorizationService.runDecision] consents.Delete")
		}
		persisted = nil
	}
	if d.outcome == OutcomeConsent {
		session.Attributes[attrConsentTicket] = uuid.NewString()
	}
	session.Attributes[attrRequestedACR] = firstOrEmpty(params.ACRValues)
	session.LastUsedAt = in.now
	if err := as.repos.Sessions.Upsert(ctx, session); err != nil {
		return decision{}, nil, errors.Wrapf(err, "[AuthorizationService.runDecision] sessions.Upsert")
	}
	return d, persisted, nil
}

// issueAuthorizationResponse mints the code and front channel tokens of a successful request.
func (as *AuthorizationService) issueAuthorizationResponse(ctx context.Context, client *clients.Client, params *oauthmodel.AuthorizationParameters, session *sessions.Session, details grant.AuthorizationDetails) (url.Values, error) {
	now := as.nowTime()
	types := params.ResponseTypes

	var g *grant.Grant
	if types.Has(oauthmodel.CodeResponseType) {
		g = grant.New(client.ID, session.UserID, &grant.AuthorizationCode{
			RedirectURI:         params.RedirectURI,
			CodeChallenge:       params.CodeChallenge,
			CodeChallengeMethod: params.CodeChallengeMethod,
			DPoPJkt:             params.DPoPJkt,
		}, now, as.tokens.Lifetimes().AuthorizationCode)
	} else {
		g = grant.New(client.ID, session.UserID, &grant.Implicit{}, now, as.tokens.Lifetimes().AccessToken)
	}
	g.Scopes = params.Scopes
	g.AuthorizationDetails = details
	g.SessionID = session.ID
	g.ACR = session.ACR
	g.AuthTime = session.AuthenticatedAt
	g.Nonce = params.Nonce
	g.Claims = params.Claims

	out := url.Values{}
	var code, accessToken string
	if types.Has(oauthmodel.CodeResponseType) {
		record, err := as.tokens.CreateAuthorizationCode(ctx, g)
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.issueAuthorizationResponse] code")
		}
		code = record.Value
		out.Set("code", code)
	}
	if types.Has(oauthmodel.TokenResponseType) {
		at, err := as.tokens.CreateAccessToken(ctx, g, token.AccessTokenOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.issueAuthorizationResponse] access token")
		}
		accessToken = at.Value
		out.Set("access_token", at.Value)
		out.Set("token_type", at.TokenType)
		out.Set("expires_in", strconv.FormatInt(at.ExpiresIn(now), 10))
	}
	if types.Has(oauthmodel.IDTokenResponseType) {
		idt, err := as.tokens.CreateIDToken(ctx, g, token.IDTokenParams{
			Nonce:          params.Nonce,
			Code:           code,
			AccessToken:    accessToken,
			State:          params.State,
			PostProcessors: []token.ClaimMutator{token.WithSessionID(session.OutsideSID)},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.issueAuthorizationResponse] id token")
		}
		if idt != nil {
			out.Set("id_token", idt.Value)
		}
	}
	if params.State != "" {
		out.Set("state", params.State)
	}
	out.Set("iss", as.tokens.Issuer())
	if types.TokenBearing() && len(g.Scopes) > 0 {
		out.Set("scope", utils.JoinSpaces(g.Scopes))
	}

	if err := as.saveGrant(ctx, g); err != nil {
		return nil, err
	}
	return out, nil
}

// errorResult returns err to the verified redirect URI of the request.
func (as *AuthorizationService) errorResult(client *clients.Client, params *oauthmodel.AuthorizationParameters, session *sessions.Session, err error) (*AuthorizeResult, error) {
	oauthErr := oauthmodel.AsError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		log.Err(oauthErr.Unwrap()).Str("client_id", client.ID).Msg("authorization request failed")
	}
	out := url.Values{"error": {string(oauthErr.Code)}}
	if oauthErr.Description != "" {
		out.Set("error_description", oauthErr.Description)
	}
	if oauthErr.Hint != "" {
		out.Set("error_hint", oauthErr.Hint)
	}
	if params.State != "" {
		out.Set("state", params.State)
	}
	out.Set("iss", as.tokens.Issuer())

	if !params.ResponseMode.Valid() {
		params.ResponseMode = ""
	}
	resp, encErr := as.encodeResponse(client, params, out)
	if encErr != nil {
		return nil, encErr
	}
	return &AuthorizeResult{
		Outcome:  OutcomeRedirect,
		Client:   client,
		Session:  session,
		Params:   params,
		Response: resp,
		Err:      oauthErr,
	}, nil
}

// encodeResponse applies the response mode, wrapping the parameters in a JARM JWT when asked.
func (as *AuthorizationService) encodeResponse(client *clients.Client, params *oauthmodel.AuthorizationParameters, out url.Values) (*AuthorizationResponse, error) {
	mode := params.ResponseMode.Resolve(params.ResponseTypes)
	if mode.IsJARM() {
		encoded, err := as.jarm.Encode(client, out)
		if err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.encodeResponse] jarm")
		}
		out = url.Values{jarm.ResponseParam: {encoded}}
	}
	return &AuthorizationResponse{RedirectURI: params.RedirectURI, Mode: mode, Params: out}, nil
}

// DenyAuthorization answers the consent page's deny button: access_denied to the client, or
// a denied backchannel request.
func (as *AuthorizationService) DenyAuthorization(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := as.repos.Clients.Get(req.Params.Get("client_id"))
	if err != nil {
		return nil, oauthmodel.NewError(http.StatusUnauthorized, oauthmodel.ErrorUnauthorizedClient, "Unknown client.").WithCause(err)
	}
	session, err := as.repos.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, oauthmodel.InvalidRequest("No session.").WithCause(err)
	}
	if !validTicket(session.Attributes[attrConsentTicket], req.ConsentTicket) {
		return nil, oauthmodel.InvalidRequest("The consent ticket is invalid.")
	}
	delete(session.Attributes, attrConsentTicket)
	if err := as.repos.Sessions.Upsert(ctx, session); err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.DenyAuthorization] sessions.Upsert")
	}

	params := oauthmodel.ParseAuthorizationParameters(req.Params)
	if params.AuthReqID != "" || params.UserCode != "" {
		r, err := as.pendingBackchannel(ctx, client, params)
		if err != nil {
			return nil, err
		}
		if _, err := as.backchannel.Deny(ctx, r.ID); err != nil {
			return nil, errors.Wrapf(err, "[AuthorizationService.DenyAuthorization] deny")
		}
		as.audit.SendMessage(ctx, audit.Event{Timestamp: as.nowTime(), Action: "authorize", ClientID: client.ID, UserID: session.UserID, ErrorCode: string(oauthmodel.ErrorAccessDenied), IP: req.RemoteAddr})
		return &AuthorizeResult{Outcome: OutcomeBackchannelComplete, Client: client, Session: session, Params: params}, nil
	}

	redirectURI, err := as.validator.ResolveRedirectURI(params, client)
	if err != nil {
		return nil, err
	}
	params.RedirectURI = redirectURI
	as.audit.SendMessage(ctx, audit.Event{Timestamp: as.nowTime(), Action: "authorize", ClientID: client.ID, UserID: session.UserID, ErrorCode: string(oauthmodel.ErrorAccessDenied), IP: req.RemoteAddr})
	return as.errorResult(client, params, session, oauthmodel.AccessDenied("The end-user denied the request."))
}

func (as *AuthorizationService) persistConsent(ctx context.Context, client *clients.Client, session *sessions.Session, scopes []string, existing *consent.Authorization) error {
	if !client.PersistClientAuthorizations || client.Trusted || len(scopes) == 0 {
		return nil
	}
	a := existing
	if a == nil {
		a = &consent.Authorization{UserID: session.UserID, ClientID: client.ID}
	}
	if a.Covers(scopes) && existing != nil {
		return nil
	}
	a.Merge(scopes)
	a.UpdatedAt = as.nowTime()
	if err := as.repos.Consents.Save(ctx, a); err != nil {
		return errors.Wrapf(err, "[AuthorizationService.persistConsent] consents.Save")
	}
	return nil
}

// sessionFor loads the browser session or starts a new one. Expired sessions are replaced.
func (as *AuthorizationService) sessionFor(ctx context.Context, sessionID string) (*sessions.Session, error) {
	now := as.nowTime()
	session, err := as.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !now.Before(session.ExpiresAt) {
		session = sessions.New(now, as.policy.SessionLifetime)
	}
	if session.Attributes == nil {
		session.Attributes = map[string]string{}
	}
	return session, nil
}

func validTicket(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
