package auth

import (
	"slices"
	"time"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/sessions"
)

// Outcome is what the authorization endpoint does with a request.
type Outcome string

const (
	// OutcomeRedirect returns the authorization response (or a redirectable error) to the client.
	OutcomeRedirect      Outcome = "redirect"
	OutcomeLogin         Outcome = "login"
	OutcomeConsent       Outcome = "consent"
	OutcomeSelectAccount Outcome = "select_account"
	// OutcomeBackchannelComplete ends a CIBA or device approval or denial; there is nothing to redirect.
	OutcomeBackchannelComplete Outcome = "backchannel_complete"
)

const acrHint = "Use prompt=login in order to alter existing session."

// decisionInput is everything the consent and session state machine looks at.
type decisionInput struct {
	now     time.Time
	client  *clients.Client
	params  *oauthmodel.AuthorizationParameters
	session *sessions.Session
	// consentGranted is set when the request resumes from the consent page.
	consentGranted bool
	// persisted is the user's remembered consent for the client, nil when none.
	persisted    *consent.Authorization
	forceReAuth  bool
	forceConsent bool
	// reauthOnMaxAgeZero makes max_age=0 demand a login that just happened.
	reauthOnMaxAgeZero bool
}

// decision is the outcome plus the side effects the orchestrator applies.
type decision struct {
	outcome Outcome
	// err is set for outcomes that end the request with an authorization error.
	err error

	unauthenticate  bool
	grantPermission bool
	clearConsent    bool
	stripPrompts    []oauthmodel.Prompt
}

// decide runs the ordered session and consent checks. It has no side effects.
func decide(in decisionInput) decision {
	d := evaluate(in)
	if d.err == nil && in.params.HasPrompt(oauthmodel.PromptNone) {
		switch d.outcome {
		case OutcomeLogin, OutcomeSelectAccount:
			d.err = oauthmodel.LoginRequired("The end-user must log in.")
		case OutcomeConsent:
			d.err = oauthmodel.ConsentRequired("The end-user must consent.")
		}
	}
	if d.err != nil {
		d.outcome = OutcomeRedirect
	}
	return d
}

func evaluate(in decisionInput) decision {
	params, session, client := in.params, in.session, in.client

	if !session.IsAuthenticated() {
		// The login about to happen satisfies prompt=login; keeping it would loop.
		return decision{outcome: OutcomeLogin, stripPrompts: []oauthmodel.Prompt{oauthmodel.PromptLogin}}
	}

	freshLogin := session.AuthenticatedFor(in.now) <= defaultPromptLoginAge
	if params.HasPrompt(oauthmodel.PromptLogin) || (client.DefaultPromptLogin && !freshLogin) {
		return decision{
			outcome:        OutcomeLogin,
			unauthenticate: true,
			stripPrompts:   []oauthmodel.Prompt{oauthmodel.PromptLogin},
		}
	}

	if len(params.ACRValues) > 0 && !slices.Contains(params.ACRValues, session.ACR) {
		return decision{
			outcome: OutcomeRedirect,
			err:     oauthmodel.SessionSelectionRequired("The session does not satisfy the requested acr_values.").WithHint(acrHint),
		}
	}

	if maxAge := effectiveMaxAge(params, client); maxAge != nil {
		// max_age=0 is satisfied by any session unless the policy asks for a fresh login.
		expired := int(session.AuthenticatedFor(in.now)/time.Second) > *maxAge
		if *maxAge == 0 {
			expired = in.reauthOnMaxAgeZero && !freshLogin
		}
		if expired {
			return decision{outcome: OutcomeLogin, unauthenticate: true}
		}
	}

	if in.forceReAuth && !freshLogin {
		return decision{outcome: OutcomeLogin, unauthenticate: true}
	}
	if in.forceConsent && !in.consentGranted {
		return decision{outcome: OutcomeConsent}
	}

	d := decision{outcome: OutcomeRedirect}
	if len(params.Scopes) > 0 && !client.Trusted {
		switch {
		case in.consentGranted, session.HasPermission(client.ID):
			d.grantPermission = true
		case in.persisted != nil && in.persisted.Covers(params.Scopes):
			d.grantPermission = true
		default:
			return decision{outcome: OutcomeConsent}
		}
	} else {
		d.grantPermission = true
	}

	if params.HasPrompt(oauthmodel.PromptConsent) && !in.consentGranted {
		return decision{outcome: OutcomeConsent, clearConsent: true}
	}
	if params.HasPrompt(oauthmodel.PromptSelectAccount) {
		return decision{outcome: OutcomeSelectAccount}
	}
	return d
}

func effectiveMaxAge(params *oauthmodel.AuthorizationParameters, client *clients.Client) *int {
	if params.MaxAge != nil {
		return params.MaxAge
	}
	return client.DefaultMaxAge
}
