package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/sessions"
)

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	maxAge := 60

	loggedIn := func(ago time.Duration, acr string) *sessions.Session {
		s := sessions.New(now.Add(-ago), time.Hour)
		s.Authenticate("user-1", acr, now.Add(-ago))
		return s
	}
	permitted := func(s *sessions.Session) *sessions.Session {
		s.GrantPermission("client-1")
		return s
	}

	tests := []struct {
		name         string
		in           decisionInput
		outcome      Outcome
		code         oauthmodel.ErrorCode
		unauth       bool
		grant        bool
		clearConsent bool
	}{
		{
			name:    "anonymous session logs in",
			in:      decisionInput{session: sessions.New(now, time.Hour), params: &oauthmodel.AuthorizationParameters{}},
			outcome: OutcomeLogin,
		},
		{
			name:    "prompt none without login",
			in:      decisionInput{session: sessions.New(now, time.Hour), params: &oauthmodel.AuthorizationParameters{Prompts: []oauthmodel.Prompt{oauthmodel.PromptNone}}},
			outcome: OutcomeRedirect,
			code:    oauthmodel.ErrorLoginRequired,
		},
		{
			name:    "prompt login",
			in:      decisionInput{session: loggedIn(time.Minute, ""), params: &oauthmodel.AuthorizationParameters{Prompts: []oauthmodel.Prompt{oauthmodel.PromptLogin}}},
			outcome: OutcomeLogin,
			unauth:  true,
		},
		{
			name:    "acr not satisfied",
			in:      decisionInput{session: loggedIn(time.Minute, "urn:acr:pwd"), params: &oauthmodel.AuthorizationParameters{ACRValues: []string{"urn:acr:mfa"}}},
			outcome: OutcomeRedirect,
			code:    oauthmodel.ErrorSessionSelectionRequired,
		},
		{
			name:    "max age exceeded",
			in:      decisionInput{session: loggedIn(2*time.Minute, ""), params: &oauthmodel.AuthorizationParameters{MaxAge: &maxAge}},
			outcome: OutcomeLogin,
			unauth:  true,
		},
		{
			name:    "max age satisfied",
			in:      decisionInput{session: loggedIn(30*time.Second, ""), params: &oauthmodel.AuthorizationParameters{MaxAge: &maxAge}},
			outcome: OutcomeRedirect,
			grant:   true,
		},
		{
			name:    "untrusted client needs consent",
			in:      decisionInput{session: loggedIn(time.Minute, ""), params: &oauthmodel.AuthorizationParameters{Scopes: []string{"openid"}}},
			outcome: OutcomeConsent,
		},
		{
			name:    "prompt none needing consent",
			in:      decisionInput{session: loggedIn(time.Minute, ""), params: &oauthmodel.AuthorizationParameters{Scopes: []string{"openid"}, Prompts: []oauthmodel.Prompt{oauthmodel.PromptNone}}},
			outcome: OutcomeRedirect,
			code:    oauthmodel.ErrorConsentRequired,
		},
		{
			name:    "session already permitted",
			in:      decisionInput{session: permitted(loggedIn(time.Minute, "")), params: &oauthmodel.AuthorizationParameters{Scopes: []string{"openid"}}},
			outcome: OutcomeRedirect,
			grant:   true,
		},
		{
			name: "persisted consent covers the scopes",
			in: decisionInput{
				session:   loggedIn(time.Minute, ""),
				params:    &oauthmodel.AuthorizationParameters{Scopes: []string{"openid"}},
				persisted: &consent.Authorization{Scopes: []string{"openid", "profile"}},
			},
			outcome: OutcomeRedirect,
			grant:   true,
		},
		{
			name: "persisted consent is too narrow",
			in: decisionInput{
				session:   loggedIn(time.Minute, ""),
				params:    &oauthmodel.AuthorizationParameters{Scopes: []string{"openid", "email"}},
				persisted: &consent.Authorization{Scopes: []string{"openid"}},
			},
			outcome: OutcomeConsent,
		},
		{
			name:    "consent granted on resume",
			in:      decisionInput{session: loggedIn(time.Minute, ""), params: &oauthmodel.AuthorizationParameters{Scopes: []string{"openid"}}, consentGranted: true},
			outcome: OutcomeRedirect,
			grant:   true,
		},
		{
			name:         "prompt consent with prior permission",
			in:           decisionInput{session: permitted(loggedIn(time.Minute, "")), params: &oauthmodel.AuthorizationParameters{Scopes: []string{"openid"}, Prompts: []oauthmodel.Prompt{oauthmodel.PromptConsent}}},
			outcome:      OutcomeConsent,
			clearConsent: true,
		},
		{
			name:    "select account",
			in:      decisionInput{session: permitted(loggedIn(time.Minute, "")), params: &oauthmodel.AuthorizationParameters{Prompts: []oauthmodel.Prompt{oauthmodel.PromptSelectAccount}}},
			outcome: OutcomeSelectAccount,
		},
		{
			name:    "select account with prompt none",
			in:      decisionInput{session: permitted(loggedIn(time.Minute, "")), params: &oauthmodel.AuthorizationParameters{Prompts: []oauthmodel.Prompt{oauthmodel.PromptNone, oauthmodel.PromptSelectAccount}}},
			outcome: OutcomeRedirect,
			code:    oauthmodel.ErrorLoginRequired,
		},
		{
			name:    "forced reauthentication of an old login",
			in:      decisionInput{session: loggedIn(time.Minute, ""), params: &oauthmodel.AuthorizationParameters{}, forceReAuth: true},
			outcome: OutcomeLogin,
			unauth:  true,
		},
		{
			name:    "forced consent",
			in:      decisionInput{session: permitted(loggedIn(time.Minute, "")), params: &oauthmodel.AuthorizationParameters{}, forceConsent: true},
			outcome: OutcomeConsent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.now = now
			if in.client == nil {
				in.client = &clients.Client{ID: "client-1"}
			}

			d := decide(in)
			require.Equal(t, tt.outcome, d.outcome)
			if tt.code == "" {
				require.NoError(t, d.err)
			} else {
				require.True(t, oauthmodel.Is(d.err, tt.code), "want %s, got %v", tt.code, d.err)
			}
			require.Equal(t, tt.unauth, d.unauthenticate)
			require.Equal(t, tt.grant, d.grantPermission)
			require.Equal(t, tt.clearConsent, d.clearConsent)
		})
	}
}

func TestDecide_TrustedClientSkipsConsent(t *testing.T) {
	now := time.Now()
	s := sessions.New(now, time.Hour)
	s.Authenticate("user-1", "", now.Add(-time.Minute))

	d := decide(decisionInput{
		now:     now,
		client:  &clients.Client{ID: "client-1", Trusted: true},
		params:  &oauthmodel.AuthorizationParameters{Scopes: []string{"openid", "profile"}},
		session: s,
	})
	require.Equal(t, OutcomeRedirect, d.outcome)
	require.True(t, d.grantPermission)
}

func TestDecide_DefaultPromptLogin(t *testing.T) {
	now := time.Now()
	client := &clients.Client{ID: "client-1", Trusted: true, DefaultPromptLogin: true}

	stale := sessions.New(now, time.Hour)
	stale.Authenticate("user-1", "", now.Add(-time.Minute))
	d := decide(decisionInput{now: now, client: client, params: &oauthmodel.AuthorizationParameters{}, session: stale})
	require.Equal(t, OutcomeLogin, d.outcome)
	require.True(t, d.unauthenticate)

	// A login that just happened is not repeated.
	fresh := sessions.New(now, time.Hour)
	fresh.Authenticate("user-1", "", now)
	d = decide(decisionInput{now: now, client: client, params: &oauthmodel.AuthorizationParameters{}, session: fresh})
	require.Equal(t, OutcomeRedirect, d.outcome)
}

func TestDecide_LoginStripsPromptLogin(t *testing.T) {
	now := time.Now()
	params := &oauthmodel.AuthorizationParameters{Prompts: []oauthmodel.Prompt{oauthmodel.PromptLogin}}

	d := decide(decisionInput{now: now, client: &clients.Client{ID: "client-1"}, params: params, session: sessions.New(now, time.Hour)})
	require.Equal(t, OutcomeLogin, d.outcome)
	require.Equal(t, []oauthmodel.Prompt{oauthmodel.PromptLogin}, d.stripPrompts)
}

func TestDecide_MaxAgeZero(t *testing.T) {
	now := time.Now()
	client := &clients.Client{ID: "client-1", Trusted: true}
	zero := 0
	params := &oauthmodel.AuthorizationParameters{MaxAge: &zero}

	old := sessions.New(now, time.Hour)
	old.Authenticate("user-1", "", now.Add(-time.Hour))
	d := decide(decisionInput{now: now, client: client, params: params, session: old})
	require.Equal(t, OutcomeRedirect, d.outcome)
	require.False(t, d.unauthenticate)

	d = decide(decisionInput{now: now, client: client, params: params, session: old, reauthOnMaxAgeZero: true})
	require.Equal(t, OutcomeLogin, d.outcome)
	require.True(t, d.unauthenticate)

	// The login that answered the demand is accepted.
	fresh := sessions.New(now, time.Hour)
	fresh.Authenticate("user-1", "", now)
	d = decide(decisionInput{now: now, client: client, params: params, session: fresh, reauthOnMaxAgeZero: true})
	require.Equal(t, OutcomeRedirect, d.outcome)

	// A client default of zero behaves the same.
	d = decide(decisionInput{now: now, client: &clients.Client{ID: "client-1", Trusted: true, DefaultMaxAge: &zero}, params: &oauthmodel.AuthorizationParameters{}, session: old})
	require.Equal(t, OutcomeRedirect, d.outcome)
}
