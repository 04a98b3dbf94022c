package auth

import (
	"time"

	"github.com/jrsteele09/go-grant-server/backchannel"
	"github.com/jrsteele09/go-grant-server/internal/config"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/token"
)

// defaultPromptLoginAge is how old a session must be before a client's DefaultPromptLogin
// forces a new login. A session that has just logged in is younger and proceeds.
const defaultPromptLoginAge = 200 * time.Millisecond

// Policy holds the server wide switches the services consult per request.
type Policy struct {
	// RequirePKCE demands a code_challenge on every code flow, not only for public clients.
	RequirePKCE bool
	// SkipRefreshTokenOnRefresh keeps the presented refresh token instead of rotating it.
	SkipRefreshTokenOnRefresh bool
	// OpenIDScopeBackwardCompatibility issues ID tokens on client_credentials.
	OpenIDScopeBackwardCompatibility bool
	// ReauthenticateOnMaxAgeZero treats max_age=0 as a demand for a new login. Off, max_age=0
	// accepts the existing session.
	ReauthenticateOnMaxAgeZero bool
	// RequirePAR refuses authorization requests without a pushed request_uri for every client.
	RequirePAR bool
	// PARLifetime is how long a pushed request_uri stays redeemable.
	PARLifetime time.Duration
	// DisabledGrantTypes are refused with unsupported_grant_type for every client.
	DisabledGrantTypes []oauthmodel.GrantType
	DPoPProofMaxAge    time.Duration
	SessionLifetime    time.Duration
	// TokenEndpoint is the absolute token endpoint URL, an accepted assertion audience.
	TokenEndpoint string
}

// PolicyFromConfig reads the policy from the environment backed configuration.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		RequirePKCE:                      cfg.GetRequirePKCE(),
		SkipRefreshTokenOnRefresh:        cfg.GetSkipRefreshTokenDuringRefreshing(),
		OpenIDScopeBackwardCompatibility: cfg.GetOpenIDScopeBackwardCompatibility(),
		ReauthenticateOnMaxAgeZero:       cfg.GetReauthenticateOnMaxAgeZero(),
		RequirePAR:                       cfg.GetRequirePAR(),
		PARLifetime:                      cfg.GetPARLifetime(),
		DPoPProofMaxAge:                  cfg.GetDPoPProofMaxAge(),
		SessionLifetime:                  cfg.GetMaxSessionAge(),
		TokenEndpoint:                    cfg.GetBaseURL() + "/oauth2/token",
	}
}

// TokenConfigFromConfig builds the token factory configuration.
func TokenConfigFromConfig(cfg config.Config) token.Config {
	return token.Config{
		Issuer: cfg.GetBaseURL(),
		Lifetimes: token.Lifetimes{
			AuthorizationCode: cfg.GetAuthCodeTimeout(),
			AccessToken:       cfg.GetDefaultAccessTokenExpiry(),
			IDToken:           cfg.GetDefaultIDTokenExpiry(),
			RefreshToken:      cfg.GetDefaultRefreshTokenExpiry(),
		},
		RefreshRequiresOfflineAccess: cfg.GetRefreshRequiresOfflineAccess(),
		ExtendRefreshOnRotation:      cfg.GetRefreshTokenExtendLifetimeOnRotation(),
	}
}

// BackchannelConfigFromConfig builds the CIBA and device flow configuration.
func BackchannelConfigFromConfig(cfg config.Config) backchannel.Config {
	return backchannel.Config{
		Interval:        cfg.GetBackchannelPollInterval(),
		Lifetime:        cfg.GetBackchannelRequestLifetime(),
		VerificationURI: cfg.GetBaseURL() + "/device",
	}
}
