package auth

import (
	"context"
	"time"

	"github.com/jrsteele09/go-grant-server/assertion"
	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/backchannel"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/dpop"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/grant/singleuse"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/jarm"
	"github.com/jrsteele09/go-grant-server/metrics"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/par"
	"github.com/jrsteele09/go-grant-server/scope"
	"github.com/jrsteele09/go-grant-server/sessions"
	"github.com/jrsteele09/go-grant-server/token"
	"github.com/jrsteele09/go-grant-server/token/keys"
	"github.com/jrsteele09/go-grant-server/users"
)

// Repos holds all repository dependencies for the AuthorizationService
type Repos struct {
	Users    users.UserRepo // Resource owners
	Clients  clients.Repo   // Registered relying parties
	Sessions sessions.Repo  // Browser sessions at the authorization server
	Grants   grant.Store    // Grants and the token indexes
	Consents consent.Store  // Persisted per user/client consent
}

// AuthorizationService drives the authorization endpoint and the token endpoint.
type AuthorizationService struct {
	repos       Repos
	tokens      *token.Factory
	keys        keys.Provider
	policy      Policy
	scopes      *scope.Checker
	enforcer    *singleuse.Enforcer
	backchannel *backchannel.Service
	pushed      par.Store
	dpop        *dpop.Verifier
	assertions  *assertion.Verifier
	jarm        *jarm.Encoder
	inspector   *token.Inspector
	validator   *Validator
	audit       audit.Logger
	metrics     *metrics.Metrics
	filter      AuthenticationFilter
	postAuthn   PostAuthnPolicy
	nowTime     func() time.Time // nowTime function (injectable for testing)
}

// AuthorizationServiceOption defines a function type to modify the AuthorizationService instance.
type AuthorizationServiceOption func(*AuthorizationService)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.nowTime = nowFunc
	}
}

func WithAuditLogger(logger audit.Logger) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.audit = logger
	}
}

func WithMetrics(m *metrics.Metrics) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.metrics = m
	}
}

func WithScopeChecker(checker *scope.Checker) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.scopes = checker
	}
}

// WithEnforcer shares one single-use enforcer between services in the same process.
func WithEnforcer(enforcer *singleuse.Enforcer) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.enforcer = enforcer
	}
}

func WithBackchannel(svc *backchannel.Service) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.backchannel = svc
	}
}

// WithPushedRequestStore keeps pushed authorization requests somewhere other than memory.
func WithPushedRequestStore(store par.Store) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.pushed = store
	}
}

func WithDPoPVerifier(v *dpop.Verifier) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.dpop = v
	}
}

// WithAssertionVerifier replaces the default verifier, which only trusts this server's keys.
func WithAssertionVerifier(v *assertion.Verifier) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.assertions = v
	}
}

func WithAuthenticationFilter(filter AuthenticationFilter) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.filter = filter
	}
}

func WithPostAuthnPolicy(p PostAuthnPolicy) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.postAuthn = p
	}
}

// NewAuthorizationService initializes a new AuthorizationService with required dependencies.
// Collaborators that are not supplied through options get in-process defaults.
func NewAuthorizationService(
	repos Repos,
	tokens *token.Factory,
	provider keys.Provider,
	policy Policy,
	options ...AuthorizationServiceOption,
) (*AuthorizationService, error) {
	// Validate required parameters
	if repos.Users == nil {
		return nil, errors.New("[NewAuthorizationService] Users repo is required")
	}
	if repos.Clients == nil {
		return nil, errors.New("[NewAuthorizationService] Clients repo is required")
	}
	if repos.Sessions == nil {
		return nil, errors.New("[NewAuthorizationService] Sessions repo is required")
	}
	if repos.Grants == nil {
		return nil, errors.New("[NewAuthorizationService] Grants store is required")
	}
	if repos.Consents == nil {
		return nil, errors.New("[NewAuthorizationService] Consents store is required")
	}
	if tokens == nil {
		return nil, errors.New("[NewAuthorizationService] token factory is required")
	}
	if provider == nil {
		return nil, errors.New("[NewAuthorizationService] key provider is required")
	}
	if policy.SessionLifetime <= 0 {
		policy.SessionLifetime = 24 * time.Hour
	}
	if policy.DPoPProofMaxAge <= 0 {
		policy.DPoPProofMaxAge = 5 * time.Minute
	}

	as := &AuthorizationService{
		repos:     repos,
		tokens:    tokens,
		keys:      provider,
		policy:    policy,
		scopes:    scope.NewChecker(),
		enforcer:  singleuse.New(),
		validator: NewValidator(policy),
		audit:     nopAuditLogger{},
		nowTime:   time.Now,
	}

	// Apply optional configuration
	for _, opt := range options {
		opt(as)
	}

	now := func() time.Time { return as.nowTime() }
	if as.backchannel == nil {
		as.backchannel = backchannel.NewService(backchannel.NewInMemoryStore(), backchannel.Config{}, backchannel.WithNowFunc(now))
	}
	if as.pushed == nil {
		as.pushed = par.NewInMemoryStore()
	}
	if as.dpop == nil {
		as.dpop = dpop.NewVerifier(policy.DPoPProofMaxAge,
			dpop.WithNowFunc(now),
			dpop.WithReplayCache(dpop.ReplayCacheFunc(repos.Grants.MarkAssertionUsed)),
		)
	}
	if as.assertions == nil {
		as.assertions = assertion.NewVerifier(
			assertion.WithNowFunc(now),
			assertion.WithReplayCache(assertion.ReplayCacheFunc(repos.Grants.MarkAssertionUsed)),
		)
		as.assertions.Trust(tokens.Issuer(), provider.PublicKeys())
	}
	as.jarm = jarm.NewEncoder(provider, tokens.Issuer(), tokens.Lifetimes().AuthorizationCode, jarm.WithNowFunc(now))
	as.inspector = token.NewInspector(repos.Grants, tokens.Issuer(), now)

	return as, nil
}

// Backchannel exposes the CIBA and device request service, e.g. for the verification page.
func (as *AuthorizationService) Backchannel() *backchannel.Service {
	return as.backchannel
}

// Login checks the credentials entered on the login page and authenticates the session.
func (as *AuthorizationService) Login(ctx context.Context, sessionID, username, password string) (*sessions.Session, error) {
	session, err := as.repos.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.Login] sessions.Get")
	}

	user, err := as.authenticateUser(username, password)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.Login] authenticate")
	}

	now := as.nowTime()
	session.Authenticate(user.ID, session.Attributes[attrRequestedACR], now)
	session.LastUsedAt = now
	if err := as.repos.Sessions.Upsert(ctx, session); err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.Login] sessions.Upsert")
	}
	if err := as.repos.Users.SetLastLogin(user.ID, now); err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.Login] users.SetLastLogin")
	}
	return session, nil
}

// Logout ends the browser session. Grants issued during it keep their tokens.
func (as *AuthorizationService) Logout(ctx context.Context, sessionID string) error {
	if err := as.repos.Sessions.Delete(ctx, sessionID); err != nil {
		return errors.Wrapf(err, "[AuthorizationService.Logout] sessions.Delete")
	}
	return nil
}

func (as *AuthorizationService) authenticateUser(username, password string) (*users.User, error) {
	if username == "" || password == "" {
		return nil, errors.ErrInvalidCredentials
	}
	user, err := as.repos.Users.GetByUsername(username)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidCredentials, "unknown user")
	}
	if !users.CheckPasswordHash(password, user.PasswordHash) {
		return nil, errors.ErrInvalidCredentials
	}
	if !user.CanAuthenticate() {
		return nil, errors.Wrapf(errors.ErrInvalidCredentials, "user %s is blocked", user.ID)
	}
	return user, nil
}

// IntrospectToken validates and returns metadata about an access token.
// The caller must be an authenticated client; tokens of other clients are reported inactive.
func (as *AuthorizationService) IntrospectToken(ctx context.Context, rawToken, clientID, clientSecret string) (*token.Introspection, error) {
	client, err := as.validator.AuthenticateClient(as.repos.Clients, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, oauthmodel.InvalidClient("Public clients cannot introspect tokens.")
	}
	return as.inspector.Introspect(ctx, rawToken)
}

// RevokeToken revokes the grant behind an access or refresh token of the calling client.
// Unknown tokens are not an error (RFC 7009 section 2.2).
func (as *AuthorizationService) RevokeToken(ctx context.Context, rawToken, clientID, clientSecret string) error {
	client, err := as.validator.AuthenticateClient(as.repos.Clients, clientID, clientSecret)
	if err != nil {
		return err
	}

	g, err := as.repos.Grants.FindByRefreshToken(ctx, client.ID, rawToken)
	if errors.Is(err, errors.ErrNotFound) {
		g, err = as.repos.Grants.FindByAccessToken(ctx, rawToken)
	}
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "[AuthorizationService.RevokeToken] find grant")
	}
	if g.ClientID != client.ID {
		return nil
	}
	if err := as.repos.Grants.RemoveGrant(ctx, g.ID); err != nil {
		return errors.Wrapf(err, "[AuthorizationService.RevokeToken] remove grant")
	}
	return nil
}

// UserInfo returns the claims of the user an access token was issued for.
func (as *AuthorizationService) UserInfo(ctx context.Context, rawToken string) (map[string]any, error) {
	g, _, err := as.inspector.Lookup(ctx, rawToken)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "[AuthorizationService.UserInfo] %v", err)
	}
	if g.UserID == "" || !g.HasScope(oauthmodel.OpenIDScope) {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "[AuthorizationService.UserInfo] token has no user")
	}

	user, err := as.repos.Users.GetByID(g.UserID)
	if err != nil {
		return nil, errors.Wrapf(err, "[AuthorizationService.UserInfo] users.GetByID")
	}
	if !user.CanAuthenticate() {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "[AuthorizationService.UserInfo] user is blocked")
	}

	claims := user.Claims(g.Scopes)
	claims["sub"] = user.ID
	return claims, nil
}

type nopAuditLogger struct{}

func (nopAuditLogger) SendMessage(context.Context, audit.Event) {}
