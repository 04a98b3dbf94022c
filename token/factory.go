// Package token mints the artifacts handed to clients: authorization codes, access tokens,
// refresh tokens, ID tokens and transaction tokens.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/internal/utils"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/token/keys"
	"github.com/jrsteele09/go-grant-server/users"
)

const (
	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"
)

// Lifetimes of the artifacts the factory mints.
type Lifetimes struct {
	AuthorizationCode time.Duration
	AccessToken       time.Duration
	IDToken           time.Duration
	RefreshToken      time.Duration
	TxToken           time.Duration
}

type Config struct {
	Issuer    string
	Lifetimes Lifetimes
	// RefreshRequiresOfflineAccess withholds refresh tokens unless offline_access is granted.
	RefreshRequiresOfflineAccess bool
	// ExtendRefreshOnRotation is stamped on new refresh tokens; see grant.TokenRecord.
	ExtendRefreshOnRotation bool
	// SigningAlg selects the server key for JWTs. Empty means the default key.
	SigningAlg string
}

// Factory creates token artifacts for a grant. It attaches access and refresh tokens to the
// in-memory grant and never persists anything; callers save the grant.
type Factory struct {
	keys    keys.Provider
	clients clients.Repo
	users   users.UserRepo
	cfg     Config
	now     func() time.Time
}

type FactoryOption func(*Factory)

func WithNowFunc(now func() time.Time) FactoryOption {
	return func(f *Factory) {
		f.now = now
	}
}

// WithUserRepo releases profile and email claims in ID tokens.
func WithUserRepo(repo users.UserRepo) FactoryOption {
	return func(f *Factory) {
		f.users = repo
	}
}

func NewFactory(provider keys.Provider, clientRepo clients.Repo, cfg Config, options ...FactoryOption) *Factory {
	f := &Factory{
		keys:    provider,
		clients: clientRepo,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(f)
	}

	if f.cfg.Lifetimes.AuthorizationCode == 0 {
		f.cfg.Lifetimes.AuthorizationCode = 10 * time.Minute
	}
	if f.cfg.Lifetimes.AccessToken == 0 {
		f.cfg.Lifetimes.AccessToken = time.Hour
	}
	if f.cfg.Lifetimes.IDToken == 0 {
		f.cfg.Lifetimes.IDToken = time.Hour
	}
	if f.cfg.Lifetimes.RefreshToken == 0 {
		f.cfg.Lifetimes.RefreshToken = 14 * 24 * time.Hour
	}
	if f.cfg.Lifetimes.TxToken == 0 {
		f.cfg.Lifetimes.TxToken = time.Minute
	}
	return f
}

func (f *Factory) Issuer() string {
	return f.cfg.Issuer
}

func (f *Factory) Lifetimes() Lifetimes {
	return f.cfg.Lifetimes
}

// CreateAuthorizationCode mints the code of an authorization code grant and records it on
// the grant's variant.
func (f *Factory) CreateAuthorizationCode(_ context.Context, g *grant.Grant) (*grant.TokenRecord, error) {
	v, ok := grant.VariantOf[*grant.AuthorizationCode](g)
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidState, "[Factory.CreateAuthorizationCode] grant %s is %s", g.ID, g.Type())
	}
	value, err := randomValue()
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.CreateAuthorizationCode] random")
	}
	now := f.now()
	record := &grant.TokenRecord{
		Value:     value,
		Kind:      grant.KindAuthorizationCode,
		GrantID:   g.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(f.cfg.Lifetimes.AuthorizationCode),
	}
	v.Code = record
	v.OriginCode = value
	return record, nil
}

type AccessTokenOptions struct {
	// CertThumbprint is the x5t#S256 of the client certificate, for mTLS bound tokens.
	CertThumbprint string
	// DPoPJkt is the JWK thumbprint of a verified DPoP proof.
	DPoPJkt string
}

// CreateAccessToken mints an opaque access token, or a signed JWT for clients registered for
// JWT access tokens.
func (f *Factory) CreateAccessToken(_ context.Context, g *grant.Grant, opts AccessTokenOptions) (*grant.TokenRecord, error) {
	client, err := f.clients.Get(g.ClientID)
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.CreateAccessToken] client %s", g.ClientID)
	}

	now := f.now()
	record := &grant.TokenRecord{
		Kind:           grant.KindAccessToken,
		GrantID:        g.ID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(f.cfg.Lifetimes.AccessToken),
		TokenType:      TokenTypeBearer,
		CertThumbprint: opts.CertThumbprint,
		DPoPJkt:        opts.DPoPJkt,
	}
	if opts.DPoPJkt != "" {
		record.TokenType = TokenTypeDPoP
	}

	if client.AccessTokenAsJWT {
		record.Value, err = f.signAccessToken(g, record)
	} else {
		record.Value, err = randomValue()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.CreateAccessToken] mint")
	}

	g.AddAccessToken(record)
	return record, nil
}

func (f *Factory) signAccessToken(g *grant.Grant, record *grant.TokenRecord) (string, error) {
	sub := g.UserID
	if sub == "" {
		sub = g.ClientID
	}
	claims := jwt.MapClaims{
		"iss":        f.cfg.Issuer,
		"sub":        sub,
		"aud":        g.ClientID,
		"client_id":  g.ClientID,
		"scope":      utils.JoinSpaces(g.Scopes),
		"token_type": record.TokenType,
		"iat":        record.IssuedAt.Unix(),
		"exp":        record.ExpiresAt.Unix(),
		"jti":        uuid.NewString(),
	}
	if g.ACR != "" {
		claims["acr"] = g.ACR
	}
	if !g.AuthTime.IsZero() {
		claims["auth_time"] = g.AuthTime.Unix()
	}
	if len(g.AuthorizationDetails) > 0 {
		claims["authorization_details"] = g.AuthorizationDetails
	}
	cnf := map[string]string{}
	if record.DPoPJkt != "" {
		cnf["jkt"] = record.DPoPJkt
	}
	if record.CertThumbprint != "" {
		cnf["x5t#S256"] = record.CertThumbprint
	}
	if len(cnf) > 0 {
		claims["cnf"] = cnf
	}
	return f.keys.Sign(f.cfg.SigningAlg, claims, map[string]any{"typ": "at+jwt"})
}

// CreateRefreshToken mints a refresh token with a fresh lifetime (lifetimeOverride when
// positive). It returns nil, nil when the client may not use the refresh_token grant or
// offline_access is required and missing.
func (f *Factory) CreateRefreshToken(ctx context.Context, g *grant.Grant, lifetimeOverride time.Duration) (*grant.TokenRecord, error) {
	lifetime := f.cfg.Lifetimes.RefreshToken
	if lifetimeOverride > 0 {
		lifetime = lifetimeOverride
	}
	return f.createRefreshToken(ctx, g, f.now().Add(lifetime), f.cfg.ExtendRefreshOnRotation)
}

// CreateRefreshTokenWithExpiry mints a rotated refresh token that keeps the expiry of the
// token it replaces.
func (f *Factory) CreateRefreshTokenWithExpiry(ctx context.Context, g *grant.Grant, expiresAt time.Time) (*grant.TokenRecord, error) {
	return f.createRefreshToken(ctx, g, expiresAt, false)
}

func (f *Factory) createRefreshToken(_ context.Context, g *grant.Grant, expiresAt time.Time, extend bool) (*grant.TokenRecord, error) {
	client, err := f.clients.Get(g.ClientID)
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.CreateRefreshToken] client %s", g.ClientID)
	}
	if !client.AllowsGrantType(oauthmodel.RefreshTokenGrant) {
		return nil, nil
	}
	if f.cfg.RefreshRequiresOfflineAccess && !g.HasScope(oauthmodel.OfflineAccessScope) {
		return nil, nil
	}

	now := f.now()
	if !expiresAt.After(now) {
		return nil, errors.Wrapf(errors.ErrExpired, "[Factory.CreateRefreshToken] expiry %s is not in the future", expiresAt)
	}
	value, err := randomValue()
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.CreateRefreshToken] random")
	}
	record := &grant.TokenRecord{
		Value:                    value,
		Kind:                     grant.KindRefreshToken,
		IssuedAt:                 now,
		ExpiresAt:                expiresAt,
		ExtendLifetimeOnRotation: extend,
	}
	g.AddRefreshToken(record)
	return record, nil
}

// randomValue is 32 random bytes, base64url encoded.
func randomValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
