// Package assertion verifies signed JWTs presented as credentials: jwt-bearer assertions and
// token exchange subject and actor tokens.
package assertion

import (
	"context"
	"crypto"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var (
	ErrUntrustedIssuer = errors.New("assertion issuer is not trusted")
	ErrAudience        = errors.New("assertion audience does not match")
	ErrMissingJTI      = errors.New("assertion has no jti")
	ErrReplayed        = errors.New("assertion was already used")
)

var supportedAlgs = []string{
	oidc.RS256, oidc.RS384, oidc.RS512, oidc.PS256, oidc.PS384, oidc.PS512,
	oidc.ES256, oidc.ES384, oidc.ES512, oidc.EdDSA,
}

// ReplayCache records assertion ids until they expire. MarkUsed returns false for a repeat.
type ReplayCache interface {
	MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

type ReplayCacheFunc func(ctx context.Context, jti string, expiresAt time.Time) (bool, error)

func (f ReplayCacheFunc) MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	return f(ctx, jti, expiresAt)
}

// Assertion is a verified JWT.
type Assertion struct {
	Issuer   string
	Subject  string
	Audience []string
	JTI      string
	Expiry   time.Time
	IssuedAt time.Time
	Nonce    string
	Claims   map[string]any
}

type VerifyOptions struct {
	// Audiences are the accepted "aud" values; at least one must be present.
	Audiences []string
	// RequireJTI rejects assertions without a jti and records the jti as used.
	RequireJTI bool
}

// Verifier checks signatures with go-oidc over static key sets: this server's own keys and
// those of any trusted issuer.
type Verifier struct {
	mu        sync.RWMutex
	verifiers map[string]*oidc.IDTokenVerifier
	replay    ReplayCache
	now       func() time.Time
}

type VerifierOption func(*Verifier)

func WithNowFunc(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

func WithReplayCache(cache ReplayCache) VerifierOption {
	return func(v *Verifier) {
		v.replay = cache
	}
}

func NewVerifier(options ...VerifierOption) *Verifier {
	v := &Verifier{
		verifiers: map[string]*oidc.IDTokenVerifier{},
		now:       time.Now,
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Trust registers the public keys of an issuer.
func (v *Verifier) Trust(issuer string, keys []crypto.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifiers[issuer] = oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{
		SkipClientIDCheck:    true,
		SupportedSigningAlgs: supportedAlgs,
		Now:                  func() time.Time { return v.now() },
	})
}

func (v *Verifier) Verify(ctx context.Context, raw string, opts VerifyOptions) (*Assertion, error) {
	// The issuer picks the key set, so it is read before the signature is checked.
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "[Verifier.Verify] parse: %v", err)
	}
	iss, _ := unverified.Claims.GetIssuer()

	v.mu.RLock()
	verifier, ok := v.verifiers[iss]
	v.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUntrustedIssuer, "[Verifier.Verify] %q", iss)
	}

	token, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "[Verifier.Verify] %v", err)
	}
	if len(opts.Audiences) > 0 && !slices.ContainsFunc(token.Audience, func(aud string) bool {
		return slices.Contains(opts.Audiences, aud)
	}) {
		return nil, errors.Wrapf(ErrAudience, "[Verifier.Verify] aud %v", token.Audience)
	}

	claims := map[string]any{}
	if err := token.Claims(&claims); err != nil {
		return nil, errors.Wrapf(err, "[Verifier.Verify] claims")
	}
	jti, _ := claims["jti"].(string)
	a := &Assertion{
		Issuer:   token.Issuer,
		Subject:  token.Subject,
		Audience: token.Audience,
		JTI:      jti,
		Expiry:   token.Expiry,
		IssuedAt: token.IssuedAt,
		Nonce:    token.Nonce,
		Claims:   claims,
	}

	if opts.RequireJTI {
		if jti == "" {
			return nil, errors.Wrapf(ErrMissingJTI, "[Verifier.Verify] iss %s", iss)
		}
		if v.replay != nil {
			fresh, err := v.replay.MarkUsed(ctx, iss+"#"+jti, token.Expiry)
			if err != nil {
				return nil, errors.Wrapf(err, "[Verifier.Verify] replay cache")
			}
			if !fresh {
				return nil, errors.Wrapf(ErrReplayed, "[Verifier.Verify] jti %s", jti)
			}
		}
	}
	return a, nil
}
