package token

import (
	"context"
	"crypto"
	_ "crypto/sha256" // registers SHA-256 for crypto.Hash.New
	_ "crypto/sha512"
	"encoding/base64"
	"maps"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/token/keys"
)

// ClaimMutator transforms ID token claims. It receives a copy and returns the claims to use.
type ClaimMutator func(claims jwt.MapClaims) jwt.MapClaims

// WithSessionID adds the public session id as "sid".
func WithSessionID(sid string) ClaimMutator {
	return func(claims jwt.MapClaims) jwt.MapClaims {
		if sid != "" {
			claims["sid"] = sid
		}
		return claims
	}
}

// WithDeviceSecret adds "ds_hash" binding the ID token to a native SSO device secret.
func WithDeviceSecret(secret string) ClaimMutator {
	return func(claims jwt.MapClaims) jwt.MapClaims {
		if secret != "" {
			claims["ds_hash"] = HalfHash(secret, crypto.SHA256)
		}
		return claims
	}
}

// WithCertBinding adds the cnf claim for a certificate bound token.
func WithCertBinding(thumbprint string) ClaimMutator {
	return func(claims jwt.MapClaims) jwt.MapClaims {
		if thumbprint != "" {
			claims["cnf"] = map[string]string{"x5t#S256": thumbprint}
		}
		return claims
	}
}

type IDTokenParams struct {
	Nonce       string
	Code        string // c_hash
	AccessToken string // at_hash
	State       string // s_hash

	// PreProcessors run on the standard claims before user claims are released; PostProcessors
	// run last and may override anything.
	PreProcessors  []ClaimMutator
	PostProcessors []ClaimMutator
}

// CreateIDToken signs an ID token for g. It returns nil, nil when openid was not granted.
func (f *Factory) CreateIDToken(ctx context.Context, g *grant.Grant, params IDTokenParams) (*grant.TokenRecord, error) {
	if !g.HasScope(oauthmodel.OpenIDScope) {
		return nil, nil
	}
	return f.ForceIDToken(ctx, g, params)
}

// ForceIDToken signs an ID token regardless of the granted scopes.
func (f *Factory) ForceIDToken(_ context.Context, g *grant.Grant, params IDTokenParams) (*grant.TokenRecord, error) {
	kp, err := f.keys.SigningKey(f.cfg.SigningAlg, keys.UseSignature)
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.ForceIDToken] signing key")
	}
	hash := kp.HashFunc()

	now := f.now()
	expiresAt := now.Add(f.cfg.Lifetimes.IDToken)
	claims := jwt.MapClaims{
		"iss": f.cfg.Issuer,
		"sub": g.UserID,
		"aud": g.ClientID,
		"azp": g.ClientID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.NewString(),
	}
	if g.UserID == "" {
		claims["sub"] = g.ClientID
	}
	if !g.AuthTime.IsZero() {
		claims["auth_time"] = g.AuthTime.Unix()
	}
	if g.ACR != "" {
		claims["acr"] = g.ACR
	}
	nonce := params.Nonce
	if nonce == "" {
		nonce = g.Nonce
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if params.AccessToken != "" {
		claims["at_hash"] = HalfHash(params.AccessToken, hash)
	}
	if params.Code != "" {
		claims["c_hash"] = HalfHash(params.Code, hash)
	}
	if params.State != "" {
		claims["s_hash"] = HalfHash(params.State, hash)
	}

	claims = applyMutators(claims, params.PreProcessors)

	if f.users != nil && g.UserID != "" {
		user, err := f.users.GetByID(g.UserID)
		if err != nil {
			return nil, errors.Wrapf(err, "[Factory.ForceIDToken] user %s", g.UserID)
		}
		for k, v := range user.Claims(g.Scopes) {
			if _, taken := claims[k]; !taken {
				claims[k] = v
			}
		}
	}

	claims = applyMutators(claims, params.PostProcessors)

	signed, err := f.keys.Sign(kp.Algorithm, claims, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.ForceIDToken] sign")
	}
	return &grant.TokenRecord{
		Value:     signed,
		Kind:      grant.KindIDToken,
		GrantID:   g.ID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

func applyMutators(claims jwt.MapClaims, mutators []ClaimMutator) jwt.MapClaims {
	for _, m := range mutators {
		if out := m(maps.Clone(claims)); out != nil {
			claims = out
		}
	}
	return claims
}

// HalfHash is the base64url encoded left half of the hash of value, as used by at_hash,
// c_hash and s_hash.
func HalfHash(value string, hash crypto.Hash) string {
	h := hash.New()
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
