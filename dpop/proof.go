// Package dpop verifies DPoP proofs (RFC 9449) presented at the token endpoint.
package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// HeaderName is the HTTP request header carrying the proof.
const HeaderName = "DPoP"

const proofType = "dpop+jwt"

var (
	ErrMalformed    = errors.New("malformed DPoP proof")
	ErrBadSignature = errors.New("DPoP proof signature invalid")
	ErrMismatch     = errors.New("DPoP proof does not match the request")
	ErrStale        = errors.New("DPoP proof is outside the accepted time window")
	ErrReplayed     = errors.New("DPoP proof was already used")
	ErrKeyMismatch  = errors.New("DPoP key does not match the bound key")
)

var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512, jose.EdDSA,
}

// ReplayCache records proof ids. MarkUsed returns false when jti was seen before.
type ReplayCache interface {
	MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// ReplayCacheFunc adapts a function, e.g. grant.Store.MarkAssertionUsed, to ReplayCache.
type ReplayCacheFunc func(ctx context.Context, jti string, expiresAt time.Time) (bool, error)

func (f ReplayCacheFunc) MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	return f(ctx, jti, expiresAt)
}

// Proof is a verified DPoP proof.
type Proof struct {
	JTI      string
	IssuedAt time.Time
	// JKT is the base64url SHA-256 JWK thumbprint of the proof key.
	JKT string
}

type claims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath,omitempty"`
}

type Verifier struct {
	maxAge time.Duration
	skew   time.Duration
	replay ReplayCache
	now    func() time.Time
}

type VerifierOption func(*Verifier)

func WithNowFunc(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithReplayCache rejects proofs whose jti was seen within the acceptance window.
func WithReplayCache(cache ReplayCache) VerifierOption {
	return func(v *Verifier) {
		v.replay = cache
	}
}

func NewVerifier(maxAge time.Duration, options ...VerifierOption) *Verifier {
	v := &Verifier{
		maxAge: maxAge,
		skew:   5 * time.Second,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Verify checks the proof against the HTTP method and URL of the request it was sent with.
// accessToken is optional; when set the proof must carry its "ath" hash.
func (v *Verifier) Verify(ctx context.Context, proof, method, requestURL, accessToken string) (*Proof, error) {
	jws, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] %v", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] %d signatures", len(jws.Signatures))
	}
	header := jws.Signatures[0].Protected
	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != proofType {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] typ %q", typ)
	}
	jwk := header.JSONWebKey
	if jwk == nil || !jwk.Valid() || !jwk.IsPublic() {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] missing or private jwk")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, errors.Wrapf(ErrBadSignature, "[Verifier.Verify] %v", err)
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] claims: %v", err)
	}
	if c.JTI == "" || c.HTM == "" || c.HTU == "" || c.IAT == 0 {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] missing claims")
	}

	if !strings.EqualFold(c.HTM, method) {
		return nil, errors.Wrapf(ErrMismatch, "[Verifier.Verify] htm %s", c.HTM)
	}
	if normalizeURL(c.HTU) != normalizeURL(requestURL) {
		return nil, errors.Wrapf(ErrMismatch, "[Verifier.Verify] htu %s", c.HTU)
	}
	if accessToken != "" && c.ATH != AccessTokenHash(accessToken) {
		return nil, errors.Wrapf(ErrMismatch, "[Verifier.Verify] ath")
	}

	now := v.now()
	iat := time.Unix(c.IAT, 0)
	if iat.After(now.Add(v.skew)) || now.Sub(iat) > v.maxAge {
		return nil, errors.Wrapf(ErrStale, "[Verifier.Verify] iat %s", iat)
	}

	if v.replay != nil {
		fresh, err := v.replay.MarkUsed(ctx, "dpop:"+c.JTI, iat.Add(v.maxAge+v.skew))
		if err != nil {
			return nil, errors.Wrapf(err, "[Verifier.Verify] replay cache")
		}
		if !fresh {
			return nil, errors.Wrapf(ErrReplayed, "[Verifier.Verify] jti %s", c.JTI)
		}
	}

	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "[Verifier.Verify] thumbprint: %v", err)
	}
	return &Proof{
		JTI:      c.JTI,
		IssuedAt: iat,
		JKT:      base64.RawURLEncoding.EncodeToString(thumb),
	}, nil
}

// AccessTokenHash is the "ath" value for an access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalizeURL drops query and fragment, per RFC 9449 section 4.3.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}
