package grant

import (
	"time"
)

type TokenKind string

const (
	KindAuthorizationCode TokenKind = "authorization_code"
	KindAccessToken       TokenKind = "access_token"
	KindRefreshToken      TokenKind = "refresh_token"
	KindIDToken           TokenKind = "id_token"
	KindTxToken           TokenKind = "txn_token"
)

// TokenRecord is an issued token artifact. Value is the string handed to the client: an opaque
// reference or a signed JWT.
type TokenRecord struct {
	Value     string    `json:"value"`
	Kind      TokenKind `json:"kind"`
	GrantID   string    `json:"grant_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// ExtendLifetimeOnRotation is set on refresh tokens: the replacement gets a fresh lifetime
	// instead of inheriting ExpiresAt.
	ExtendLifetimeOnRotation bool `json:"extend_lifetime_on_rotation,omitempty"`

	// TokenType is "Bearer" or "DPoP" for access tokens.
	TokenType string `json:"token_type,omitempty"`
	// CertThumbprint binds an access token to a client certificate (x5t#S256).
	CertThumbprint string `json:"x5t_s256,omitempty"`
	// DPoPJkt binds an access token to a DPoP proof key.
	DPoPJkt string `json:"dpop_jkt,omitempty"`
}

func (t *TokenRecord) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ExpiresIn is the remaining lifetime in whole seconds, never negative.
func (t *TokenRecord) ExpiresIn(now time.Time) int64 {
	secs := int64(t.ExpiresAt.Sub(now) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

func (t *TokenRecord) Clone() *TokenRecord {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
