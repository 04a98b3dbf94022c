// Package grant models authorization grants: what a client was allowed, for whom, and which
// tokens were issued under it.
package grant

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Grant is the shared header of every grant. The grant-type specific payload lives in Variant.
type Grant struct {
	ID                   string
	ClientID             string
	UserID               string // empty for client credentials
	Scopes               []string
	AuthorizationDetails AuthorizationDetails
	SessionID            string
	ACR                  string
	AuthTime             time.Time
	Nonce                string
	Claims               string // raw OIDC claims request
	CreatedAt            time.Time
	ExpiresAt            time.Time

	AccessTokens  []*TokenRecord
	RefreshTokens []*TokenRecord

	Variant Variant
}

// New creates a grant with a fresh id. Callers fill in the header fields they know.
func New(clientID, userID string, variant Variant, now time.Time, lifetime time.Duration) *Grant {
	return &Grant{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
		Variant:   variant,
	}
}

func (g *Grant) Type() Type {
	if g.Variant == nil {
		return ""
	}
	return g.Variant.Type()
}

func (g *Grant) HasScope(scope string) bool {
	return slices.Contains(g.Scopes, scope)
}

func (g *Grant) AddAccessToken(t *TokenRecord) {
	t.GrantID = g.ID
	g.AccessTokens = append(g.AccessTokens, t)
}

func (g *Grant) AddRefreshToken(t *TokenRecord) {
	t.GrantID = g.ID
	g.RefreshTokens = append(g.RefreshTokens, t)
	if t.ExpiresAt.After(g.ExpiresAt) {
		g.ExpiresAt = t.ExpiresAt
	}
}

// RefreshToken returns the record for value, or nil.
func (g *Grant) RefreshToken(value string) *TokenRecord {
	for _, t := range g.RefreshTokens {
		if t.Value == value {
			return t
		}
	}
	return nil
}

// DropRefreshToken forgets a redeemed refresh token so a later Save does not index it again.
func (g *Grant) DropRefreshToken(value string) {
	g.RefreshTokens = slices.DeleteFunc(g.RefreshTokens, func(t *TokenRecord) bool { return t.Value == value })
}

// Clone copies the grant deeply enough that stores can hand it out without sharing state.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	c := *g
	c.Scopes = slices.Clone(g.Scopes)
	c.AuthorizationDetails = g.AuthorizationDetails.Clone()
	c.AccessTokens = cloneRecords(g.AccessTokens)
	c.RefreshTokens = cloneRecords(g.RefreshTokens)
	c.Variant = cloneVariant(g.Variant)
	return &c
}

// TokenValues lists every token value that a store indexes for this grant, by index kind.
func (g *Grant) TokenValues() map[IndexKind][]string {
	out := map[IndexKind][]string{}
	for _, t := range g.AccessTokens {
		out[IndexAccessToken] = append(out[IndexAccessToken], t.Value)
	}
	for _, t := range g.RefreshTokens {
		out[IndexRefreshToken] = append(out[IndexRefreshToken], t.Value)
	}
	switch v := g.Variant.(type) {
	case *AuthorizationCode:
		if v.Code != nil {
			out[IndexCode] = append(out[IndexCode], v.Code.Value)
		}
		if v.OriginCode != "" {
			out[IndexCodeOrigin] = append(out[IndexCodeOrigin], v.OriginCode)
		}
	case *CIBA:
		if v.AuthReqID != "" {
			out[IndexAuthReqID] = append(out[IndexAuthReqID], v.AuthReqID)
		}
	case *DeviceCode:
		if v.DeviceCode != "" {
			out[IndexDeviceCode] = append(out[IndexDeviceCode], v.DeviceCode)
		}
	}
	return out
}

// IndexKind names the lookup indexes a Store maintains.
type IndexKind string

const (
	IndexCode         IndexKind = "code"
	IndexCodeOrigin   IndexKind = "codeorigin"
	IndexRefreshToken IndexKind = "refresh"
	IndexAccessToken  IndexKind = "access"
	IndexAuthReqID    IndexKind = "authreq"
	IndexDeviceCode   IndexKind = "device"
)

var indexKinds = []IndexKind{IndexCode, IndexCodeOrigin, IndexRefreshToken, IndexAccessToken, IndexAuthReqID, IndexDeviceCode}

func cloneRecords(records []*TokenRecord) []*TokenRecord {
	if records == nil {
		return nil
	}
	out := make([]*TokenRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
