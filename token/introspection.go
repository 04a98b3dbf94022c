package token

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/internal/utils"
)

// Introspection represents the metadata information of an OAuth 2.0 token (RFC 7662).
// The 'active' field indicates the state of the token - if it's false, other fields are not populated.
type Introspection struct {
	Active    bool              `json:"active"`               // True or false - Is the token valid
	Scope     string            `json:"scope,omitempty"`      // Space separated granted scopes
	ClientID  string            `json:"client_id,omitempty"`  // The client the token was issued to
	Sub       string            `json:"sub,omitempty"`        // Users unique ID, or the client for client credentials
	TokenType string            `json:"token_type,omitempty"` // Bearer or DPoP
	Exp       int64             `json:"exp,omitempty"`        // Expiration
	Iat       int64             `json:"iat,omitempty"`        // Issued at time
	Iss       string            `json:"iss,omitempty"`        // Issuer of the token
	Cnf       map[string]string `json:"cnf,omitempty"`        // Proof-of-possession binding
}

// Inspector resolves access tokens issued by this server through the grant store, so opaque
// and JWT access tokens are handled alike and removed grants are inactive at once.
type Inspector struct {
	store  grant.Store
	issuer string
	now    func() time.Time
}

func NewInspector(store grant.Store, issuer string, now func() time.Time) *Inspector {
	if now == nil {
		now = time.Now
	}
	return &Inspector{store: store, issuer: issuer, now: now}
}

// Lookup returns the grant and record of an active access token.
func (i *Inspector) Lookup(ctx context.Context, rawToken string) (*grant.Grant, *grant.TokenRecord, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, nil, errors.Wrapf(errors.ErrInvalidToken, "[Inspector.Lookup] empty token")
	}
	g, err := i.store.FindByAccessToken(ctx, rawToken)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[Inspector.Lookup] find grant")
	}
	for _, record := range g.AccessTokens {
		if record.Value != rawToken {
			continue
		}
		if record.Expired(i.now()) {
			return nil, nil, errors.Wrapf(errors.ErrExpired, "[Inspector.Lookup] access token")
		}
		return g, record, nil
	}
	return nil, nil, errors.Wrapf(errors.ErrNotFound, "[Inspector.Lookup] access token not on grant %s", g.ID)
}

// Introspect never fails for unknown or expired tokens; they are reported inactive.
func (i *Inspector) Introspect(ctx context.Context, rawToken string) (*Introspection, error) {
	g, record, err := i.Lookup(ctx, rawToken)
	switch {
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrExpired), errors.Is(err, errors.ErrInvalidToken):
		return &Introspection{Active: false}, nil
	case err != nil:
		return nil, err
	}

	sub := g.UserID
	if sub == "" {
		sub = g.ClientID
	}
	out := &Introspection{
		Active:    true,
		Scope:     utils.JoinSpaces(g.Scopes),
		ClientID:  g.ClientID,
		Sub:       sub,
		TokenType: record.TokenType,
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.IssuedAt.Unix(),
		Iss:       i.issuer,
	}
	if record.DPoPJkt != "" || record.CertThumbprint != "" {
		out.Cnf = map[string]string{}
		if record.DPoPJkt != "" {
			out.Cnf["jkt"] = record.DPoPJkt
		}
		if record.CertThumbprint != "" {
			out.Cnf["x5t#S256"] = record.CertThumbprint
		}
	}
	return out, nil
}
