package token

import (
	"context"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/internal/utils"
)

type TxTokenParams struct {
	// Audience is the trust domain the transaction token is valid in.
	Audience string
	Scopes   []string
	// RequestContext ("rctx") and TransactionContext ("tctx") are JSON objects supplied by
	// the requesting workload.
	RequestContext     json.RawMessage
	TransactionContext json.RawMessage
}

// CreateTxToken signs a short-lived transaction token for the subject of g.
func (f *Factory) CreateTxToken(_ context.Context, g *grant.Grant, params TxTokenParams) (*grant.TokenRecord, error) {
	now := f.now()
	expiresAt := now.Add(f.cfg.Lifetimes.TxToken)

	sub := g.UserID
	if sub == "" {
		sub = g.ClientID
	}
	aud := params.Audience
	if aud == "" {
		aud = f.cfg.Issuer
	}
	claims := jwt.MapClaims{
		"iss":   f.cfg.Issuer,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"aud":   aud,
		"sub":   sub,
		"txn":   uuid.NewString(),
		"scope": utils.JoinSpaces(params.Scopes),
	}
	if len(params.RequestContext) > 0 {
		var rctx map[string]any
		if err := json.Unmarshal(params.RequestContext, &rctx); err != nil {
			return nil, errors.Wrapf(err, "[Factory.CreateTxToken] request_context")
		}
		claims["rctx"] = rctx
	}
	if len(params.TransactionContext) > 0 {
		var tctx any
		if err := json.Unmarshal(params.TransactionContext, &tctx); err != nil {
			return nil, errors.Wrapf(err, "[Factory.CreateTxToken] transaction context")
		}
		claims["tctx"] = tctx
	}

	signed, err := f.keys.Sign(f.cfg.SigningAlg, claims, map[string]any{"typ": "txntoken+jwt"})
	if err != nil {
		return nil, errors.Wrapf(err, "[Factory.CreateTxToken] sign")
	}
	return &grant.TokenRecord{
		Value:     signed,
		Kind:      grant.KindTxToken,
		GrantID:   g.ID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}
