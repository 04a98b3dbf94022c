// Package scope decides which scopes and authorization details a grant or token may carry.
package scope

import (
	"context"
	"slices"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// Policy is an additional rule evaluated after the client and grant bounds are applied, e.g. a
// deployment specific restriction on which users may hold a scope. Returning an error denies
// the request; returning a narrower slice is allowed.
type Policy interface {
	CheckScopes(ctx context.Context, client *clients.Client, g *grant.Grant, scopes []string) ([]string, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, client *clients.Client, g *grant.Grant, scopes []string) ([]string, error)

func (f PolicyFunc) CheckScopes(ctx context.Context, client *clients.Client, g *grant.Grant, scopes []string) ([]string, error) {
	return f(ctx, client, g, scopes)
}

type Checker struct {
	policies []Policy
}

func NewChecker(policies ...Policy) *Checker {
	return &Checker{policies: policies}
}

// CheckScopes bounds requested by the client's allowed scopes and, when g is given, by the
// grant's scopes so token requests can only narrow. Requested scopes outside the bounds are
// dropped; if nothing survives from a non-empty request the result is invalid_scope. An empty
// request yields the grant's scopes (bounded by the client) or nothing.
func (c *Checker) CheckScopes(ctx context.Context, client *clients.Client, requested []string, g *grant.Grant) ([]string, error) {
	allowed := client.Scopes
	if g != nil {
		allowed = intersect(g.Scopes, client.Scopes)
	}

	var result []string
	switch {
	case len(requested) == 0 && g != nil:
		result = allowed
	case len(requested) == 0:
		result = nil
	default:
		result = intersect(requested, allowed)
		if len(result) == 0 {
			return nil, oauthmodel.InvalidScope("None of the requested scopes is allowed.")
		}
	}

	for _, p := range c.policies {
		narrowed, err := p.CheckScopes(ctx, client, g, result)
		if err != nil {
			return nil, err
		}
		result = intersect(narrowed, result)
	}
	return result, nil
}

// CheckAuthorizationDetails validates RFC 9396 details: every type must be allowed for the
// client, and with a grant every type must already be granted. An empty request with a grant
// yields the grant's details.
func (c *Checker) CheckAuthorizationDetails(client *clients.Client, requested grant.AuthorizationDetails, g *grant.Grant) (grant.AuthorizationDetails, error) {
	if len(requested) == 0 {
		if g != nil {
			return g.AuthorizationDetails.Clone(), nil
		}
		return nil, nil
	}
	for _, t := range requested.Types() {
		if !client.AllowsAuthorizationDetailType(t) {
			return nil, oauthmodel.InvalidAuthorizationDetails("Authorization details type '" + t + "' is not allowed for the client.")
		}
	}
	if g != nil {
		granted := g.AuthorizationDetails.Types()
		for _, t := range requested.Types() {
			if !slices.Contains(granted, t) {
				return nil, oauthmodel.InvalidAuthorizationDetails("Authorization details type '" + t + "' was not granted.")
			}
		}
	}
	return requested, nil
}

// StripOfflineAccess removes offline_access for untrusted clients unless the request is a code
// flow with prompt=consent, since a refresh token must be explicitly consented to.
func StripOfflineAccess(scopes []string, client *clients.Client, types oauthmodel.ResponseTypes, consentPrompted bool) []string {
	if client.Trusted || !slices.Contains(scopes, oauthmodel.OfflineAccessScope) {
		return scopes
	}
	if types.Has(oauthmodel.CodeResponseType) && consentPrompted {
		return scopes
	}
	return slices.DeleteFunc(slices.Clone(scopes), func(s string) bool { return s == oauthmodel.OfflineAccessScope })
}

// intersect keeps the members of a that are in b, in a's order, without duplicates.
func intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, s := range a {
		if slices.Contains(b, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
