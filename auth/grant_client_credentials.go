package auth

import (
	"context"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// clientCredentialsGrant issues an access token to the client itself. An ID token is only
// added in OpenID scope backward compatibility mode.
func (as *AuthorizationService) clientCredentialsGrant(ctx context.Context, call *tokenCall) (*oauthmodel.TokenResponse, *grant.Grant, error) {
	g := grant.New(call.client.ID, "", &grant.ClientCredentials{}, as.nowTime(), as.tokens.Lifetimes().AccessToken)
	if err := as.grantRequestedScopes(ctx, call, g); err != nil {
		return nil, nil, err
	}

	resp, err := as.issueTokens(ctx, call, g, issueOptions{
		idToken: as.policy.OpenIDScopeBackwardCompatibility,
	})
	if err != nil {
		return nil, g, errors.Wrapf(err, "[AuthorizationService.clientCredentialsGrant] issue")
	}
	if err := as.saveGrant(ctx, g); err != nil {
		return nil, g, err
	}
	return resp, g, nil
}
