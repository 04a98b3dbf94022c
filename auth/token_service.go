package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// tokenCall is a token request whose client has been authenticated.
type tokenCall struct {
	req    *oauthmodel.TokenRequest
	client *clients.Client
	// dpopJkt is the thumbprint of a verified DPoP proof, empty without one.
	dpopJkt string
}

// Token handles a token endpoint request and dispatches it to the grant type handler.
// Exactly one audit event is sent per call, whatever the outcome.
func (as *AuthorizationService) Token(ctx context.Context, req *oauthmodel.TokenRequest) (resp *oauthmodel.TokenResponse, err error) {
	start := time.Now()
	event := audit.Event{
		Timestamp: as.nowTime(),
		Action:    "token",
		ClientID:  req.ClientID,
		GrantType: string(req.GrantType),
		IP:        req.RemoteAddr,
	}
	var issued *grant.Grant

	defer func() {
		outcome := "success"
		if err != nil {
			oauthErr := oauthmodel.AsError(err)
			err = oauthErr
			outcome = string(oauthErr.Code)
			event.ErrorCode = string(oauthErr.Code)
			if oauthErr.Status >= http.StatusInternalServerError {
				log.Err(oauthErr.Unwrap()).
					Str("grant_type", string(req.GrantType)).
					Str("client_id", req.ClientID).
					Msg("token request failed")
			}
		} else {
			event.Success = true
		}
		if issued != nil {
			event.UserID = issued.UserID
			event.GrantID = issued.ID
			event.Scopes = issued.Scopes
		}
		as.audit.SendMessage(ctx, event)
		as.metrics.ObserveToken(string(req.GrantType), outcome, time.Since(start))
	}()

	if req.FormError != nil {
		return nil, malformedForm(req.FormError)
	}
	client, err := as.validator.AuthenticateClient(as.repos.Clients, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if err := as.validator.ValidateTokenRequest(req, client); err != nil {
		return nil, err
	}

	call := &tokenCall{req: req, client: client}
	if req.DPoPProof != "" {
		if call.dpopJkt, err = as.verifyDPoP(ctx, req); err != nil {
			return nil, err
		}
	}

	switch req.GrantType {
	case oauthmodel.AuthorizationCodeGrant:
		resp, issued, err = as.authorizationCodeGrant(ctx, call)
	case oauthmodel.RefreshTokenGrant:
		resp, issued, err = as.refreshTokenGrant(ctx, call)
	case oauthmodel.ClientCredentialsGrant:
		resp, issued, err = as.clientCredentialsGrant(ctx, call)
	case oauthmodel.PasswordGrant:
		resp, issued, err = as.passwordGrant(ctx, call)
	case oauthmodel.CIBAGrant:
		resp, issued, err = as.cibaGrant(ctx, call)
	case oauthmodel.DeviceCodeGrant:
		resp, issued, err = as.deviceCodeGrant(ctx, call)
	case oauthmodel.TokenExchangeGrant:
		resp, issued, err = as.tokenExchangeGrant(ctx, call)
	case oauthmodel.JWTBearerGrant:
		resp, issued, err = as.jwtBearerGrant(ctx, call)
	default:
		return nil, oauthmodel.UnsupportedGrantType("Unsupported grant type.")
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func malformedForm(cause error) error {
	return oauthmodel.InvalidRequest("Failed to parse form data.").WithCause(cause)
}

func (as *AuthorizationService) verifyDPoP(ctx context.Context, req *oauthmodel.TokenRequest) (string, error) {
	method := req.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	target := req.HTTPURL
	if target == "" {
		target = as.policy.TokenEndpoint
	}
	proof, err := as.dpop.Verify(ctx, req.DPoPProof, method, target, "")
	if err != nil {
		return "", oauthmodel.InvalidDPoPProof("The DPoP proof is invalid.").WithCause(err)
	}
	return proof.JKT, nil
}

// redeem spends a single-use value through the enforcer. Losing a race is invalid_grant.
func (as *AuthorizationService) redeem(ctx context.Context, kind, value string, remove func(context.Context, string) (bool, error)) error {
	err := as.enforcer.Redeem(ctx, value, remove)
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrInFlight) || errors.Is(err, errors.ErrAlreadyUsed) {
		as.metrics.IncrementRedemptionConflict(kind)
		log.Debug().Str("kind", kind).Err(err).Msg("redemption conflict")
	}
	return toInvalidGrant(err, "The "+kind+" is invalid or was already used.")
}
