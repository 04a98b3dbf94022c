package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

var requestObjectMethods = []string{
	"HS256", "HS384", "HS512",
	"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512", "EdDSA",
}

// registeredClaims of a request object are about the JWT itself, not authorization parameters.
var registeredClaims = []string{"iss", "aud", "exp", "iat", "nbf", "jti", "sub"}

// resolveRequestObject verifies the "request" parameter and merges its claims over the query
// parameters (OIDC Core section 6.3.3). Symmetric signatures use the client secret, asymmetric
// ones a key from the client's JWKS.
func (as *AuthorizationService) resolveRequestObject(values url.Values, client *clients.Client) (url.Values, error) {
	raw := values.Get("request")
	if raw == "" {
		return values, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return requestObjectKey(client, t)
	}, jwt.WithValidMethods(requestObjectMethods), jwt.WithTimeFunc(as.nowTime))
	if err != nil {
		return nil, oauthmodel.InvalidRequestObject("The request object could not be verified.").WithCause(err)
	}

	if iss, _ := claims["iss"].(string); iss != "" && iss != client.ID {
		return nil, oauthmodel.InvalidRequestObject("The request object issuer must be the client.")
	}
	if cid, _ := claims["client_id"].(string); cid != "" && cid != client.ID {
		return nil, oauthmodel.InvalidRequestObject("The request object client_id does not match.")
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 && !slices.Contains(aud, as.tokens.Issuer()) {
		return nil, oauthmodel.InvalidRequestObject("The request object audience must be the issuer.")
	}

	merged := url.Values{}
	for k, v := range values {
		if k != "request" {
			merged[k] = slices.Clone(v)
		}
	}
	for k, v := range claims {
		if slices.Contains(registeredClaims, k) {
			continue
		}
		s, err := claimParameter(v)
		if err != nil {
			return nil, oauthmodel.InvalidRequestObject("The request object member " + k + " is malformed.").WithCause(err)
		}
		merged.Set(k, s)
	}
	return merged, nil
}

// claimParameter renders a request object member the way it would appear as a query parameter.
func claimParameter(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				b, err := json.Marshal(v)
				return string(b), err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func requestObjectKey(client *clients.Client, t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
		if client.IsPublic() || client.Secret == "" {
			return nil, errors.Wrapf(errors.ErrInvalidCredentials, "[requestObjectKey] client %s has no secret", client.ID)
		}
		return []byte(client.Secret), nil
	}

	set, err := clientJWKS(client)
	if err != nil {
		return nil, err
	}
	kid, _ := t.Header["kid"].(string)
	for _, k := range set.Keys {
		if kid != "" && k.KeyID != kid {
			continue
		}
		if k.Use == "enc" || !k.IsPublic() {
			continue
		}
		if keyMatchesMethod(k.Key, t.Method) {
			return k.Key, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "[requestObjectKey] no %s key with kid %q", t.Method.Alg(), kid)
}

func keyMatchesMethod(key any, method jwt.SigningMethod) bool {
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		_, ok := key.(*rsa.PublicKey)
		return ok
	case *jwt.SigningMethodECDSA:
		_, ok := key.(*ecdsa.PublicKey)
		return ok
	case *jwt.SigningMethodEd25519:
		_, ok := key.(ed25519.PublicKey)
		return ok
	}
	return false
}

func clientJWKS(client *clients.Client) (*jose.JSONWebKeySet, error) {
	if len(client.JWKS) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "[clientJWKS] client %s has no jwks", client.ID)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(client.JWKS, &set); err != nil {
		return nil, errors.Wrapf(err, "[clientJWKS] client %s", client.ID)
	}
	return &set, nil
}

// clientSigningKeys lists the public signature keys of the client's JWKS.
func clientSigningKeys(client *clients.Client) ([]crypto.PublicKey, error) {
	set, err := clientJWKS(client)
	if err != nil {
		return nil, err
	}
	var out []crypto.PublicKey
	for _, k := range set.Keys {
		if k.Use == "enc" || !k.IsPublic() {
			continue
		}
		out = append(out, k.Key)
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "[clientSigningKeys] client %s", client.ID)
	}
	return out, nil
}
