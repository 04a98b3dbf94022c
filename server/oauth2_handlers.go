package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/internal/utils"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/token/keys"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"
)

// WellKnownOpenIDConfig serves the OIDC discovery document
func (s *Server) WellKnownOpenIDConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		baseURL := s.config.GetBaseURL()

		resp := map[string]any{
			"issuer":                                baseURL,
			"authorization_endpoint":                baseURL + RouteOAuth2Authorize,
			"token_endpoint":                        baseURL + RouteOAuth2Token,
			"userinfo_endpoint":                     baseURL + RouteUserInfo,
			"jwks_uri":                              baseURL + RouteWellKnownJWKS,
			"revocation_endpoint":                   baseURL + RouteOAuth2Revoke,
			"introspection_endpoint":                baseURL + RouteOAuth2Introspect,
			"backchannel_authentication_endpoint":   baseURL + RouteOAuth2BackchannelAuth,
			"device_authorization_endpoint":         baseURL + RouteOAuth2DeviceAuthorize,
			"pushed_authorization_request_endpoint": baseURL + RouteOAuth2PushedAuthorize,
			"end_session_endpoint":                  baseURL + RouteLogout,

			"response_types_supported": []string{
				"code",
				"id_token",
				"token",
				"code id_token",
				"code token",
				"id_token token",
				"code id_token token",
			},
			"response_modes_supported": []oauthmodel.ResponseModeType{
				oauthmodel.QueryResponseMode,
				oauthmodel.FragmentResponseMode,
				oauthmodel.FormPostResponseMode,
				oauthmodel.JWTResponseMode,
				oauthmodel.QueryJWTResponseMode,
				oauthmodel.FragmentJWTResponseMode,
				oauthmodel.FormPostJWTResponseMode,
			},
			"grant_types_supported": []oauthmodel.GrantType{
				oauthmodel.AuthorizationCodeGrant,
				oauthmodel.ImplicitGrant,
				oauthmodel.RefreshTokenGrant,
				oauthmodel.ClientCredentialsGrant,
				oauthmodel.PasswordGrant,
				oauthmodel.CIBAGrant,
				oauthmodel.DeviceCodeGrant,
				oauthmodel.TokenExchangeGrant,
				oauthmodel.JWTBearerGrant,
			},
			"authorization_encryption_alg_values_supported": []jose.KeyAlgorithm{
				jose.RSA_OAEP,
				jose.RSA_OAEP_256,
				jose.ECDH_ES,
				jose.ECDH_ES_A128KW,
				jose.ECDH_ES_A256KW,
				jose.A128KW,
				jose.A256KW,
				jose.DIRECT,
			},
			"authorization_encryption_enc_values_supported": []jose.ContentEncryption{
				jose.A128GCM,
				jose.A256GCM,
				jose.A128CBC_HS256,
				jose.A256CBC_HS512,
			},

			// Signing algorithms
			"id_token_signing_alg_values_supported":      []string{keys.RS256, keys.ES256},
			"authorization_signing_alg_values_supported": []string{keys.RS256, keys.ES256},
			"dpop_signing_alg_values_supported":          []string{"RS256", "PS256", "ES256"},

			"subject_types_supported":                    []string{"public"},
			"token_endpoint_auth_methods_supported":      []string{"client_secret_basic", "client_secret_post", "none"},
			"code_challenge_methods_supported":           []oauthmodel.CodeMethodType{oauthmodel.CodeMethodTypeS256, oauthmodel.CodeMethodTypePlain},
			"prompt_values_supported":                    []oauthmodel.Prompt{oauthmodel.PromptNone, oauthmodel.PromptLogin, oauthmodel.PromptConsent, oauthmodel.PromptSelectAccount},
			"backchannel_token_delivery_modes_supported": []oauthmodel.BackchannelDeliveryMode{oauthmodel.PollDeliveryMode},
			"scopes_supported":                           []string{"openid", "profile", "email", "offline_access"},
			"claims_supported":                           []string{"sub", "name", "given_name", "family_name", "preferred_username", "email", "email_verified"},

			"request_parameter_supported":                true,
			"request_uri_parameter_supported":            true,
			"require_pushed_authorization_requests":      s.config.GetRequirePAR(),
			"claims_parameter_supported":                 false,
			"tls_client_certificate_bound_access_tokens": true,
		}

		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		writeJSON(w, http.StatusOK, resp)
	}
}

// JWKS returns the JSON Web Key Set used to validate tokens
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		writeJSON(w, http.StatusOK, s.keys.JWKS())
	}
}

// Token exchanges codes, refresh tokens, assertions and credentials for tokens
func (s *Server) Token() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A body that does not parse is still a token request; the service rejects and audits it.
		formErr := r.ParseForm()

		req := oauthmodel.ParseTokenRequest(r.PostForm)
		req.FormError = formErr
		clientID, clientSecret, basic := clientCredentials(r)
		req.ClientID, req.ClientSecret = clientID, clientSecret
		req.DPoPProof = r.Header.Get("DPoP")
		req.HTTPMethod = r.Method
		req.HTTPURL = s.config.GetBaseURL() + RouteOAuth2Token
		req.CertThumbprint = certThumbprint(r)
		req.SessionID = sessionIDFromRequest(r)
		req.RemoteAddr = remoteAddr(r)

		tokenResponse, err := s.auth.Token(r.Context(), req)
		if err != nil {
			writeOAuthError(w, err, basicChallenge(basic))
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse)
	}
}

// BackchannelAuthorize starts a CIBA request (poll mode)
func (s *Server) BackchannelAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formErr := r.ParseForm()
		clientID, clientSecret, basic := clientCredentials(r)

		resp, err := s.auth.StartBackchannelAuthentication(r.Context(), auth.BackchannelRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       utils.SplitSpaces(r.PostFormValue("scope")),
			LoginHint:    r.PostFormValue("login_hint"),
			RemoteAddr:   remoteAddr(r),
			FormError:    formErr,
		})
		if err != nil {
			writeOAuthError(w, err, basicChallenge(basic))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// DeviceAuthorize starts an RFC 8628 device authorization request
func (s *Server) DeviceAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formErr := r.ParseForm()
		clientID, clientSecret, basic := clientCredentials(r)

		resp, err := s.auth.StartDeviceAuthorization(r.Context(), auth.BackchannelRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       utils.SplitSpaces(r.PostFormValue("scope")),
			RemoteAddr:   remoteAddr(r),
			FormError:    formErr,
		})
		if err != nil {
			writeOAuthError(w, err, basicChallenge(basic))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// PushedAuthorize stores an authorization request for a later request_uri (RFC 9126)
func (s *Server) PushedAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formErr := r.ParseForm()
		clientID, clientSecret, basic := clientCredentials(r)

		resp, err := s.auth.PushAuthorizationRequest(r.Context(), auth.PushedAuthorizationRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Params:       r.PostForm,
			RemoteAddr:   remoteAddr(r),
			FormError:    formErr,
		})
		if err != nil {
			writeOAuthError(w, err, basicChallenge(basic))
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

// Introspect introspects tokens (RFC 7662)
func (s *Server) Introspect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, oauthmodel.InvalidRequest("Failed to parse form data."), "")
			return
		}
		token := r.PostFormValue("token")
		if token == "" {
			writeOAuthError(w, oauthmodel.InvalidRequest("token parameter is required."), "")
			return
		}
		clientID, clientSecret, basic := clientCredentials(r)

		introspection, err := s.auth.IntrospectToken(r.Context(), token, clientID, clientSecret)
		if err != nil {
			writeOAuthError(w, err, basicChallenge(basic))
			return
		}
		writeJSON(w, http.StatusOK, introspection)
	}
}

// Revoke revokes tokens (RFC 7009). Unknown tokens are answered with 200 as well.
func (s *Server) Revoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, oauthmodel.InvalidRequest("Failed to parse form data."), "")
			return
		}
		token := r.PostFormValue("token")
		if token == "" {
			writeOAuthError(w, oauthmodel.InvalidRequest("token parameter is required."), "")
			return
		}
		clientID, clientSecret, basic := clientCredentials(r)

		if err := s.auth.RevokeToken(r.Context(), token, clientID, clientSecret); err != nil {
			writeOAuthError(w, err, basicChallenge(basic))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// UserInfo returns the claims of the user the access token was issued for
func (s *Server) UserInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accessToken := accessTokenFromRequest(r)
		if accessToken == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
			writeJSONError(w, "invalid_token", "Missing access token", http.StatusUnauthorized)
			return
		}

		userInfo, err := s.auth.UserInfo(r.Context(), accessToken)
		if errors.Is(err, errors.ErrInvalidToken) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSONError(w, "invalid_token", "The access token is invalid or expired", http.StatusUnauthorized)
			return
		}
		if err != nil {
			writeOAuthError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, userInfo)
	}
}

func basicChallenge(basic bool) string {
	if basic {
		return `Basic realm="token"`
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("failed to encode response")
	}
}

// writeOAuthError writes the JSON error body. Internal causes are logged, never returned.
func writeOAuthError(w http.ResponseWriter, err error, challenge string) {
	oauthErr := oauthmodel.AsError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		log.Err(oauthErr.Unwrap()).Str("error", string(oauthErr.Code)).Msg("request failed")
	}
	if oauthErr.Status == http.StatusUnauthorized && challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	writeJSONError(w, string(oauthErr.Code), oauthErr.Description, oauthErr.Status)
}

// writeJSONError writes an OAuth2 error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	body := map[string]string{"error": errorCode}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, statusCode, body)
}
