package auth_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/grant/redisstore"
	"github.com/jrsteele09/go-grant-server/metrics"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/token"
)

var grantStores = map[string]func(t *testing.T) grant.Store{
	"inmemory": func(*testing.T) grant.Store { return grant.NewInMemoryStore() },
	"redis": func(t *testing.T) grant.Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return redisstore.New(client, "test:")
	},
}

func (f *testFixture) refresh(refreshToken string, scopes ...string) (*oauthmodel.TokenResponse, error) {
	return f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.RefreshTokenGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		RefreshToken: refreshToken,
		Scopes:       scopes,
	})
}

func parseClaims(t *testing.T, f *testFixture, raw string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, f.keys.GetVerificationKey)
	require.NoError(t, err)
	return claims
}

func TestToken_CodeFlowWithRefresh(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	// Browser arrives without a session and is sent to the login page.
	first, err := f.service.Authorize(ctx, auth.AuthorizeRequest{Params: codeRequestParams(webClientID, "openid profile offline_access")})
	require.NoError(t, err)
	require.Equal(t, auth.OutcomeLogin, first.Outcome)
	_, err = f.service.Login(ctx, first.Session.ID, testUsername, testUserPassword)
	require.NoError(t, err)

	result, err := f.service.Authorize(ctx, auth.AuthorizeRequest{Params: first.Params.Values(), SessionID: first.Session.ID})
	require.NoError(t, err)
	require.Equal(t, auth.OutcomeRedirect, result.Outcome)
	code := result.Response.Params.Get("code")
	require.NotEmpty(t, code)

	resp, err := f.exchangeCode(code)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Equal(t, token.TokenTypeBearer, resp.TokenType)
	require.Equal(t, int64(3600), resp.ExpiresIn)
	require.Equal(t, "openid profile offline_access", resp.Scope)
	require.NotNil(t, resp.RefreshToken)
	require.NotNil(t, resp.IDToken)

	claims := parseClaims(t, f, *resp.IDToken)
	require.Equal(t, testUserID, claims["sub"])
	require.Equal(t, webClientID, claims["aud"])
	require.Equal(t, testNonce, claims["nonce"])
	require.Equal(t, token.HalfHash(code, crypto.SHA256), claims["c_hash"])
	require.Equal(t, token.HalfHash(resp.AccessToken, crypto.SHA256), claims["at_hash"])
	require.Equal(t, first.Session.OutsideSID, claims["sid"])

	f.now = f.now.Add(time.Minute)
	refreshed, err := f.refresh(*resp.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, resp.AccessToken, refreshed.AccessToken)
	require.NotNil(t, refreshed.RefreshToken)
	require.NotEqual(t, *resp.RefreshToken, *refreshed.RefreshToken)
	require.NotNil(t, refreshed.IDToken)

	_, err = f.refresh(*resp.RefreshToken)
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)

	_, err = f.refresh(*refreshed.RefreshToken)
	require.NoError(t, err)
}

func TestToken_CodeReplayRevokesIssuedTokens(t *testing.T) {
	f := setupTestFixture(t)
	s := f.authenticatedSession(t)
	code := f.authorizeCode(t, s.ID, "openid offline_access")

	resp, err := f.exchangeCode(code)
	require.NoError(t, err)

	_, err = f.exchangeCode(code)
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)

	info, err := f.service.IntrospectToken(context.Background(), resp.AccessToken, webClientID, webClientSecret)
	require.NoError(t, err)
	require.False(t, info.Active)
	_, err = f.refresh(*resp.RefreshToken)
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_CodeExchangeFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *testFixture, req *oauthmodel.TokenRequest)
		code   oauthmodel.ErrorCode
	}{
		{
			name:   "wrong verifier",
			mutate: func(_ *testFixture, req *oauthmodel.TokenRequest) { req.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier" },
			code:   oauthmodel.ErrorInvalidGrant,
		},
		{
			name:   "missing verifier",
			mutate: func(_ *testFixture, req *oauthmodel.TokenRequest) { req.CodeVerifier = "" },
			code:   oauthmodel.ErrorInvalidGrant,
		},
		{
			name:   "redirect mismatch",
			mutate: func(_ *testFixture, req *oauthmodel.TokenRequest) { req.RedirectURI = "http://localhost:3000/other" },
			code:   oauthmodel.ErrorInvalidGrant,
		},
		{
			name:   "expired code",
			mutate: func(f *testFixture, _ *oauthmodel.TokenRequest) { f.now = f.now.Add(11 * time.Minute) },
			code:   oauthmodel.ErrorInvalidGrant,
		},
		{
			name: "issued to another client",
			mutate: func(_ *testFixture, req *oauthmodel.TokenRequest) {
				req.ClientID = spaClientID
				req.ClientSecret = ""
			},
			code: oauthmodel.ErrorInvalidGrant,
		},
		{
			name:   "wrong client secret",
			mutate: func(_ *testFixture, req *oauthmodel.TokenRequest) { req.ClientSecret = "wrong" },
			code:   oauthmodel.ErrorInvalidClient,
		},
		{
			name:   "missing redirect uri",
			mutate: func(_ *testFixture, req *oauthmodel.TokenRequest) { req.RedirectURI = "" },
			code:   oauthmodel.ErrorInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			s := f.authenticatedSession(t)
			req := &oauthmodel.TokenRequest{
				GrantType:    oauthmodel.AuthorizationCodeGrant,
				ClientID:     webClientID,
				ClientSecret: webClientSecret,
				Code:         f.authorizeCode(t, s.ID, "openid"),
				RedirectURI:  testRedirectURI,
				CodeVerifier: testCodeVerifier,
			}
			tt.mutate(f, req)
			_, err := f.service.Token(context.Background(), req)
			requireOAuthError(t, err, tt.code)
		})
	}
}

func dpopProof(t *testing.T, f *testFixture, key *ecdsa.PrivateKey) string {
	t.Helper()
	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType("dpop+jwt")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"jti": uuid.NewString(),
		"htm": http.MethodPost,
		"htu": issuer + "/oauth2/token",
		"iat": f.now.Unix(),
	})
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	out, err := jws.CompactSerialize()
	require.NoError(t, err)
	return out
}

func TestToken_CodeBoundToDPoPKey(t *testing.T) {
	bound, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	thumb, err := (&jose.JSONWebKey{Key: &bound.PublicKey}).Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	jkt := base64.RawURLEncoding.EncodeToString(thumb)

	tests := []struct {
		name string
		key  *ecdsa.PrivateKey
		code oauthmodel.ErrorCode
	}{
		{name: "no proof", code: oauthmodel.ErrorInvalidGrant},
		{name: "proof from another key", key: other, code: oauthmodel.ErrorInvalidGrant},
		{name: "proof from the bound key", key: bound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			s := f.authenticatedSession(t)
			params := codeRequestParams(webClientID, "openid")
			params.Set("dpop_jkt", jkt)
			result, err := f.service.Authorize(context.Background(), auth.AuthorizeRequest{Params: params, SessionID: s.ID})
			require.NoError(t, err)
			code := result.Response.Params.Get("code")
			require.NotEmpty(t, code)

			req := &oauthmodel.TokenRequest{
				GrantType:    oauthmodel.AuthorizationCodeGrant,
				ClientID:     webClientID,
				ClientSecret: webClientSecret,
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: testCodeVerifier,
			}
			if tt.key != nil {
				req.DPoPProof = dpopProof(t, f, tt.key)
			}
			resp, err := f.service.Token(context.Background(), req)
			if tt.code != "" {
				requireOAuthError(t, err, tt.code)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, resp.AccessToken)
		})
	}
}

func TestToken_FailedExchangeSpendsCode(t *testing.T) {
	f := setupTestFixture(t)
	s := f.authenticatedSession(t)
	code := f.authorizeCode(t, s.ID, "openid")

	_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.AuthorizationCodeGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier",
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)

	_, err = f.exchangeCode(code)
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_ConcurrentCodeRedemption(t *testing.T) {
	const attempts = 16
	for name, newStore := range grantStores {
		t.Run(name, func(t *testing.T) {
			f := setupTestFixtureWithStore(t, newStore(t), auth.Policy{})
			s := f.authenticatedSession(t)
			code := f.authorizeCode(t, s.ID, "openid")

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				failures  int
			)
			start := make(chan struct{})
			for range attempts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := f.exchangeCode(code)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						successes++
						return
					}
					if oauthmodel.Is(err, oauthmodel.ErrorInvalidGrant) {
						failures++
					}
				}()
			}
			close(start)
			wg.Wait()

			require.Equal(t, 1, successes)
			require.Equal(t, attempts-1, failures)
		})
	}
}

func TestToken_ConcurrentRefreshRedemption(t *testing.T) {
	const attempts = 16
	for name, newStore := range grantStores {
		t.Run(name, func(t *testing.T) {
			f := setupTestFixtureWithStore(t, newStore(t), auth.Policy{})
			resp := f.tokensForUser(t, "openid offline_access")
			require.NotNil(t, resp.RefreshToken)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				failures  int
			)
			start := make(chan struct{})
			for range attempts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := f.refresh(*resp.RefreshToken)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						successes++
						return
					}
					if oauthmodel.Is(err, oauthmodel.ErrorInvalidGrant) {
						failures++
					}
				}()
			}
			close(start)
			wg.Wait()

			require.Equal(t, 1, successes)
			require.Equal(t, attempts-1, failures)
		})
	}
}

func TestToken_ScopeNarrowing(t *testing.T) {
	f := setupTestFixture(t)
	s := f.authenticatedSession(t)
	code := f.authorizeCode(t, s.ID, "openid profile email offline_access")

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.AuthorizationCodeGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testCodeVerifier,
		Scopes:       []string{"openid", "offline_access"},
	})
	require.NoError(t, err)
	require.Equal(t, "openid offline_access", resp.Scope)

	// Scopes outside the grant are dropped, never added.
	refreshed, err := f.refresh(*resp.RefreshToken, "openid", "profile")
	require.NoError(t, err)
	require.Equal(t, "openid", refreshed.Scope)

	// Nothing left to grant: invalid_scope, and the refresh token is not spent.
	_, err = f.refresh(*refreshed.RefreshToken, "admin")
	requireOAuthError(t, err, oauthmodel.ErrorInvalidScope)
	_, err = f.refresh(*refreshed.RefreshToken)
	require.NoError(t, err)
}

func TestToken_SkipRefreshTokenRotation(t *testing.T) {
	f := setupTestFixtureWithStore(t, grant.NewInMemoryStore(), auth.Policy{SkipRefreshTokenOnRefresh: true})
	resp := f.tokensForUser(t, "openid offline_access")

	for range 2 {
		refreshed, err := f.refresh(*resp.RefreshToken)
		require.NoError(t, err)
		require.Nil(t, refreshed.RefreshToken)
		require.NotEmpty(t, refreshed.AccessToken)
	}
}

func TestToken_RefreshKeepsOriginalExpiry(t *testing.T) {
	f := setupTestFixture(t)
	resp := f.tokensForUser(t, "openid offline_access")
	g, err := f.grants.FindByRefreshToken(context.Background(), webClientID, *resp.RefreshToken)
	require.NoError(t, err)
	originalExpiry := g.RefreshToken(*resp.RefreshToken).ExpiresAt

	f.now = f.now.Add(time.Hour)
	refreshed, err := f.refresh(*resp.RefreshToken)
	require.NoError(t, err)

	g, err = f.grants.FindByRefreshToken(context.Background(), webClientID, *refreshed.RefreshToken)
	require.NoError(t, err)
	require.True(t, originalExpiry.Equal(g.RefreshToken(*refreshed.RefreshToken).ExpiresAt))
}

func TestToken_ClientCredentialsGrant(t *testing.T) {
	f := setupTestFixture(t)

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.ClientCredentialsGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Scopes:       []string{"api:read", "openid"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Equal(t, "api:read openid", resp.Scope)
	require.Nil(t, resp.RefreshToken)
	require.Nil(t, resp.IDToken)

	info, err := f.service.IntrospectToken(context.Background(), resp.AccessToken, webClientID, webClientSecret)
	require.NoError(t, err)
	require.True(t, info.Active)
	require.Equal(t, webClientID, info.Sub)
}

func TestToken_ClientCredentialsIDTokenCompatibility(t *testing.T) {
	f := setupTestFixtureWithStore(t, grant.NewInMemoryStore(), auth.Policy{OpenIDScopeBackwardCompatibility: true})

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.ClientCredentialsGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Scopes:       []string{"openid"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.IDToken)
	require.Equal(t, webClientID, parseClaims(t, f, *resp.IDToken)["sub"])
}

func TestToken_ClientCredentialsNotAllowedForPublicClient(t *testing.T) {
	f := setupTestFixture(t)
	client, err := f.clients.Get(spaClientID)
	require.NoError(t, err)
	client.GrantTypes = append(client.GrantTypes, oauthmodel.ClientCredentialsGrant)

	_, err = f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType: oauthmodel.ClientCredentialsGrant,
		ClientID:  spaClientID,
	})
	requireOAuthError(t, err, oauthmodel.ErrorUnauthorizedClient)
}

func TestToken_PasswordGrant(t *testing.T) {
	f := setupTestFixture(t)

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.PasswordGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Username:     testUsername,
		Password:     testUserPassword,
		Scopes:       []string{"openid", "profile"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.RefreshToken)
	require.NotNil(t, resp.IDToken)
	claims := parseClaims(t, f, *resp.IDToken)
	require.Equal(t, testUserID, claims["sub"])
	require.Equal(t, "Alice Liddell", claims["name"])

	_, err = f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.PasswordGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Username:     testUsername,
		Password:     "wrong",
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_PasswordGrantThroughFilter(t *testing.T) {
	filter := auth.AuthenticationFilterFunc(func(_ context.Context, params map[string][]string) (string, bool) {
		if len(params["assertion_user"]) == 1 {
			return params["assertion_user"][0], true
		}
		return "", false
	})
	f := setupTestFixture(t, auth.WithAuthenticationFilter(filter))

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.PasswordGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Scopes:       []string{"openid"},
		Form:         map[string][]string{"assertion_user": {testUserID}},
	})
	require.NoError(t, err)
	require.Equal(t, testUserID, parseClaims(t, f, *resp.IDToken)["sub"])

	_, err = f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.PasswordGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_GrantTypeChecks(t *testing.T) {
	tests := []struct {
		name      string
		policy    auth.Policy
		grantType oauthmodel.GrantType
		clientID  string
		code      oauthmodel.ErrorCode
	}{
		{name: "missing grant type", clientID: webClientID, code: oauthmodel.ErrorInvalidRequest},
		{name: "unknown grant type", grantType: "urn:example:magic", clientID: webClientID, code: oauthmodel.ErrorUnsupportedGrantType},
		{name: "implicit at token endpoint", grantType: oauthmodel.ImplicitGrant, clientID: webClientID, code: oauthmodel.ErrorUnsupportedGrantType},
		{
			name:      "disabled by policy",
			policy:    auth.Policy{DisabledGrantTypes: []oauthmodel.GrantType{oauthmodel.PasswordGrant}},
			grantType: oauthmodel.PasswordGrant,
			clientID:  webClientID,
			code:      oauthmodel.ErrorUnsupportedGrantType,
		},
		{name: "not registered for client", grantType: oauthmodel.PasswordGrant, clientID: spaClientID, code: oauthmodel.ErrorUnsupportedGrantType},
		{name: "unknown client", grantType: oauthmodel.PasswordGrant, clientID: "nope", code: oauthmodel.ErrorInvalidClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixtureWithStore(t, grant.NewInMemoryStore(), tt.policy)
			req := &oauthmodel.TokenRequest{GrantType: tt.grantType, ClientID: tt.clientID, Username: testUsername, Password: testUserPassword}
			if tt.clientID == webClientID {
				req.ClientSecret = webClientSecret
			}
			_, err := f.service.Token(context.Background(), req)
			requireOAuthError(t, err, tt.code)
		})
	}
}

func TestToken_InvalidClientIsUnauthorized(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.ClientCredentialsGrant,
		ClientID:     webClientID,
		ClientSecret: "wrong",
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidClient)
	require.Equal(t, http.StatusUnauthorized, oauthmodel.AsError(err).Status)
}

func TestToken_SendsOneAuditEventPerRequest(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.service.Token(ctx, &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.ClientCredentialsGrant,
		ClientID:     webClientID,
		ClientSecret: "wrong",
		RemoteAddr:   "198.51.100.1",
	})
	require.Error(t, err)
	_, err = f.service.Token(ctx, &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.PasswordGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Username:     testUsername,
		Password:     testUserPassword,
		Scopes:       []string{"openid"},
	})
	require.NoError(t, err)

	events := f.audit.Events()
	require.Len(t, events, 2)

	require.Equal(t, "token", events[0].Action)
	require.False(t, events[0].Success)
	require.Equal(t, "invalid_client", events[0].ErrorCode)
	require.Equal(t, "198.51.100.1", events[0].IP)

	require.True(t, events[1].Success)
	require.Equal(t, string(oauthmodel.PasswordGrant), events[1].GrantType)
	require.Equal(t, testUserID, events[1].UserID)
	require.NotEmpty(t, events[1].GrantID)
	require.Equal(t, []string{"openid"}, events[1].Scopes)
}

func TestToken_MalformedFormIsAudited(t *testing.T) {
	f := setupTestFixture(t)
	_, formErr := url.ParseQuery("grant_type=%zz")
	require.Error(t, formErr)

	_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		ClientID:   webClientID,
		RemoteAddr: "198.51.100.1",
		FormError:  formErr,
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidRequest)

	events := f.audit.Events()
	require.Len(t, events, 1)
	require.Equal(t, "token", events[0].Action)
	require.False(t, events[0].Success)
	require.Equal(t, "invalid_request", events[0].ErrorCode)
	require.Equal(t, "198.51.100.1", events[0].IP)
}

func TestToken_RecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f := setupTestFixture(t, auth.WithMetrics(m))

	_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.ClientCredentialsGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
	})
	require.NoError(t, err)
	_, err = f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.ClientCredentialsGrant,
		ClientID:     webClientID,
		ClientSecret: "wrong",
	})
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.TokenRequests.WithLabelValues("client_credentials", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TokenRequests.WithLabelValues("client_credentials", "invalid_client")))
}

func (f *testFixture) signAssertion(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := f.keys.Sign("", claims, nil)
	require.NoError(t, err)
	return signed
}

func TestToken_JWTBearerGrant(t *testing.T) {
	f := setupTestFixture(t)
	assertion := f.signAssertion(t, jwt.MapClaims{
		"iss": issuer,
		"sub": testUserID,
		"aud": issuer + "/oauth2/token",
		"iat": f.now.Unix(),
		"exp": f.now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	})
	req := &oauthmodel.TokenRequest{
		GrantType:    oauthmodel.JWTBearerGrant,
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		Assertion:    assertion,
		Scopes:       []string{"openid", "api:read"},
	}

	resp, err := f.service.Token(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "openid api:read", resp.Scope)
	require.NotNil(t, resp.IDToken)
	require.Equal(t, testUserID, parseClaims(t, f, *resp.IDToken)["sub"])

	// The jti is single use.
	_, err = f.service.Token(context.Background(), req)
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_JWTBearerRejectsBadAssertions(t *testing.T) {
	f := setupTestFixture(t)
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": issuer,
			"sub": testUserID,
			"aud": issuer,
			"exp": f.now.Add(5 * time.Minute).Unix(),
			"jti": uuid.NewString(),
		}
	}
	tests := []struct {
		name   string
		mutate func(c jwt.MapClaims)
	}{
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "https://elsewhere.example.com" }},
		{"missing jti", func(c jwt.MapClaims) { delete(c, "jti") }},
		{"unknown subject", func(c jwt.MapClaims) { c["sub"] = "ghost" }},
		{"untrusted issuer", func(c jwt.MapClaims) { c["iss"] = "https://other-issuer.example.com" }},
		{"expired", func(c jwt.MapClaims) { c["exp"] = f.now.Add(-time.Minute).Unix() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := base()
			tt.mutate(claims)
			_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
				GrantType:    oauthmodel.JWTBearerGrant,
				ClientID:     webClientID,
				ClientSecret: webClientSecret,
				Assertion:    f.signAssertion(t, claims),
			})
			requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
		})
	}
}

func TestToken_JWTBearerSelfSignedSubjects(t *testing.T) {
	f := setupTestFixture(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "k1", Algorithm: "ES256", Use: "sig"}}})
	require.NoError(t, err)

	const clientID, clientSecret = "assertion-client", "assertion-secret"
	client := &clients.Client{
		ID:         clientID,
		Type:       clients.ClientTypeConfidential,
		Secret:     clientSecret,
		Scopes:     []string{"openid", "api:read"},
		GrantTypes: []oauthmodel.GrantType{oauthmodel.JWTBearerGrant, oauthmodel.RefreshTokenGrant},
		JWKS:       jwks,
		Trusted:    true,
	}
	require.NoError(t, f.clients.Upsert(client))

	exchange := func(subject string, scopes ...string) (*oauthmodel.TokenResponse, error) {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
			"iss": clientID,
			"sub": subject,
			"aud": issuer + "/oauth2/token",
			"iat": f.now.Unix(),
			"exp": f.now.Add(5 * time.Minute).Unix(),
			"jti": uuid.NewString(),
		}).SignedString(key)
		require.NoError(t, err)
		return f.service.Token(context.Background(), &oauthmodel.TokenRequest{
			GrantType:    oauthmodel.JWTBearerGrant,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Assertion:    signed,
			Scopes:       scopes,
		})
	}

	// A client cannot speak for an arbitrary user.
	_, err = exchange(testUserID, "openid")
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)

	resp, err := exchange(clientID, "api:read")
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Nil(t, resp.IDToken)

	client.AssertionSubjects = []string{testUserID}
	require.NoError(t, f.clients.Upsert(client))
	resp, err = exchange(testUserID, "openid")
	require.NoError(t, err)
	require.NotNil(t, resp.IDToken)
	require.Equal(t, testUserID, parseClaims(t, f, *resp.IDToken)["sub"])
}

func TestToken_TokenExchangeAccessToken(t *testing.T) {
	f := setupTestFixture(t)
	subject := f.tokensForUser(t, "openid profile")

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:        oauthmodel.TokenExchangeGrant,
		ClientID:         webClientID,
		ClientSecret:     webClientSecret,
		SubjectToken:     subject.AccessToken,
		SubjectTokenType: oauthmodel.AccessTokenType,
		Scopes:           []string{"openid", "email"},
	})
	require.NoError(t, err)
	require.Equal(t, oauthmodel.AccessTokenType, resp.IssuedTokenType)
	require.NotEqual(t, subject.AccessToken, resp.AccessToken)
	// email was not granted to the subject token.
	require.Equal(t, "openid", resp.Scope)

	info, err := f.service.IntrospectToken(context.Background(), resp.AccessToken, webClientID, webClientSecret)
	require.NoError(t, err)
	require.True(t, info.Active)
	require.Equal(t, testUserID, info.Sub)
}

func TestToken_TokenExchangeRejectsUnknownTypes(t *testing.T) {
	f := setupTestFixture(t)
	subject := f.tokensForUser(t, "openid")

	_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:          oauthmodel.TokenExchangeGrant,
		ClientID:           webClientID,
		ClientSecret:       webClientSecret,
		SubjectToken:       subject.AccessToken,
		SubjectTokenType:   oauthmodel.AccessTokenType,
		RequestedTokenType: oauthmodel.RefreshTokenType,
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidRequest)

	_, err = f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:        oauthmodel.TokenExchangeGrant,
		ClientID:         webClientID,
		ClientSecret:     webClientSecret,
		SubjectToken:     "not-a-token",
		SubjectTokenType: oauthmodel.AccessTokenType,
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_NativeSSODeviceSecret(t *testing.T) {
	f := setupTestFixture(t)
	first := f.tokensForUser(t, "openid device_sso")
	require.NotNil(t, first.DeviceToken)
	require.NotNil(t, first.IDToken)
	claims := parseClaims(t, f, *first.IDToken)
	require.Equal(t, token.HalfHash(*first.DeviceToken, crypto.SHA256), claims["ds_hash"])

	req := &oauthmodel.TokenRequest{
		GrantType:        oauthmodel.TokenExchangeGrant,
		ClientID:         webClientID,
		ClientSecret:     webClientSecret,
		SubjectToken:     *first.IDToken,
		SubjectTokenType: oauthmodel.IDTokenType,
		ActorToken:       *first.DeviceToken,
		ActorTokenType:   oauthmodel.DeviceSecretType,
		Scopes:           []string{"openid"},
	}
	resp, err := f.service.Token(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.DeviceToken)
	require.NotEqual(t, *first.DeviceToken, *resp.DeviceToken)
	require.NotNil(t, resp.IDToken)

	// The presented secret was rotated away.
	_, err = f.service.Token(context.Background(), req)
	requireOAuthError(t, err, oauthmodel.ErrorInvalidGrant)
}

func TestToken_TransactionToken(t *testing.T) {
	f := setupTestFixture(t)
	subject := f.tokensForUser(t, "openid profile")

	resp, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:          oauthmodel.TokenExchangeGrant,
		ClientID:           webClientID,
		ClientSecret:       webClientSecret,
		SubjectToken:       subject.AccessToken,
		SubjectTokenType:   oauthmodel.AccessTokenType,
		RequestedTokenType: oauthmodel.TxTokenType,
		Audience:           "https://trust-domain.example.com",
		Scopes:             []string{"profile"},
		RequestContext:     `{"req_ip":"192.0.2.1"}`,
	})
	require.NoError(t, err)
	require.Equal(t, auth.TokenTypeNotApplicable, resp.TokenType)
	require.Equal(t, oauthmodel.TxTokenType, resp.IssuedTokenType)
	require.Nil(t, resp.RefreshToken)
	require.Equal(t, int64(60), resp.ExpiresIn)

	claims := parseClaims(t, f, resp.AccessToken)
	require.Equal(t, testUserID, claims["sub"])
	require.Equal(t, "https://trust-domain.example.com", claims["aud"])
	require.Equal(t, "profile", claims["scope"])
	require.Equal(t, map[string]any{"req_ip": "192.0.2.1"}, claims["rctx"])
}

func TestToken_TransactionTokenRejectsBadContext(t *testing.T) {
	f := setupTestFixture(t)
	subject := f.tokensForUser(t, "openid")

	_, err := f.service.Token(context.Background(), &oauthmodel.TokenRequest{
		GrantType:          oauthmodel.TokenExchangeGrant,
		ClientID:           webClientID,
		ClientSecret:       webClientSecret,
		SubjectToken:       subject.AccessToken,
		SubjectTokenType:   oauthmodel.AccessTokenType,
		RequestedTokenType: oauthmodel.TxTokenType,
		RequestContext:     "[1,2]",
	})
	requireOAuthError(t, err, oauthmodel.ErrorInvalidRequest)
}
