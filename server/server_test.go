package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/backchannel"
	"github.com/jrsteele09/go-grant-server/clients"
	fakeclientrepo "github.com/jrsteele09/go-grant-server/clients/fakerepo"
	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/config"
	"github.com/jrsteele09/go-grant-server/metrics"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/server"
	"github.com/jrsteele09/go-grant-server/server/authflowrepo"
	"github.com/jrsteele09/go-grant-server/sessions"
	"github.com/jrsteele09/go-grant-server/token"
	"github.com/jrsteele09/go-grant-server/token/keys"
	"github.com/jrsteele09/go-grant-server/users"
	fakeuserrepo "github.com/jrsteele09/go-grant-server/users/repofake"
)

const (
	webClientID        = "web-client"
	webClientSecret    = "web-secret"
	spaClientID        = "spa-client"
	deviceClientID     = "device-client"
	deviceClientSecret = "device-secret"
	testUserID         = "user-1"
	testUsername       = "alice"
	testUserPassword   = "password123"
	testRedirectURI    = "http://localhost:3000/callback"
)

var (
	testKeys     = sync.OnceValues(keys.GenerateKeyStore)
	passwordHash = sync.OnceValues(func() (string, error) { return users.HashPassword(testUserPassword) })
)

// testConfig points the environment backed configuration at the test server.
type testConfig struct {
	config.Config
	baseURL string
}

func (c testConfig) GetBaseURL() string { return c.baseURL }
func (c testConfig) GetEnv() string     { return "TEST" }

type testFixture struct {
	ts       *httptest.Server
	baseURL  string
	users    *fakeuserrepo.FakeUserRepo
	clients  *fakeclientrepo.FakeClientRepo
	flows    *authflowrepo.InMemoryRepo
	registry *prometheus.Registry
	service  *auth.AuthorizationService
	server   *server.Server
}

func setupTestFixture(t *testing.T, options ...server.Option) *testFixture {
	t.Helper()

	ks, err := testKeys()
	require.NoError(t, err)

	// The listener exists before the server starts, so the issuer can name it.
	ts := httptest.NewUnstartedServer(nil)
	f := &testFixture{
		ts:       ts,
		baseURL:  "http://" + ts.Listener.Addr().String(),
		users:    fakeuserrepo.NewFakeUserRepo(),
		clients:  fakeclientrepo.NewFakeClientRepo(),
		flows:    authflowrepo.NewInMemoryRepo(),
		registry: prometheus.NewRegistry(),
	}
	cfg := testConfig{Config: config.New(), baseURL: f.baseURL}

	repos := auth.Repos{
		Users:    f.users,
		Clients:  f.clients,
		Sessions: sessions.NewInMemoryRepo(),
		Grants:   grant.NewInMemoryStore(),
		Consents: consent.NewInMemoryStore(),
	}
	tokens := token.NewFactory(ks, f.clients, auth.TokenConfigFromConfig(cfg), token.WithUserRepo(f.users))
	bc := backchannel.NewService(backchannel.NewInMemoryStore(), auth.BackchannelConfigFromConfig(cfg))

	f.service, err = auth.NewAuthorizationService(repos, tokens, ks, auth.PolicyFromConfig(cfg),
		auth.WithBackchannel(bc),
		auth.WithAuditLogger(audit.NewRecorder()),
		auth.WithMetrics(metrics.New(f.registry)),
	)
	require.NoError(t, err)

	f.createTestUser(t)
	f.createTestClients(t)

	opts := append([]server.Option{server.WithMetricsGatherer(f.registry)}, options...)
	f.server, err = server.New(cfg, repos, f.service, ks, f.flows, opts...)
	require.NoError(t, err)

	ts.Config.Handler = f.server
	ts.Start()
	t.Cleanup(ts.Close)
	return f
}

func (f *testFixture) createTestUser(t *testing.T) {
	t.Helper()
	hash, err := passwordHash()
	require.NoError(t, err)
	require.NoError(t, f.users.Upsert(&users.User{
		ID:           testUserID,
		Username:     testUsername,
		Email:        "alice@example.com",
		PasswordHash: hash,
		FirstName:    "Alice",
		LastName:     "Liddell",
		Verified:     true,
	}))
}

func (f *testFixture) createTestClients(t *testing.T) {
	t.Helper()
	require.NoError(t, f.clients.Upsert(&clients.Client{
		ID:           webClientID,
		Description:  "Web App",
		Type:         clients.ClientTypeConfidential,
		Secret:       webClientSecret,
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"openid", "profile", "email", "offline_access", "api:read"},
		GrantTypes: []oauthmodel.GrantType{
			oauthmodel.AuthorizationCodeGrant,
			oauthmodel.RefreshTokenGrant,
			oauthmodel.ClientCredentialsGrant,
		},
		ResponseTypes: []oauthmodel.ResponseType{oauthmodel.CodeResponseType},
		Trusted:       true,
	}))
	require.NoError(t, f.clients.Upsert(&clients.Client{
		ID:            spaClientID,
		Description:   "Single Page App",
		Type:          clients.ClientTypePublic,
		RedirectURIs:  []string{testRedirectURI},
		Scopes:        []string{"openid", "profile"},
		GrantTypes:    []oauthmodel.GrantType{oauthmodel.AuthorizationCodeGrant},
		ResponseTypes: []oauthmodel.ResponseType{oauthmodel.CodeResponseType},
	}))
	require.NoError(t, f.clients.Upsert(&clients.Client{
		ID:     deviceClientID,
		Type:   clients.ClientTypeConfidential,
		Secret: deviceClientSecret,
		Scopes: []string{"openid", "profile"},
		GrantTypes: []oauthmodel.GrantType{
			oauthmodel.CIBAGrant,
			oauthmodel.DeviceCodeGrant,
		},
		Trusted:                      true,
		BackchannelTokenDeliveryMode: oauthmodel.PollDeliveryMode,
	}))
}

// newBrowser returns a client that keeps cookies and stops at redirects that leave the server.
func (f *testFixture) newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	host := f.ts.Listener.Addr().String()
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, _ []*http.Request) error {
			if req.URL.Host != host {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// postForm sends a form to the server, authenticating with client_secret_basic when clientID is set.
func (f *testFixture) postForm(t *testing.T, path string, form url.Values, clientID, clientSecret string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.baseURL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestServer_Discovery(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp, err := http.Get(f.baseURL + server.RouteWellKnownOpenIDConfig)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeJSON(t, resp)

	require.Equal(t, f.baseURL, doc["issuer"])
	require.Equal(t, f.baseURL+server.RouteOAuth2Token, doc["token_endpoint"])
	require.Equal(t, f.baseURL+server.RouteOAuth2DeviceAuthorize, doc["device_authorization_endpoint"])
	require.Equal(t, f.baseURL+server.RouteOAuth2BackchannelAuth, doc["backchannel_authentication_endpoint"])
	require.Contains(t, doc["grant_types_supported"], string(oauthmodel.CIBAGrant))
	require.Contains(t, doc["response_modes_supported"], "form_post.jwt")
	require.Equal(t, f.baseURL+server.RouteOAuth2PushedAuthorize, doc["pushed_authorization_request_endpoint"])
	require.Equal(t, true, doc["request_uri_parameter_supported"])
	require.Equal(t, false, doc["require_pushed_authorization_requests"])
}

func TestServer_JWKS(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp, err := http.Get(f.baseURL + server.RouteWellKnownJWKS)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var set jose.JSONWebKeySet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	require.NotEmpty(t, set.Keys)
	for _, key := range set.Keys {
		require.True(t, key.IsPublic(), "key %s is not public", key.KeyID)
		require.NotEmpty(t, key.KeyID)
	}
}

func TestServer_TokenInvalidClient(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp := f.postForm(t, server.RouteOAuth2Token, url.Values{"grant_type": {"client_credentials"}}, webClientID, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, `Basic realm="token"`, resp.Header.Get("WWW-Authenticate"))
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Equal(t, "invalid_client", decodeJSON(t, resp)["error"])
}

func TestServer_TokenMalformedForm(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	req, err := http.NewRequest(http.MethodPost, f.baseURL+server.RouteOAuth2Token, strings.NewReader("grant_type=%zz"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(webClientID, webClientSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeJSON(t, resp)["error"])
}

func TestServer_PushedAuthorizationRequest(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)

	form := url.Values{
		"response_type": {"code"},
		"redirect_uri":  {testRedirectURI},
		"scope":         {"openid"},
		"state":         {"pushed-state"},
	}
	resp := f.postForm(t, server.RouteOAuth2PushedAuthorize, form, webClientID, webClientSecret)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	body := decodeJSON(t, resp)
	requestURI, _ := body["request_uri"].(string)
	require.True(t, strings.HasPrefix(requestURI, "urn:ietf:params:oauth:request_uri:"))
	require.Equal(t, float64(90), body["expires_in"])

	authorizeURL := f.baseURL + server.RouteOAuth2Authorize + "?" + url.Values{
		"client_id":   {webClientID},
		"request_uri": {requestURI},
	}.Encode()

	// The first use parks the pushed request behind the login page.
	resp, err := browser.Get(authorizeURL)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The request_uri is single use.
	resp, err = browser.Get(authorizeURL)
	require.NoError(t, err)
	readBody(t, resp)
	location, err := resp.Location()
	require.NoError(t, err)
	require.Equal(t, "invalid_request_uri", location.Query().Get("error"))

	// Pushing requires client authentication.
	resp = f.postForm(t, server.RouteOAuth2PushedAuthorize, form, webClientID, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid_client", decodeJSON(t, resp)["error"])
}

func TestServer_ClientCredentialsIntrospectRevoke(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	ctx := t.Context()

	cc := clientcredentials.Config{
		ClientID:     webClientID,
		ClientSecret: webClientSecret,
		TokenURL:     f.baseURL + server.RouteOAuth2Token,
		Scopes:       []string{"api:read"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
	require.Equal(t, "api:read", tok.Extra("scope"))

	introspect := func() map[string]any {
		resp := f.postForm(t, server.RouteOAuth2Introspect, url.Values{"token": {tok.AccessToken}}, webClientID, webClientSecret)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeJSON(t, resp)
	}
	info := introspect()
	require.Equal(t, true, info["active"])
	require.Equal(t, webClientID, info["client_id"])
	require.Equal(t, "api:read", info["scope"])

	resp := f.postForm(t, server.RouteOAuth2Revoke, url.Values{"token": {tok.AccessToken}}, webClientID, webClientSecret)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, introspect()["active"])

	// Unknown tokens are not an error.
	resp = f.postForm(t, server.RouteOAuth2Revoke, url.Values{"token": {"not-a-token"}}, webClientID, webClientSecret)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_IntrospectRequiresToken(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp := f.postForm(t, server.RouteOAuth2Introspect, url.Values{}, webClientID, webClientSecret)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeJSON(t, resp)["error"])
}

func TestServer_UserInfoRejectsMissingAndInvalidTokens(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp, err := http.Get(f.baseURL + server.RouteUserInfo)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Bearer"))

	req, err := http.NewRequest(http.MethodGet, f.baseURL+server.RouteUserInfo, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, `Bearer error="invalid_token"`, resp.Header.Get("WWW-Authenticate"))
	require.Equal(t, "invalid_token", decodeJSON(t, resp)["error"])
}

func TestServer_AuthorizeUnknownClientIsNotRedirected(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)

	q := url.Values{
		"client_id":     {"unknown"},
		"response_type": {"code"},
		"redirect_uri":  {testRedirectURI},
	}
	resp, err := browser.Get(f.baseURL + server.RouteOAuth2Authorize + "?" + q.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Location"))
	require.Equal(t, "unauthorized_client", decodeJSON(t, resp)["error"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp := f.postForm(t, server.RouteOAuth2Token, url.Values{"grant_type": {"client_credentials"}}, webClientID, webClientSecret)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(f.baseURL + server.RouteMetrics)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `grantsrv_token_requests_total{grant_type="client_credentials",outcome="success"} 1`)
}

func TestServer_CorsPreflight(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
	f := setupTestFixture(t, server.WithoutBootstrap())

	req, err := http.NewRequest(http.MethodOptions, f.baseURL+server.RouteOAuth2Token, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_BootstrapSeedsClientsAndAdmin(t *testing.T) {
	f := setupTestFixture(t)

	public, err := f.clients.Get(server.PublicClientID)
	require.NoError(t, err)
	require.Equal(t, clients.ClientTypePublic, public.Type)
	require.Contains(t, public.RedirectURIs, f.baseURL+"/callback")

	service, err := f.clients.Get(server.ServiceClientID)
	require.NoError(t, err)
	require.Equal(t, clients.ClientTypeConfidential, service.Type)
	require.NotEmpty(t, service.Secret)
	require.True(t, service.AllowsGrantType(oauthmodel.CIBAGrant))

	admin, err := f.users.GetByUsername(server.DefaultAdminUsername)
	require.NoError(t, err)
	require.NotEmpty(t, admin.PasswordHash)
}
