package server_test

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/server"
)

var ticketPattern = regexp.MustCompile(`name="ticket" value="([^"]*)"`)

func (f *testFixture) oauthConfig(clientID, clientSecret string, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  testRedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       f.baseURL + server.RouteOAuth2Authorize,
			TokenURL:      f.baseURL + server.RouteOAuth2Token,
			DeviceAuthURL: f.baseURL + server.RouteOAuth2DeviceAuthorize,
		},
	}
}

// openLoginPage follows an authorization request to the login page and returns the flow id.
func (f *testFixture) openLoginPage(t *testing.T, browser *http.Client, authURL string) string {
	t.Helper()
	resp, err := browser.Get(authURL)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, server.RouteLogin, resp.Request.URL.Path)
	flowID := resp.Request.URL.Query().Get("flow")
	require.NotEmpty(t, flowID)
	return flowID
}

func (f *testFixture) submitLogin(t *testing.T, browser *http.Client, flowID, password string) *http.Response {
	t.Helper()
	resp, err := browser.PostForm(f.baseURL+server.RouteLogin, url.Values{
		"flow":     {flowID},
		"username": {testUsername},
		"password": {password},
	})
	require.NoError(t, err)
	return resp
}

// login signs in through the login page and returns the final response.
func (f *testFixture) login(t *testing.T, browser *http.Client, authURL string) *http.Response {
	t.Helper()
	return f.submitLogin(t, browser, f.openLoginPage(t, browser, authURL), testUserPassword)
}

// callbackParams reads the authorization response from a redirect to the client.
func callbackParams(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "localhost:3000", location.Host)
	return location.Query()
}

func TestFlow_AuthorizationCodeWithPKCE(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	ctx := t.Context()
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid", "profile", "offline_access")

	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("state-1",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", "nonce-1"),
	)
	params := callbackParams(t, f.login(t, browser, authURL))
	require.Equal(t, "state-1", params.Get("state"))
	require.NotEmpty(t, params.Get("code"))

	tok, err := conf.Exchange(ctx, params.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
	require.NotEmpty(t, tok.RefreshToken)
	rawIDToken, ok := tok.Extra("id_token").(string)
	require.True(t, ok)

	provider, err := oidc.NewProvider(ctx, f.baseURL)
	require.NoError(t, err)
	idToken, err := provider.Verifier(&oidc.Config{ClientID: webClientID}).Verify(ctx, rawIDToken)
	require.NoError(t, err)
	require.Equal(t, testUserID, idToken.Subject)
	require.Equal(t, "nonce-1", idToken.Nonce)

	userInfo, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	require.Equal(t, testUserID, userInfo.Subject)

	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)

	// The code is single use.
	_, err = conf.Exchange(ctx, params.Get("code"), oauth2.VerifierOption(verifier))
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	require.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestFlow_WrongVerifierIsRejected(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	authURL := conf.AuthCodeURL("state-1", oauth2.S256ChallengeOption(oauth2.GenerateVerifier()))
	params := callbackParams(t, f.login(t, browser, authURL))

	_, err := conf.Exchange(t.Context(), params.Get("code"), oauth2.VerifierOption(oauth2.GenerateVerifier()))
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	require.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestFlow_WrongPasswordRendersLoginAgain(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	flowID := f.openLoginPage(t, browser, conf.AuthCodeURL("state-1"))
	resp := f.submitLogin(t, browser, flowID, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := readBody(t, resp)
	require.Contains(t, body, "Invalid username or password")
	require.Contains(t, body, flowID)

	// The flow survives a failed attempt.
	params := callbackParams(t, f.submitLogin(t, browser, flowID, testUserPassword))
	require.NotEmpty(t, params.Get("code"))
}

func TestFlow_ParkedRequestIsBoundToTheBrowserSession(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	flowID := f.openLoginPage(t, f.newBrowser(t), conf.AuthCodeURL("state-1"))

	resp := f.submitLogin(t, f.newBrowser(t), flowID, testUserPassword)
	readBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFlow_UnknownFlowRendersExpiredPage(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp, err := f.newBrowser(t).Get(f.baseURL + server.RouteLogin + "?flow=missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "Request expired")
}

func TestFlow_ConsentAllowAndDeny(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	conf := f.oauthConfig(spaClientID, "", "openid", "profile")

	openConsent := func(t *testing.T, browser *http.Client) (string, string) {
		t.Helper()
		verifier := oauth2.GenerateVerifier()
		resp := f.login(t, browser, conf.AuthCodeURL("state-1", oauth2.S256ChallengeOption(verifier)))
		body := readBody(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, server.RouteConsent, resp.Request.URL.Path)
		require.Contains(t, body, "Single Page App")
		require.Contains(t, body, "profile")

		match := ticketPattern.FindStringSubmatch(body)
		require.Len(t, match, 2)
		return resp.Request.URL.Query().Get("flow"), match[1]
	}

	t.Run("allow", func(t *testing.T) {
		browser := f.newBrowser(t)
		flowID, ticket := openConsent(t, browser)
		resp, err := browser.PostForm(f.baseURL+server.RouteConsent, url.Values{
			"flow":   {flowID},
			"ticket": {ticket},
			"action": {"allow"},
		})
		require.NoError(t, err)
		params := callbackParams(t, resp)
		require.NotEmpty(t, params.Get("code"))
		require.Equal(t, "state-1", params.Get("state"))
	})

	t.Run("deny", func(t *testing.T) {
		browser := f.newBrowser(t)
		flowID, ticket := openConsent(t, browser)
		resp, err := browser.PostForm(f.baseURL+server.RouteConsent, url.Values{
			"flow":   {flowID},
			"ticket": {ticket},
			"action": {"deny"},
		})
		require.NoError(t, err)
		params := callbackParams(t, resp)
		require.Equal(t, string(oauthmodel.ErrorAccessDenied), params.Get("error"))
		require.Equal(t, "state-1", params.Get("state"))
		require.Empty(t, params.Get("code"))
	})
}

func TestFlow_FormPostResponseMode(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	authURL := conf.AuthCodeURL("state-1", oauth2.SetAuthURLParam("response_mode", "form_post"))
	resp := f.login(t, browser, authURL)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `action="`+testRedirectURI+`"`)
	require.Contains(t, body, `name="code"`)
	require.Contains(t, body, `value="state-1"`)
}

func TestFlow_FragmentResponseMode(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	authURL := conf.AuthCodeURL("state-1", oauth2.SetAuthURLParam("response_mode", "fragment"))
	resp := f.login(t, browser, authURL)
	readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Empty(t, location.RawQuery)
	params, err := url.ParseQuery(location.EscapedFragment())
	require.NoError(t, err)
	require.NotEmpty(t, params.Get("code"))
	require.Equal(t, "state-1", params.Get("state"))
}

func TestFlow_SessionIsReusedAndSelectAccountPrompts(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	callbackParams(t, f.login(t, browser, conf.AuthCodeURL("state-1")))

	// Signed in: the next request is answered without a page.
	resp, err := browser.Get(conf.AuthCodeURL("state-2"))
	require.NoError(t, err)
	require.Equal(t, "state-2", callbackParams(t, resp).Get("state"))

	resp, err = browser.Get(conf.AuthCodeURL("state-3", oauth2.SetAuthURLParam("prompt", "select_account")))
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, server.RouteSelectAccount, resp.Request.URL.Path)
	require.Contains(t, body, testUsername)

	resp, err = browser.PostForm(f.baseURL+server.RouteSelectAccount, url.Values{
		"flow":   {resp.Request.URL.Query().Get("flow")},
		"action": {"continue"},
	})
	require.NoError(t, err)
	params := callbackParams(t, resp)
	require.Equal(t, "state-3", params.Get("state"))
	require.NotEmpty(t, params.Get("code"))
}

func TestFlow_LogoutEndsTheSession(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	browser := f.newBrowser(t)
	conf := f.oauthConfig(webClientID, webClientSecret, "openid")

	callbackParams(t, f.login(t, browser, conf.AuthCodeURL("state-1")))

	resp, err := browser.Get(f.baseURL + server.RouteLogout)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "Signed out")

	f.openLoginPage(t, browser, conf.AuthCodeURL("state-2"))
}

func TestFlow_DeviceAuthorization(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())
	ctx := t.Context()
	conf := f.oauthConfig(deviceClientID, deviceClientSecret, "openid", "profile")

	da, err := conf.DeviceAuth(ctx, oauth2.SetAuthURLParam("client_secret", deviceClientSecret))
	require.NoError(t, err)
	require.NotEmpty(t, da.DeviceCode)
	require.Regexp(t, `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`, da.UserCode)
	require.Equal(t, f.baseURL+server.RouteDevice, da.VerificationURI)

	poll := func() *http.Response {
		return f.postForm(t, server.RouteOAuth2Token, url.Values{
			"grant_type":  {string(oauthmodel.DeviceCodeGrant)},
			"device_code": {da.DeviceCode},
		}, deviceClientID, deviceClientSecret)
	}
	resp := poll()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "slow_down", decodeJSON(t, resp)["error"])

	browser := f.newBrowser(t)
	resp, err = browser.Get(da.VerificationURIComplete)
	require.NoError(t, err)
	require.Contains(t, readBody(t, resp), da.UserCode)

	// Typed in lower case without the dash.
	typed := strings.ToLower(da.UserCode[:4] + da.UserCode[5:])
	resp, err = browser.PostForm(f.baseURL+server.RouteDevice, url.Values{"user_code": {typed}})
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, server.RouteLogin, resp.Request.URL.Path)

	resp = f.submitLogin(t, browser, resp.Request.URL.Query().Get("flow"), testUserPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "Request approved")

	resp = poll()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.NotEmpty(t, body["access_token"])
	require.Equal(t, "openid profile", body["scope"])
}

func TestFlow_DeviceUnknownUserCode(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp, err := f.newBrowser(t).PostForm(f.baseURL+server.RouteDevice, url.Values{"user_code": {"bbbb-bbbb"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readBody(t, resp)
	require.Contains(t, body, "That code is invalid or has expired.")
	require.Contains(t, body, "BBBB-BBBB")
}

func TestFlow_BackchannelAuthentication(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp := f.postForm(t, server.RouteOAuth2BackchannelAuth, url.Values{
		"scope":      {"openid profile"},
		"login_hint": {testUsername},
	}, deviceClientID, deviceClientSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decodeJSON(t, resp)
	authReqID, ok := started["auth_req_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, authReqID)

	poll := func() *http.Response {
		return f.postForm(t, server.RouteOAuth2Token, url.Values{
			"grant_type":  {string(oauthmodel.CIBAGrant)},
			"auth_req_id": {authReqID},
		}, deviceClientID, deviceClientSecret)
	}
	resp = poll()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "slow_down", decodeJSON(t, resp)["error"])

	browser := f.newBrowser(t)
	authURL := f.baseURL + server.RouteOAuth2Authorize + "?" + url.Values{
		"client_id":   {deviceClientID},
		"auth_req_id": {authReqID},
	}.Encode()
	resp = f.login(t, browser, authURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "Request approved")

	resp = poll()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["id_token"])
}

func TestFlow_BackchannelAuthenticationUnknownUser(t *testing.T) {
	f := setupTestFixture(t, server.WithoutBootstrap())

	resp := f.postForm(t, server.RouteOAuth2BackchannelAuth, url.Values{
		"scope":      {"openid"},
		"login_hint": {"mallory"},
	}, deviceClientID, deviceClientSecret)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeJSON(t, resp)["error"])
}
