package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) initRoutes() {
	// OAuth2 / OIDC API routes
	s.RegisterRouteHandler("GET "+RouteWellKnownOpenIDConfig, ChainMiddleware(s.WellKnownOpenIDConfig(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteWellKnownJWKS, ChainMiddleware(s.JWKS(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteOAuth2Token, ChainMiddleware(s.Token(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteOAuth2BackchannelAuth, ChainMiddleware(s.BackchannelAuthorize(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteOAuth2DeviceAuthorize, ChainMiddleware(s.DeviceAuthorize(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteOAuth2PushedAuthorize, ChainMiddleware(s.PushedAuthorize(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteOAuth2Introspect, ChainMiddleware(s.Introspect(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteOAuth2Revoke, ChainMiddleware(s.Revoke(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteUserInfo, ChainMiddleware(s.UserInfo(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteUserInfo, ChainMiddleware(s.UserInfo(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("OPTIONS /", ChainMiddleware(preflight, s.APIMiddleware()...))

	// Authorization endpoint and the pages that resume it
	s.RegisterRouteHandler("GET "+RouteOAuth2Authorize, ChainMiddleware(s.Authorize(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteOAuth2Authorize, ChainMiddleware(s.Authorize(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteLogin, ChainMiddleware(s.LoginPageUIHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteLogin, ChainMiddleware(s.LoginSubmissionHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteConsent, ChainMiddleware(s.ConsentGetHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteConsent, ChainMiddleware(s.ConsentPostHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteSelectAccount, ChainMiddleware(s.SelectAccountGetHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteSelectAccount, ChainMiddleware(s.SelectAccountPostHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteDevice, ChainMiddleware(s.DeviceGetHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteDevice, ChainMiddleware(s.DevicePostHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteLogout, ChainMiddleware(s.LogoutHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteLogout, ChainMiddleware(s.LogoutHandler(), s.HTMLMiddleWare()...))

	s.RegisterRouteHandler("GET "+RouteMetrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// preflight answers CORS preflight requests once the CORS middleware has set its headers.
func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
