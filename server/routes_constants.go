package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// OAuth2 / OIDC Routes
	RouteWellKnownOpenIDConfig = "/.well-known/openid-configuration"
	RouteWellKnownJWKS         = "/.well-known/jwks.json"
	RouteOAuth2Authorize       = "/oauth2/authorize"
	RouteOAuth2Token           = "/oauth2/token"
	RouteOAuth2Introspect      = "/oauth2/introspect"
	RouteOAuth2Revoke          = "/oauth2/revoke"
	RouteOAuth2BackchannelAuth = "/oauth2/bc-authorize"
	RouteOAuth2DeviceAuthorize = "/oauth2/device_authorization"
	RouteOAuth2PushedAuthorize = "/oauth2/par"
	RouteUserInfo              = "/userinfo"

	// Interaction pages that resume a parked authorization request
	RouteLogin         = "/login"
	RouteConsent       = "/consent"
	RouteSelectAccount = "/select-account"
	RouteDevice        = "/device"
	RouteLogout        = "/logout"

	RouteMetrics = "/metrics"
)
