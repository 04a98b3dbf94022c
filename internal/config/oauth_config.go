package config

import "time"

type OAuthConfig interface {
	GetAuthCodeTimeout() time.Duration
	GetDefaultAccessTokenExpiry() time.Duration
	GetDefaultIDTokenExpiry() time.Duration
	GetDefaultRefreshTokenExpiry() time.Duration
	GetRefreshTokenExtendLifetimeOnRotation() bool
	GetSkipRefreshTokenDuringRefreshing() bool
	GetRefreshRequiresOfflineAccess() bool
	GetOpenIDScopeBackwardCompatibility() bool
	GetBackchannelPollInterval() time.Duration
	GetBackchannelRequestLifetime() time.Duration
	GetPARLifetime() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetAuthCodeTimeout() time.Duration {
	return GetEnvDuration("AUTH_CODE_LIFETIME", 15*time.Minute)
}

func (OAuth) GetDefaultAccessTokenExpiry() time.Duration {
	return GetEnvDuration("ACCESS_TOKEN_LIFETIME", 1*time.Hour)
}

func (OAuth) GetDefaultIDTokenExpiry() time.Duration {
	return GetEnvDuration("ID_TOKEN_LIFETIME", 1*time.Hour)
}

func (OAuth) GetDefaultRefreshTokenExpiry() time.Duration {
	return GetEnvDuration("REFRESH_TOKEN_LIFETIME", 7*24*time.Hour) // 7 days
}

// GetRefreshTokenExtendLifetimeOnRotation decides whether a rotated refresh token gets a fresh
// lifetime or inherits the expiry of the token it replaces.
func (OAuth) GetRefreshTokenExtendLifetimeOnRotation() bool {
	return GetEnvBool("REFRESH_TOKEN_EXTEND_ON_ROTATION", false)
}

func (OAuth) GetSkipRefreshTokenDuringRefreshing() bool {
	return GetEnvBool("SKIP_REFRESH_TOKEN_ON_REFRESH", false)
}

func (OAuth) GetRefreshRequiresOfflineAccess() bool {
	return GetEnvBool("REFRESH_REQUIRES_OFFLINE_ACCESS", false)
}

// GetOpenIDScopeBackwardCompatibility enables id_token issuance on client_credentials and
// refresh_token grants when openid is granted.
func (OAuth) GetOpenIDScopeBackwardCompatibility() bool {
	return GetEnvBool("OPENID_SCOPE_BACKWARD_COMPATIBILITY", false)
}

func (OAuth) GetBackchannelPollInterval() time.Duration {
	return GetEnvDuration("BACKCHANNEL_POLL_INTERVAL", 5*time.Second)
}

func (OAuth) GetBackchannelRequestLifetime() time.Duration {
	return GetEnvDuration("BACKCHANNEL_REQUEST_LIFETIME", 10*time.Minute)
}

func (OAuth) GetPARLifetime() time.Duration {
	return GetEnvDuration("PAR_LIFETIME", 90*time.Second)
}
