package config

import "time"

type SecurityConfig interface {
	GetRequirePKCE() bool
	GetMaxSessionAge() time.Duration
	GetDPoPProofMaxAge() time.Duration
	GetReauthenticateOnMaxAgeZero() bool
	GetRequirePAR() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

func (Security) GetRequirePKCE() bool {
	return GetEnvBool("REQUIRE_PKCE", false)
}

func (Security) GetMaxSessionAge() time.Duration {
	return GetEnvDuration("MAX_SESSION_AGE", 24*time.Hour)
}

func (Security) GetDPoPProofMaxAge() time.Duration {
	return GetEnvDuration("DPOP_PROOF_MAX_AGE", 5*time.Minute)
}

func (Security) GetReauthenticateOnMaxAgeZero() bool {
	return GetEnvBool("REAUTHENTICATE_ON_MAX_AGE_ZERO", false)
}

// GetRequirePAR makes every authorization request go through the pushed authorization endpoint.
func (Security) GetRequirePAR() bool {
	return GetEnvBool("REQUIRE_PAR", false)
}
