package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	portEnvVar     = "PORT"
	appNameVar     = "APP_NAME"
	baseURLVar     = "BASE_URL"
	logLevelVar    = "LOG_LEVEL"
	signingKeyVar  = "SIGNING_KEY_FILE"
	corsOriginsVar = "CORS_ALLOWED_ORIGINS"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetPort() string {
	port := GetEnv(portEnvVar, "8080")
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}
	return port
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Go Grant Server")
}

func (EnvVars) GetEnv() string {
	return GetEnv("ENV", "DEV")
}

// GetBaseURL returns the base URL for the server (e.g., "https://auth.example.com").
// It is the token issuer and the prefix of every advertised endpoint.
func (EnvVars) GetBaseURL() string {
	return strings.TrimSuffix(GetEnv(baseURLVar, "http://localhost:8080"), "/")
}

func (EnvVars) GetLogLevel() string {
	return GetEnv(logLevelVar, "info")
}

// GetSigningKeyFile is an optional PEM encoded private key. When empty a key pair is generated
// at startup.
func (EnvVars) GetSigningKeyFile() string {
	return GetEnv(signingKeyVar, "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvInt(envVar string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(envVar))
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvBool(envVar string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(envVar))
	if err != nil {
		return defaultValue
	}
	return value
}

// GetEnvDuration accepts Go duration strings ("15m", "1h30m").
func GetEnvDuration(envVar string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(envVar))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
