package config

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	StorageConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
	GetSigningKeyFile() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Storage
}

func New() Config {
	return mainConfig{}
}
