package config

import "strings"

type Cors struct{}

var _ CorsConfig = Cors{}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	if _, ok := a["*"]; ok {
		return true
	}
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	return strings.Join(origins, ", ")
}

// GetAllowedOrigins reads CORS_ALLOWED_ORIGINS as a comma separated list.
func (Cors) GetAllowedOrigins() AllowedOrigins {
	origins := AllowedOrigins{}
	for _, o := range strings.Split(GetEnv(corsOriginsVar, ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = nullValue{}
		}
	}
	return origins
}

func (Cors) GetAllowedMethods() string {
	return "GET, POST, OPTIONS"
}

func (Cors) GetAllowedHeaders() string {
	return "Content-Type, Authorization, DPoP"
}
