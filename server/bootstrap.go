package server

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
	"github.com/jrsteele09/go-grant-server/users"
)

const (
	DefaultAdminUsername = "admin"

	// Public client for browser and native apps (authorization code + PKCE)
	PublicClientID   = "oauth-client"
	PublicClientName = "OAuth Public Client"

	// Confidential client for back-end services and devices
	ServiceClientID   = "service-client"
	ServiceClientName = "Service Client"
)

// InitialiseSystem seeds the demo clients and the admin account when they are missing.
// Generated credentials are logged once.
func (s *Server) InitialiseSystem() error {
	baseURL := s.config.GetBaseURL()

	publicClient, err := s.createPublicOAuthClient()
	if err != nil {
		return fmt.Errorf("[Server InitialiseSystem] failed to bootstrap public client: %w", err)
	}
	serviceClient, serviceSecret, err := s.createServiceClient()
	if err != nil {
		return fmt.Errorf("[Server InitialiseSystem] failed to bootstrap service client: %w", err)
	}
	adminPassword, err := s.createAdmin(generateEmailFromBaseURL(DefaultAdminUsername, baseURL))
	if err != nil {
		return fmt.Errorf("[Server InitialiseSystem] failed to bootstrap admin: %w", err)
	}

	if adminPassword == "" && serviceSecret == "" {
		log.Info().Str("base_url", baseURL).Msg("Bootstrap: system already configured")
		return nil
	}

	event := log.Info().
		Str("issuer", baseURL).
		Str("discovery", baseURL+RouteWellKnownOpenIDConfig).
		Str("public_client", publicClient.ID).
		Str("service_client", serviceClient.ID)
	if serviceSecret != "" {
		event = event.Str("service_client_secret", serviceSecret)
	}
	if adminPassword != "" {
		event = event.Str("admin_username", DefaultAdminUsername).Str("admin_password", adminPassword)
	}
	event.Msg("Bootstrap complete: save these credentials, they will not be displayed again")
	return nil
}

// createPublicOAuthClient creates a general-purpose public OAuth2 client
func (s *Server) createPublicOAuthClient() (*clients.Client, error) {
	existingClient, err := s.repos.Clients.Get(PublicClientID)
	if err == nil && existingClient != nil {
		return existingClient, nil
	}

	baseURL := s.config.GetBaseURL()
	publicClient := &clients.Client{
		ID:          PublicClientID,
		Description: PublicClientName,
		Type:        clients.ClientTypePublic,
		RedirectURIs: []string{
			baseURL + "/callback",
			"http://localhost:3000/callback", // Dev frontend
			"http://localhost:8081/callback", // Alternative local dev
		},
		Scopes:        []string{"openid", "profile", "email", "offline_access"},
		GrantTypes:    []oauthmodel.GrantType{oauthmodel.AuthorizationCodeGrant, oauthmodel.RefreshTokenGrant},
		ResponseTypes: []oauthmodel.ResponseType{oauthmodel.CodeResponseType},
	}
	if err := s.repos.Clients.Upsert(publicClient); err != nil {
		return nil, fmt.Errorf("failed to create public OAuth client: %w", err)
	}
	return publicClient, nil
}

// createServiceClient creates a trusted confidential client for machine and device flows
func (s *Server) createServiceClient() (*clients.Client, string, error) {
	existingClient, err := s.repos.Clients.Get(ServiceClientID)
	if err == nil && existingClient != nil {
		return existingClient, "", nil
	}

	secret := generateRandomString(24)
	serviceClient := &clients.Client{
		ID:          ServiceClientID,
		Description: ServiceClientName,
		Type:        clients.ClientTypeConfidential,
		Secret:      secret,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		GrantTypes: []oauthmodel.GrantType{
			oauthmodel.ClientCredentialsGrant,
			oauthmodel.RefreshTokenGrant,
			oauthmodel.CIBAGrant,
			oauthmodel.DeviceCodeGrant,
			oauthmodel.TokenExchangeGrant,
		},
		Trusted:                      true,
		BackchannelTokenDeliveryMode: oauthmodel.PollDeliveryMode,
	}
	if err := s.repos.Clients.Upsert(serviceClient); err != nil {
		return nil, "", fmt.Errorf("failed to create service client: %w", err)
	}
	return serviceClient, secret, nil
}

// createAdmin creates the admin account if it does not exist yet
func (s *Server) createAdmin(email string) (generatedPassword string, err error) {
	_, err = s.repos.Users.GetByUsername(DefaultAdminUsername)
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, errors.ErrUserNotFound) && !errors.Is(err, errors.ErrNotFound) {
		return "", fmt.Errorf("failed to check for the admin user: %w", err)
	}

	generatedPassword = generateRandomString(16)
	passwordHash, err := users.HashPassword(generatedPassword)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	admin := &users.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     DefaultAdminUsername,
		PasswordHash: passwordHash,
		FirstName:    "System",
		LastName:     "Administrator",
		DateJoined:   s.now(),
		Verified:     true,
	}
	if err := s.repos.Users.Upsert(admin); err != nil {
		return "", fmt.Errorf("failed to create admin: %w", err)
	}
	return generatedPassword, nil
}

// generateEmailFromBaseURL creates an email address from a username and base URL
// Example: ("admin", "https://auth.example.com/path") -> "admin@auth.example.com"
func generateEmailFromBaseURL(user, baseURL string) string {
	domain := strings.ReplaceAll(strings.ReplaceAll(baseURL, "https://", ""), "http://", "")
	domain = strings.SplitN(domain, "/", 2)[0] // Remove any path
	domain = strings.SplitN(domain, ":", 2)[0] // Remove port if present
	return fmt.Sprintf("%s@%s", user, domain)
}
