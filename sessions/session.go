package sessions

import (
	"crypto/rand"
	"encoding/base64"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
)

// Session is the end user's browser session at the authorization server. It outlives individual
// authorization requests and records which clients the user has authorized during it.
type Session struct {
	ID              string            `json:"id"`          // Cookie value, never exposed in tokens
	OutsideSID      string            `json:"outside_sid"` // Public "sid" claim
	UserID          string            `json:"user_id,omitempty"`
	State           State             `json:"state"`
	AuthenticatedAt time.Time         `json:"authenticated_at,omitempty"`
	ACR             string            `json:"acr,omitempty"`
	Permissions     map[string]bool   `json:"permissions,omitempty"`    // clientID -> granted during this session
	DeviceSecrets   []string          `json:"device_secrets,omitempty"` // Native SSO device secrets bound to the session
	Attributes      map[string]string `json:"attributes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastUsedAt      time.Time         `json:"last_used_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// New creates an unauthenticated session.
func New(now time.Time, lifetime time.Duration) *Session {
	return &Session{
		ID:          uuid.NewString(),
		OutsideSID:  uuid.NewString(),
		State:       StateUnauthenticated,
		Permissions: map[string]bool{},
		Attributes:  map[string]string{},
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(lifetime),
	}
}

func (s *Session) IsAuthenticated() bool {
	return s.State == StateAuthenticated && s.UserID != ""
}

// Authenticate records a successful login. Permissions granted to a different user are dropped.
func (s *Session) Authenticate(userID, acr string, at time.Time) {
	if s.UserID != userID {
		s.Permissions = map[string]bool{}
		s.DeviceSecrets = nil
	}
	s.UserID = userID
	s.ACR = acr
	s.State = StateAuthenticated
	s.AuthenticatedAt = at
}

// Unauthenticate forces the next authorization request through the login page. The user id is
// kept as a hint for the login page.
func (s *Session) Unauthenticate() {
	s.State = StateUnauthenticated
	s.AuthenticatedAt = time.Time{}
}

func (s *Session) GrantPermission(clientID string) {
	if s.Permissions == nil {
		s.Permissions = map[string]bool{}
	}
	s.Permissions[clientID] = true
}

func (s *Session) HasPermission(clientID string) bool {
	return s.Permissions[clientID]
}

func (s *Session) HasDeviceSecret(secret string) bool {
	return slices.Contains(s.DeviceSecrets, secret)
}

// AddDeviceSecret creates and binds a new native SSO device secret.
func (s *Session) AddDeviceSecret() (string, error) {
	secret, err := NewDeviceSecret()
	if err != nil {
		return "", err
	}
	s.DeviceSecrets = append(s.DeviceSecrets, secret)
	return secret, nil
}

// RotateDeviceSecret replaces old with a freshly generated secret. It returns "" when old is
// not bound to this session.
func (s *Session) RotateDeviceSecret(old string) (string, error) {
	i := slices.Index(s.DeviceSecrets, old)
	if i < 0 {
		return "", nil
	}
	secret, err := NewDeviceSecret()
	if err != nil {
		return "", err
	}
	s.DeviceSecrets[i] = secret
	return secret, nil
}

// AuthenticatedFor is the time elapsed since the last active authentication.
func (s *Session) AuthenticatedFor(now time.Time) time.Duration {
	return now.Sub(s.AuthenticatedAt)
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Permissions = maps.Clone(s.Permissions)
	c.DeviceSecrets = slices.Clone(s.DeviceSecrets)
	c.Attributes = maps.Clone(s.Attributes)
	return &c
}

func NewDeviceSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
