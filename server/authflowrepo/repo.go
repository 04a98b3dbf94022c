package authflowrepo

import (
	"context"
	"net/url"
	"time"
)

// AuthFlowState is an authorization request parked while the browser is on the login,
// consent or account selection page. It is keyed by a random flow id carried in the page URL.
type AuthFlowState struct {
	// SessionID is the session the request started in; the resuming browser must present it.
	SessionID string     `json:"sessionId"`
	Params    url.Values `json:"params"`

	// Shown on the consent page.
	ClientID    string   `json:"clientId"`
	ClientName  string   `json:"clientName,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Backchannel bool     `json:"backchannel,omitempty"`

	// Username is the signed in account offered on the account selection page.
	Username string `json:"username,omitempty"`

	ConsentTicket string    `json:"consentTicket,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Repo interface {
	Upsert(ctx context.Context, flowID string, state *AuthFlowState) error
	Get(ctx context.Context, flowID string) (*AuthFlowState, error)
	Delete(ctx context.Context, flowID string) error
}

// DefaultLifetime bounds how long a user may sit on the login page.
const DefaultLifetime = 30 * time.Minute

func clone(state *AuthFlowState) *AuthFlowState {
	c := *state
	c.Params = make(url.Values, len(state.Params))
	for k, v := range state.Params {
		c.Params[k] = append([]string(nil), v...)
	}
	c.Scopes = append([]string(nil), state.Scopes...)
	return &c
}
