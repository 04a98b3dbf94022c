package grant

import (
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// storedGrant is the serialised form of a Grant used by the Redis and PostgreSQL stores.
type storedGrant struct {
	ID                   string               `json:"id"`
	Type                 Type                 `json:"type"`
	ClientID             string               `json:"client_id"`
	UserID               string               `json:"user_id,omitempty"`
	Scopes               []string             `json:"scopes,omitempty"`
	AuthorizationDetails AuthorizationDetails `json:"authorization_details,omitempty"`
	SessionID            string               `json:"session_id,omitempty"`
	ACR                  string               `json:"acr,omitempty"`
	AuthTime             time.Time            `json:"auth_time,omitempty"`
	Nonce                string               `json:"nonce,omitempty"`
	Claims               string               `json:"claims,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	ExpiresAt            time.Time            `json:"expires_at"`
	AccessTokens         []*TokenRecord       `json:"access_tokens,omitempty"`
	RefreshTokens        []*TokenRecord       `json:"refresh_tokens,omitempty"`
	Payload              json.RawMessage      `json:"payload,omitempty"`
}

func (g *Grant) MarshalJSON() ([]byte, error) {
	if g.Variant == nil {
		return nil, errors.New("[Grant.MarshalJSON] grant has no variant")
	}
	payload, err := json.Marshal(g.Variant)
	if err != nil {
		return nil, errors.Wrapf(err, "[Grant.MarshalJSON] payload")
	}
	return json.Marshal(storedGrant{
		ID:                   g.ID,
		Type:                 g.Variant.Type(),
		ClientID:             g.ClientID,
		UserID:               g.UserID,
		Scopes:               g.Scopes,
		AuthorizationDetails: g.AuthorizationDetails,
		SessionID:            g.SessionID,
		ACR:                  g.ACR,
		AuthTime:             g.AuthTime,
		Nonce:                g.Nonce,
		Claims:               g.Claims,
		CreatedAt:            g.CreatedAt,
		ExpiresAt:            g.ExpiresAt,
		AccessTokens:         g.AccessTokens,
		RefreshTokens:        g.RefreshTokens,
		Payload:              payload,
	})
}

func (g *Grant) UnmarshalJSON(data []byte) error {
	var s storedGrant
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	variant, err := newVariant(s.Type)
	if err != nil {
		return err
	}
	if len(s.Payload) > 0 {
		if err := json.Unmarshal(s.Payload, variant); err != nil {
			return errors.Wrapf(err, "[Grant.UnmarshalJSON] payload")
		}
	}
	*g = Grant{
		ID:                   s.ID,
		ClientID:             s.ClientID,
		UserID:               s.UserID,
		Scopes:               s.Scopes,
		AuthorizationDetails: s.AuthorizationDetails,
		SessionID:            s.SessionID,
		ACR:                  s.ACR,
		AuthTime:             s.AuthTime,
		Nonce:                s.Nonce,
		Claims:               s.Claims,
		CreatedAt:            s.CreatedAt,
		ExpiresAt:            s.ExpiresAt,
		AccessTokens:         s.AccessTokens,
		RefreshTokens:        s.RefreshTokens,
		Variant:              variant,
	}
	return nil
}
