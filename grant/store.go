package grant

import (
	"context"
	"time"
)

// Store persists grants and the token indexes used to find them.
//
// Find* methods return errors.ErrNotFound (wrapped) when nothing matches. Remove* methods that
// report a bool are atomic delete-if-present: among concurrent callers for the same value exactly
// one observes true.
type Store interface {
	// Save creates or replaces a grant and re-indexes its tokens.
	Save(ctx context.Context, g *Grant) error

	FindByCode(ctx context.Context, code string) (*Grant, error)
	// FindByRefreshToken only matches grants of clientID.
	FindByRefreshToken(ctx context.Context, clientID, token string) (*Grant, error)
	FindByAccessToken(ctx context.Context, token string) (*Grant, error)
	FindByAuthReqID(ctx context.Context, authReqID string) (*Grant, error)
	FindByDeviceCode(ctx context.Context, deviceCode string) (*Grant, error)

	// RemoveAuthorizationCode unindexes an unredeemed code. The grant itself is kept.
	RemoveAuthorizationCode(ctx context.Context, code string) (bool, error)
	// RemoveAllByAuthorizationCode deletes every grant issued for code, with all their tokens.
	RemoveAllByAuthorizationCode(ctx context.Context, code string) error
	// RemoveRefreshToken unindexes a refresh token.
	RemoveRefreshToken(ctx context.Context, token string) (bool, error)
	RemoveGrant(ctx context.Context, grantID string) error

	// MarkAssertionUsed records a JWT assertion id until expiresAt. It returns false when the id
	// was already recorded.
	MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}
