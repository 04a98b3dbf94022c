package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/token"
)

func TestInspector(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t, token.Config{Lifetimes: token.Lifetimes{AccessToken: time.Minute}})
	store := grant.NewInMemoryStore()
	inspector := token.NewInspector(store, issuer, func() time.Time { return f.now })

	g := f.codeGrant("openid", "profile")
	at, err := f.factory.CreateAccessToken(ctx, g, token.AccessTokenOptions{DPoPJkt: "jkt-1"})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, g))

	got, err := inspector.Introspect(ctx, at.Value)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, "openid profile", got.Scope)
	require.Equal(t, "client-1", got.ClientID)
	require.Equal(t, f.user.ID, got.Sub)
	require.Equal(t, "jkt-1", got.Cnf["jkt"])

	got, err = inspector.Introspect(ctx, "unknown")
	require.NoError(t, err)
	require.False(t, got.Active)

	f.now = f.now.Add(time.Minute)
	got, err = inspector.Introspect(ctx, at.Value)
	require.NoError(t, err)
	require.False(t, got.Active, "expired at exactly the expiry instant")
}
