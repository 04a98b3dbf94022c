package consent_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/consent/redisstore"
	"github.com/jrsteele09/go-grant-server/internal/errors"
)

func TestAuthorization_CoversAndMerge(t *testing.T) {
	a := &consent.Authorization{Scopes: []string{"openid", "profile"}}
	require.True(t, a.Covers([]string{"openid"}))
	require.True(t, a.Covers(nil))
	require.False(t, a.Covers([]string{"openid", "email"}))

	a.Merge([]string{"email", "openid"})
	require.Equal(t, []string{"openid", "profile", "email"}, a.Scopes)
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) consent.Store{
		"inmemory": func(*testing.T) consent.Store { return consent.NewInMemoryStore() },
		"redis": func(t *testing.T) consent.Store {
			mr := miniredis.RunT(t)
			return redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			_, err := store.Find(ctx, "user-1", "client-1")
			require.True(t, errors.Is(err, errors.ErrNotFound))

			a := &consent.Authorization{UserID: "user-1", ClientID: "client-1", Scopes: []string{"openid"}, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
			require.NoError(t, store.Save(ctx, a))

			got, err := store.Find(ctx, "user-1", "client-1")
			require.NoError(t, err)
			require.Equal(t, a.Scopes, got.Scopes)
			require.True(t, a.UpdatedAt.Equal(got.UpdatedAt))

			_, err = store.Find(ctx, "user-1", "client-2")
			require.True(t, errors.Is(err, errors.ErrNotFound))

			require.NoError(t, store.Delete(ctx, "user-1", "client-1"))
			_, err = store.Find(ctx, "user-1", "client-1")
			require.True(t, errors.Is(err, errors.ErrNotFound))
		})
	}
}
