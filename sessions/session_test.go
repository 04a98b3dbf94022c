package sessions_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/sessions"
	"github.com/jrsteele09/go-grant-server/sessions/redisstore"
)

func TestSession_Lifecycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := sessions.New(now, time.Hour)
	require.False(t, s.IsAuthenticated())

	s.Authenticate("user-1", "pwd", now)
	require.True(t, s.IsAuthenticated())
	s.GrantPermission("client-1")
	require.True(t, s.HasPermission("client-1"))

	secret, err := s.AddDeviceSecret()
	require.NoError(t, err)
	rotated, err := s.RotateDeviceSecret(secret)
	require.NoError(t, err)
	require.NotEqual(t, secret, rotated)
	require.True(t, s.HasDeviceSecret(rotated))
	require.False(t, s.HasDeviceSecret(secret))

	none, err := s.RotateDeviceSecret("unknown")
	require.NoError(t, err)
	require.Empty(t, none)

	// A different user drops the previous user's permissions
	s.Authenticate("user-2", "pwd", now)
	require.False(t, s.HasPermission("client-1"))
	require.Empty(t, s.DeviceSecrets)

	s.Unauthenticate()
	require.False(t, s.IsAuthenticated())
	require.Equal(t, "user-2", s.UserID)
}

func repos(t *testing.T) map[string]sessions.Repo {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]sessions.Repo{
		"inmemory": sessions.NewInMemoryRepo(),
		"redis":    redisstore.New(client, "test:"),
	}
}

func TestRepos(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sessions.New(time.Now(), time.Hour)
			s.Authenticate("user-1", "", time.Now())
			secret, err := s.AddDeviceSecret()
			require.NoError(t, err)
			require.NoError(t, repo.Upsert(ctx, s))

			got, err := repo.Get(ctx, s.ID)
			require.NoError(t, err)
			require.Equal(t, "user-1", got.UserID)

			// Returned sessions are copies
			got.GrantPermission("client-x")
			again, err := repo.Get(ctx, s.ID)
			require.NoError(t, err)
			require.False(t, again.HasPermission("client-x"))

			bySecret, err := repo.GetByDeviceSecret(ctx, secret)
			require.NoError(t, err)
			require.Equal(t, s.ID, bySecret.ID)

			rotated, err := got.RotateDeviceSecret(secret)
			require.NoError(t, err)
			require.NoError(t, repo.Upsert(ctx, got))
			_, err = repo.GetByDeviceSecret(ctx, secret)
			require.True(t, errors.Is(err, errors.ErrSessionNotFound))
			_, err = repo.GetByDeviceSecret(ctx, rotated)
			require.NoError(t, err)

			require.NoError(t, repo.Delete(ctx, s.ID))
			_, err = repo.Get(ctx, s.ID)
			require.True(t, errors.Is(err, errors.ErrSessionNotFound))
		})
	}
}

func TestInMemoryRepo_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := sessions.NewInMemoryRepo()
	now := time.Now()
	old := sessions.New(now.Add(-2*time.Hour), time.Hour)
	fresh := sessions.New(now, time.Hour)
	require.NoError(t, repo.Upsert(ctx, old))
	require.NoError(t, repo.Upsert(ctx, fresh))

	require.NoError(t, repo.DeleteExpired(ctx, now))
	_, err := repo.Get(ctx, old.ID)
	require.Error(t, err)
	_, err = repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
}
