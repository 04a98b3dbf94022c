package users_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/users"
	fakeuserrepo "github.com/jrsteele09/go-grant-server/users/repofake"
)

func TestPasswordHash(t *testing.T) {
	hash, err := users.HashPassword("correct horse")
	require.NoError(t, err)
	require.True(t, users.CheckPasswordHash("correct horse", hash))
	require.False(t, users.CheckPasswordHash("battery staple", hash))
}

func TestFakeUserRepo(t *testing.T) {
	repo := fakeuserrepo.NewFakeUserRepo()
	u := &users.User{Username: "alice"}
	require.NoError(t, repo.Upsert(u))
	require.NotEmpty(t, u.ID)

	got, err := repo.GetByUsername("alice")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, repo.SetLastLogin(u.ID, now))
	got, err = repo.GetByID(u.ID)
	require.NoError(t, err)
	require.Equal(t, now, got.LastLogin)

	_, err = repo.GetByUsername("bob")
	require.True(t, errors.Is(err, errors.ErrUserNotFound))
}

func TestClaimsByScope(t *testing.T) {
	u := &users.User{ID: "u1", Email: "alice@example.com", Username: "alice", FirstName: "Alice", LastName: "Liddell", Verified: true}

	require.Empty(t, u.Claims([]string{"openid"}))

	claims := u.Claims([]string{"openid", "profile", "email"})
	require.Equal(t, "Alice Liddell", claims["name"])
	require.Equal(t, "alice", claims["preferred_username"])
	require.Equal(t, "alice@example.com", claims["email"])
	require.Equal(t, true, claims["email_verified"])
}
