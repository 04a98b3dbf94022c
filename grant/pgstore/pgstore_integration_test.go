//go:build integration

package pgstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/grant/pgstore"
	"github.com/jrsteele09/go-grant-server/grant/storetest"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("grants"),
		postgres.WithUsername("grants"),
		postgres.WithPassword("grants"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pgstore.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, pgstore.New(db).Migrate(ctx))

	storetest.Run(t, func(t *testing.T) grant.Store {
		_, err := db.ExecContext(ctx, `TRUNCATE grants, grant_tokens, used_assertions`)
		require.NoError(t, err)
		return pgstore.New(db)
	})
}
