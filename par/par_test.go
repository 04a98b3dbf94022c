package par_test

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/par"
	"github.com/jrsteele09/go-grant-server/par/redisstore"
)

func TestRequestURI(t *testing.T) {
	r, err := par.NewRequest("client-1", url.Values{"scope": {"openid"}}, time.Now(), 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(r.URI(), par.URNPrefix))

	id, ok := par.IDFromURI(r.URI())
	require.True(t, ok)
	require.Equal(t, r.ID, id)

	_, ok = par.IDFromURI("https://client.example.com/request.jwt")
	require.False(t, ok)
	_, ok = par.IDFromURI(par.URNPrefix)
	require.False(t, ok)
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) par.Store{
		"inmemory": func(*testing.T) par.Store { return par.NewInMemoryStore() },
		"redis": func(t *testing.T) par.Store {
			mr := miniredis.RunT(t)
			return redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			r, err := par.NewRequest("client-1", url.Values{"scope": {"openid profile"}, "state": {"s"}}, time.Now(), time.Minute)
			require.NoError(t, err)
			require.NoError(t, store.Save(ctx, r))

			got, err := store.Take(ctx, r.ID)
			require.NoError(t, err)
			require.Equal(t, "client-1", got.ClientID)
			require.Equal(t, "openid profile", got.Params.Get("scope"))

			_, err = store.Take(ctx, r.ID)
			require.True(t, errors.Is(err, errors.ErrNotFound))
		})

		t.Run(name+"/concurrent take", func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			r, err := par.NewRequest("client-1", url.Values{}, time.Now(), time.Minute)
			require.NoError(t, err)
			require.NoError(t, store.Save(ctx, r))

			var wg sync.WaitGroup
			var taken atomic.Int32
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Take(ctx, r.ID); err == nil {
						taken.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), taken.Load())
		})
	}
}
