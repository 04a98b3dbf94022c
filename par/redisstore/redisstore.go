// Package redisstore keeps pushed authorization requests in Redis until they expire.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/par"
)

var _ par.Store = (*Store)(nil)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *Store) key(id string) string {
	return s.keyPrefix + "par:" + id
}

func (s *Store) Save(ctx context.Context, r *par.Request) error {
	ttl := r.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("[par.redisstore.Save] request already expired")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "[par.redisstore.Save] marshal")
	}
	return errors.Wrapf(s.client.Set(ctx, s.key(r.ID), data, ttl).Err(), "[par.redisstore.Save] write")
}

// Take reads and deletes the request in one GETDEL, so concurrent redemptions see it once.
func (s *Store) Take(ctx context.Context, id string) (*par.Request, error) {
	data, err := s.client.GetDel(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(errors.ErrNotFound, "[par.redisstore.Take] request")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[par.redisstore.Take] getdel")
	}
	var r par.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "[par.redisstore.Take] unmarshal")
	}
	return &r, nil
}
