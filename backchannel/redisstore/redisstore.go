// Package redisstore keeps backchannel requests in Redis, expiring them with the request.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-grant-server/backchannel"
	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// expiredGrace keeps a request readable for a while after it expires.
const expiredGrace = time.Minute

var _ backchannel.Store = (*Store)(nil)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *Store) requestKey(id string) string {
	return s.keyPrefix + "bc:" + id
}

func (s *Store) userCodeKey(code string) string {
	return s.keyPrefix + "usercode:" + code
}

func (s *Store) Save(ctx context.Context, r *backchannel.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "[backchannel.redisstore.Save] marshal")
	}
	ttl := r.ExpiresAt.Sub(s.now()) + expiredGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.requestKey(r.ID), data, ttl)
		if r.UserCode != "" {
			pipe.Set(ctx, s.userCodeKey(r.UserCode), r.ID, ttl)
		}
		return nil
	})
	return errors.Wrapf(err, "[backchannel.redisstore.Save] write")
}

func (s *Store) Get(ctx context.Context, id string) (*backchannel.Request, error) {
	data, err := s.client.Get(ctx, s.requestKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrNotFound, "[backchannel.redisstore.Get] request")
		}
		return nil, errors.Wrapf(err, "[backchannel.redisstore.Get] read")
	}
	var r backchannel.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "[backchannel.redisstore.Get] unmarshal")
	}
	return &r, nil
}

func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*backchannel.Request, error) {
	id, err := s.client.Get(ctx, s.userCodeKey(userCode)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrNotFound, "[backchannel.redisstore.FindByUserCode] user code")
		}
		return nil, errors.Wrapf(err, "[backchannel.redisstore.FindByUserCode] read")
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return false, err
	}
	n, err := s.client.Del(ctx, s.requestKey(id)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "[backchannel.redisstore.Delete] del")
	}
	if r != nil && r.UserCode != "" {
		if err := s.client.Del(ctx, s.userCodeKey(r.UserCode)).Err(); err != nil {
			return n == 1, errors.Wrapf(err, "[backchannel.redisstore.Delete] del user code")
		}
	}
	return n == 1, nil
}
