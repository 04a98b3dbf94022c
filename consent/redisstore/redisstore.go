// Package redisstore keeps persisted client authorizations in Redis.
package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-grant-server/consent"
	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ consent.Store = (*Store)(nil)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) key(userID, clientID string) string {
	return s.keyPrefix + "consent:" + userID + ":" + clientID
}

func (s *Store) Find(ctx context.Context, userID, clientID string) (*consent.Authorization, error) {
	data, err := s.client.Get(ctx, s.key(userID, clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrNotFound, "[consent.redisstore.Find] %s/%s", userID, clientID)
		}
		return nil, errors.Wrapf(err, "[consent.redisstore.Find] read")
	}
	var a consent.Authorization
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrapf(err, "[consent.redisstore.Find] unmarshal")
	}
	return &a, nil
}

func (s *Store) Save(ctx context.Context, a *consent.Authorization) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrapf(err, "[consent.redisstore.Save] marshal")
	}
	return errors.Wrapf(s.client.Set(ctx, s.key(a.UserID, a.ClientID), data, 0).Err(), "[consent.redisstore.Save] write")
}

func (s *Store) Delete(ctx context.Context, userID, clientID string) error {
	return errors.Wrapf(s.client.Del(ctx, s.key(userID, clientID)).Err(), "[consent.redisstore.Delete] %s/%s", userID, clientID)
}
