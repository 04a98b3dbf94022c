// Package redisstore is a grant.Store backed by Redis. Single-use guarantees rely on DEL
// returning the number of keys it removed, which Redis computes atomically.
package redisstore

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
)

const (
	keyTypeGrant     = "grant"
	keyTypeAssertion = "jti"

	// minTTL keeps keys of already expired grants around long enough to be found and rejected.
	minTTL = time.Second

	maxTxRetries = 5
)

var _ grant.Store = (*Store)(nil)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// New returns a Redis backed grant store. Keys are namespaced with keyPrefix.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Connect parses a redis:// URL and checks connectivity.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "[redisstore.Connect] parse url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "[redisstore.Connect] ping")
	}
	return client, nil
}

func (s *Store) key(kind, value string) string {
	return s.keyPrefix + kind + ":" + value
}

func (s *Store) indexKey(kind grant.IndexKind, value string) string {
	return s.key(string(kind), value)
}

func (s *Store) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

func (s *Store) Save(ctx context.Context, g *grant.Grant) error {
	if g == nil || g.ID == "" {
		return errors.New("[redisstore.Save] grant id is required")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return errors.Wrapf(err, "[redisstore.Save] marshal grant")
	}

	previous, err := s.load(ctx, g.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	current := g.TokenValues()
	ttl := s.ttl(g.ExpiresAt)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil {
			for kind, values := range previous.TokenValues() {
				for _, v := range values {
					if !slices.Contains(current[kind], v) {
						pipe.Del(ctx, s.indexKey(kind, v))
					}
				}
			}
		}
		pipe.Set(ctx, s.key(keyTypeGrant, g.ID), data, ttl)
		for kind, values := range current {
			for _, v := range values {
				pipe.Set(ctx, s.indexKey(kind, v), g.ID, ttl)
			}
		}
		return nil
	})
	return errors.Wrapf(err, "[redisstore.Save] write grant %s", g.ID)
}

func (s *Store) FindByCode(ctx context.Context, code string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexCode, code)
}

func (s *Store) FindByRefreshToken(ctx context.Context, clientID, token string) (*grant.Grant, error) {
	g, err := s.find(ctx, grant.IndexRefreshToken, token)
	if err != nil {
		return nil, err
	}
	if g.ClientID != clientID {
		return nil, errors.Wrapf(errors.ErrNotFound, "[redisstore.FindByRefreshToken] client mismatch")
	}
	return g, nil
}

func (s *Store) FindByAccessToken(ctx context.Context, token string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexAccessToken, token)
}

func (s *Store) FindByAuthReqID(ctx context.Context, authReqID string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexAuthReqID, authReqID)
}

func (s *Store) FindByDeviceCode(ctx context.Context, deviceCode string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexDeviceCode, deviceCode)
}

func (s *Store) RemoveAuthorizationCode(ctx context.Context, code string) (bool, error) {
	return s.delIfPresent(ctx, s.indexKey(grant.IndexCode, code))
}

func (s *Store) RemoveAllByAuthorizationCode(ctx context.Context, code string) error {
	for _, kind := range []grant.IndexKind{grant.IndexCode, grant.IndexCodeOrigin} {
		grantID, err := s.client.Get(ctx, s.indexKey(kind, code)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "[redisstore.RemoveAllByAuthorizationCode] read index")
		}
		if err := s.RemoveGrant(ctx, grantID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRefreshToken deletes the index entry of a refresh token and drops its record from the
// grant in one optimistic transaction, so a later Save of a copy loaded earlier cannot revive it.
func (s *Store) RemoveRefreshToken(ctx context.Context, token string) (bool, error) {
	indexKey := s.indexKey(grant.IndexRefreshToken, token)
	var removed bool
	txf := func(tx *redis.Tx) error {
		removed = false
		grantID, err := tx.Get(ctx, indexKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		grantKey := s.key(keyTypeGrant, grantID)
		if err := tx.Watch(ctx, grantKey).Err(); err != nil {
			return err
		}
		var data []byte
		raw, err := tx.Get(ctx, grantKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var g grant.Grant
			if err := json.Unmarshal(raw, &g); err != nil {
				return errors.Wrapf(err, "unmarshal grant %s", grantID)
			}
			g.DropRefreshToken(token)
			if data, err = json.Marshal(&g); err != nil {
				return errors.Wrapf(err, "marshal grant %s", grantID)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, indexKey)
			if data != nil {
				pipe.Set(ctx, grantKey, data, redis.KeepTTL)
			}
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, indexKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, errors.Wrapf(err, "[redisstore.RemoveRefreshToken]")
		}
		return removed, nil
	}
	return false, errors.New("[redisstore.RemoveRefreshToken] too much contention")
}

func (s *Store) RemoveGrant(ctx context.Context, grantID string) error {
	g, err := s.load(ctx, grantID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	keys := []string{s.key(keyTypeGrant, grantID)}
	for kind, values := range g.TokenValues() {
		for _, v := range values {
			keys = append(keys, s.indexKey(kind, v))
		}
	}
	return errors.Wrapf(s.client.Del(ctx, keys...).Err(), "[redisstore.RemoveGrant] %s", grantID)
}

func (s *Store) MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	first, err := s.client.SetNX(ctx, s.key(keyTypeAssertion, jti), "1", s.ttl(expiresAt)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "[redisstore.MarkAssertionUsed]")
	}
	return first, nil
}

func (s *Store) delIfPresent(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "[redisstore.delIfPresent]")
	}
	return n == 1, nil
}

func (s *Store) find(ctx context.Context, kind grant.IndexKind, value string) (*grant.Grant, error) {
	grantID, err := s.client.Get(ctx, s.indexKey(kind, value)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrNotFound, "[redisstore.find] %s", kind)
		}
		return nil, errors.Wrapf(err, "[redisstore.find] read %s index", kind)
	}
	return s.load(ctx, grantID)
}

func (s *Store) load(ctx context.Context, grantID string) (*grant.Grant, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeGrant, grantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrNotFound, "[redisstore.load] grant %s", grantID)
		}
		return nil, errors.Wrapf(err, "[redisstore.load] read grant %s", grantID)
	}
	var g grant.Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, errors.Wrapf(err, "[redisstore.load] unmarshal grant %s", grantID)
	}
	return &g, nil
}
