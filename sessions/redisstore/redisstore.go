// Package redisstore keeps browser sessions in Redis so several server instances can share them.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/sessions"
)

const (
	keyTypeSession      = "session"
	keyTypeDeviceSecret = "devsecret"
)

var _ sessions.Repo = (*Repo)(nil)

type Repo struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// New returns a Redis backed session repo. Keys are namespaced with keyPrefix.
func New(client redis.UniversalClient, keyPrefix string) *Repo {
	return &Repo{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (r *Repo) key(kind, id string) string {
	return r.keyPrefix + kind + ":" + id
}

func (r *Repo) Upsert(ctx context.Context, session *sessions.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("[redisstore.Upsert] session id is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrapf(err, "[redisstore.Upsert] marshal session")
	}
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.Delete(ctx, session.ID)
	}

	previous, err := r.Get(ctx, session.ID)
	if err != nil && !errors.Is(err, errors.ErrSessionNotFound) {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil {
			for _, secret := range previous.DeviceSecrets {
				pipe.Del(ctx, r.key(keyTypeDeviceSecret, secret))
			}
		}
		pipe.Set(ctx, r.key(keyTypeSession, session.ID), data, ttl)
		for _, secret := range session.DeviceSecrets {
			pipe.Set(ctx, r.key(keyTypeDeviceSecret, secret), session.ID, ttl)
		}
		return nil
	})
	return errors.Wrapf(err, "[redisstore.Upsert] write session")
}

func (r *Repo) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	data, err := r.client.Get(ctx, r.key(keyTypeSession, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrSessionNotFound, "[redisstore.Get] %s", sessionID)
		}
		return nil, errors.Wrapf(err, "[redisstore.Get] read session")
	}
	var session sessions.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrapf(err, "[redisstore.Get] unmarshal session")
	}
	return &session, nil
}

func (r *Repo) Delete(ctx context.Context, sessionID string) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	keys := []string{r.key(keyTypeSession, sessionID)}
	for _, secret := range session.DeviceSecrets {
		keys = append(keys, r.key(keyTypeDeviceSecret, secret))
	}
	return errors.Wrapf(r.client.Del(ctx, keys...).Err(), "[redisstore.Delete] %s", sessionID)
}

func (r *Repo) GetByDeviceSecret(ctx context.Context, secret string) (*sessions.Session, error) {
	sessionID, err := r.client.Get(ctx, r.key(keyTypeDeviceSecret, secret)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrSessionNotFound, "[redisstore.GetByDeviceSecret]")
		}
		return nil, errors.Wrapf(err, "[redisstore.GetByDeviceSecret] read index")
	}
	return r.Get(ctx, sessionID)
}

// DeleteExpired is a no-op: Redis expires session keys by TTL.
func (r *Repo) DeleteExpired(context.Context, time.Time) error {
	return nil
}
