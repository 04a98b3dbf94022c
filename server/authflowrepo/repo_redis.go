package authflowrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Repo = (*RedisRepo)(nil)

// RedisRepo keeps parked authorization requests in Redis so the login page may be served by
// a different instance than the authorization endpoint.
type RedisRepo struct {
	client    redis.UniversalClient
	keyPrefix string
	lifetime  time.Duration
}

func NewRedisRepo(client redis.UniversalClient, keyPrefix string, lifetime time.Duration) *RedisRepo {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &RedisRepo{client: client, keyPrefix: keyPrefix, lifetime: lifetime}
}

func (r *RedisRepo) key(flowID string) string {
	return r.keyPrefix + "authflow:" + flowID
}

func (r *RedisRepo) Upsert(ctx context.Context, flowID string, state *AuthFlowState) error {
	if flowID == "" || state == nil {
		return errors.New("[RedisRepo.Upsert] flow id and state are required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "[RedisRepo.Upsert] marshal")
	}
	return errors.Wrapf(r.client.Set(ctx, r.key(flowID), data, r.lifetime).Err(), "[RedisRepo.Upsert] set")
}

func (r *RedisRepo) Get(ctx context.Context, flowID string) (*AuthFlowState, error) {
	data, err := r.client.Get(ctx, r.key(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(errors.ErrNotFound, "[RedisRepo.Get] flow %s", flowID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[RedisRepo.Get] get")
	}
	var state AuthFlowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "[RedisRepo.Get] unmarshal")
	}
	return &state, nil
}

func (r *RedisRepo) Delete(ctx context.Context, flowID string) error {
	return errors.Wrapf(r.client.Del(ctx, r.key(flowID)).Err(), "[RedisRepo.Delete] del")
}
