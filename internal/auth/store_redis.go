package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "controlplane:session:"

// RedisStore keeps sessions as JSON values that expire with the session.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Save(ctx context.Context, token string, p Principal) error {
	bs, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !p.ExpiresAt.IsZero() {
		ttl = p.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}
	return s.rdb.Set(ctx, redisKeyPrefix+token, bs, ttl).Err()
}

func (s *RedisStore) Lookup(ctx context.Context, token string) (Principal, error) {
	bs, err := s.rdb.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Principal{}, ErrTokenNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	var p Principal
	if err := json.Unmarshal(bs, &p); err != nil {
		return Principal{}, err
	}
	if p.expired(s.now()) {
		return Principal{}, ErrTokenNotFound
	}
	return p, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, redisKeyPrefix+token).Err()
}

// Ping checks connectivity for readiness reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
