package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/userbar/model"
)

// RedisStore is a Store shared between instances through Redis. Entries are
// JSON documents; expiry uses Redis key TTLs.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Get loads and decodes the entry under key.
func (s *RedisStore) Get(ctx context.Context, key string) (model.AttributeMap, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.AttributeMap{}, model.ErrCacheMiss
	}
	if err != nil {
		return model.AttributeMap{}, fmt.Errorf("%w: redis get %q: %v", model.ErrCacheUnavailable, key, err)
	}

	var m model.AttributeMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.AttributeMap{}, fmt.Errorf("%w: decode %q: %v", model.ErrCacheUnavailable, key, err)
	}
	return m, nil
}

// Set encodes value and stores it with ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value model.AttributeMap, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %v", model.ErrCacheUnavailable, key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set %q: %v", model.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis del %q: %v", model.ErrCacheUnavailable, key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
