package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes every preference key in Redis.
const DefaultKeyPrefix = "kitchenops:prefs"

// DefaultRedisTTL bounds how long an untouched preference is kept.
const DefaultRedisTTL = 90 * 24 * time.Hour

// RedisStore is a Store backed by Redis, scoped to one user.
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisStore creates a store for userID. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisStore(client redis.Cmdable, prefix, userID string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    RedisKey(prefix, userID),
		ttl:    DefaultRedisTTL,
	}
}

// RedisKey returns the key holding userID's preference.
func RedisKey(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s:%s:%s", prefix, userID, Key)
}

// RedisFactory returns a Factory of per-user Redis stores.
func RedisFactory(client redis.Cmdable, prefix string) Factory {
	return func(userID string) Store {
		return NewRedisStore(client, prefix, userID)
	}
}

// Get returns the stored code, or "" if the key does not exist.
func (s *RedisStore) Get(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read preference: %w", err)
	}
	return v, nil
}

// Set stores code and refreshes the key TTL.
func (s *RedisStore) Set(ctx context.Context, code string) error {
	if err := s.client.Set(ctx, s.key, code, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write preference: %w", err)
	}
	return nil
}

// Clear deletes the key.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear preference: %w", err)
	}
	return nil
}
