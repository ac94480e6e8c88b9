package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore is a Redis-backed Store. Expiry is handled server-side via
// SET with TTL, which makes flow state survive process restarts and work
// across multiple instances.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
	closer    func() error
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "agpool:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore creates a Store backed by the given Redis client.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "agpool:",
	}
	if c, ok := client.(interface{ Close() error }); ok {
		s.closer = c.Close
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + k
}

// Get retrieves a value from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get: %w", err)
	}
	return val, nil
}

// Set stores a value with server-side TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store/redis: set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store/redis: delete: %w", err)
	}
	return nil
}

// Close closes the underlying client when it owns a connection.
func (s *RedisStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
