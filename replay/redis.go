package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis backend for multi-instance
// deployments. SET NX provides the process-wide atomic insert-if-absent;
// TTL expiry is delegated to Redis.
//
// Every backend error is returned to the caller verbatim so verifiers can
// fail closed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and namespaces keys under prefix
// (e.g. "x402:consumed:").
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an existing client, for callers that share
// one connection pool across components.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Has reports whether id is present and unexpired.
func (s *RedisStore) Has(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("replay store unavailable: %w", err)
	}
	return n > 0, nil
}

// Add marks id consumed for ttl.
func (s *RedisStore) Add(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("replay store unavailable: %w", err)
	}
	return nil
}

// AddIfAbsent inserts id with SET NX, returning false when id was already
// present. The NX semantics extend the atomicity guarantee across every
// instance sharing the backend.
func (s *RedisStore) AddIfAbsent(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(id), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay store unavailable: %w", err)
	}
	return ok, nil
}

// Clear drops every entry under the store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("replay store unavailable: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("replay store unavailable: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
