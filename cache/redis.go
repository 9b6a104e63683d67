package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis provider writes.
const DefaultRedisPrefix = "hubs:cache:"

// RedisProvider caches in Redis, so every process pointed at the same
// server sees the same entries and the same deletions.
type RedisProvider struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisProvider connects to addr and checks the server answers.
func NewRedisProvider(ctx context.Context, addr, prefix string) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	provider := NewRedisProviderWithClient(client, prefix)
	provider.owned = true
	return provider, nil
}

// NewRedisProviderWithClient uses an existing client. Close leaves it open.
func NewRedisProviderWithClient(client redis.UniversalClient, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisProvider{client: client, prefix: prefix}
}

func (provider *RedisProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := provider.client.Get(ctx, provider.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return value, true
}

func (provider *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return provider.client.Set(ctx, provider.prefix+key, value, ttl).Err()
}

func (provider *RedisProvider) Delete(ctx context.Context, key string) error {
	err := provider.client.Del(ctx, provider.prefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Clear removes every key under the provider's prefix.
func (provider *RedisProvider) Clear(ctx context.Context) error {
	iter := provider.client.Scan(ctx, 0, provider.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return provider.client.Del(ctx, keys...).Err()
}

// Close closes the client if the provider created it.
func (provider *RedisProvider) Close() error {
	if provider.owned {
		return provider.client.Close()
	}
	return nil
}
