package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/redis"
)

// DefaultNamespace prefixes every key written by this service.
const DefaultNamespace = "hisprompt:"

// RedisAdapter implements the CacheProvider interface using Redis
type RedisAdapter struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisAdapter creates a new Redis cache adapter
func NewRedisAdapter(client *redisclient.Client) providers.CacheProvider {
	return NewRedisAdapterWithClient(client.Client(), DefaultNamespace)
}

// NewRedisAdapterWithClient builds the adapter on any go-redis client.
func NewRedisAdapterWithClient(client redis.UniversalClient, namespace string) *RedisAdapter {
	return &RedisAdapter{client: client, namespace: namespace}
}

func (a *RedisAdapter) key(key string) string {
	return a.namespace + key
}

// Get retrieves a value from cache
func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := a.client.Get(ctx, a.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, providers.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}
	return result, nil
}

// Set stores a value in cache with expiration
func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := a.client.Set(ctx, a.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in cache: %w", key, err)
	}
	return nil
}

// Delete removes a value from cache
func (a *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, a.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from cache: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists in cache
func (a *RedisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	result, err := a.client.Exists(ctx, a.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence in cache: %w", err)
	}
	return result > 0, nil
}
