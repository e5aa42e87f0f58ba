package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss indicates the requested key was not found in cache
var ErrCacheMiss = errors.New("cache: key not found")

// Cache defines the primitive operations for a key-value cache.
type Cache[T any] interface {
	// Get returns ErrCacheMiss if the key does not exist or has expired.
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetWithFetch is a cache-aside helper for any Cache implementation.
// On cache miss it calls fetchFunc, stores the result, and returns it.
func GetWithFetch[T any](
	ctx context.Context,
	c Cache[T],
	key string,
	ttl time.Duration,
	fetchFunc func(ctx context.Context, key string) (T, error),
) (T, error) {
	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	}

	value, err := fetchFunc(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}

	_ = c.Set(ctx, key, value, ttl)
	return value, nil
}
