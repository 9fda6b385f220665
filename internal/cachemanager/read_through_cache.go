package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache loads values with fn on a miss and stores them.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache CacheManager[K, V]
	fn    func(ctx context.Context, input I) (V, error)
}

// NewReadThroughCache wraps fn with cache.
func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	fn func(ctx context.Context, input I) (V, error),
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{cache: cache, fn: fn}
}

// Get returns the cached value for key or loads and stores it.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}
	return r.Refresh(ctx, key, input, ttl)
}

// Refresh always loads through fn and replaces the cached value on success.
func (r *ReadThroughCache[K, V, I]) Refresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	value, err := r.fn(ctx, input)
	if err != nil {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
