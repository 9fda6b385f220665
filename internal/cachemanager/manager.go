// Package cachemanager provides a typed cache facade over patrickmn/go-cache.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed, TTL-based cache.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
	ItemCount() int
}
