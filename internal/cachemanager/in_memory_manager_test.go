package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptKey string

type cachedScript struct {
	URL  string
	Body []byte
}

func newScriptCache() *InMemoryCacheManager[scriptKey, cachedScript] {
	return NewInMemoryCacheManager[scriptKey, cachedScript]("scripts", DefaultExpiration, DefaultCleanupInterval)
}

func TestInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := newScriptCache()
	script := cachedScript{URL: "https://example.com/sw.js", Body: []byte("self.x = 1")}
	cache.Set(context.Background(), "https://example.com/sw.js", script, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "https://example.com/sw.js")
	require.True(t, ok)
	require.Equal(t, script, got)
	require.Equal(t, 1, cache.ItemCount())
}

func TestInMemoryCacheManager_GetMissing(t *testing.T) {
	got, ok := newScriptCache().Get(context.Background(), "missing")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_Expires(t *testing.T) {
	cache := newScriptCache()
	cache.Set(context.Background(), "k", cachedScript{URL: "u"}, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := cache.Get(context.Background(), "k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInMemoryCacheManager_GetWithRefresh_ExtendsTTL(t *testing.T) {
	cache := newScriptCache()
	cache.Set(context.Background(), "k", cachedScript{URL: "u"}, 30*time.Millisecond)

	_, ok := cache.GetWithRefresh(context.Background(), "k", time.Hour)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = cache.Get(context.Background(), "k")
	require.True(t, ok)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	cache := newScriptCache()
	ctx := context.Background()
	cache.Set(ctx, "a", cachedScript{URL: "a"}, DefaultExpiration)
	cache.Set(ctx, "b", cachedScript{URL: "b"}, DefaultExpiration)
	cache.Set(ctx, "c", cachedScript{URL: "c"}, DefaultExpiration)

	require.NoError(t, cache.Delete(ctx))
	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	require.Equal(t, 2, cache.ItemCount())

	require.NoError(t, cache.Flush(ctx))
	require.Zero(t, cache.ItemCount())
}
