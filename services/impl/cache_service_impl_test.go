package impl

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

func redisBackedCache(t *testing.T) (services.SuggestionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cache := NewSuggestionCache(&config.RedisConfig{
		Host:             mr.Host(),
		Port:             port,
		EnableCache:      true,
		ResponseCacheTTL: 60,
	})
	return cache, mr
}

func sampleSuggestions() []models.Suggestion {
	return []models.Suggestion{
		{PaperID: uuid.NewString(), Title: "Cached Paper", Confidence: 0.9, DisplayText: "(Cached, 2020)"},
	}
}

func TestSuggestionCacheRedis(t *testing.T) {
	cache, mr := redisBackedCache(t)
	ctx := context.Background()

	t.Run("set then get round-trips", func(t *testing.T) {
		key := cache.Key("user-1", "some editor text", models.SearchStrategyHybrid, true)
		want := sampleSuggestions()

		cache.Set(ctx, key, want)
		got, ok := cache.Get(ctx, key)
		require.True(t, ok)
		require.Len(t, got, 1)
		assert.Equal(t, want[0].Title, got[0].Title)
		assert.Equal(t, want[0].PaperID, got[0].PaperID)
	})

	t.Run("miss on unknown key", func(t *testing.T) {
		_, ok := cache.Get(ctx, "suggest:nobody:deadbeef:hybrid:false")
		assert.False(t, ok)
	})

	t.Run("entries expire", func(t *testing.T) {
		key := cache.Key("user-2", "expiring text", models.SearchStrategyHybrid, false)
		cache.Set(ctx, key, sampleSuggestions())

		mr.FastForward(2 * time.Hour)
		_, ok := cache.Get(ctx, key)
		assert.False(t, ok)
	})

	t.Run("invalidate clears matching keys", func(t *testing.T) {
		keyA := cache.Key("user-3", "text a", models.SearchStrategyHybrid, false)
		keyB := cache.Key("user-3", "text b", models.SearchStrategyVector, false)
		cache.Set(ctx, keyA, sampleSuggestions())
		cache.Set(ctx, keyB, sampleSuggestions())

		require.NoError(t, cache.Invalidate(ctx, "suggest:*"))
		_, okA := cache.Get(ctx, keyA)
		_, okB := cache.Get(ctx, keyB)
		assert.False(t, okA)
		assert.False(t, okB)
	})
}

func TestSuggestionCacheLocalFallback(t *testing.T) {
	cache := NewSuggestionCache(&config.RedisConfig{EnableCache: false, ResponseCacheTTL: 60})
	ctx := context.Background()

	key := cache.Key("user-1", "text", models.SearchStrategyHybrid, false)
	cache.Set(ctx, key, sampleSuggestions())

	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "Cached Paper", got[0].Title)

	require.NoError(t, cache.Invalidate(ctx, "suggest:*"))
	_, ok = cache.Get(ctx, key)
	assert.False(t, ok)
}

func TestSuggestionCacheKey(t *testing.T) {
	cache := NewSuggestionCache(&config.RedisConfig{EnableCache: false})

	base := cache.Key("user", "text", models.SearchStrategyHybrid, false)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base, cache.Key("user", "text", models.SearchStrategyHybrid, false))
	})

	t.Run("sensitive to every knob", func(t *testing.T) {
		assert.NotEqual(t, base, cache.Key("other", "text", models.SearchStrategyHybrid, false))
		assert.NotEqual(t, base, cache.Key("user", "text!", models.SearchStrategyHybrid, false))
		assert.NotEqual(t, base, cache.Key("user", "text", models.SearchStrategyVector, false))
		assert.NotEqual(t, base, cache.Key("user", "text", models.SearchStrategyHybrid, true))
	})

	t.Run("raw text never appears in the key", func(t *testing.T) {
		key := cache.Key("user", "highly sensitive draft text", models.SearchStrategyHybrid, false)
		assert.NotContains(t, key, "sensitive")
	})
}

func TestMatchGlob(t *testing.T) {
	assert.True(t, matchGlob("*", "anything"))
	assert.True(t, matchGlob("suggest:*", "suggest:user:abc"))
	assert.False(t, matchGlob("suggest:*", "other:user:abc"))
	assert.True(t, matchGlob("exact", "exact"))
	assert.False(t, matchGlob("exact", "exact-not"))
}
