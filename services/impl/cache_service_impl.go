package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// suggestionCacheImpl implements services.SuggestionCache on Redis. When no
// Redis host is configured (or the connection drops) it degrades to a small
// in-process map with the same TTL semantics, so retrieval never depends on
// the cache being up.
type suggestionCacheImpl struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.RWMutex
	local map[string]localCacheEntry
}

type localCacheEntry struct {
	suggestions []models.Suggestion
	expiresAt   time.Time
}

const localCacheMaxEntries = 512

func NewSuggestionCache(cfg *config.RedisConfig) services.SuggestionCache {
	cache := &suggestionCacheImpl{
		ttl:   time.Duration(cfg.ResponseCacheTTL) * time.Second,
		local: make(map[string]localCacheEntry),
	}
	if cache.ttl <= 0 {
		cache.ttl = time.Hour
	}

	if !cfg.EnableCache || cfg.Host == "" {
		log.Println("Suggestion cache: Redis disabled, using in-process cache")
		return cache
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Suggestion cache: Redis unreachable (%v), using in-process cache", err)
		return cache
	}

	cache.client = client
	return cache
}

// Key fingerprints a suggestion request. The text is hashed so keys stay
// bounded; every knob that changes scores is part of the key.
func (c *suggestionCacheImpl) Key(userID, text string, strategy models.SearchStrategy, useReranking bool) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("suggest:%s:%s:%s:%t", userID, hex.EncodeToString(sum[:]), strategy, useReranking)
}

func (c *suggestionCacheImpl) Get(ctx context.Context, key string) ([]models.Suggestion, bool) {
	if c.client != nil {
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			return nil, false
		}
		var suggestions []models.Suggestion
		if err := json.Unmarshal(data, &suggestions); err != nil {
			return nil, false
		}
		return suggestions, true
	}

	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.suggestions, true
}

func (c *suggestionCacheImpl) Set(ctx context.Context, key string, suggestions []models.Suggestion) {
	if c.client != nil {
		data, err := json.Marshal(suggestions)
		if err != nil {
			return
		}
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("Suggestion cache: set failed: %v", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) >= localCacheMaxEntries {
		c.evictLocalLocked()
	}
	c.local[key] = localCacheEntry{
		suggestions: suggestions,
		expiresAt:   time.Now().Add(c.ttl),
	}
}

// Invalidate removes entries matching the glob pattern, e.g. "suggest:*"
// after a corpus change.
func (c *suggestionCacheImpl) Invalidate(ctx context.Context, pattern string) error {
	if c.client != nil {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete cache keys: %w", err)
			}
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.local {
		if matchGlob(pattern, key) {
			delete(c.local, key)
		}
	}
	return nil
}

// evictLocalLocked drops expired entries first, then arbitrary ones until
// under the cap.
func (c *suggestionCacheImpl) evictLocalLocked() {
	now := time.Now()
	for key, entry := range c.local {
		if now.After(entry.expiresAt) {
			delete(c.local, key)
		}
	}
	for key := range c.local {
		if len(c.local) < localCacheMaxEntries {
			break
		}
		delete(c.local, key)
	}
}

// matchGlob supports the single trailing-star form used for invalidation.
func matchGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		return len(s) >= n-1 && s[:n-1] == pattern[:n-1]
	}
	return pattern == s
}
