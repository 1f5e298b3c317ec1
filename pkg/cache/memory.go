package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// MemoryCache is a process-local cache with TTL support and a size bound.
// When full, the oldest entry is evicted.
type MemoryCache[V any] struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// cacheEntry represents a single cache entry
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache. A nil clk uses the wall clock.
func NewMemoryCache[V any](defaultTTL time.Duration, maxSize int, clk clock.Clock) *MemoryCache[V] {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache[V]{
		data:    make(map[string]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Set stores a value under key. A zero ttl uses the default.
func (mc *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}
	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.clock.Now()
	mc.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a live value from the cache
func (mc *MemoryCache[V]) Get(key string) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var zero V
	entry, exists := mc.data[key]
	if !exists {
		return zero, false
	}
	if !mc.clock.Now().Before(entry.expiresAt) {
		delete(mc.data, key)
		return zero, false
	}
	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache[V]) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache[V]) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry. Callers hold mu.
func (mc *MemoryCache[V]) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

// cleanupExpired removes expired entries from the cache
func (mc *MemoryCache[V]) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.clock.Now()
	expiredCount := 0
	for key, entry := range mc.data {
		if !now.Before(entry.expiresAt) {
			delete(mc.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(mc.data)),
		)
	}
}

// StartCleanup starts a goroutine to clean up expired entries.
// Returns a stop function that cancels the cleanup goroutine.
func (mc *MemoryCache[V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	ticker := mc.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
