// ABOUTME: In-memory TTL cache used for package lookups and report workflow state.
// ABOUTME: Expired entries are hidden on read and swept by a background cleanup loop.

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type CacheEntry[V any] struct {
	Data      V
	ExpiresAt time.Time
}

type TTLCache[V any] struct {
	name   string
	cache  map[string]*CacheEntry[V]
	mutex  sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

// New creates a cache whose entries live for ttl. The cleanup loop stops when ctx is done.
func New[V any](ctx context.Context, name string, ttl time.Duration, logger *logrus.Logger) *TTLCache[V] {
	c := &TTLCache[V]{
		name:   name,
		cache:  make(map[string]*CacheEntry[V]),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}

	go c.startCleanup(ctx, cleanupInterval(ttl))

	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	return interval
}

func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var zero V
	entry, exists := c.cache[key]
	if !exists {
		return zero, false
	}

	// Expired entries are left for cleanup to avoid taking the write lock here
	if c.now().After(entry.ExpiresAt) {
		return zero, false
	}

	c.logger.WithFields(logrus.Fields{"cache": c.name, "key": key}).Debug("Cache hit")
	return entry.Data, true
}

func (c *TTLCache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &CacheEntry[V]{
		Data:      value,
		ExpiresAt: c.now().Add(c.ttl),
	}

	c.logger.WithFields(logrus.Fields{"cache": c.name, "key": key}).Debug("Cached entry")
}

// GetOrCreate returns the live entry for key, or stores and returns the result of create.
// create runs under the write lock and must not call back into the cache.
func (c *TTLCache[V]) GetOrCreate(key string, create func() (V, error)) (V, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, exists := c.cache[key]; exists && !c.now().After(entry.ExpiresAt) {
		return entry.Data, nil
	}

	value, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.cache[key] = &CacheEntry[V]{
		Data:      value,
		ExpiresAt: c.now().Add(c.ttl),
	}
	return value, nil
}

func (c *TTLCache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.cache, key)
}

func (c *TTLCache[V]) startCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *TTLCache[V]) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expiredCount := 0

	for key, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			delete(c.cache, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		c.logger.WithFields(logrus.Fields{
			"cache":             c.name,
			"expired_entries":   expiredCount,
			"remaining_entries": len(c.cache),
		}).Debug("Cache cleanup completed")
	}
}

func (c *TTLCache[V]) Stats() (total int, expired int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	total = len(c.cache)

	for _, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}

	return total, expired
}
