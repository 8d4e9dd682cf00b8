// Package cache provides a size-bounded TTL cache used to memoize estimate
// responses, which are pure functions of posterior state and would otherwise
// be recomputed (credible intervals bisect the Beta CDF) on every query.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTL is a thread-safe LRU cache whose entries expire after a fixed
// duration. A ttl of 0 disables expiration.
type TTL[K comparable, V any] struct {
	inner *lru.Cache[K, entry[V]]
	ttl   time.Duration

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache holding at most size entries.
func NewTTL[K comparable, V any](size int, ttl time.Duration) (*TTL[K, V], error) {
	inner, err := lru.New[K, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTL[K, V]{inner: inner, ttl: ttl}, nil
}

// Get returns the cached value if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	e, ok := c.inner.Get(key)
	if ok && (c.ttl == 0 || time.Now().Before(e.expiresAt)) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.value, true
	}
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	var zero V
	return zero, false
}

// Set stores a value, evicting the least recently used entry when full.
func (c *TTL[K, V]) Set(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.inner.Add(key, entry[V]{value: value, expiresAt: expiresAt})
}

// Invalidate drops one key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.inner.Remove(key)
}

// Purge drops everything. Called whenever posterior state mutates.
func (c *TTL[K, V]) Purge() {
	c.inner.Purge()
}

// Len returns the live entry count, expired entries included.
func (c *TTL[K, V]) Len() int {
	return c.inner.Len()
}

// Stats reports hit/miss counts for the status report.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
}

func (c *TTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Size: c.inner.Len()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
