package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a single TTL cache entry. CreatedAt orders entries for capacity
// eviction; ExpiresAt governs staleness.
type Entry[V any] struct {
	Value     V
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e *Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// TTLCache is a typed in-process cache with per-entry expiry, a fixed
// capacity with oldest-by-insertion eviction, and a periodic sweep that
// removes expired entries independent of reads.
//
// Reads lazily evict: Get on an expired entry deletes it and reports a
// miss. GetOrSet offers no stampede protection; concurrent misses on the
// same key may each invoke the factory.
type TTLCache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*Entry[V]
	capacity int
	stopCh   chan struct{}
	stopOnce sync.Once

	hits   int64
	misses int64
}

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 60 * time.Second

// NewTTLCache creates a cache holding at most capacity entries. A
// non-positive capacity means unbounded. The sweep goroutine runs until
// Close is called.
func NewTTLCache[V any](capacity int, sweepInterval time.Duration) *TTLCache[V] {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	c := &TTLCache[V]{
		entries:  make(map[string]*Entry[V]),
		capacity: capacity,
		stopCh:   make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// Get returns the fresh value for key. The second result reports whether a
// fresh entry was found; an expired entry is removed and reported as a miss.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if entry.expired(time.Now()) {
		delete(c.entries, key)
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return entry.Value, true
}

// Set stores value under key with the given TTL. A zero TTL means the entry
// never expires. When inserting a new key into a full cache, the single
// oldest entry by insertion time is evicted first.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = &Entry[V]{Value: value, CreatedAt: now, ExpiresAt: expiresAt}
}

// GetOrSet returns the cached value for key if fresh; otherwise it invokes
// factory, stores the result with the given TTL, and returns it. A factory
// error is returned to the caller and nothing is stored.
func (c *TTLCache[V]) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := factory(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes key. Removing an absent key is not an error.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[V])
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been swept.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports hit/miss counters and the current entry count.
func (c *TTLCache[V]) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}

// Close stops the sweep goroutine. The cache remains usable afterwards but
// expired entries are only removed lazily on reads.
func (c *TTLCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictOldestLocked removes the entry with the earliest insertion time.
// O(n) scan; acceptable at the capacities this cache is configured with.
func (c *TTLCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.CreatedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.CreatedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func (c *TTLCache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TTLCache[V]) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}
