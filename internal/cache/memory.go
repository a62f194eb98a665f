package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"
)

const defaultMaxEntries = 10_000

// entry is one cached value together with its key and expiry time.
// The data slice is immutable once stored; Set replaces the whole entry,
// so a concurrent reader never observes a partially written value.
type entry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache with per-entry TTL.
//
// Capacity is bounded: when the entry count exceeds maxEntries the least
// recently used entry is evicted. A background goroutine periodically
// removes expired entries so idle keys do not pin memory until touched.
//
// It is safe for concurrent use. Use this backend when Redis is not
// available; for multi-replica deployments use RedisCache instead so that
// all replicas share the same cache.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries entries
// (a non-positive value selects the default of 10000) and starts the
// background cleanup loop. The cleanup goroutine stops when ctx is
// cancelled or Close is called.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c := &MemoryCache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key and marks it most recently used.
// Returns (nil, false) on a miss or if the entry has expired. Expired
// entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}

	c.order.MoveToFront(el)
	return e.data, true
}

// Set stores value under key for the duration of ttl, replacing any
// existing entry. A zero or negative ttl is treated as a 1-hour TTL.
// When the cache is full the least recently used entry is evicted.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value = &entry{key: key, data: value, expiresAt: expiresAt}
		c.order.MoveToFront(el)
		return nil
	}

	c.items[key] = c.order.PushFront(&entry{key: key, data: value, expiresAt: expiresAt})

	for len(c.items) > c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Invalidate removes every entry whose key matches the glob pattern and
// returns the number removed. Returns an error if the pattern is malformed.
func (c *MemoryCache) Invalidate(_ context.Context, pattern string) (int, error) {
	// Validate once up front; path.Match reports ErrBadPattern lazily.
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, el := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			c.removeLocked(el)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. Safe to call twice.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
		}
	}
	c.mu.Unlock()
}
