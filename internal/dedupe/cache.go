// ABOUTME: Thread-safe TTL cache of idempotency keys and the results they produced.
// ABOUTME: Used to make message sends safe to retry from flaky clients.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the state and list element for a cached key.
type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	value     V
}

// Cache is a thread-safe, TTL-based, size-limited map from idempotency key to
// result. A key is first claimed (in flight) and then either completed with a
// value or released. Uses a doubly-linked list to maintain insertion order
// for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the completed value for key, if any and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.liveLocked(key)
	if !ok || !entry.done {
		return zero, false
	}
	return entry.value, true
}

// Claim atomically marks key as in flight. It returns false if the key is
// already claimed or completed and not expired.
func (c *Cache[V]) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.liveLocked(key); ok {
		return false
	}
	c.insertLocked(key)
	return true
}

// Complete stores the value for key. The TTL restarts from now.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		entry = c.insertLocked(key)
	}
	entry.timestamp = c.now()
	entry.done = true
	entry.value = value
	c.order.MoveToBack(entry.element)
}

// Release forgets key so the operation can be retried.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// liveLocked returns the entry for key if it has not expired. Must be called with mu held.
func (c *Cache[V]) liveLocked(key string) (*cacheEntry[V], bool) {
	entry, ok := c.seen[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		c.removeLocked(key)
		return nil, false
	}
	return entry, true
}

// insertLocked adds an in-flight entry, evicting the oldest if at capacity.
// Must be called with mu held.
func (c *Cache[V]) insertLocked(key string) *cacheEntry[V] {
	c.removeLocked(key)
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	entry := &cacheEntry[V]{timestamp: c.now()}
	entry.element = c.order.PushBack(key)
	c.seen[key] = entry
	return entry
}

func (c *Cache[V]) removeLocked(key string) {
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
