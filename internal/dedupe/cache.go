// Package dedupe remembers provider delivery ids so retried webhooks are
// acknowledged without being dispatched twice.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Checker reports whether a delivery id was already seen, marking it if not.
type Checker interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is an in-process, TTL and size bounded Checker.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Call Run to expire entries in the background.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// WithClock overrides the time source and returns c.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// CheckAndMark returns true when key was seen within the TTL. Otherwise it
// records key and returns false.
func (c *Cache) CheckAndMark(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.timestamp) < c.ttl {
			return true, nil
		}
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return false, nil
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &cacheEntry{timestamp: now, element: c.order.PushBack(key)}
	return false, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
			n++
		}
	}
	return n
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
