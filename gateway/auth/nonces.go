package auth

import (
	"container/list"
	"sync"
	"time"
)

// nonceCache remembers recently used timestamp|nonce pairs for one API key.
// Entries leave the cache when they age past the ttl or when capacity forces
// the oldest one out.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	at  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      clampDuration(ttl, defaultNonceWindow, maxNonceWindow),
		capacity: clampInt(capacity, defaultNonceCapacity, maxNonceCapacity),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Observe records key and reports whether it was already present.
func (c *nonceCache) Observe(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	if _, ok := c.entries[key]; ok {
		return true
	}
	c.insertLocked(key, now)
	return false
}

func (c *nonceCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	_, ok := c.entries[key]
	return ok
}

func (c *nonceCache) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	c.insertLocked(key, now)
}

func (c *nonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *nonceCache) insertLocked(key string, now time.Time) {
	if elem, ok := c.entries[key]; ok {
		elem.Value = nonceEntry{key: key, at: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(nonceEntry{key: key, at: now})
}

func (c *nonceCache) expireLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if !front.Value.(nonceEntry).at.Before(cutoff) {
			return
		}
		c.removeLocked(front)
	}
}

func (c *nonceCache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(nonceEntry).key)
}

func clampDuration(v, def, max time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
