package exchange

import (
	"container/list"
	"sync"
	"time"
)

// ttlCache is a small TTL cache with an LRU cap, owned by a Client instance.
// Each cached concern (meta, mids, candles) gets its own instance so multiple
// accounts in one process never share state.
type ttlCache struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	key      string
	value    any
	storedAt time.Time
}

func newTTLCache(ttl time.Duration, max int) *ttlCache {
	return &ttlCache{
		ttl:   ttl,
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *ttlCache) get(key string, now time.Time) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if now.Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *ttlCache) put(key string, value any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.storedAt = now
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, storedAt: now})
	c.items[key] = el

	if c.max > 0 && c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
