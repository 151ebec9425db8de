package signature

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// cachedFactors is what a prior request left behind for its primary
// signature. Secondary factors survive here for the TTL so that
// non-document requests (WebSocket, XHR) inherit the richer set their
// originating page load produced.
type cachedFactors struct {
	Client   string
	Plugin   string
	IPClient string
	UAClient string
	Country  string

	FromDocument bool
	Timestamp    time.Time
}

// factorRichness counts non-empty secondary factors; used to decide
// whether a write-back would impoverish the cache.
func (c *cachedFactors) richness() int {
	n := 0
	for _, f := range []string{c.Client, c.Plugin, c.IPClient, c.UAClient, c.Country} {
		if f != "" {
			n++
		}
	}
	return n
}

// carryForwardCache is a concurrent LRU keyed by primary signature.
// Eviction beyond capacity is LRU; expired entries are dropped lazily on
// read. A single-flight flag guards the capacity scan so only one
// goroutine evicts at a time.
type carryForwardCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recent
	capacity int
	ttl      time.Duration
	evicting atomic.Bool
}

type cacheEntry struct {
	key     string
	factors cachedFactors
}

func newCarryForwardCache(capacity int, ttl time.Duration) *carryForwardCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &carryForwardCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// get returns a live entry, evicting it if expired.
func (c *carryForwardCache) get(primary string, now time.Time) (cachedFactors, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[primary]
	if !ok {
		return cachedFactors{}, false
	}
	entry := el.Value.(*cacheEntry)
	if now.Sub(entry.factors.Timestamp) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, primary)
		return cachedFactors{}, false
	}
	c.order.MoveToFront(el)
	return entry.factors, true
}

// put inserts or replaces the entry and trims over-capacity tails.
func (c *carryForwardCache) put(primary string, factors cachedFactors) {
	c.mu.Lock()
	if el, ok := c.entries[primary]; ok {
		el.Value.(*cacheEntry).factors = factors
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}
	el := c.order.PushFront(&cacheEntry{key: primary, factors: factors})
	c.entries[primary] = el
	over := c.order.Len() > c.capacity
	c.mu.Unlock()

	if over && c.evicting.CompareAndSwap(false, true) {
		defer c.evicting.Store(false)
		c.evict()
	}
}

// evict removes LRU tail entries down to capacity. Runs on at most one
// goroutine at a time.
func (c *carryForwardCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.Len() > c.capacity {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheEntry).key)
	}
}

func (c *carryForwardCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
