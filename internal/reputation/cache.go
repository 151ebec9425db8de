package reputation

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"github.com/stylobot/gateway/internal/metrics"
)

// CacheConfig holds the reputation cache tuning knobs.
type CacheConfig struct {
	// Capacity bounds resident records; LRU beyond it.
	Capacity int

	// LearnThreshold is the hit count that promotes Unknown to
	// LearnedGood or LearnedBad.
	LearnThreshold int64

	// HalfLife controls decay: counts halve once per half-life of
	// inactivity.
	HalfLife time.Duration

	// DecayInterval is the sweep cadence.
	DecayInterval time.Duration

	// MinCount: records whose decayed counts both fall below this floor
	// are deleted by the sweeper.
	MinCount int64

	// FlushInterval / FlushSize bound the write-behind batch.
	FlushInterval time.Duration
	FlushSize     int
}

// DefaultCacheConfig returns the shipped defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:       10000,
		LearnThreshold: 10,
		HalfLife:       24 * time.Hour,
		DecayInterval:  60 * time.Second,
		MinCount:       1,
		FlushInterval:  500 * time.Millisecond,
		FlushSize:      100,
	}
}

// Cache is the bounded in-memory reputation map. Lookups are lock-cheap
// and sub-microsecond; updates are idempotent per (pattern, event time).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	cfg     CacheConfig

	store   PatternStore
	pending chan Record
	stopCh  chan struct{}
	metrics *metrics.Metrics
	logger  *log.Logger
	wg      sync.WaitGroup
}

type cacheEntry struct {
	record    Record
	lastEvent time.Time // dedupe key for idempotent updates
}

// NewCache creates the cache and starts the write-behind flusher and the
// decay sweeper. store may be nil (memory-only operation, used in tests).
func NewCache(cfg CacheConfig, store PatternStore, m *metrics.Metrics) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.LearnThreshold <= 0 {
		cfg.LearnThreshold = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		cfg:     cfg,
		store:   store,
		pending: make(chan Record, 4*cfg.FlushSize),
		stopCh:  make(chan struct{}),
		metrics: m,
		logger:  log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
	if store != nil {
		c.wg.Add(1)
		go c.flushLoop()
	}
	if cfg.DecayInterval > 0 {
		c.wg.Add(1)
		go c.decayLoop()
	}
	return c
}

// Warm bulk-loads the durable patterns into memory. Called once at
// startup, before traffic.
func (c *Cache) Warm(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	records, err := c.store.LoadPatterns(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		if c.order.Len() >= c.cfg.Capacity {
			break
		}
		el := c.order.PushBack(&cacheEntry{record: r})
		c.entries[r.Pattern] = el
	}
	c.logger.Printf("Warmed %d patterns from store", c.order.Len())
	return nil
}

// Lookup returns the record for a pattern, or ok=false.
func (c *Cache) Lookup(pattern string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.entries[pattern]
	if !ok {
		return Record{}, false
	}
	return el.Value.(*cacheEntry).record, true
}

// Update applies a delta at the given event time. Replaying the same
// (pattern, ts) pair is a no-op, making learning handlers idempotent.
func (c *Cache) Update(pattern string, delta Delta, ts time.Time) Record {
	c.mu.Lock()

	el, ok := c.entries[pattern]
	if !ok {
		el = c.order.PushFront(&cacheEntry{record: Record{
			Pattern:   pattern,
			FirstSeen: ts,
			Status:    StatusUnknown,
		}})
		c.entries[pattern] = el
		c.evictLocked()
	} else {
		c.order.MoveToFront(el)
	}

	entry := el.Value.(*cacheEntry)
	if !entry.lastEvent.IsZero() && entry.lastEvent.Equal(ts) {
		rec := entry.record
		c.mu.Unlock()
		return rec
	}
	entry.lastEvent = ts

	rec := &entry.record
	rec.LastSeen = ts
	switch delta {
	case DeltaGood:
		rec.GoodHits++
	case DeltaBad:
		rec.BadHits++
	case DeltaConfirmedGood:
		rec.GoodHits++
		if rec.Status != StatusManuallyBlocked {
			rec.Status = StatusConfirmedGood
		}
	case DeltaConfirmedBad:
		rec.BadHits++
		if rec.Status != StatusManuallyBlocked {
			rec.Status = StatusConfirmedBad
		}
	case DeltaManualBlock:
		rec.Status = StatusManuallyBlocked
	}
	c.transitionLocked(rec)

	out := *rec
	if c.metrics != nil {
		c.metrics.ReputationCacheSize.Set(float64(c.order.Len()))
	}
	c.mu.Unlock()

	c.enqueue(out)
	return out
}

// Delete removes a pattern from memory. The caller is responsible for
// deleting the durable copy; the write-behind queue never resurrects a
// record it has not seen since.
func (c *Cache) Delete(pattern string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[pattern]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, pattern)
	if c.metrics != nil {
		c.metrics.ReputationCacheSize.Set(float64(c.order.Len()))
	}
	return true
}

// transitionLocked promotes Unknown records across the learned
// thresholds. Confirmed and manually blocked states are sticky.
func (c *Cache) transitionLocked(rec *Record) {
	if rec.Status != StatusUnknown && rec.Status != StatusLearnedGood && rec.Status != StatusLearnedBad {
		return
	}
	switch {
	case rec.BadHits >= c.cfg.LearnThreshold && rec.BadHits > rec.GoodHits:
		rec.Status = StatusLearnedBad
	case rec.GoodHits >= c.cfg.LearnThreshold && rec.GoodHits > rec.BadHits:
		rec.Status = StatusLearnedGood
	}
}

func (c *Cache) evictLocked() {
	for c.order.Len() > c.cfg.Capacity {
		tail := c.order.Back()
		if tail == nil {
			return
		}
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheEntry).record.Pattern)
	}
}

// enqueue hands the record to the write-behind flusher. A full queue
// drops the write; reputation is reconstructable from future traffic.
func (c *Cache) enqueue(rec Record) {
	if c.store == nil {
		return
	}
	select {
	case c.pending <- rec:
	default:
	}
}

// flushLoop is the single writer draining pending records to the store
// every FlushInterval or FlushSize writes, whichever comes first.
func (c *Cache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make(map[string]Record, c.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		records := make([]Record, 0, len(batch))
		for _, r := range batch {
			records = append(records, r)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.store.SavePatterns(ctx, records)
		cancel()
		if c.metrics != nil {
			c.metrics.ObserveFlush("pattern", len(records), err)
		}
		if err != nil {
			// Drop the batch; never block the request path on storage.
			c.logger.Printf("pattern flush failed, dropping %d records: %v", len(records), err)
		}
		batch = make(map[string]Record, c.cfg.FlushSize)
	}

	for {
		select {
		case rec := <-c.pending:
			batch[rec.Pattern] = rec
			if len(batch) >= c.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.stopCh:
			// Drain what's already queued, flush once more, exit.
			for {
				select {
				case rec := <-c.pending:
					batch[rec.Pattern] = rec
				default:
					flush()
					return
				}
			}
		}
	}
}

// Stop terminates the background goroutines, flushing once more.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Len reports resident record count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}
