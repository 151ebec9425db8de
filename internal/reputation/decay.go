package reputation

import (
	"time"
)

// decayLoop periodically halves the hit counts of records that have been
// inactive past the half-life, deleting records whose counts both fall
// under the floor. Manual blocks never decay away.
func (c *Cache) decayLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Decay(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// Decay applies one sweep at the given time. Exposed for tests and for
// the admin maintenance endpoint.
func (c *Cache) Decay(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	decayed := 0
	var doomed []string
	for pattern, el := range c.entries {
		entry := el.Value.(*cacheEntry)
		rec := &entry.record

		if rec.Status == StatusManuallyBlocked {
			continue
		}
		if now.Sub(rec.LastSeen) < c.cfg.HalfLife {
			continue
		}
		ref := rec.DecayedAt
		if ref.IsZero() {
			ref = rec.LastSeen
		}
		if now.Sub(ref) < c.cfg.HalfLife {
			continue
		}

		rec.GoodHits /= 2
		rec.BadHits /= 2
		rec.DecayedAt = now
		decayed++

		if rec.GoodHits < c.cfg.MinCount && rec.BadHits < c.cfg.MinCount {
			doomed = append(doomed, pattern)
			continue
		}

		// Decayed below the learned threshold: demote back to Unknown so
		// the pattern has to re-earn its status.
		if rec.Status == StatusLearnedGood && rec.GoodHits < c.cfg.LearnThreshold {
			rec.Status = StatusUnknown
		}
		if rec.Status == StatusLearnedBad && rec.BadHits < c.cfg.LearnThreshold {
			rec.Status = StatusUnknown
		}
	}

	for _, pattern := range doomed {
		if el, ok := c.entries[pattern]; ok {
			c.order.Remove(el)
			delete(c.entries, pattern)
		}
	}

	if decayed > 0 {
		c.logger.Printf("Decay sweep: %d records decayed, %d deleted", decayed, len(doomed))
	}
	if c.metrics != nil {
		c.metrics.ReputationCacheSize.Set(float64(c.order.Len()))
	}
	return decayed
}
