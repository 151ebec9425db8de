package detectors

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// RateTracker counts requests per key over a sliding window. Bounded:
// idle keys are evicted LRU once capacity is hit.
type RateTracker struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type rateEntry struct {
	key   string
	times []time.Time
}

// NewRateTracker creates a tracker with the given window.
func NewRateTracker(window time.Duration, capacity int) *RateTracker {
	if window <= 0 {
		window = time.Minute
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &RateTracker{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Observe records one hit and returns the count inside the window,
// including this hit.
func (t *RateTracker) Observe(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		el = t.order.PushFront(&rateEntry{key: key})
		t.entries[key] = el
		for t.order.Len() > t.capacity {
			tail := t.order.Back()
			t.order.Remove(tail)
			delete(t.entries, tail.Value.(*rateEntry).key)
		}
	} else {
		t.order.MoveToFront(el)
	}

	e := el.Value.(*rateEntry)
	cutoff := now.Add(-t.window)
	kept := e.times[:0]
	for _, ts := range e.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.times = append(kept, now)
	return len(e.times)
}

// Window returns the tracker's window length.
func (t *RateTracker) Window() time.Duration { return t.window }

// TimingTracker keeps the recent inter-arrival gaps per signature for
// the waveform regularity score.
type TimingTracker struct {
	mu       sync.Mutex
	capacity int
	maxGaps  int
	entries  map[string]*list.Element
	order    *list.List
}

type timingEntry struct {
	key  string
	last time.Time
	gaps []float64 // seconds
}

// NewTimingTracker creates a tracker keeping up to maxGaps gaps per key.
func NewTimingTracker(capacity, maxGaps int) *TimingTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	if maxGaps <= 0 {
		maxGaps = 20
	}
	return &TimingTracker{
		capacity: capacity,
		maxGaps:  maxGaps,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Observe records an arrival and returns the regularity of the gap
// series so far: 1 = perfectly periodic, 0 = erratic or insufficient
// data. Regularity is 1 minus the coefficient of variation, floored.
func (t *TimingTracker) Observe(key string, now time.Time) (regularity float64, samples int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		el = t.order.PushFront(&timingEntry{key: key, last: now})
		t.entries[key] = el
		for t.order.Len() > t.capacity {
			tail := t.order.Back()
			t.order.Remove(tail)
			delete(t.entries, tail.Value.(*timingEntry).key)
		}
		return 0, 0
	}
	t.order.MoveToFront(el)

	e := el.Value.(*timingEntry)
	gap := now.Sub(e.last).Seconds()
	e.last = now
	if gap <= 0 {
		return 0, len(e.gaps)
	}
	e.gaps = append(e.gaps, gap)
	if len(e.gaps) > t.maxGaps {
		e.gaps = e.gaps[len(e.gaps)-t.maxGaps:]
	}
	if len(e.gaps) < 5 {
		return 0, len(e.gaps)
	}

	var mean float64
	for _, g := range e.gaps {
		mean += g
	}
	mean /= float64(len(e.gaps))
	if mean == 0 {
		return 0, len(e.gaps)
	}
	var v float64
	for _, g := range e.gaps {
		v += (g - mean) * (g - mean)
	}
	cv := math.Sqrt(v/float64(len(e.gaps))) / mean
	r := 1 - cv
	if r < 0 {
		r = 0
	}
	return r, len(e.gaps)
}

// CountryMemory remembers the last country seen per signature so the
// geo-change detector can spot drift.
type CountryMemory struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List
}

type countryEntry struct {
	key     string
	country string
	seen    time.Time
}

// NewCountryMemory creates the memory with an entry TTL.
func NewCountryMemory(capacity int, ttl time.Duration) *CountryMemory {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CountryMemory{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Swap records the country for a signature and returns the previous one
// (empty when unseen or expired).
func (m *CountryMemory) Swap(key, country string, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev string
	el, ok := m.entries[key]
	if ok {
		e := el.Value.(*countryEntry)
		if now.Sub(e.seen) <= m.ttl {
			prev = e.country
		}
		e.country = country
		e.seen = now
		m.order.MoveToFront(el)
		return prev
	}

	el = m.order.PushFront(&countryEntry{key: key, country: country, seen: now})
	m.entries[key] = el
	for m.order.Len() > m.capacity {
		tail := m.order.Back()
		m.order.Remove(tail)
		delete(m.entries, tail.Value.(*countryEntry).key)
	}
	return ""
}

// WeightSet holds the learned per-(detector, feature) multipliers,
// swapped atomically when the learning weight updater publishes a new
// generation.
type WeightSet struct {
	current atomic.Pointer[map[string]float64]
}

// NewWeightSet starts with an empty generation.
func NewWeightSet() *WeightSet {
	ws := &WeightSet{}
	empty := map[string]float64{}
	ws.current.Store(&empty)
	return ws
}

// Multiplier returns the learned multiplier for detector/feature, or 1.
func (w *WeightSet) Multiplier(detector, feature string) float64 {
	if w == nil {
		return 1
	}
	m := *w.current.Load()
	if v, ok := m[detector+"/"+feature]; ok && v > 0 {
		return v
	}
	return 1
}

// Replace publishes a new generation.
func (w *WeightSet) Replace(weights map[string]float64) {
	copied := make(map[string]float64, len(weights))
	for k, v := range weights {
		copied[k] = v
	}
	w.current.Store(&copied)
}
