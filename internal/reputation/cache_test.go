package reputation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memCache(t *testing.T, cfg CacheConfig) *Cache {
	t.Helper()
	cfg.DecayInterval = 0 // sweeps driven manually in tests
	c := NewCache(cfg, nil, nil)
	t.Cleanup(c.Stop)
	return c
}

func TestUpdate_LearnedTransitions(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.LearnThreshold = 3
	c := memCache(t, cfg)

	ts := time.Now()
	for i := 0; i < 3; i++ {
		c.Update("sig-bad", DeltaBad, ts.Add(time.Duration(i)*time.Second))
	}
	rec, ok := c.Lookup("sig-bad")
	require.True(t, ok)
	assert.Equal(t, StatusLearnedBad, rec.Status)
	assert.EqualValues(t, 3, rec.BadHits)

	for i := 0; i < 3; i++ {
		c.Update("sig-good", DeltaGood, ts.Add(time.Duration(i)*time.Second))
	}
	rec, _ = c.Lookup("sig-good")
	assert.Equal(t, StatusLearnedGood, rec.Status)
}

func TestUpdate_IdempotentPerEventTime(t *testing.T) {
	c := memCache(t, DefaultCacheConfig())

	ts := time.Now()
	c.Update("sig", DeltaBad, ts)
	c.Update("sig", DeltaBad, ts) // same event replayed

	rec, _ := c.Lookup("sig")
	assert.EqualValues(t, 1, rec.BadHits, "replayed event must apply once")

	c.Update("sig", DeltaBad, ts.Add(time.Second))
	rec, _ = c.Lookup("sig")
	assert.EqualValues(t, 2, rec.BadHits)
}

func TestUpdate_ManualBlockIsTerminal(t *testing.T) {
	c := memCache(t, DefaultCacheConfig())

	ts := time.Now()
	c.Update("sig", DeltaManualBlock, ts)
	c.Update("sig", DeltaConfirmedGood, ts.Add(time.Second))

	rec, _ := c.Lookup("sig")
	assert.Equal(t, StatusManuallyBlocked, rec.Status,
		"nothing overrides a manual block")
}

func TestUpdate_ConfirmedStates(t *testing.T) {
	c := memCache(t, DefaultCacheConfig())

	ts := time.Now()
	c.Update("sig", DeltaConfirmedBad, ts)
	rec, _ := c.Lookup("sig")
	assert.Equal(t, StatusConfirmedBad, rec.Status)

	c.Update("sig2", DeltaConfirmedGood, ts)
	rec, _ = c.Lookup("sig2")
	assert.Equal(t, StatusConfirmedGood, rec.Status)
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.Capacity = 2
	c := memCache(t, cfg)

	ts := time.Now()
	c.Update("a", DeltaGood, ts)
	c.Update("b", DeltaGood, ts)
	c.Update("c", DeltaGood, ts)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup("a")
	assert.False(t, ok, "oldest entry evicted")
}

func TestDecay_HalvesAndDeletes(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.HalfLife = time.Hour
	cfg.MinCount = 1
	cfg.LearnThreshold = 4
	c := memCache(t, cfg)

	base := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 4; i++ {
		c.Update("sig", DeltaBad, base.Add(time.Duration(i)*time.Second))
	}
	rec, _ := c.Lookup("sig")
	require.Equal(t, StatusLearnedBad, rec.Status)

	now := time.Now()
	c.Decay(now)
	rec, _ = c.Lookup("sig")
	assert.EqualValues(t, 2, rec.BadHits, "counts halve after the half-life")
	assert.Equal(t, StatusUnknown, rec.Status, "demoted below learn threshold")

	// Second sweep within the half-life of the first: no further decay.
	c.Decay(now.Add(time.Minute))
	rec, _ = c.Lookup("sig")
	assert.EqualValues(t, 2, rec.BadHits)

	// Decay until under the floor: record deleted.
	c.Decay(now.Add(2 * time.Hour))
	c.Decay(now.Add(4 * time.Hour))
	_, ok := c.Lookup("sig")
	assert.False(t, ok, "records under the count floor are deleted")
}

func TestDecay_SkipsManualBlocks(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.HalfLife = time.Minute
	c := memCache(t, cfg)

	c.Update("sig", DeltaManualBlock, time.Now().Add(-time.Hour))
	c.Decay(time.Now())

	rec, ok := c.Lookup("sig")
	require.True(t, ok)
	assert.Equal(t, StatusManuallyBlocked, rec.Status)
}

type recordingStore struct {
	mu    sync.Mutex
	saved [][]Record
}

func (s *recordingStore) SavePatterns(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, records)
	return nil
}

func (s *recordingStore) LoadPatterns(context.Context) ([]Record, error) {
	return []Record{{Pattern: "warm", Status: StatusConfirmedGood, GoodHits: 50}}, nil
}

func TestWriteBehind_FlushOnSize(t *testing.T) {
	store := &recordingStore{}
	cfg := DefaultCacheConfig()
	cfg.FlushSize = 5
	cfg.FlushInterval = time.Hour // size-triggered only
	cfg.DecayInterval = 0
	c := NewCache(cfg, store, nil)
	defer c.Stop()

	ts := time.Now()
	for _, sig := range []string{"a", "b", "c", "d", "e"} {
		c.Update(sig, DeltaBad, ts)
	}

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.saved) > 0
	}, time.Second, 10*time.Millisecond, "batch flushes once FlushSize writes accumulate")
}

func TestWriteBehind_FinalFlushOnStop(t *testing.T) {
	store := &recordingStore{}
	cfg := DefaultCacheConfig()
	cfg.FlushInterval = time.Hour
	cfg.FlushSize = 1000
	cfg.DecayInterval = 0
	c := NewCache(cfg, store, nil)

	c.Update("sig", DeltaBad, time.Now())
	c.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.saved, "Stop flushes the remaining batch")
	assert.Equal(t, "sig", store.saved[0][0].Pattern)
}

func TestWarm(t *testing.T) {
	c := NewCache(DefaultCacheConfig(), &recordingStore{}, nil)
	defer c.Stop()

	require.NoError(t, c.Warm(context.Background()))
	rec, ok := c.Lookup("warm")
	require.True(t, ok)
	assert.Equal(t, StatusConfirmedGood, rec.Status)
}
