package learning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/store"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	name   string
}

func (h *recordingHandler) Name() string {
	if h.name == "" {
		return "recording"
	}
	return h.name
}

func (h *recordingHandler) Handle(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHandler) byType(t EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func evidence(prob, conf float64, isBot bool) *detection.AggregatedEvidence {
	return &detection.AggregatedEvidence{
		BotProbability: prob,
		Confidence:     conf,
		IsBot:          isBot,
		Band:           detection.RiskBandFor(prob, conf),
		Signals:        map[string]any{blackboard.SignalSignaturePrim: "sig-1"},
	}
}

func TestBus_DeliversToAllHandlers(t *testing.T) {
	a := &recordingHandler{name: "a"}
	b := &recordingHandler{name: "b"}
	bus := NewBus(BusConfig{Capacity: 16, Concurrency: 1}, []Handler{a, b}, nil)
	defer bus.Stop()

	bus.DetectionCompleted(evidence(0.2, 0.8, false), nil)
	waitFor(t, func() bool { return len(a.byType(EventDetectionCompleted)) == 1 && len(b.byType(EventDetectionCompleted)) == 1 })
}

func TestBus_HighConfidenceEmitsSecondEvent(t *testing.T) {
	h := &recordingHandler{}
	bus := NewBus(BusConfig{Capacity: 16, Concurrency: 1}, []Handler{h}, nil)
	defer bus.Stop()

	bus.DetectionCompleted(evidence(0.96, 0.9, true), nil)
	waitFor(t, func() bool { return len(h.byType(EventHighConfidenceDetection)) == 1 })

	hc := h.byType(EventHighConfidenceDetection)[0]
	assert.True(t, hc.AttackDetected)
}

func TestBus_DropOldestWhenFull(t *testing.T) {
	h := &recordingHandler{}
	// No workers started yet would be ideal; instead use a slow handler
	// gate so the queue backs up deterministically.
	gate := make(chan struct{})
	blocker := handlerFunc{name: "blocker", fn: func(context.Context, Event) error {
		<-gate
		return nil
	}}
	bus := NewBus(BusConfig{Capacity: 2, Concurrency: 1}, []Handler{blocker, h}, nil)
	defer bus.Stop()

	for i := 0; i < 10; i++ {
		bus.Publish(newEvent(EventDetectionCompleted, evidence(0.5, 0.5, false), nil))
	}
	assert.LessOrEqual(t, bus.Depth(), 2, "queue stays bounded")
	close(gate)
}

type handlerFunc struct {
	name string
	fn   func(context.Context, Event) error
}

func (h handlerFunc) Name() string                              { return h.name }
func (h handlerFunc) Handle(ctx context.Context, e Event) error { return h.fn(ctx, e) }

func TestBus_DuplicateEventDeliveredOnce(t *testing.T) {
	h := &recordingHandler{}
	bus := NewBus(BusConfig{Capacity: 16, Concurrency: 1}, []Handler{h}, nil)
	defer bus.Stop()

	e := newEvent(EventDetectionCompleted, evidence(0.5, 0.5, false), nil)
	bus.Publish(e)
	bus.Publish(e)
	waitFor(t, func() bool { return len(h.byType(EventDetectionCompleted)) >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.byType(EventDetectionCompleted), 1)
}

func TestReputationUpdater_LearnsFromConfidentVerdicts(t *testing.T) {
	cfg := reputation.DefaultCacheConfig()
	cfg.DecayInterval = 0
	cache := reputation.NewCache(cfg, nil, nil)
	defer cache.Stop()

	u := NewReputationUpdater(cache)
	require.NoError(t, u.Handle(context.Background(), newEvent(EventDetectionCompleted, evidence(0.9, 0.8, true), nil)))

	rec, ok := cache.Lookup("sig-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.BadHits)
}

func TestReputationUpdater_IgnoresUncertainVerdicts(t *testing.T) {
	cfg := reputation.DefaultCacheConfig()
	cfg.DecayInterval = 0
	cache := reputation.NewCache(cfg, nil, nil)
	defer cache.Stop()

	u := NewReputationUpdater(cache)
	require.NoError(t, u.Handle(context.Background(), newEvent(EventDetectionCompleted, evidence(0.9, 0.2, true), nil)))

	_, ok := cache.Lookup("sig-1")
	assert.False(t, ok)
}

func TestWeightUpdater_BoostsAndClamps(t *testing.T) {
	ws := detectors.NewWeightSet()
	u := NewWeightUpdater(ws, nil)

	ev := evidence(0.96, 0.9, true)
	ev.Contributions = []detection.Contribution{
		{Detector: "behavioral", ConfidenceDelta: 0.8, Weight: 1.2},
		{Detector: "ip", ConfidenceDelta: -0.1, Weight: 0.5}, // negative: untouched
	}
	e := newEvent(EventHighConfidenceDetection, ev, nil)
	require.NoError(t, u.Handle(context.Background(), e))

	assert.InDelta(t, 1.02, ws.Multiplier("behavioral", "burst_rate"), 1e-9)
	assert.Equal(t, 1.0, ws.Multiplier("ip", "overall"))

	for i := 0; i < 200; i++ {
		e := newEvent(EventHighConfidenceDetection, ev, nil)
		require.NoError(t, u.Handle(context.Background(), e))
	}
	assert.LessOrEqual(t, ws.Multiplier("behavioral", "burst_rate"), weightCeiling)
}

func TestWeightUpdater_MismatchDecays(t *testing.T) {
	ws := detectors.NewWeightSet()
	u := NewWeightUpdater(ws, nil)

	ev := evidence(0.8, 0.8, true)
	ev.Contributions = []detection.Contribution{{Detector: "behavioral", ConfidenceDelta: 0.8, Weight: 1.2}}
	e := newEvent(EventClientSideValidation, ev, nil)
	e.Mismatch = true
	require.NoError(t, u.Handle(context.Background(), e))

	assert.Less(t, ws.Multiplier("behavioral", "burst_rate"), 1.0)
}

func TestWeightUpdater_ConcurrentHandlers(t *testing.T) {
	ws := detectors.NewWeightSet()
	u := NewWeightUpdater(ws, nil)

	ev := evidence(0.96, 0.9, true)
	ev.Contributions = []detection.Contribution{
		{Detector: "behavioral", ConfidenceDelta: 0.8, Weight: 1.2},
		{Detector: "llm", ConfidenceDelta: 0.6, Weight: 1},
	}

	// Bus workers dispatch to the same handler concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e := newEvent(EventHighConfidenceDetection, ev, nil)
				assert.NoError(t, u.Handle(context.Background(), e))
			}
		}()
	}
	wg.Wait()

	for _, key := range [][2]string{{"behavioral", "burst_rate"}, {"llm", "classification"}} {
		m := ws.Multiplier(key[0], key[1])
		assert.GreaterOrEqual(t, m, weightFloor)
		assert.LessOrEqual(t, m, weightCeiling)
	}
}

type captureStore struct {
	mu      sync.Mutex
	batches [][]store.DetectionRecord
}

func (c *captureStore) AppendRecords(_ context.Context, recs []store.DetectionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]store.DetectionRecord, len(recs))
	copy(cp, recs)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *captureStore) Scan(context.Context, time.Time, time.Time, int) ([]store.DetectionRecord, error) {
	return nil, nil
}
func (c *captureStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }
func (c *captureStore) Close() error                                    { return nil }

func (c *captureStore) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestRecordWriter_BatchesAndFlushes(t *testing.T) {
	cs := &captureStore{}
	h := testHasher(t)
	w := NewRecordWriter(cs, h, RecordWriterConfig{FlushInterval: 20 * time.Millisecond, FlushSize: 100})

	ev := evidence(0.7, 0.8, true)
	ev.Contributions = []detection.Contribution{{Detector: "behavioral", ConfidenceDelta: 0.6, Weight: 1, Reason: "rate"}}
	req := makeRequest()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Handle(context.Background(), newEvent(EventDetectionCompleted, ev, req)))
	}
	waitFor(t, func() bool { return cs.total() == 3 })
	w.Stop()

	cs.mu.Lock()
	rec := cs.batches[0][0]
	cs.mu.Unlock()
	assert.Equal(t, store.SchemaVersion, rec.SchemaVersion)
	assert.NotEmpty(t, rec.IPHash)
	assert.NotContains(t, rec.IPHash, "203.0.113.9")
	assert.Nil(t, rec.ClientIP, "raw PII stays out by default")
	assert.Equal(t, "/api/data", rec.Path)
	assert.Contains(t, rec.Contributions, "behavioral")
}

// failingStore rejects the first flush, then delegates.
type failingStore struct {
	captureStore
	failures int32
}

func (f *failingStore) AppendRecords(ctx context.Context, recs []store.DetectionRecord) error {
	if atomic.AddInt32(&f.failures, 1) == 1 {
		return errors.New("disk full")
	}
	return f.captureStore.AppendRecords(ctx, recs)
}

func TestRecordWriter_SurvivesFlushFailure(t *testing.T) {
	fs := &failingStore{}
	w := NewRecordWriter(fs, testHasher(t), RecordWriterConfig{FlushInterval: 10 * time.Millisecond, FlushSize: 100})

	req := makeRequest()
	require.NoError(t, w.Handle(context.Background(), newEvent(EventDetectionCompleted, evidence(0.7, 0.8, true), req)))
	waitFor(t, func() bool { return atomic.LoadInt32(&fs.failures) >= 1 })

	// The failed batch is dropped; the writer keeps flushing.
	require.NoError(t, w.Handle(context.Background(), newEvent(EventDetectionCompleted, evidence(0.6, 0.8, true), req)))
	waitFor(t, func() bool { return fs.total() == 1 })
	w.Stop()
}
