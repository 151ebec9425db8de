package learning

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/similarity"
	"github.com/stylobot/gateway/internal/store"
)

// ReputationUpdater feeds detection outcomes back into the reputation
// cache. Confident verdicts count; uncertain ones are ignored so the
// cache does not learn from noise.
type ReputationUpdater struct {
	cache *reputation.Cache

	// MinConfidence gates learning; below it the verdict does not count.
	MinConfidence float64
}

func NewReputationUpdater(cache *reputation.Cache) *ReputationUpdater {
	return &ReputationUpdater{cache: cache, MinConfidence: 0.6}
}

func (r *ReputationUpdater) Name() string { return "reputation_updater" }

func (r *ReputationUpdater) Handle(_ context.Context, e Event) error {
	primary := primarySignature(e)
	if primary == "" || r.cache == nil {
		return nil
	}

	switch e.Type {
	case EventDetectionCompleted:
		ev := e.Evidence
		if ev.Confidence < r.MinConfidence {
			return nil
		}
		if ev.IsBot {
			r.cache.Update(primary, reputation.DeltaBad, e.At)
		} else if ev.BotProbability <= 0.3 {
			r.cache.Update(primary, reputation.DeltaGood, e.At)
		}
	case EventHighConfidenceDetection:
		// The completed event already counted one bad; the high-confidence
		// event adds a second so confirmed status is reached faster.
		r.cache.Update(primary, reputation.DeltaBad, e.At.Add(time.Nanosecond))
	case EventClientSideValidation:
		if e.Mismatch {
			// Client evidence contradicts the server verdict; soften.
			r.cache.Update(primary, reputation.DeltaGood, e.At)
		}
	}
	return nil
}

// primaryFeature names the weight key each detector actually consults.
// Detectors not listed learn under "overall", which they do not read;
// their history still lands in the weight store for inspection.
var primaryFeature = map[string]string{
	"behavioral":     "burst_rate",
	"llm":            "classification",
	"heuristic":      "similar_bots",
	"heuristic_late": "override_ai",
}

// WeightUpdater adjusts the learned per-detector multipliers: detectors
// that contributed to a confirmed detection gain weight, detectors the
// client-side evidence contradicted lose it. New generations are
// published atomically and persisted write-behind.
type WeightUpdater struct {
	weights *detectors.WeightSet
	store   store.WeightStore

	// mu guards current: bus workers dispatch concurrently.
	mu sync.Mutex

	// current mirrors the published generation so updates compose.
	current map[string]float64
}

func NewWeightUpdater(ws *detectors.WeightSet, st store.WeightStore) *WeightUpdater {
	return &WeightUpdater{weights: ws, store: st, current: map[string]float64{}}
}

// Seed installs the weights loaded from the store at startup.
func (w *WeightUpdater) Seed(loaded []store.Weight) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, lw := range loaded {
		w.current[lw.Detector+"/"+lw.Feature] = lw.Value
	}
	if w.weights != nil {
		w.weights.Replace(w.current)
	}
}

func (w *WeightUpdater) Name() string { return "weight_updater" }

const (
	weightFloor   = 0.5
	weightCeiling = 2.0
)

func (w *WeightUpdater) Handle(ctx context.Context, e Event) error {
	var factor float64
	switch e.Type {
	case EventHighConfidenceDetection:
		factor = 1.02
	case EventClientSideValidation:
		if !e.Mismatch {
			return nil
		}
		factor = 0.95
	default:
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, c := range e.Evidence.Contributions {
		if c.ConfidenceDelta <= 0 {
			continue
		}
		feature, ok := primaryFeature[c.Detector]
		if !ok {
			feature = "overall"
		}
		key := c.Detector + "/" + feature
		v, ok := w.current[key]
		if !ok {
			v = 1
		}
		v *= factor
		if v < weightFloor {
			v = weightFloor
		}
		if v > weightCeiling {
			v = weightCeiling
		}
		w.current[key] = v
		changed = true
	}
	if !changed {
		return nil
	}

	if w.weights != nil {
		w.weights.Replace(w.current)
	}
	if w.store != nil {
		now := time.Now().UTC()
		batch := make([]store.Weight, 0, len(w.current))
		for key, v := range w.current {
			det, feat := splitWeightKey(key)
			batch = append(batch, store.Weight{Detector: det, Feature: feat, Value: v, UpdatedAt: now})
		}
		if err := w.store.SaveWeights(ctx, batch); err != nil {
			return fmt.Errorf("persist weights: %w", err)
		}
	}
	return nil
}

func splitWeightKey(key string) (detector, feature string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// SimilarityAdder records confident outcomes in the similarity index so
// future requests can be judged by precedent. Vector ids are keyed
// hashes of the primary signature: stable per client, meaningless
// outside this deployment.
type SimilarityAdder struct {
	index  *similarity.Index
	hasher *hasher.Hasher

	// MinConfidence gates indexing.
	MinConfidence float64
}

func NewSimilarityAdder(idx *similarity.Index, h *hasher.Hasher) *SimilarityAdder {
	return &SimilarityAdder{index: idx, hasher: h, MinConfidence: 0.5}
}

func (s *SimilarityAdder) Name() string { return "similarity_adder" }

func (s *SimilarityAdder) Handle(ctx context.Context, e Event) error {
	if e.Type != EventDetectionCompleted || s.index == nil || e.Request == nil {
		return nil
	}
	ev := e.Evidence
	if ev.Confidence < s.MinConfidence || ev.EarlyExited {
		return nil
	}
	primary := primarySignature(e)
	if primary == "" {
		return nil
	}

	vec := similarity.Vectorize(e.Request, ev.Signals)
	id := s.hasher.Compose("vector", primary, e.ID)
	return s.index.Add(ctx, vec, id, ev.IsBot, ev.Confidence, e.Request.Path)
}

// RecordWriter batches DetectionRecords to the signature store. Writes
// are buffered and flushed on size or interval by a single goroutine;
// flush errors drop the batch and keep going.
type RecordWriter struct {
	store  store.SignatureStore
	hasher *hasher.Hasher

	// LogRawPII copies the raw IP and UA into records. Refused in
	// production mode by the config layer; off by default.
	LogRawPII bool

	logger  *log.Logger
	pending chan store.DetectionRecord
	stopCh  chan struct{}
	done    chan struct{}
}

// RecordWriterConfig bounds the writer's batching.
type RecordWriterConfig struct {
	FlushInterval time.Duration
	FlushSize     int
	LogRawPII     bool
}

func NewRecordWriter(st store.SignatureStore, h *hasher.Hasher, cfg RecordWriterConfig) *RecordWriter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 50
	}
	w := &RecordWriter{
		store:     st,
		hasher:    h,
		LogRawPII: cfg.LogRawPII,
		logger:    log.New(log.Writer(), "[LEARNING] ", log.LstdFlags),
		pending:   make(chan store.DetectionRecord, 4*cfg.FlushSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.flushLoop(cfg.FlushInterval, cfg.FlushSize)
	return w
}

func (w *RecordWriter) Name() string { return "record_writer" }

func (w *RecordWriter) Handle(_ context.Context, e Event) error {
	if e.Type != EventDetectionCompleted || w.store == nil {
		return nil
	}
	rec := w.record(e)
	select {
	case w.pending <- rec:
	default:
		// Bounded: the request path never waits on the record log.
	}
	return nil
}

func (w *RecordWriter) record(e Event) store.DetectionRecord {
	ev := e.Evidence
	req := e.Request

	rec := store.DetectionRecord{
		ID:             uuid.NewString(),
		Timestamp:      e.At,
		BotProbability: ev.BotProbability,
		Confidence:     ev.Confidence,
		RiskBand:       string(ev.Band),
		IsBot:          ev.IsBot,
		BotType:        string(ev.BotType),
		BotName:        ev.BotName,
		PolicyName:     ev.PolicyName,
		PolicyAction:   ev.PolicyAction,
		TopReasons:     ev.TopReasons(5),
		SchemaVersion:  store.SchemaVersion,
	}
	if req != nil {
		rec.Path = req.Path
		rec.Method = req.Method
		rec.StatusCode = req.ResponseStatus
		rec.ResponseTimeMs = float64(req.ResponseTime) / float64(time.Millisecond)
		if req.RemoteIP != "" {
			rec.IPHash = w.hasher.Hash(req.RemoteIP)
			rec.SubnetHash = w.hasher.HashIPSubnet(req.RemoteIP, 24)
		}
		if ua := req.UserAgent(); ua != "" {
			rec.UAHash = w.hasher.Hash(ua)
		}
		if w.LogRawPII {
			ip, ua := req.RemoteIP, req.UserAgent()
			rec.ClientIP = &ip
			rec.UserAgent = &ua
		}
	}
	if country, ok := ev.Signals[blackboard.SignalGeoCountryCode].(string); ok {
		rec.Country = country
	}
	if len(ev.Contributions) > 0 {
		rec.Contributions = make(map[string]store.ContributionSummary, len(ev.Contributions))
		for _, c := range ev.Contributions {
			rec.Contributions[c.Detector] = store.ContributionSummary{
				Category: string(c.Category),
				Impact:   c.ConfidenceDelta,
				Weight:   c.Weight,
				Reason:   c.Reason,
			}
		}
	}
	return rec
}

func (w *RecordWriter) flushLoop(interval time.Duration, size int) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []store.DetectionRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.store.AppendRecords(ctx, batch); err != nil {
			w.logger.Printf("record flush failed, dropping %d records: %v", len(batch), err)
		}
		cancel()
		batch = nil
	}

	for {
		select {
		case rec := <-w.pending:
			batch = append(batch, rec)
			if len(batch) >= size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			for {
				select {
				case rec := <-w.pending:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Stop flushes the remaining batch and returns once the writer exited.
func (w *RecordWriter) Stop() {
	close(w.stopCh)
	<-w.done
}

func primarySignature(e Event) string {
	if e.Evidence == nil {
		return ""
	}
	if p, ok := e.Evidence.Signals[blackboard.SignalSignaturePrim].(string); ok {
		return p
	}
	return ""
}
