package learning

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Handler consumes learning events. Handlers must be idempotent per
// (event id, handler name): the bus dedupes, but only best-effort within
// a bounded window.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// BusConfig tunes capacity and fan-out.
type BusConfig struct {
	// Capacity bounds the queue; when full the oldest event is dropped.
	Capacity int

	// Concurrency is the size of the worker pool draining the queue.
	Concurrency int

	// HighConfidenceThreshold is the probability above which a completed
	// detection also emits a HighConfidenceDetection event.
	HighConfidenceThreshold float64
}

// DefaultBusConfig returns the shipped defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Capacity:                1024,
		Concurrency:             4,
		HighConfidenceThreshold: 0.9,
	}
}

// Bus is the bounded drop-oldest learning queue. It implements
// detection.CompletionPublisher so the orchestrator can publish without
// importing this package's event model.
type Bus struct {
	cfg      BusConfig
	ch       chan Event
	handlers []Handler

	// seen dedupes (event id, handler name) over a bounded window.
	seenMu  sync.Mutex
	seen    map[string]struct{}
	seenFIFO []string

	metrics *metrics.Metrics
	logger  *log.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

const seenWindow = 4096

// NewBus creates the bus and starts the worker pool.
func NewBus(cfg BusConfig, handlers []Handler, m *metrics.Metrics) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.HighConfidenceThreshold <= 0 {
		cfg.HighConfidenceThreshold = 0.9
	}
	b := &Bus{
		cfg:      cfg,
		ch:       make(chan Event, cfg.Capacity),
		handlers: handlers,
		seen:     make(map[string]struct{}),
		metrics:  m,
		logger:   log.New(log.Writer(), "[LEARNING] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.Concurrency; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// DetectionCompleted implements detection.CompletionPublisher. A
// high-probability bot verdict additionally emits a
// HighConfidenceDetection event.
func (b *Bus) DetectionCompleted(ev *detection.AggregatedEvidence, req *requestctx.RequestCtx) {
	b.Publish(newEvent(EventDetectionCompleted, ev, req))

	if ev.IsBot && ev.BotProbability >= b.cfg.HighConfidenceThreshold {
		e := newEvent(EventHighConfidenceDetection, ev, req)
		e.AttackDetected = true
		b.Publish(e)
	}
}

// ClientSideValidation publishes the client/server reconciliation event
// produced by the client-result endpoint.
func (b *Bus) ClientSideValidation(ev *detection.AggregatedEvidence, req *requestctx.RequestCtx, clientScore float64, mismatch bool) {
	e := newEvent(EventClientSideValidation, ev, req)
	e.ClientScore = clientScore
	e.Mismatch = mismatch
	b.Publish(e)
}

// Publish enqueues without blocking. When the queue is full the oldest
// event is dropped and the drop is counted.
func (b *Bus) Publish(e Event) {
	for {
		select {
		case b.ch <- e:
			if b.metrics != nil {
				b.metrics.ObserveLearningEvent(string(e.Type))
			}
			return
		default:
		}
		select {
		case <-b.ch:
			if b.metrics != nil {
				b.metrics.ObserveLearningDrop()
			}
		default:
		}
	}
}

// Depth reports the queued event count.
func (b *Bus) Depth() int { return len(b.ch) }

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					return
				}
			}
		case e := <-b.ch:
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	ctx := context.Background()
	for _, h := range b.handlers {
		if !b.firstDelivery(e.ID, h.Name()) {
			continue
		}
		start := time.Now()
		if err := h.Handle(ctx, e); err != nil {
			b.logger.Printf("handler %s failed on %s event %s: %v", h.Name(), e.Type, e.ID, err)
		}
		if b.metrics != nil {
			b.metrics.ObserveHandler(h.Name(), time.Since(start))
		}
	}
}

func (b *Bus) firstDelivery(eventID, handler string) bool {
	key := eventID + "/" + handler
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if _, dup := b.seen[key]; dup {
		return false
	}
	b.seen[key] = struct{}{}
	b.seenFIFO = append(b.seenFIFO, key)
	if len(b.seenFIFO) > seenWindow {
		delete(b.seen, b.seenFIFO[0])
		b.seenFIFO = b.seenFIFO[1:]
	}
	return true
}

// Stop shuts the workers down after draining the queue.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}
