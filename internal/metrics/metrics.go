// Package metrics exposes the Prometheus instrumentation for the
// detection pipeline, the learning bus, and the stores.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Pipeline metrics
	VerdictTotal     *prometheus.CounterVec
	BotProbability   prometheus.Histogram
	PipelineDuration prometheus.Histogram
	WaveDuration     *prometheus.HistogramVec

	// Detector metrics
	DetectorDuration *prometheus.HistogramVec
	DetectorFailures *prometheus.CounterVec

	// Action metrics
	ActionTotal *prometheus.CounterVec

	// Learning metrics
	LearningPublished *prometheus.CounterVec
	LearningDropped   prometheus.Counter
	HandlerDuration   *prometheus.HistogramVec

	// Store metrics
	StoreFlushTotal  *prometheus.CounterVec
	StoreFlushErrors *prometheus.CounterVec
	StoreBatchSize   *prometheus.HistogramVec

	// Cache metrics
	ReputationCacheSize  prometheus.Gauge
	CarryForwardHits     *prometheus.CounterVec
	PortFailures         *prometheus.CounterVec
	DataSourceRefreshes  *prometheus.CounterVec
}

// New creates and registers all gateway metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VerdictTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_verdict_total",
				Help: "Detection verdicts by risk band and bot flag",
			},
			[]string{"band", "is_bot"},
		),

		BotProbability: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stylobot_bot_probability",
				Help:    "Distribution of aggregated bot probability",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
			},
		),

		PipelineDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stylobot_pipeline_duration_seconds",
				Help:    "End-to-end detection pipeline latency",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2},
			},
		),

		WaveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stylobot_wave_duration_seconds",
				Help:    "Per-wave detector fan-out latency",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
			},
			[]string{"wave"},
		),

		DetectorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stylobot_detector_duration_seconds",
				Help:    "Per-detector execution latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
			[]string{"detector"},
		),

		DetectorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_detector_failures_total",
				Help: "Detector faults (panic, timeout, port error)",
			},
			[]string{"detector"},
		),

		ActionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_action_total",
				Help: "Policy actions applied to requests",
			},
			[]string{"action", "policy"},
		),

		LearningPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_learning_events_total",
				Help: "Learning events published by type",
			},
			[]string{"type"},
		),

		LearningDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stylobot_learning_dropped_total",
				Help: "Learning events dropped because the bus was full",
			},
		),

		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stylobot_learning_handler_duration_seconds",
				Help:    "Learning handler processing latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),

		StoreFlushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_store_flush_total",
				Help: "Write-behind batches flushed per store",
			},
			[]string{"store"},
		),

		StoreFlushErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_store_flush_errors_total",
				Help: "Write-behind batches dropped on flush error",
			},
			[]string{"store"},
		),

		StoreBatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stylobot_store_batch_size",
				Help:    "Records per flushed batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"store"},
		),

		ReputationCacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stylobot_reputation_cache_size",
				Help: "Resident reputation records",
			},
		),

		CarryForwardHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_carry_forward_total",
				Help: "Signature carry-forward cache outcomes",
			},
			[]string{"outcome"}, // hit, miss, expired
		),

		PortFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_port_failures_total",
				Help: "External port (geo, honeypot, LLM) timeouts and errors",
			},
			[]string{"port"},
		),

		DataSourceRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stylobot_datasource_refresh_total",
				Help: "Background data source refreshes by outcome",
			},
			[]string{"source", "outcome"},
		),
	}
}

// ObserveVerdict records one completed pipeline run.
func (m *Metrics) ObserveVerdict(band string, isBot bool, duration time.Duration) {
	flag := "false"
	if isBot {
		flag = "true"
	}
	m.VerdictTotal.WithLabelValues(band, flag).Inc()
	m.PipelineDuration.Observe(duration.Seconds())
}

// ObserveWave records one wave's fan-out latency.
func (m *Metrics) ObserveWave(wave int, duration time.Duration) {
	m.WaveDuration.WithLabelValues(fmt.Sprintf("%d", wave)).Observe(duration.Seconds())
}

// ObserveDetector records one detector execution.
func (m *Metrics) ObserveDetector(name string, duration time.Duration, failed bool) {
	m.DetectorDuration.WithLabelValues(name).Observe(duration.Seconds())
	if failed {
		m.DetectorFailures.WithLabelValues(name).Inc()
	}
}

// ObserveAction records the policy action applied to a request.
func (m *Metrics) ObserveAction(action, policy string) {
	m.ActionTotal.WithLabelValues(action, policy).Inc()
}

// ObserveDatasourceRefresh records one background refresh attempt.
func (m *Metrics) ObserveDatasourceRefresh(source string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DataSourceRefreshes.WithLabelValues(source, outcome).Inc()
}

// ObservePortFailure records an external port timeout or error.
func (m *Metrics) ObservePortFailure(port string) {
	m.PortFailures.WithLabelValues(port).Inc()
}

// ObserveLearningEvent records a published learning event.
func (m *Metrics) ObserveLearningEvent(eventType string) {
	m.LearningPublished.WithLabelValues(eventType).Inc()
}

// ObserveLearningDrop records one event dropped off a full bus.
func (m *Metrics) ObserveLearningDrop() {
	m.LearningDropped.Inc()
}

// ObserveHandler records one learning handler invocation.
func (m *Metrics) ObserveHandler(handler string, duration time.Duration) {
	m.HandlerDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// ObserveFlush records a write-behind flush outcome.
func (m *Metrics) ObserveFlush(store string, batch int, err error) {
	m.StoreFlushTotal.WithLabelValues(store).Inc()
	m.StoreBatchSize.WithLabelValues(store).Observe(float64(batch))
	if err != nil {
		m.StoreFlushErrors.WithLabelValues(store).Inc()
	}
}
