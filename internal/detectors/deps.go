package detectors

import (
	"math/rand"
	"sync"

	"github.com/stylobot/gateway/internal/circuitbreaker"
	"github.com/stylobot/gateway/internal/datasource"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/similarity"
)

// Deps bundles the shared resources detectors draw on. Everything here
// is internally synchronized; detectors themselves hold no mutable
// state.
type Deps struct {
	Reputation  *reputation.Cache
	CloudRanges *datasource.Source[datasource.CloudRanges]
	BotLists    *datasource.Source[datasource.BotLists]
	Browsers    *datasource.Source[datasource.BrowserVersions]
	Similarity  *similarity.Index

	Geo      GeoPort
	Honeypot HoneypotPort
	LLM      Classifier
	Resolver Resolver
	Breakers *circuitbreaker.PortBreakers

	Rates     *RateTracker
	Timings   *TimingTracker
	GeoMemory *CountryMemory

	// Weights overrides per (detector, feature), loaded from the
	// WeightStore at startup and swapped atomically on learning updates.
	Weights *WeightSet

	// FastPathSampleRate is the fraction of ConfirmedGood hits still
	// routed through the full pipeline for audit.
	FastPathSampleRate float64

	Metrics *metrics.Metrics

	// Rand drives the fast-path audit sample. Seeded for determinism in
	// tests; defaults to a time-seeded source.
	Rand *rand.Rand

	randMu sync.Mutex
}

func (d *Deps) sample() float64 {
	if d.Rand == nil {
		return rand.Float64()
	}
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.Rand.Float64()
}

func (d *Deps) portFailure(port string) {
	if d.Metrics != nil {
		d.Metrics.ObservePortFailure(port)
	}
}

// All returns every detector wired against the deps, in no particular
// order; the registry plans execution from the manifests.
func All(d *Deps) []detection.Detector {
	return []detection.Detector{
		NewFastPathReputation(d),
		NewVerifiedBot(d),
		NewUserAgent(d),
		NewHeader(d),
		NewIP(d),
		NewSecurityTool(d),
		NewBehavioral(d),
		NewClientSide(d),
		NewVersionAge(d),
		NewFingerprint(d),
		NewInconsistency(d),
		NewGeoChange(d),
		NewProjectHoneypot(d),
		NewMultiLayerCorrelation(d),
		NewBehavioralWaveform(d),
		NewHeuristic(d),
		NewLLM(d),
		NewHeuristicLate(d),
		NewResponseBehavior(d),
	}
}
