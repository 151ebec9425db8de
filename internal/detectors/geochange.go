package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// GeoChange flags a signature that reappears from a different country
// within the memory TTL. Session hijacking and rotating proxy pools
// both look like this.
type GeoChange struct {
	deps *Deps
}

func NewGeoChange(d *Deps) *GeoChange {
	return &GeoChange{deps: d}
}

func (g *GeoChange) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:     "geo_change",
		Category: detection.CategoryGeo,
		Priority: 40,
		Phase:    detection.PhaseStandard,
		RequiredSignals: []string{
			blackboard.SignalGeoCountryCode,
			blackboard.SignalSignaturePrim,
		},
		TriggersOn: []string{blackboard.SignalGeoCountryCode},
		Timeout:    5 * time.Millisecond,
	}
}

func (g *GeoChange) Detect(_ context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	if g.deps.GeoMemory == nil {
		return nil
	}
	country := bb.GetString(blackboard.SignalGeoCountryCode)
	primary := bb.GetString(blackboard.SignalSignaturePrim)
	if country == "" || primary == "" {
		return nil
	}

	prev := g.deps.GeoMemory.Swap(primary, country, req.ReceivedAt)
	if prev == "" || prev == country {
		return nil
	}
	return []detection.Contribution{{
		ConfidenceDelta: 0.45,
		Weight:          0.9 * g.deps.Weights.Multiplier("geo_change", "country_drift"),
		Reason:          "signature moved from " + prev + " to " + country,
	}}
}
