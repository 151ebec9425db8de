package detectors

import (
	"context"
	"net"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// IP classifies the client address: loopback/private, datacenter cloud
// ranges, and the geo country when available. Residential addresses are
// weakly good; datacenter origins for browser-looking traffic are
// bot-leaning.
type IP struct {
	deps *Deps
}

func NewIP(d *Deps) *IP {
	return &IP{deps: d}
}

func (i *IP) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:     "ip",
		Category: detection.CategoryNetwork,
		Priority: 75,
		Phase:    detection.PhaseStandard,
		EmitsSignals: []string{
			blackboard.SignalIPIsDatacenter,
			blackboard.SignalIPCloudVendor,
			"ip.is_localhost",
			blackboard.SignalGeoCountryCode,
		},
		Timeout: 10 * time.Millisecond,
	}
}

func (i *IP) Detect(ctx context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	ip := net.ParseIP(req.RemoteIP)
	if ip == nil {
		return []detection.Contribution{{
			ConfidenceDelta: 0.3,
			Weight:          0.6,
			Reason:          "unparseable client IP",
		}}
	}

	signals := map[string]any{}
	if country := i.country(ctx, req); country != "" {
		signals[blackboard.SignalGeoCountryCode] = country
	}

	if ip.IsLoopback() || ip.IsPrivate() {
		signals["ip.is_localhost"] = ip.IsLoopback()
		return []detection.Contribution{{
			ConfidenceDelta: 0.05,
			Weight:          0.3,
			Reason:          "loopback or private network address",
			Signals:         signals,
		}}
	}

	if vendor, ok := i.deps.CloudRanges.Get().Lookup(ip); ok {
		signals[blackboard.SignalIPIsDatacenter] = true
		signals[blackboard.SignalIPCloudVendor] = vendor
		return []detection.Contribution{{
			ConfidenceDelta: 0.5,
			Weight:          1.2 * i.deps.Weights.Multiplier("ip", "datacenter"),
			Reason:          "datacenter IP (" + vendor + ")",
			Signals:         signals,
		}}
	}

	if req.Geo != nil && req.Geo.IsDatacenter {
		signals[blackboard.SignalIPIsDatacenter] = true
		return []detection.Contribution{{
			ConfidenceDelta: 0.45,
			Weight:          1,
			Reason:          "datacenter IP (geo provider)",
			Signals:         signals,
		}}
	}

	return []detection.Contribution{{
		ConfidenceDelta: -0.15,
		Weight:          0.5,
		Reason:          "residential-looking address",
		Signals:         signals,
	}}
}

// country prefers the adapter's geo result, falling back to the geo
// port behind its circuit breaker. Failures fail open.
func (i *IP) country(ctx context.Context, req *requestctx.RequestCtx) string {
	if req.Geo != nil && req.Geo.CountryCode != "" {
		return req.Geo.CountryCode
	}
	if i.deps.Geo == nil {
		return ""
	}
	run := func() (string, error) {
		return i.deps.Geo.Country(ctx, req.RemoteIP)
	}
	if i.deps.Breakers != nil {
		res, err := i.deps.Breakers.Geo.Execute(func() (interface{}, error) { return run() })
		if err != nil {
			i.deps.portFailure("geo")
			return ""
		}
		return res.(string)
	}
	country, err := run()
	if err != nil {
		i.deps.portFailure("geo")
		return ""
	}
	return country
}
