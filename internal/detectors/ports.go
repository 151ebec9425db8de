// Package detectors contains the concrete detector implementations the
// orchestrator schedules. Each detector is stateless across requests;
// shared cross-request state (rate windows, timing series, geo history)
// lives in small internally synchronized trackers owned by Deps.
package detectors

import (
	"context"
)

// GeoPort resolves an IP to a country code and ISP flags. Lookups are
// expected to be local (embedded database); failures fail open.
type GeoPort interface {
	Country(ctx context.Context, ip string) (string, error)
}

// HoneypotPort queries the Project Honeypot HTTP:BL zone. threat is the
// 0-255 threat score; listed=false means the IP is clean or unknown.
type HoneypotPort interface {
	Lookup(ctx context.Context, ip string) (listed bool, threat int, err error)
}

// Classifier is the bounded-latency AI port. The implementation must
// respect ctx and return within the remaining request budget.
type Classifier interface {
	Classify(ctx context.Context, features map[string]any) (probability float64, label string, err error)
}

// Resolver is the DNS surface used for honeypot lookups and FCrDNS
// verification of crawler claims.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}
