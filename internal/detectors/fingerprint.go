package detectors

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Fingerprint inspects the protocol layers below HTTP: TLS version and
// ALPN, HTTP protocol generation, and the JA3 hash when the edge
// precomputed one. Modern browsers negotiate TLS 1.3 and h2; a client
// claiming Chrome over TLS 1.0 on HTTP/1.0 is lying somewhere.
type Fingerprint struct {
	deps *Deps
}

func NewFingerprint(d *Deps) *Fingerprint {
	return &Fingerprint{deps: d}
}

func (f *Fingerprint) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:     "fingerprint",
		Category: detection.CategoryProtocol,
		Priority: 65,
		Phase:    detection.PhaseStandard,
		EmitsSignals: []string{
			"protocol.tls_version",
			"protocol.http2",
			"protocol.anomaly",
			"protocol.ja3",
		},
		Timeout: 5 * time.Millisecond,
	}
}

// knownBadJA3 are fingerprints of common HTTP libraries presenting
// browser UAs.
var knownBadJA3 = map[string]string{
	"e7d705a3286e19ea42f587b344ee6865": "python-requests",
	"3b5074b1b5d032e5620f69f9f700ff0e": "golang-http",
	"5d65ea3fb1d4aa7d826733d2f2cbbb1d": "curl",
}

func (f *Fingerprint) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	signals := map[string]any{
		"protocol.http2": strings.HasPrefix(req.Proto, "HTTP/2"),
	}
	var out []detection.Contribution

	if req.TLS != nil {
		signals["protocol.tls_version"] = int(req.TLS.Version)
		if req.TLS.JA3 != "" {
			signals["protocol.ja3"] = req.TLS.JA3
			if lib, ok := knownBadJA3[req.TLS.JA3]; ok && strings.HasPrefix(req.UserAgent(), "Mozilla/") {
				signals["protocol.anomaly"] = true
				out = append(out, detection.Contribution{
					ConfidenceDelta: 0.85,
					Weight:          2,
					Reason:          "browser user agent with " + lib + " TLS fingerprint",
					BotType:         detection.BotTypeScraper,
				})
			}
		}
		if req.TLS.Version < tls.VersionTLS12 {
			signals["protocol.anomaly"] = true
			out = append(out, detection.Contribution{
				ConfidenceDelta: 0.5,
				Weight:          1,
				Reason:          "legacy TLS version",
			})
		}
	}

	if req.Proto == "HTTP/1.0" {
		signals["protocol.anomaly"] = true
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.4,
			Weight:          0.8,
			Reason:          "HTTP/1.0 protocol",
		})
	}

	// Modern Chromium negotiates h2; HTTP/1.1 with a current Chrome UA
	// is how most proxy libraries present.
	if family, major := ParseUA(req.UserAgent()); family == "chrome" && major >= 90 &&
		!strings.HasPrefix(req.Proto, "HTTP/2") && req.TLS != nil && req.TLS.NegotiatedProto == "" {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.35,
			Weight:          0.7 * f.deps.Weights.Multiplier("fingerprint", "no_alpn"),
			Reason:          "modern Chrome claim without ALPN negotiation",
		})
	}

	if len(out) == 0 {
		// Signal-only contribution: publishes the protocol facts for the
		// correlation detector without moving the aggregate.
		return []detection.Contribution{{Weight: 0, Signals: signals}}
	}
	out[0].Signals = signals
	return out
}
