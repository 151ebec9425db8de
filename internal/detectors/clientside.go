package detectors

import (
	"context"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// ClientSide checks for the capability markers a JS-running browser
// leaves behind: client hints, fetch metadata, and the fingerprint
// headers the injected script adds on subsequent requests.
type ClientSide struct {
	deps *Deps
}

func NewClientSide(d *Deps) *ClientSide {
	return &ClientSide{deps: d}
}

func (c *ClientSide) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:         "client_side",
		Category:     detection.CategoryClient,
		Priority:     55,
		Phase:        detection.PhaseStandard,
		EmitsSignals: []string{"client.js_capable"},
		Timeout:      10 * time.Millisecond,
	}
}

func (c *ClientSide) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	ua := req.UserAgent()
	claimsChromium := strings.Contains(ua, "Chrome/") || strings.Contains(ua, "Edg/")

	hasHints := req.Header.Get("Sec-CH-UA") != ""
	hasFetchMeta := req.Header.Get("Sec-Fetch-Dest") != "" || req.Header.Get("Sec-Fetch-Mode") != ""
	hasFingerprint := req.Header.Get("X-Client-Fingerprint") != ""

	if claimsChromium && !hasHints && !hasFetchMeta {
		return []detection.Contribution{{
			ConfidenceDelta: 0.55,
			Weight:          1 * c.deps.Weights.Multiplier("client_side", "missing_hints"),
			Reason:          "Chromium user agent without client hints or fetch metadata",
			BotType:         detection.BotTypeAutomation,
			Signals:         map[string]any{"client.js_capable": false},
		}}
	}

	if hasFingerprint || hasHints {
		return []detection.Contribution{{
			ConfidenceDelta: -0.2,
			Weight:          0.6,
			Reason:          "client capability markers present",
			Signals:         map[string]any{"client.js_capable": true},
		}}
	}

	// Non-Chromium browsers legitimately send neither; weak signal only.
	return nil
}
