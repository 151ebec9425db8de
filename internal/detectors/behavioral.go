package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Behavioral scores request behavior across the session: per-IP request
// rate inside the sliding window, missing referer on deep navigation,
// and cookie-less API traffic.
type Behavioral struct {
	deps *Deps

	// maxPerWindow is the rate above which the detector flags.
	maxPerWindow int
}

func NewBehavioral(d *Deps) *Behavioral {
	return &Behavioral{deps: d, maxPerWindow: 10}
}

// NewBehavioralWithLimit overrides the per-window request ceiling.
func NewBehavioralWithLimit(d *Deps, maxPerWindow int) *Behavioral {
	return &Behavioral{deps: d, maxPerWindow: maxPerWindow}
}

func (b *Behavioral) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:         "behavioral",
		Category:     detection.CategoryBehavioral,
		Priority:     60,
		Phase:        detection.PhaseStandard,
		EmitsSignals: []string{"behavioral.high_rate", "behavioral.request_rate"},
		Timeout:      10 * time.Millisecond,
	}
}

func (b *Behavioral) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	var out []detection.Contribution
	signals := map[string]any{}

	if b.deps.Rates != nil {
		count := b.deps.Rates.Observe(req.RemoteIP, req.ReceivedAt)
		signals["behavioral.request_rate"] = float64(count)
		if count > b.maxPerWindow {
			signals["behavioral.high_rate"] = true
			delta := 0.4 + 0.05*float64(count-b.maxPerWindow)
			if delta > 0.9 {
				delta = 0.9
			}
			out = append(out, detection.Contribution{
				ConfidenceDelta: delta,
				Weight:          1.2 * b.deps.Weights.Multiplier("behavioral", "burst_rate"),
				Reason:          fmt.Sprintf("request rate %d in window exceeds %d", count, b.maxPerWindow),
				BotType:         detection.BotTypeScraper,
			})
		}
	}

	hasCookie := req.Header.Get("Cookie") != ""
	hasReferer := req.Header.Get("Referer") != ""
	if !hasCookie && !hasReferer && req.Method == "GET" && !req.IsDocumentRequest() {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.3,
			Weight:          0.6,
			Reason:          "cookie-less API request without referer",
		})
	} else if !hasCookie && req.Header.Get("Accept-Language") == "" {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.35,
			Weight:          0.7,
			Reason:          "no cookies and no Accept-Language",
		})
	}

	if len(out) == 0 {
		out = append(out, detection.Contribution{
			ConfidenceDelta: -0.1,
			Weight:          0.3,
			Reason:          "behavior within normal bounds",
		})
	}
	out[0].Signals = signals
	return out
}
