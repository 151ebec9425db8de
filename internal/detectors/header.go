package detectors

import (
	"context"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Header scores the header set: missing negotiation headers real
// browsers always send, automation marker headers, and implausibly
// sparse requests.
type Header struct {
	deps *Deps
}

func NewHeader(d *Deps) *Header {
	return &Header{deps: d}
}

func (h *Header) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:         "header",
		Category:     detection.CategoryHeaders,
		Priority:     70,
		Phase:        detection.PhaseStandard,
		EmitsSignals: []string{"header.is_suspicious"},
		Timeout:      10 * time.Millisecond,
	}
}

// automationMarkers are headers injected by driver tooling.
var automationMarkers = []string{
	"X-Selenium",
	"X-Webdriver",
	"X-Automation",
	"X-Puppeteer",
	"X-Cypress-Request",
}

func (h *Header) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	var out []detection.Contribution
	mul := h.deps.Weights.Multiplier

	for _, marker := range automationMarkers {
		if req.Header.Get(marker) != "" {
			out = append(out, detection.Contribution{
				ConfidenceDelta: 0.9,
				Weight:          1.5,
				Reason:          "automation marker header " + marker,
				BotType:         detection.BotTypeAutomation,
			})
			break
		}
	}

	browserUA := strings.HasPrefix(req.UserAgent(), "Mozilla/")
	if browserUA && req.Header.Get("Accept-Language") == "" {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.5,
			Weight:          0.8 * mul("header", "missing_accept_language"),
			Reason:          "browser user agent without Accept-Language",
		})
	}
	if browserUA && req.Header.Get("Accept-Encoding") == "" {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.35,
			Weight:          0.6,
			Reason:          "browser user agent without Accept-Encoding",
		})
	}

	if conn := req.Header.Get("Connection"); conn != "" {
		lower := strings.ToLower(conn)
		if lower != "keep-alive" && lower != "close" && lower != "upgrade" {
			out = append(out, detection.Contribution{
				ConfidenceDelta: 0.3,
				Weight:          0.5,
				Reason:          "unusual Connection header",
			})
		}
	}

	if len(req.Header) <= 3 {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.45,
			Weight:          0.7 * mul("header", "sparse_headers"),
			Reason:          "implausibly few request headers",
		})
	}

	if len(out) == 0 {
		return []detection.Contribution{{
			ConfidenceDelta: -0.1,
			Weight:          0.4,
			Reason:          "header set looks normal",
		}}
	}
	out[0].Signals = map[string]any{"header.is_suspicious": true}
	return out
}
