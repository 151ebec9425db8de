package detectors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Inconsistency cross-checks the UA string against the client hints.
// Real browsers keep these in sync; kits that spoof one usually forget
// the other.
type Inconsistency struct {
	deps *Deps
}

func NewInconsistency(d *Deps) *Inconsistency {
	return &Inconsistency{deps: d}
}

func (n *Inconsistency) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "inconsistency",
		Category:        detection.CategoryClient,
		Priority:        45,
		Phase:           detection.PhaseStandard,
		RequiredSignals: []string{blackboard.SignalUAFamily},
		TriggersOn:      []string{blackboard.SignalUAFamily},
		Timeout:         5 * time.Millisecond,
	}
}

func (n *Inconsistency) Detect(_ context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	family := bb.GetString(blackboard.SignalUAFamily)
	major := int(bb.GetFloat(blackboard.SignalUAMajorVersion))
	hints := req.Header.Get("Sec-CH-UA")
	if family == "" || hints == "" {
		return nil
	}

	var out []detection.Contribution

	// Chromium families must appear in Sec-CH-UA with a matching major.
	if family == "chrome" || family == "edge" || family == "opera" {
		if hintMajor, ok := chromiumHintVersion(hints); ok && major > 0 && hintMajor != major {
			out = append(out, detection.Contribution{
				ConfidenceDelta: 0.7,
				Weight:          1.3 * n.deps.Weights.Multiplier("inconsistency", "version_mismatch"),
				Reason:          "UA version contradicts Sec-CH-UA",
				BotType:         detection.BotTypeAutomation,
			})
		}
	} else {
		// Firefox and Safari never send Sec-CH-UA.
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.6,
			Weight:          1,
			Reason:          family + " user agent with Chromium client hints",
			BotType:         detection.BotTypeAutomation,
		})
	}

	mobileHint := req.Header.Get("Sec-CH-UA-Mobile")
	claimsMobile := strings.Contains(req.UserAgent(), "Mobile")
	if mobileHint == "?1" && !claimsMobile || mobileHint == "?0" && claimsMobile && family != "safari" {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.5,
			Weight:          0.8,
			Reason:          "mobile claim contradicts Sec-CH-UA-Mobile",
		})
	}

	if len(out) == 0 {
		return []detection.Contribution{{
			ConfidenceDelta: -0.15,
			Weight:          0.5,
			Reason:          "client hints consistent with user agent",
		}}
	}
	return out
}

// chromiumHintVersion pulls the major version for the branded entry in
// a Sec-CH-UA list like `"Chromium";v="120", "Not(A:Brand";v="24"`.
func chromiumHintVersion(hints string) (int, bool) {
	for _, part := range strings.Split(hints, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "Not") && strings.Contains(part, "Brand") {
			continue
		}
		if i := strings.Index(part, `v="`); i >= 0 {
			rest := part[i+3:]
			if j := strings.Index(rest, `"`); j > 0 {
				if major, err := strconv.Atoi(rest[:j]); err == nil {
					return major, true
				}
			}
		}
	}
	return 0, false
}
