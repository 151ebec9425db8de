package detectors

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// UserAgent inspects the UA string: empty or whitespace UAs, known bad
// bots, automation frameworks, and suspicious shapes. It also parses
// and publishes the browser family and major version for downstream
// detectors.
type UserAgent struct {
	deps *Deps
}

func NewUserAgent(d *Deps) *UserAgent {
	return &UserAgent{deps: d}
}

func (u *UserAgent) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:     "user_agent",
		Category: detection.CategoryUserAgent,
		Priority: 80,
		Phase:    detection.PhaseStandard,
		EmitsSignals: []string{
			blackboard.SignalUAFamily,
			blackboard.SignalUAMajorVersion,
			"ua.is_bad_bot",
			"ua.is_automation",
		},
		Timeout: 10 * time.Millisecond,
	}
}

var uaVersionPatterns = []struct {
	family string
	re     *regexp.Regexp
}{
	// Order matters: Edge and Opera embed Chrome tokens.
	{"edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/(\d+)`)},
	{"opera", regexp.MustCompile(`OPR/(\d+)`)},
	{"chrome", regexp.MustCompile(`Chrome/(\d+)`)},
	{"firefox", regexp.MustCompile(`Firefox/(\d+)`)},
	{"safari", regexp.MustCompile(`Version/(\d+).*Safari`)},
}

// ParseUA extracts the browser family and major version, or ("", 0).
func ParseUA(ua string) (string, int) {
	for _, p := range uaVersionPatterns {
		if m := p.re.FindStringSubmatch(ua); m != nil {
			major, _ := strconv.Atoi(m[1])
			return p.family, major
		}
	}
	return "", 0
}

func (u *UserAgent) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	ua := req.UserAgent()

	if strings.TrimSpace(ua) == "" {
		return []detection.Contribution{{
			ConfidenceDelta: 0.8,
			Weight:          0.9 * u.deps.Weights.Multiplier("user_agent", "empty_ua"),
			Reason:          "empty user agent",
			BotType:         detection.BotTypeScraper,
		}}
	}

	var out []detection.Contribution
	signals := map[string]any{}
	if family, major := ParseUA(ua); family != "" {
		signals[blackboard.SignalUAFamily] = family
		signals[blackboard.SignalUAMajorVersion] = major
	}

	lists := u.deps.BotLists.Get()
	if pattern, ok := lists.MatchBadBot(ua); ok {
		signals["ua.is_bad_bot"] = true
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.85,
			Weight:          1.5 * u.deps.Weights.Multiplier("user_agent", "bad_bot"),
			Reason:          "known bad bot user agent (" + pattern + ")",
			BotType:         detection.BotTypeScraper,
		})
	}
	if pattern, ok := lists.MatchAutomation(ua); ok {
		signals["ua.is_automation"] = true
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.75,
			Weight:          1.3 * u.deps.Weights.Multiplier("user_agent", "automation"),
			Reason:          "automation framework user agent (" + pattern + ")",
			BotType:         detection.BotTypeAutomation,
		})
	}

	// Shape heuristics for UAs that pass the lists.
	if len(out) == 0 {
		switch {
		case len(ua) < 20 && !strings.Contains(ua, "/"):
			out = append(out, detection.Contribution{
				ConfidenceDelta: 0.4,
				Weight:          0.6,
				Reason:          "implausibly short user agent",
			})
		case !strings.HasPrefix(ua, "Mozilla/") && !strings.Contains(ua, "bot"):
			out = append(out, detection.Contribution{
				ConfidenceDelta: 0.25,
				Weight:          0.5,
				Reason:          "non-browser user agent shape",
			})
		default:
			out = append(out, detection.Contribution{
				ConfidenceDelta: -0.1,
				Weight:          0.4,
				Reason:          "plausible browser user agent",
			})
		}
	}

	if len(signals) > 0 {
		out[0].Signals = signals
	}
	return out
}
