package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// VersionAge scores how far the claimed browser version lags the
// current release. Ancient versions are a staple of replayed UA strings
// in scraper kits.
type VersionAge struct {
	deps *Deps
}

func NewVersionAge(d *Deps) *VersionAge {
	return &VersionAge{deps: d}
}

func (v *VersionAge) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "version_age",
		Category:        detection.CategoryUserAgent,
		Priority:        50,
		Phase:           detection.PhaseStandard,
		RequiredSignals: []string{blackboard.SignalUAFamily, blackboard.SignalUAMajorVersion},
		TriggersOn:      []string{blackboard.SignalUAFamily},
		Timeout:         5 * time.Millisecond,
	}
}

func (v *VersionAge) Detect(_ context.Context, _ *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	family := bb.GetString(blackboard.SignalUAFamily)
	major := int(bb.GetFloat(blackboard.SignalUAMajorVersion))
	if family == "" || major == 0 {
		return nil
	}

	lag := v.deps.Browsers.Get().MajorVersionLag(family, major)
	switch {
	case lag >= 20:
		return []detection.Contribution{{
			ConfidenceDelta: 0.6,
			Weight:          1 * v.deps.Weights.Multiplier("version_age", "ancient"),
			Reason:          fmt.Sprintf("%s %d is %d major versions old", family, major, lag),
			BotType:         detection.BotTypeScraper,
		}}
	case lag >= 8:
		return []detection.Contribution{{
			ConfidenceDelta: 0.3,
			Weight:          0.6,
			Reason:          fmt.Sprintf("%s %d lags current release by %d versions", family, major, lag),
		}}
	case lag <= 2:
		return []detection.Contribution{{
			ConfidenceDelta: -0.1,
			Weight:          0.3,
			Reason:          "current browser version",
		}}
	}
	return nil
}
