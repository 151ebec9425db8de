package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/requestctx"
)

// FastPathReputation short-circuits the pipeline for signatures the
// reputation cache has already settled. A configurable fraction of
// ConfirmedGood hits still traverses the full pipeline for audit.
type FastPathReputation struct {
	deps *Deps
}

func NewFastPathReputation(d *Deps) *FastPathReputation {
	return &FastPathReputation{deps: d}
}

func (f *FastPathReputation) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "fast_path_reputation",
		Category:        detection.CategoryReputation,
		Priority:        100,
		Phase:           detection.PhasePre,
		RequiredSignals: []string{blackboard.SignalSignaturePrim},
		Timeout:         5 * time.Millisecond,
		AllowEarlyExit:  true,
	}
}

func (f *FastPathReputation) Detect(_ context.Context, _ *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	if f.deps.Reputation == nil {
		return nil
	}
	primary := bb.GetString(blackboard.SignalSignaturePrim)
	if primary == "" {
		return nil
	}
	rec, ok := f.deps.Reputation.Lookup(primary)
	if !ok {
		return nil
	}

	switch rec.Status {
	case reputation.StatusManuallyBlocked:
		return []detection.Contribution{{
			ConfidenceDelta: 1,
			Weight:          3,
			Reason:          "signature manually blocked",
			EarlyExit:       true,
			Verdict:         detection.VerdictBlock,
		}}
	case reputation.StatusConfirmedBad:
		return []detection.Contribution{{
			ConfidenceDelta: 1,
			Weight:          3,
			Reason:          "signature confirmed bad",
			EarlyExit:       true,
			Verdict:         detection.VerdictBlock,
		}}
	case reputation.StatusConfirmedGood:
		if f.deps.sample() < f.deps.FastPathSampleRate {
			// Audit sample: let the full pipeline see this request.
			return []detection.Contribution{{
				ConfidenceDelta: -0.5,
				Weight:          1,
				Reason:          "signature confirmed good (audit sample)",
			}}
		}
		return []detection.Contribution{{
			ConfidenceDelta: -1,
			Weight:          3,
			Reason:          "signature confirmed good",
			EarlyExit:       true,
			Verdict:         detection.VerdictAllow,
		}}
	case reputation.StatusLearnedBad:
		return []detection.Contribution{{
			ConfidenceDelta: 0.4,
			Weight:          1.5,
			Reason:          "signature has learned bad reputation",
		}}
	case reputation.StatusLearnedGood:
		return []detection.Contribution{{
			ConfidenceDelta: -0.3,
			Weight:          1,
			Reason:          "signature has learned good reputation",
		}}
	}
	return nil
}
