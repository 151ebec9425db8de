package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// HeuristicLate reconciles the AI verdict with the earlier evidence.
// It only speaks up when the two disagree strongly, damping lone
// outliers in either direction.
type HeuristicLate struct {
	deps *Deps
}

func NewHeuristicLate(d *Deps) *HeuristicLate {
	return &HeuristicLate{deps: d}
}

func (h *HeuristicLate) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "heuristic_late",
		Category:        detection.CategoryAI,
		Priority:        10,
		Phase:           detection.PhaseLate,
		RequiredSignals: []string{"ai.probability"},
		Timeout:         5 * time.Millisecond,
	}
}

func (h *HeuristicLate) Detect(_ context.Context, _ *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	aiProb := bb.GetFloat("ai.probability")

	hardSignals := 0
	for _, key := range []string{"ua.is_bad_bot", "security.scanner", "behavioral.high_rate", "header.is_suspicious"} {
		if bb.GetBool(key) {
			hardSignals++
		}
	}

	// AI says human but multiple hard signals disagree: trust the signals.
	if aiProb < 0.3 && hardSignals >= 2 {
		return []detection.Contribution{{
			ConfidenceDelta: 0.4,
			Weight:          0.8 * h.deps.Weights.Multiplier("heuristic_late", "override_ai"),
			Reason:          "hard signals outweigh AI human classification",
		}}
	}
	// AI says bot with zero corroboration: soften.
	if aiProb > 0.7 && hardSignals == 0 && !bb.GetBool(blackboard.SignalIPIsDatacenter) {
		return []detection.Contribution{{
			ConfidenceDelta: -0.25,
			Weight:          0.6,
			Reason:          "AI bot classification lacks corroborating signals",
		}}
	}
	return nil
}
