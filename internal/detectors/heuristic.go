package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
	"github.com/stylobot/gateway/internal/similarity"
)

// Heuristic folds the whole signal picture into one weighted
// contribution and consults the similarity index for precedent: if the
// nearest past sessions were bots, this one probably is too.
type Heuristic struct {
	deps *Deps
}

func NewHeuristic(d *Deps) *Heuristic {
	return &Heuristic{deps: d}
}

func (h *Heuristic) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "heuristic",
		Category:        detection.CategoryBehavioral,
		Priority:        30,
		Phase:           detection.PhaseStandard,
		RequiredSignals: []string{blackboard.SignalSignaturePrim},
		TriggersOn: []string{
			"ua.is_bad_bot", "ua.is_automation", "header.is_suspicious",
			blackboard.SignalIPIsDatacenter, "behavioral.high_rate",
			"security.scanner",
		},
		Timeout: 15 * time.Millisecond,
	}
}

func (h *Heuristic) Detect(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	score := 0.0
	features := 0
	for key, w := range map[string]float64{
		"ua.is_bad_bot":        0.30,
		"ua.is_automation":     0.25,
		"header.is_suspicious": 0.15,
		"behavioral.high_rate": 0.20,
		"security.scanner":     0.35,
	} {
		if bb.GetBool(key) {
			score += w * h.deps.Weights.Multiplier("heuristic", key)
			features++
		}
	}
	if bb.GetBool(blackboard.SignalIPIsDatacenter) {
		score += 0.15
		features++
	}
	if bb.GetBool(blackboard.SignalVerifiedBot) {
		score -= 0.5
	}

	var out []detection.Contribution
	if features > 0 || score != 0 {
		delta := score
		if delta > 1 {
			delta = 1
		}
		if delta < -1 {
			delta = -1
		}
		out = append(out, detection.Contribution{
			ConfidenceDelta: delta,
			Weight:          1,
			Reason:          fmt.Sprintf("heuristic blend over %d signals", features),
		})
	}

	if c := h.precedent(ctx, req, bb); c != nil {
		out = append(out, *c)
	}
	return out
}

// precedent queries the similarity index for the nearest past sessions.
func (h *Heuristic) precedent(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) *detection.Contribution {
	if h.deps.Similarity == nil || h.deps.Similarity.Len() < 10 {
		return nil
	}
	vec := similarity.Vectorize(req, bb.Snapshot(bb.Keys()...))
	neighbors, err := h.deps.Similarity.FindSimilar(ctx, vec, 5, 0.85, "")
	if err != nil || len(neighbors) < 3 {
		return nil
	}

	bots := 0
	for _, n := range neighbors {
		if n.WasBot {
			bots++
		}
	}
	frac := float64(bots) / float64(len(neighbors))
	switch {
	case frac >= 0.8:
		return &detection.Contribution{
			ConfidenceDelta: 0.5,
			Weight:          1 * h.deps.Weights.Multiplier("heuristic", "similar_bots"),
			Reason:          fmt.Sprintf("%d of %d similar past sessions were bots", bots, len(neighbors)),
		}
	case frac <= 0.2:
		return &detection.Contribution{
			ConfidenceDelta: -0.3,
			Weight:          0.8,
			Reason:          "similar past sessions were human",
		}
	}
	return nil
}
