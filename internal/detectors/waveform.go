package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// BehavioralWaveform scores the regularity of a signature's request
// timing. Humans are bursty; schedulers tick.
type BehavioralWaveform struct {
	deps *Deps
}

func NewBehavioralWaveform(d *Deps) *BehavioralWaveform {
	return &BehavioralWaveform{deps: d}
}

func (w *BehavioralWaveform) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "behavioral_waveform",
		Category:        detection.CategoryBehavioral,
		Priority:        38,
		Phase:           detection.PhaseStandard,
		RequiredSignals: []string{blackboard.SignalSignaturePrim},
		TriggersOn:      []string{"behavioral.request_rate"},
		Timeout:         5 * time.Millisecond,
	}
}

func (w *BehavioralWaveform) Detect(_ context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	if w.deps.Timings == nil {
		return nil
	}
	primary := bb.GetString(blackboard.SignalSignaturePrim)
	if primary == "" {
		return nil
	}

	regularity, samples := w.deps.Timings.Observe(primary, req.ReceivedAt)
	if samples < 5 {
		return nil
	}

	if regularity >= 0.8 {
		return []detection.Contribution{{
			ConfidenceDelta: 0.55,
			Weight:          1.1 * w.deps.Weights.Multiplier("behavioral_waveform", "periodic"),
			Reason:          fmt.Sprintf("metronomic request timing (regularity %.2f over %d gaps)", regularity, samples),
			BotType:         detection.BotTypeMonitor,
		}}
	}
	if regularity <= 0.3 {
		return []detection.Contribution{{
			ConfidenceDelta: -0.15,
			Weight:          0.5,
			Reason:          "bursty human-like timing",
		}}
	}
	return nil
}
