package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// MultiLayerCorrelation combines the protocol-layer facts the
// fingerprint detector published with the application-layer identity.
// Each layer alone is weak evidence; contradictions across layers are
// strong.
type MultiLayerCorrelation struct {
	deps *Deps
}

func NewMultiLayerCorrelation(d *Deps) *MultiLayerCorrelation {
	return &MultiLayerCorrelation{deps: d}
}

func (m *MultiLayerCorrelation) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "multi_layer_correlation",
		Category:        detection.CategoryProtocol,
		Priority:        42,
		Phase:           detection.PhaseStandard,
		RequiredSignals: []string{"protocol.http2"},
		TriggersOn:      []string{"protocol.http2", blackboard.SignalUAFamily},
		Timeout:         5 * time.Millisecond,
	}
}

func (m *MultiLayerCorrelation) Detect(_ context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	anomaly := bb.GetBool("protocol.anomaly")
	family := bb.GetString(blackboard.SignalUAFamily)
	datacenter := bb.GetBool(blackboard.SignalIPIsDatacenter)
	jsCapable, hasJSSignal := bb.Get("client.js_capable")

	layersAgainst := 0
	if anomaly {
		layersAgainst++
	}
	if datacenter && family != "" {
		// Real browsers rarely originate from datacenter ranges.
		layersAgainst++
	}
	if hasJSSignal {
		if capable, ok := jsCapable.(bool); ok && !capable {
			layersAgainst++
		}
	}

	switch {
	case layersAgainst >= 2:
		return []detection.Contribution{{
			ConfidenceDelta: 0.65,
			Weight:          1.4 * m.deps.Weights.Multiplier("multi_layer_correlation", "cross_layer"),
			Reason:          "multiple protocol layers contradict the browser claim",
			BotType:         detection.BotTypeAutomation,
		}}
	case layersAgainst == 0 && family != "" && !datacenter:
		return []detection.Contribution{{
			ConfidenceDelta: -0.2,
			Weight:          0.6,
			Reason:          "protocol layers consistent with browser claim",
		}}
	}
	return nil
}
