package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// LLM asks the classifier port to judge the uncertain cases the
// heuristics could not settle. Strictly latency-bounded and behind its
// circuit breaker; any failure contributes nothing.
type LLM struct {
	deps *Deps
}

func NewLLM(d *Deps) *LLM {
	return &LLM{deps: d}
}

func (l *LLM) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:         "llm",
		Category:     detection.CategoryAI,
		Priority:     20,
		Phase:        detection.PhaseAI,
		SkipWhen:     []string{blackboard.SignalVerifiedBot},
		EmitsSignals: []string{"ai.probability", "ai.label"},
		Timeout:      80 * time.Millisecond,
	}
}

func (l *LLM) Detect(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detection.Contribution {
	if l.deps.LLM == nil {
		return nil
	}

	features := bb.Snapshot(bb.Keys()...)
	features["method"] = req.Method
	features["path"] = req.Path
	features["user_agent"] = req.UserAgent()

	run := func(c context.Context) (interface{}, error) {
		prob, label, err := l.deps.LLM.Classify(c, features)
		if err != nil {
			return nil, err
		}
		return [2]any{prob, label}, nil
	}

	var raw interface{}
	var err error
	if l.deps.Breakers != nil {
		raw, err = l.deps.Breakers.LLM.ExecuteContext(ctx, run)
	} else {
		raw, err = run(ctx)
	}
	if err != nil {
		l.deps.portFailure("llm")
		return nil
	}

	pair := raw.([2]any)
	prob := pair[0].(float64)
	label, _ := pair[1].(string)

	// Map the classifier probability onto a signed delta.
	delta := 2*prob - 1
	c := detection.Contribution{
		ConfidenceDelta: delta,
		Weight:          1.5 * l.deps.Weights.Multiplier("llm", "classification"),
		Reason:          fmt.Sprintf("AI classification %q (p=%.2f)", label, prob),
		Signals: map[string]any{
			"ai.probability": prob,
			"ai.label":       label,
		},
	}
	if prob >= 0.7 && label != "" {
		c.BotType = detection.BotTypeAIAgent
		c.BotName = label
	}
	return []detection.Contribution{c}
}
