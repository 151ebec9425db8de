package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// ResponseBehavior runs after the upstream answered. Its contributions
// feed the learning pipeline only; the verdict for this request is
// already sealed.
type ResponseBehavior struct {
	deps *Deps
}

func NewResponseBehavior(d *Deps) *ResponseBehavior {
	return &ResponseBehavior{deps: d}
}

func (r *ResponseBehavior) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:     "response_behavior",
		Category: detection.CategoryBehavioral,
		Priority: 5,
		Phase:    detection.PhasePost,
		Timeout:  5 * time.Millisecond,
	}
}

func (r *ResponseBehavior) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	switch {
	case req.ResponseStatus == 404:
		// 404 streaks are how scanners look from the response side.
		return []detection.Contribution{{
			ConfidenceDelta: 0.2,
			Weight:          0.5,
			Reason:          "request produced a 404",
		}}
	case req.ResponseStatus == 401 || req.ResponseStatus == 403:
		return []detection.Contribution{{
			ConfidenceDelta: 0.3,
			Weight:          0.6,
			Reason:          "request was denied upstream",
		}}
	case req.ResponseStatus >= 200 && req.ResponseStatus < 300 && req.ResponseTime > 0 && req.ResponseTime < 5*time.Millisecond:
		return []detection.Contribution{{
			ConfidenceDelta: 0.1,
			Weight:          0.3,
			Reason:          "suspiciously fast cached-path hit",
		}}
	case req.ResponseStatus >= 200 && req.ResponseStatus < 400:
		return []detection.Contribution{{
			ConfidenceDelta: -0.1,
			Weight:          0.3,
			Reason:          "normal successful response",
		}}
	}
	return nil
}
