package detection

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Phase places a detector in the broad pipeline stage. Standard detectors
// are wave-scheduled by their signal dependencies; AI detectors run as one
// extra wave gated by the escalation threshold; Post detectors run after
// the response and never influence the current verdict.
type Phase int

const (
	PhasePre Phase = iota // fast-path reputation, before wave 0
	PhaseStandard
	PhaseAI
	PhaseLate // after AI, final refinement
	PhasePost
)

// Manifest declares a detector's scheduling contract. The registry
// validates the full manifest graph at startup.
type Manifest struct {
	Name     string
	Category Category
	Priority int // higher runs earlier within a wave (informational)
	Phase    Phase

	// RequiredSignals must all be present before the detector runs. A
	// detector whose requirements are never satisfiable by any enabled
	// peer is reported as skipped.
	RequiredSignals []string

	// TriggersOn re-schedules the detector into the next wave when one of
	// these signals is newly emitted.
	TriggersOn []string

	// SkipWhen cancels the detector if any of these signals is present.
	SkipWhen []string

	// EmitsSignals lists every signal key the detector may publish; used
	// for dependency planning and cycle detection.
	EmitsSignals []string

	// Timeout is the per-execution hard deadline. Zero means the
	// orchestrator default.
	Timeout time.Duration

	// AllowEarlyExit permits the orchestrator to honor an early-exit
	// contribution from this detector.
	AllowEarlyExit bool
}

// Detector is a pure function over the request and blackboard. Detectors
// are stateless across requests, must not mutate the RequestCtx, and
// report faults through the orchestrator rather than panicking (panics
// are recovered and recorded as failures).
type Detector interface {
	Manifest() Manifest
	Detect(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []Contribution
}
