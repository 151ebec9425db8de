package detection

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Thresholds are the per-policy orchestrator knobs.
type Thresholds struct {
	// EarlyExit: below this probability, once every non-AI detector has
	// had its chance, the pipeline completes without AI.
	EarlyExit float64

	// ImmediateBlock: above this probability the pipeline short-circuits
	// to a block verdict.
	ImmediateBlock float64

	// AIEscalation bounds the uncertainty band [1-t, t] that routes a
	// request to the AI wave.
	AIEscalation float64

	// Bot is the probability cut-off for the IsBot flag.
	Bot float64

	// AllowEarlyExit is the policy's short-circuit permission: when
	// false, early-exit contributions and the immediate-block threshold
	// are ignored and every scheduled detector runs. Audit policies
	// disable it.
	AllowEarlyExit bool
}

// DefaultThresholds mirror the shipped policy defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EarlyExit:      0.30,
		ImmediateBlock: 0.95,
		AIEscalation:   0.60,
		Bot:            0.60,
		AllowEarlyExit: true,
	}
}

// CompletionPublisher receives the one DetectionCompleted event the
// orchestrator emits per request. The learning bus implements this.
type CompletionPublisher interface {
	DetectionCompleted(evidence *AggregatedEvidence, req *requestctx.RequestCtx)
}

// OrchestratorConfig wires the orchestrator's process-wide settings.
type OrchestratorConfig struct {
	WorkerPoolSize  int           // per-wave fan-out, default NumCPU
	DefaultTimeout  time.Duration // per-detector, when the manifest has none
	DeadlineSlack   time.Duration // reserved out of the request budget
	WeightCeiling   float64       // hard cap on any single contribution weight
	AllowShortCircuit bool        // honor the immediate-block threshold
}

// Orchestrator runs a plan's detectors in priority waves over one
// blackboard and aggregates their evidence.
type Orchestrator struct {
	cfg       OrchestratorConfig
	publisher CompletionPublisher
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewOrchestrator creates an orchestrator. publisher and m may be nil.
func NewOrchestrator(cfg OrchestratorConfig, publisher CompletionPublisher, m *metrics.Metrics) *Orchestrator {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = runtime.NumCPU()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 50 * time.Millisecond
	}
	if cfg.WeightCeiling <= 0 {
		cfg.WeightCeiling = 3.0
	}
	return &Orchestrator{
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

type detectorResult struct {
	name          string
	contributions []Contribution
	err           error
	duration      time.Duration
}

// Run executes the plan against one request and returns the aggregated
// evidence. It always returns evidence, even on deadline exhaustion.
func (o *Orchestrator) Run(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard, plan *Plan, th Thresholds) *AggregatedEvidence {
	start := time.Now()
	evidence := &AggregatedEvidence{
		RequestID:        uuid.NewString(),
		DetectorsSkipped: append([]string{}, plan.Skipped...),
		Signals:          map[string]any{},
	}

	deadline := req.Deadline
	if !deadline.IsZero() && o.cfg.DeadlineSlack > 0 {
		deadline = deadline.Add(-o.cfg.DeadlineSlack)
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	// Pre wave: fast-path reputation, sequential, may short-circuit
	// everything else.
	for _, d := range plan.Pre {
		res := o.execute(runCtx, d, req, bb)
		o.absorb(evidence, bb, res)
		if exited, verdict := honoredExit(d.Manifest(), res.contributions); exited && th.AllowEarlyExit {
			o.finish(evidence, bb, th, start, true, verdict)
			o.publish(evidence, req)
			return evidence
		}
	}

	// Standard waves, scheduled at runtime from the blackboard state so
	// triggers fire on signals actually emitted, not just planned.
	pending := flatten(plan.Waves)
	waveIdx := 0
	for len(pending) > 0 && runCtx.Err() == nil {
		wave, rest, skipped := o.nextWave(pending, bb)
		evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, skipped...)
		if len(wave) == 0 {
			for _, d := range rest {
				evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, d.Manifest().Name)
			}
			break
		}
		pending = rest

		waveStart := time.Now()
		results := o.runWave(runCtx, wave, req, bb)
		if o.metrics != nil {
			o.metrics.ObserveWave(waveIdx, time.Since(waveStart))
		}
		waveIdx++

		exit := false
		var verdict Verdict
		for _, res := range results {
			o.absorb(evidence, bb, res)
			if e, v := honoredExit(plan.ByName[res.name].Manifest(), res.contributions); e {
				exit, verdict = true, v
			}
		}
		if exit && th.AllowEarlyExit {
			o.finish(evidence, bb, th, start, true, verdict)
			o.publish(evidence, req)
			return evidence
		}

		// Running aggregate for threshold checks between waves.
		aggregate(evidence)
		if o.cfg.AllowShortCircuit && th.AllowEarlyExit && evidence.BotProbability >= th.ImmediateBlock {
			o.finish(evidence, bb, th, start, true, VerdictBlock)
			o.publish(evidence, req)
			return evidence
		}
		if len(pending) == 0 && evidence.BotProbability < th.EarlyExit {
			// Confidently human: skip the AI wave entirely.
			o.finish(evidence, bb, th, start, false, VerdictNone)
			o.publish(evidence, req)
			return evidence
		}
	}
	if runCtx.Err() != nil {
		evidence.PolicyActionReason = "deadline"
	}

	// AI escalation: only for the uncertain band.
	aggregate(evidence)
	if len(plan.AI) > 0 && runCtx.Err() == nil && inEscalationBand(evidence.BotProbability, th.AIEscalation) {
		results := o.runWave(runCtx, plan.AI, req, bb)
		for _, res := range results {
			o.absorb(evidence, bb, res)
		}
		evidence.AIRan = true

		for _, d := range plan.Late {
			res := o.execute(runCtx, d, req, bb)
			o.absorb(evidence, bb, res)
		}
	}

	o.finish(evidence, bb, th, start, false, VerdictNone)
	o.publish(evidence, req)
	return evidence
}

// RunPost executes the post-response detectors. Their contributions feed
// learning only and are returned to the caller rather than folded into
// the request's evidence.
func (o *Orchestrator) RunPost(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard, plan *Plan) []Contribution {
	var out []Contribution
	for _, d := range plan.Post {
		res := o.execute(ctx, d, req, bb)
		if res.err != nil {
			continue
		}
		out = append(out, res.contributions...)
	}
	return out
}

// nextWave partitions pending into (ready now, still waiting). Detectors
// whose skip signals are present are dropped from both sets and reported
// back so the evidence records them as skipped.
func (o *Orchestrator) nextWave(pending []Detector, bb *blackboard.Blackboard) (wave, rest []Detector, skipped []string) {
	for _, d := range pending {
		m := d.Manifest()
		if anyPresent(bb, m.SkipWhen) {
			skipped = append(skipped, m.Name)
			continue
		}
		if allPresent(bb, m.RequiredSignals) && triggerSatisfied(bb, m.TriggersOn) {
			wave = append(wave, d)
		} else {
			rest = append(rest, d)
		}
	}
	return wave, rest, skipped
}

// runWave fans the wave out over the worker pool and awaits all results.
func (o *Orchestrator) runWave(ctx context.Context, wave []Detector, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []detectorResult {
	results := make([]detectorResult, len(wave))
	sem := make(chan struct{}, o.cfg.WorkerPoolSize)
	var wg sync.WaitGroup
	for i, d := range wave {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, d Detector) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.execute(ctx, d, req, bb)
		}(i, d)
	}
	wg.Wait()
	return results
}

// execute runs one detector under the tighter of its own timeout and the
// orchestrator deadline, recovering panics into failures. On timeout the
// detector goroutine is abandoned and its partial results discarded.
func (o *Orchestrator) execute(ctx context.Context, d Detector, req *requestctx.RequestCtx, bb *blackboard.Blackboard) detectorResult {
	m := d.Manifest()
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan detectorResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- detectorResult{name: m.Name, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		contribs := d.Detect(dctx, req, bb)
		now := time.Now()
		for i := range contribs {
			contribs[i].Detector = m.Name
			contribs[i].Category = m.Category
			contribs[i].Priority = m.Priority
			if contribs[i].Timestamp.IsZero() {
				contribs[i].Timestamp = now
			}
			contribs[i].Duration = now.Sub(start)
			contribs[i].Clamp(o.cfg.WeightCeiling)
		}
		done <- detectorResult{name: m.Name, contributions: contribs}
	}()

	select {
	case res := <-done:
		res.duration = time.Since(start)
		return res
	case <-dctx.Done():
		return detectorResult{name: m.Name, err: dctx.Err(), duration: time.Since(start)}
	}
}

// absorb merges one detector result into the evidence and publishes its
// emitted signals. Failed detectors contribute nothing.
func (o *Orchestrator) absorb(evidence *AggregatedEvidence, bb *blackboard.Blackboard, res detectorResult) {
	if o.metrics != nil {
		o.metrics.ObserveDetector(res.name, res.duration, res.err != nil)
	}
	if res.err != nil {
		evidence.DetectorsFailed = append(evidence.DetectorsFailed, res.name)
		o.logger.Printf("detector %s failed: %v", res.name, res.err)
		return
	}
	evidence.DetectorsRan = append(evidence.DetectorsRan, res.name)
	for _, c := range res.contributions {
		for k, v := range c.Signals {
			bb.Set(k, v)
		}
	}
	evidence.Contributions = append(evidence.Contributions, res.contributions...)
}

// finish runs final aggregation and stamps the terminal state.
func (o *Orchestrator) finish(evidence *AggregatedEvidence, bb *blackboard.Blackboard, th Thresholds, start time.Time, earlyExit bool, verdict Verdict) {
	aggregate(evidence)
	evidence.EarlyExited = earlyExit
	evidence.ExitVerdict = verdict
	if earlyExit {
		switch verdict {
		case VerdictBlock:
			evidence.BotProbability = 1
			evidence.Confidence = 1
			evidence.Band = RiskVeryHigh
		case VerdictAllow:
			evidence.BotProbability = 0
			evidence.Confidence = 1
			evidence.Band = RiskVeryLow
		}
	}
	// Verified crawlers are still bots; the flag reports identity, the
	// band reports risk.
	evidence.IsBot = evidence.BotProbability >= th.Bot || evidence.BotType == BotTypeVerified
	evidence.Signals = bb.Snapshot(
		blackboard.SignalSignaturePrim,
		blackboard.SignalGeoCountryCode,
		blackboard.SignalIPIsDatacenter,
		blackboard.SignalIPCloudVendor,
		blackboard.SignalUAFamily,
		blackboard.SignalUAMajorVersion,
		blackboard.SignalVerifiedBot,
		"ua.is_bad_bot", "ua.is_automation", "header.is_suspicious",
		"behavioral.high_rate", "security.scanner", "client.js_capable",
		"protocol.anomaly", "ip.is_localhost",
		"ai.probability", "ai.label",
	)
	evidence.ProcessingTime = time.Since(start)
	if o.metrics != nil {
		o.metrics.ObserveVerdict(string(evidence.Band), evidence.IsBot, evidence.ProcessingTime)
	}
}

func (o *Orchestrator) publish(evidence *AggregatedEvidence, req *requestctx.RequestCtx) {
	if o.publisher != nil {
		o.publisher.DetectionCompleted(evidence, req)
	}
}

func honoredExit(m Manifest, contribs []Contribution) (bool, Verdict) {
	if !m.AllowEarlyExit {
		return false, VerdictNone
	}
	for _, c := range contribs {
		if c.EarlyExit && c.Verdict != VerdictNone {
			return true, c.Verdict
		}
	}
	return false, VerdictNone
}

func inEscalationBand(p, threshold float64) bool {
	lo, hi := 1-threshold, threshold
	if lo > hi {
		lo, hi = hi, lo
	}
	return p >= lo && p <= hi
}

func flatten(waves [][]Detector) []Detector {
	var out []Detector
	for _, w := range waves {
		out = append(out, w...)
	}
	return out
}

func allPresent(bb *blackboard.Blackboard, keys []string) bool {
	for _, k := range keys {
		if !bb.Has(k) {
			return false
		}
	}
	return true
}

func anyPresent(bb *blackboard.Blackboard, keys []string) bool {
	for _, k := range keys {
		if bb.Has(k) {
			return true
		}
	}
	return false
}

func triggerSatisfied(bb *blackboard.Blackboard, triggers []string) bool {
	if len(triggers) == 0 {
		return true
	}
	return anyPresent(bb, triggers)
}
