// Package middleware hosts the HTTP detection layer: it builds the
// per-request blackboard and signature bundle, runs the orchestrator,
// applies the policy decision, and publishes the learning event once
// the response has been served.
package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/events"
	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/requestctx"
	"github.com/stylobot/gateway/internal/signature"
)

// Detection is the gateway's core middleware. One instance serves all
// requests; per-policy execution plans are precomputed at construction.
type Detection struct {
	factory      *signature.Factory
	registry     *detection.Registry
	orchestrator *detection.Orchestrator
	engine       *policy.Engine
	throttler    *Throttler
	bus          *learning.Bus
	emitter      events.Emitter
	metrics      *metrics.Metrics
	logger       *log.Logger

	botThreshold float64
	softBudget   time.Duration
	callbackURL  string

	// plans maps detection policy name to its validated execution plan.
	plans map[string]planSet
}

type planSet struct {
	plan       *detection.Plan
	thresholds detection.Thresholds
}

// seedSignals are written by the middleware before any detector runs.
var seedSignals = []string{blackboard.SignalSignaturePrim, blackboard.SignalGeoCountryCode}

// Config wires the middleware.
type Config struct {
	Factory      *signature.Factory
	Registry     *detection.Registry
	Orchestrator *detection.Orchestrator
	Engine       *policy.Engine
	Throttler    *Throttler
	Bus          *learning.Bus // nil disables learning
	Emitter      events.Emitter
	Metrics      *metrics.Metrics

	PolicyNames  []string // detection policies to precompute plans for
	BotThreshold float64
	SoftBudget   time.Duration

	// CallbackURL is the absolute client-result endpoint advertised to
	// browsers; empty suppresses the header.
	CallbackURL string
}

// NewDetection precomputes one execution plan per policy. Unknown
// detector names in a policy are fatal.
func NewDetection(cfg Config) (*Detection, error) {
	if cfg.SoftBudget <= 0 {
		cfg.SoftBudget = 200 * time.Millisecond
	}
	if cfg.BotThreshold <= 0 {
		cfg.BotThreshold = 0.6
	}
	d := &Detection{
		factory:      cfg.Factory,
		registry:     cfg.Registry,
		orchestrator: cfg.Orchestrator,
		engine:       cfg.Engine,
		throttler:    cfg.Throttler,
		bus:          cfg.Bus,
		emitter:      cfg.Emitter,
		metrics:      cfg.Metrics,
		logger:       log.New(log.Writer(), "[DETECTION] ", log.LstdFlags),
		botThreshold: cfg.BotThreshold,
		softBudget:   cfg.SoftBudget,
		callbackURL:  cfg.CallbackURL,
		plans:        map[string]planSet{},
	}

	for _, name := range cfg.PolicyNames {
		p := cfg.Engine.Policy(name)
		if p == nil {
			return nil, fmt.Errorf("middleware: unknown detection policy %q", name)
		}
		ps, err := d.buildPlan(p)
		if err != nil {
			return nil, err
		}
		d.plans[name] = ps
	}
	return d, nil
}

func (d *Detection) buildPlan(p *policy.DetectionPolicy) (planSet, error) {
	var enabled []detection.Detector
	names := append(append(append(append([]string{}, p.FastPath...), p.SlowPath...), p.AIPath...), p.ResponsePath...)
	if len(names) == 0 {
		all, err := d.registry.Select(d.registry.Names())
		if err != nil {
			return planSet{}, err
		}
		enabled = all
	} else {
		sel, err := d.registry.Select(names)
		if err != nil {
			return planSet{}, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		enabled = sel
	}

	th := detection.Thresholds{
		EarlyExit:      p.EarlyExitThreshold,
		ImmediateBlock: p.ImmediateBlockThreshold,
		AIEscalation:   p.AIEscalationThreshold,
		Bot:            d.botThreshold,
		AllowEarlyExit: p.AllowEarlyExit,
	}
	return planSet{
		plan:       d.registry.BuildPlan(enabled, seedSignals...),
		thresholds: th,
	}, nil
}

// Wrap returns the instrumented handler.
func (d *Detection) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := requestctx.FromHTTP(r, r.Header.Get("X-Request-ID"), d.softBudget)

		sig := d.factory.Build(req)
		bb := blackboard.New()
		bb.Set(blackboard.SignalSignaturePrim, sig.Primary)
		if req.Geo != nil && req.Geo.CountryCode != "" {
			bb.Set(blackboard.SignalGeoCountryCode, req.Geo.CountryCode)
		}

		pol := d.engine.PolicyFor(req.Path)
		ps, ok := d.plans[pol.Name]
		if !ok {
			// Policy appeared after startup (reload); build on the fly.
			built, err := d.buildPlan(pol)
			if err != nil {
				d.logger.Printf("plan for policy %s: %v, serving without detection", pol.Name, err)
				next.ServeHTTP(w, r)
				return
			}
			ps = built
		}

		evidence := d.orchestrator.Run(r.Context(), req, bb, ps.plan, ps.thresholds)
		evidence.PolicyName = pol.Name

		decision := d.engine.Decide(pol, evidence)
		evidence.PolicyAction = string(decision.Action.Kind)
		evidence.TriggeredActionPolicy = decision.ActionPolicyName
		if evidence.PolicyActionReason == "" {
			evidence.PolicyActionReason = decision.Reason
		}
		if d.metrics != nil {
			d.metrics.ObserveAction(string(decision.Action.Kind), pol.Name)
		}

		d.annotate(w, evidence)

		served := d.apply(w, r, req, sig.Primary, decision, evidence)
		if served {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			req.ResponseStatus = rw.status
			req.ResponseBytes = rw.bytes
		}
		req.ResponseTime = time.Since(req.ReceivedAt)

		// Post-response wave: learning feedback only.
		post := d.orchestrator.RunPost(r.Context(), req, bb, ps.plan)
		evidence.Contributions = append(evidence.Contributions, post...)

		if d.bus != nil {
			d.bus.DetectionCompleted(evidence, req)
		}
	})
}

// annotate attaches the X-Bot-* diagnostic headers. Values carry only
// aggregates and hashed material.
func (d *Detection) annotate(w http.ResponseWriter, ev *detection.AggregatedEvidence) {
	h := w.Header()
	h.Set("X-Bot-Detection", strconv.FormatBool(ev.IsBot))
	h.Set("X-Bot-Probability", strconv.FormatFloat(ev.BotProbability, 'f', 2, 64))
	if ev.BotName != "" {
		h.Set("X-Bot-Name", ev.BotName)
	}
	if ev.BotType != "" && ev.BotType != detection.BotTypeUnknown {
		h.Set("X-Bot-Type", string(ev.BotType))
	}
	if d.callbackURL != "" {
		h.Set("X-Bot-Detection-Callback-Url", d.callbackURL)
	}
	if reasons, err := json.Marshal(ev.TopReasons(5)); err == nil {
		h.Set("X-Bot-Detection-Reasons", string(reasons))
	}
	if payload, err := json.Marshal(ev.Contributions); err == nil {
		h.Set("X-Bot-Detection-Contributions", string(payload))
	}
	h.Set("X-Bot-Detection-RiskBand", string(ev.Band))
	h.Set("X-Bot-Detection-Action", ev.PolicyAction)
	h.Set("X-Bot-Detection-ProcessingMs", strconv.FormatFloat(float64(ev.ProcessingTime)/float64(time.Millisecond), 'f', 2, 64))
	h.Set("X-Bot-Detection-RequestId", ev.RequestID)
}

// apply enforces the decision. It returns true when the request should
// continue to the upstream handler.
func (d *Detection) apply(w http.ResponseWriter, r *http.Request, req *requestctx.RequestCtx, primary string, dec policy.Decision, ev *detection.AggregatedEvidence) bool {
	switch dec.Action.Kind {
	case policy.ActionBlock:
		status := dec.Action.BlockStatus
		if status == 0 {
			status = http.StatusForbidden
		}
		d.emit(events.TypeBotBlocked, primary, ev)
		req.ResponseStatus = status
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, dec.Action.BlockBody)
		return false

	case policy.ActionRedirect:
		req.ResponseStatus = dec.Action.RedirectStatus
		http.Redirect(w, r, dec.Action.TargetURL, dec.Action.RedirectStatus)
		return false

	case policy.ActionChallenge:
		d.emit(events.TypeBotChallenged, primary, ev)
		req.ResponseStatus = http.StatusForbidden
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Bot-Challenge", string(dec.Action.Challenge))
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "challenge",
			"challenge": string(dec.Action.Challenge),
		})
		return false

	case policy.ActionThrottle:
		if d.throttler != nil && !d.throttler.Allow(primary, dec.Action.MaxRequests, dec.Action.WindowSeconds) {
			req.ResponseStatus = http.StatusTooManyRequests
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(dec.Action.WindowSeconds))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after_seconds":%d}`, dec.Action.WindowSeconds)
			return false
		}
		return true

	case policy.ActionLogOnly:
		d.logger.Printf("bot suspected (log-only): path=%s band=%s probability=%.2f", req.Path, ev.Band, ev.BotProbability)
		return true

	default:
		return true
	}
}

func (d *Detection) emit(eventType, primary string, ev *detection.AggregatedEvidence) {
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(eventType, "/gateway", primary, map[string]interface{}{
		"probability": ev.BotProbability,
		"confidence":  ev.Confidence,
		"risk_band":   string(ev.Band),
		"bot_type":    string(ev.BotType),
		"policy":      ev.PolicyName,
		"reasons":     ev.TopReasons(3),
	})
}

// statusRecorder captures the upstream status and byte count for the
// post-response wave.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}
