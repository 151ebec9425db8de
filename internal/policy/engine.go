package policy

import (
	"fmt"
	"log"
	"sort"

	"github.com/stylobot/gateway/internal/detection"
)

// Engine resolves the detection policy for a path and maps aggregated
// evidence to an action. Immutable after construction; a config reload
// builds a fresh engine.
type Engine struct {
	policies map[string]*DetectionPolicy
	actions  map[string]ActionPolicy

	// pathPatterns is ordered longest-pattern-first so the first match
	// is the most specific one.
	pathPatterns []pathBinding

	defaultPolicy string
	defaultAction string

	logger *log.Logger
}

type pathBinding struct {
	pattern string
	policy  string
}

// Config assembles an Engine.
type Config struct {
	Policies          map[string]*DetectionPolicy
	ActionPolicies    map[string]ActionPolicy
	PathPolicies      map[string]string // pattern -> detection policy name
	DefaultPolicy     string
	DefaultActionName string
}

// NewEngine validates the configuration and builds the engine. Unknown
// policy or action references are fatal: a typo in the policy table must
// not silently fall back to defaults.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{
		policies:      cfg.Policies,
		actions:       cfg.ActionPolicies,
		defaultPolicy: cfg.DefaultPolicy,
		defaultAction: cfg.DefaultActionName,
		logger:        log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
	if e.policies == nil {
		e.policies = map[string]*DetectionPolicy{}
	}
	if e.actions == nil {
		e.actions = DefaultActionPolicies()
	}
	if e.defaultPolicy == "" {
		e.defaultPolicy = "default"
	}
	if e.defaultAction == "" {
		e.defaultAction = "allow"
	}
	if _, ok := e.policies[e.defaultPolicy]; !ok {
		e.policies[e.defaultPolicy] = DefaultDetectionPolicy(e.defaultPolicy)
	}
	if _, ok := e.actions[e.defaultAction]; !ok {
		return nil, fmt.Errorf("default action policy %q not defined", e.defaultAction)
	}

	for _, p := range e.policies {
		if err := p.Validate(e.actions); err != nil {
			return nil, err
		}
	}
	for pattern, name := range cfg.PathPolicies {
		if _, ok := e.policies[name]; !ok {
			return nil, fmt.Errorf("path pattern %q references unknown policy %q", pattern, name)
		}
		e.pathPatterns = append(e.pathPatterns, pathBinding{pattern: pattern, policy: name})
	}
	sort.Slice(e.pathPatterns, func(i, j int) bool {
		a, b := e.pathPatterns[i], e.pathPatterns[j]
		if len(a.pattern) != len(b.pattern) {
			return len(a.pattern) > len(b.pattern)
		}
		return a.pattern < b.pattern
	})
	return e, nil
}

// PolicyFor returns the detection policy for a request path: the most
// specific matching pattern, or the default policy.
func (e *Engine) PolicyFor(path string) *DetectionPolicy {
	for _, b := range e.pathPatterns {
		if matchPattern(b.pattern, path) {
			return e.policies[b.policy]
		}
	}
	return e.policies[e.defaultPolicy]
}

// Policy returns a named detection policy, or nil.
func (e *Engine) Policy(name string) *DetectionPolicy {
	return e.policies[name]
}

// Decision is the engine's verdict for one request.
type Decision struct {
	Action           Action
	ActionPolicyName string
	Reason           string
}

// Decide maps aggregated evidence onto an action using the policy's
// ordered transitions. Total: always returns a decision, falling back to
// the default action policy when no transition fires or the band is
// Unknown.
func (e *Engine) Decide(p *DetectionPolicy, ev *detection.AggregatedEvidence) Decision {
	if p == nil {
		p = e.policies[e.defaultPolicy]
	}

	// Early-exit verdicts are already settled; the transitions do not
	// get to overrule a reputation block or a verified-bot allow.
	switch ev.ExitVerdict {
	case detection.VerdictBlock:
		if ap, ok := e.actions["block-hard"]; ok {
			return Decision{Action: ap.Action, ActionPolicyName: ap.Name, Reason: "early exit: block"}
		}
		return Decision{
			Action:           Action{Kind: ActionBlock, BlockStatus: 403, BlockBody: "Forbidden"},
			ActionPolicyName: "block-hard",
			Reason:           "early exit: block",
		}
	case detection.VerdictAllow:
		return Decision{Action: Allow, ActionPolicyName: e.defaultAction, Reason: "early exit: allow"}
	}

	// Unknown band means the evidence is too thin to act on.
	if ev.Band == detection.RiskUnknown {
		return e.fallback("confidence below actionable floor")
	}

	for _, t := range p.Transitions {
		if t.WhenRiskExceeds != nil && ev.BotProbability > *t.WhenRiskExceeds {
			return e.named(t.ActionPolicyName, fmt.Sprintf("probability %.2f exceeds %.2f", ev.BotProbability, *t.WhenRiskExceeds))
		}
		if t.WhenRiskBelow != nil && ev.BotProbability < *t.WhenRiskBelow {
			return e.named(t.ActionPolicyName, fmt.Sprintf("probability %.2f below %.2f", ev.BotProbability, *t.WhenRiskBelow))
		}
	}
	return e.fallback("no transition matched")
}

func (e *Engine) named(name, reason string) Decision {
	ap, ok := e.actions[name]
	if !ok {
		// Validated at construction; reachable only for the built-in
		// early-exit names when the operator removed them.
		e.logger.Printf("action policy %q missing, falling back to %q", name, e.defaultAction)
		return e.fallback(reason)
	}
	return Decision{Action: ap.Action, ActionPolicyName: ap.Name, Reason: reason}
}

func (e *Engine) fallback(reason string) Decision {
	ap := e.actions[e.defaultAction]
	return Decision{Action: ap.Action, ActionPolicyName: ap.Name, Reason: reason}
}
