// Package policy maps aggregated detection evidence to a response
// action. Detection policies select detector sets and thresholds per
// request path; action policies describe what the gateway does when a
// policy transition fires. The engine itself is side-effect free: it
// returns an Action and the adapter applies it.
package policy

import (
	"fmt"
	"strings"
)

// ActionKind enumerates the response actions the gateway can take.
type ActionKind string

const (
	ActionAllow     ActionKind = "allow"
	ActionLogOnly   ActionKind = "log_only"
	ActionThrottle  ActionKind = "throttle"
	ActionChallenge ActionKind = "challenge"
	ActionRedirect  ActionKind = "redirect"
	ActionBlock     ActionKind = "block"
)

// ChallengeKind selects the challenge surface.
type ChallengeKind string

const (
	ChallengeCaptcha     ChallengeKind = "captcha"
	ChallengeProofOfWork ChallengeKind = "proof_of_work"
	ChallengeJS          ChallengeKind = "js"
)

// Action is the tagged union of response behaviors. Kind decides which
// parameter block applies; the others are zero.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Throttle parameters.
	MaxRequests   int `json:"max_requests,omitempty"`
	WindowSeconds int `json:"window_seconds,omitempty"`

	// Challenge parameters.
	Challenge ChallengeKind `json:"challenge,omitempty"`

	// Redirect parameters.
	TargetURL      string `json:"target_url,omitempty"`
	RedirectStatus int    `json:"redirect_status,omitempty"`

	// Block parameters.
	BlockStatus int    `json:"block_status,omitempty"`
	BlockBody   string `json:"block_body,omitempty"`
}

// Allow is the zero-cost default action.
var Allow = Action{Kind: ActionAllow}

// ActionPolicy is a named action.
type ActionPolicy struct {
	Name   string `json:"name"`
	Action Action `json:"action"`
}

// Transition maps a probability threshold to an action policy. Exactly
// one of WhenRiskExceeds / WhenRiskBelow is set.
type Transition struct {
	WhenRiskExceeds  *float64 `json:"when_risk_exceeds,omitempty"`
	WhenRiskBelow    *float64 `json:"when_risk_below,omitempty"`
	ActionPolicyName string   `json:"action_policy_name"`
}

// DetectionPolicy bundles the detector sets and orchestrator thresholds
// applied to a matched path, plus the ordered transitions that pick the
// action policy from the aggregated probability.
type DetectionPolicy struct {
	Name string `json:"name"`

	// Detector names per pipeline segment. Empty means "all registered".
	FastPath     []string `json:"fast_path,omitempty"`
	SlowPath     []string `json:"slow_path,omitempty"`
	AIPath       []string `json:"ai_path,omitempty"`
	ResponsePath []string `json:"response_path,omitempty"`

	EarlyExitThreshold      float64 `json:"early_exit_threshold"`
	ImmediateBlockThreshold float64 `json:"immediate_block_threshold"`
	AIEscalationThreshold   float64 `json:"ai_escalation_threshold"`

	// AllowEarlyExit lets fast-path detectors short-circuit. Verified-bot
	// allowlist policies typically enable it; audit policies disable it.
	AllowEarlyExit bool `json:"allow_early_exit"`

	Transitions []Transition `json:"transitions,omitempty"`
}

// Enabled reports whether a detector participates under this policy. An
// empty set list means every registered detector runs.
func (p *DetectionPolicy) Enabled(detector string) bool {
	all := len(p.FastPath)+len(p.SlowPath)+len(p.AIPath)+len(p.ResponsePath) == 0
	if all {
		return true
	}
	for _, set := range [][]string{p.FastPath, p.SlowPath, p.AIPath, p.ResponsePath} {
		for _, name := range set {
			if name == detector {
				return true
			}
		}
	}
	return false
}

// DefaultDetectionPolicy returns the shipped defaults: every detector,
// standard thresholds, block above 0.8 and log above 0.5.
func DefaultDetectionPolicy(name string) *DetectionPolicy {
	exceeds := func(v float64) *float64 { return &v }
	return &DetectionPolicy{
		Name:                    name,
		EarlyExitThreshold:      0.30,
		ImmediateBlockThreshold: 0.95,
		AIEscalationThreshold:   0.60,
		AllowEarlyExit:          true,
		Transitions: []Transition{
			{WhenRiskExceeds: exceeds(0.95), ActionPolicyName: "block-hard"},
			{WhenRiskExceeds: exceeds(0.80), ActionPolicyName: "block"},
			{WhenRiskExceeds: exceeds(0.60), ActionPolicyName: "throttle"},
			{WhenRiskExceeds: exceeds(0.40), ActionPolicyName: "log"},
		},
	}
}

// DefaultActionPolicies returns the shipped action set the default
// transitions reference.
func DefaultActionPolicies() map[string]ActionPolicy {
	return map[string]ActionPolicy{
		"block-hard": {Name: "block-hard", Action: Action{Kind: ActionBlock, BlockStatus: 403, BlockBody: "Forbidden"}},
		"block":      {Name: "block", Action: Action{Kind: ActionBlock, BlockStatus: 403, BlockBody: "Forbidden"}},
		"throttle":   {Name: "throttle", Action: Action{Kind: ActionThrottle, MaxRequests: 30, WindowSeconds: 60}},
		"challenge":  {Name: "challenge", Action: Action{Kind: ActionChallenge, Challenge: ChallengeJS}},
		"log":        {Name: "log", Action: Action{Kind: ActionLogOnly}},
		"allow":      {Name: "allow", Action: Allow},
	}
}

// Validate checks the policy's internal consistency.
func (p *DetectionPolicy) Validate(actions map[string]ActionPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy without a name")
	}
	for i, t := range p.Transitions {
		if (t.WhenRiskExceeds == nil) == (t.WhenRiskBelow == nil) {
			return fmt.Errorf("policy %s transition %d: exactly one of when_risk_exceeds/when_risk_below required", p.Name, i)
		}
		if t.ActionPolicyName == "" {
			return fmt.Errorf("policy %s transition %d: missing action_policy_name", p.Name, i)
		}
		if _, ok := actions[t.ActionPolicyName]; !ok {
			return fmt.Errorf("policy %s transition %d: unknown action policy %q", p.Name, i, t.ActionPolicyName)
		}
	}
	return nil
}

// matchPattern reports whether path matches a configured path pattern.
// Patterns are path prefixes; a trailing "*" matches any remainder and a
// "*" segment matches exactly one path segment.
func matchPattern(pattern, path string) bool {
	if !strings.Contains(pattern, "*") {
		return path == pattern || strings.HasPrefix(path, strings.TrimSuffix(pattern, "/")+"/")
	}
	pp := strings.Split(strings.Trim(pattern, "/"), "/")
	sp := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range pp {
		if seg == "*" && i == len(pp)-1 {
			return len(sp) >= i
		}
		if i >= len(sp) {
			return false
		}
		if seg == "*" {
			continue
		}
		if seg != sp[i] {
			return false
		}
	}
	return len(sp) == len(pp)
}
