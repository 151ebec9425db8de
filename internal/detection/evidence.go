// Package detection holds the evidence model and the orchestrator that
// turns a set of detector contributions into a single verdict.
package detection

import (
	"math"
	"time"
)

// Category tags group contributions for the per-category breakdown.
type Category string

const (
	CategoryReputation Category = "reputation"
	CategoryUserAgent  Category = "user_agent"
	CategoryHeaders    Category = "headers"
	CategoryNetwork    Category = "network"
	CategoryBehavioral Category = "behavioral"
	CategoryClient     Category = "client"
	CategoryProtocol   Category = "protocol"
	CategoryGeo        Category = "geo"
	CategoryAI         Category = "ai"
)

// BotType is the coarse classification a detector may suggest.
type BotType string

const (
	BotTypeUnknown         BotType = "Unknown"
	BotTypeVerified        BotType = "VerifiedBot"
	BotTypeScraper         BotType = "Scraper"
	BotTypeSecurityScanner BotType = "SecurityScanner"
	BotTypeAutomation      BotType = "AutomationFramework"
	BotTypeMonitor         BotType = "Monitor"
	BotTypeAIAgent         BotType = "AIAgent"
)

// Verdict is carried by early-exit contributions.
type Verdict string

const (
	VerdictNone  Verdict = ""
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
)

// Contribution is one detector's piece of evidence. Positive
// ConfidenceDelta means more bot-like; Weight scales its pull on the
// aggregate. Contributions are immutable once returned.
type Contribution struct {
	Detector  string        `json:"name"`
	Category  Category      `json:"category"`
	Priority  int           `json:"-"`
	Timestamp time.Time     `json:"-"`
	Duration  time.Duration `json:"-"`

	ConfidenceDelta float64 `json:"impact"` // -1..+1
	Weight          float64 `json:"weight"` // >= 0
	Reason          string  `json:"reason,omitempty"`

	BotType BotType `json:"bot_type,omitempty"`
	BotName string  `json:"bot_name,omitempty"`

	// Signals the detector wants published to the blackboard alongside
	// this contribution.
	Signals map[string]any `json:"-"`

	// EarlyExit asks the orchestrator to stop the pipeline with Verdict.
	// Honored only when the detector's manifest allows it.
	EarlyExit bool    `json:"-"`
	Verdict   Verdict `json:"-"`
}

// Clamp normalizes the contribution into its legal ranges.
func (c *Contribution) Clamp(weightCeiling float64) {
	if c.ConfidenceDelta > 1 {
		c.ConfidenceDelta = 1
	}
	if c.ConfidenceDelta < -1 {
		c.ConfidenceDelta = -1
	}
	if c.Weight < 0 {
		c.Weight = 0
	}
	if weightCeiling > 0 && c.Weight > weightCeiling {
		c.Weight = weightCeiling
	}
}

// RiskBand discretises (probability, confidence) for policy selection.
type RiskBand string

const (
	RiskVeryLow  RiskBand = "VeryLow"
	RiskLow      RiskBand = "Low"
	RiskElevated RiskBand = "Elevated"
	RiskMedium   RiskBand = "Medium"
	RiskHigh     RiskBand = "High"
	RiskVeryHigh RiskBand = "VeryHigh"
	RiskUnknown  RiskBand = "Unknown"
)

// RiskBandFor maps probability and confidence onto a band. Total and
// pure: every input pair yields exactly one band.
func RiskBandFor(probability, confidence float64) RiskBand {
	if confidence < 0.3 {
		return RiskUnknown
	}
	switch {
	case probability >= 0.95:
		return RiskVeryHigh
	case probability >= 0.80:
		return RiskHigh
	case probability >= 0.60:
		return RiskMedium
	case probability >= 0.40:
		return RiskElevated
	case probability >= 0.20:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// CategoryScore is the summed breakdown for one category.
type CategoryScore struct {
	Score       float64 `json:"score"`
	TotalWeight float64 `json:"total_weight"`
}

// AggregatedEvidence is the orchestrator's output for one request.
type AggregatedEvidence struct {
	RequestID     string
	Contributions []Contribution
	Categories    map[Category]CategoryScore

	BotProbability float64
	Confidence     float64
	Band           RiskBand
	IsBot          bool

	BotType BotType
	BotName string

	DetectorsRan     []string
	DetectorsFailed  []string
	DetectorsSkipped []string

	AIRan       bool
	EarlyExited bool
	ExitVerdict Verdict

	Signals map[string]any

	PolicyName            string
	PolicyAction          string
	TriggeredActionPolicy string
	PolicyActionReason    string

	ProcessingTime time.Duration
}

// TopReasons returns up to n reasons ordered by absolute weighted impact.
func (e *AggregatedEvidence) TopReasons(n int) []string {
	type scored struct {
		impact float64
		reason string
	}
	candidates := make([]scored, 0, len(e.Contributions))
	for _, c := range e.Contributions {
		if c.Reason == "" {
			continue
		}
		candidates = append(candidates, scored{math.Abs(c.ConfidenceDelta * c.Weight), c.Reason})
	}
	// Insertion sort; contribution lists are small.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].impact > candidates[j-1].impact; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	reasons := make([]string, n)
	for i := 0; i < n; i++ {
		reasons[i] = candidates[i].reason
	}
	return reasons
}

// aggregate folds contributions into probability, confidence, band, and
// the primary bot identity.
//
//	probability = clamp(Σ delta·weight / Σ weight, 0, 1)
//	agreement   = 1 − 2·variance(delta)
//	confidence grows with detector count, agreement, and total weight
func aggregate(evidence *AggregatedEvidence) {
	var weightedSum, totalWeight float64
	var deltas []float64
	evidence.Categories = make(map[Category]CategoryScore)

	for _, c := range evidence.Contributions {
		if c.Weight <= 0 {
			continue
		}
		weightedSum += c.ConfidenceDelta * c.Weight
		totalWeight += c.Weight
		deltas = append(deltas, c.ConfidenceDelta)

		cs := evidence.Categories[c.Category]
		cs.Score += c.ConfidenceDelta * c.Weight
		cs.TotalWeight += c.Weight
		evidence.Categories[c.Category] = cs
	}

	if totalWeight == 0 {
		evidence.BotProbability = 0.5
		evidence.Confidence = 0
		evidence.Band = RiskUnknown
		return
	}

	evidence.BotProbability = clamp01(weightedSum / totalWeight)

	agreement := 1 - 2*variance(deltas)
	if agreement < 0 {
		agreement = 0
	}
	coverage := float64(len(deltas)) / 6.0
	if coverage > 1 {
		coverage = 1
	}
	weightFactor := totalWeight / 5.0
	if weightFactor > 1 {
		weightFactor = 1
	}
	evidence.Confidence = clamp01(0.3*coverage + 0.5*agreement + 0.2*weightFactor)

	evidence.Band = RiskBandFor(evidence.BotProbability, evidence.Confidence)

	pickPrimaryBot(evidence)
}

// pickPrimaryBot selects the bot identity from the highest weighted-impact
// contribution that suggested one; ties break by priority, then timestamp.
func pickPrimaryBot(evidence *AggregatedEvidence) {
	var best *Contribution
	bestImpact := -1.0
	for i := range evidence.Contributions {
		c := &evidence.Contributions[i]
		if c.BotType == "" || c.BotType == BotTypeUnknown {
			continue
		}
		impact := math.Abs(c.ConfidenceDelta * c.Weight)
		switch {
		case impact > bestImpact:
			best, bestImpact = c, impact
		case impact == bestImpact && best != nil:
			if c.Priority > best.Priority ||
				(c.Priority == best.Priority && c.Timestamp.Before(best.Timestamp)) {
				best = c
			}
		}
	}
	if best != nil {
		evidence.BotType = best.BotType
		evidence.BotName = best.BotName
	} else {
		evidence.BotType = BotTypeUnknown
	}
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
