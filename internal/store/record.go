// Package store holds the durable contracts behind the detection
// pipeline: the append-only DetectionRecord log, the learned-pattern
// store, and the detector weight store. All writes are write-behind; a
// crash loses at most one unflushed batch.
package store

import (
	"time"
)

// SchemaVersion is embedded in every persisted DetectionRecord and in
// the save files; a mismatch on load invalidates the file.
const SchemaVersion = 3

// ContributionSummary is the persisted shape of one detector's evidence.
type ContributionSummary struct {
	Category string  `json:"category"`
	Impact   float64 `json:"impact"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason,omitempty"`
}

// DetectionRecord is the zero-PII record persisted per request. Raw IP
// and UA are only populated when the deployment explicitly opts into
// plaintext logging, which production mode refuses.
type DetectionRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"` // UTC

	Path       string `json:"path"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code"`

	ResponseTimeMs float64 `json:"response_time_ms"`

	BotProbability float64 `json:"bot_probability"`
	Confidence     float64 `json:"confidence"`
	RiskBand       string  `json:"risk_band"`
	IsBot          bool    `json:"is_bot"`

	BotType string `json:"bot_type,omitempty"`
	BotName string `json:"bot_name,omitempty"`

	PolicyName   string `json:"policy_name,omitempty"`
	PolicyAction string `json:"policy_action,omitempty"`

	IPHash     string `json:"ip_hash,omitempty"`
	UAHash     string `json:"ua_hash,omitempty"`
	SubnetHash string `json:"subnet_hash,omitempty"`
	Country    string `json:"country,omitempty"`

	// ClientIP and UserAgent stay nil unless log_raw_pii is enabled.
	ClientIP  *string `json:"client_ip,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`

	Contributions map[string]ContributionSummary `json:"contributions,omitempty"`
	TopReasons    []string                       `json:"top_reasons,omitempty"`

	SchemaVersion int `json:"schema_version"`
}
