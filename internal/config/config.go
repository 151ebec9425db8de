// Package config loads and validates the gateway configuration: one
// YAML file, overridable by STYLOBOT_-prefixed environment variables.
// The loaded Config is an immutable snapshot; a reload publishes a new
// one via the Manager's atomic swap.
package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/stylobot/gateway/internal/policy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STYLOBOT_"

// DefaultHashKey is the development signature key. Production mode
// refuses to start with it.
const DefaultHashKey = "c3R5bG9ib3QtZGV2LWtleS1ub3QtZm9yLXByb2R1Y3Rpb24"

type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Detection  DetectionConfig         `yaml:"detection"`
	Policies   map[string]PolicyConfig `yaml:"policies"`
	ActionPols map[string]ActionConfig `yaml:"action_policies"`
	PathPols   map[string]string       `yaml:"path_policies"`
	Store      StoreConfig             `yaml:"store"`
	Learning   LearningConfig          `yaml:"learning"`
	Similarity SimilarityConfig        `yaml:"similarity"`
	Events     EventsConfig            `yaml:"events"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"` // "development" or "production"
	UpstreamURL string `yaml:"upstream_url"`

	// PublicURL is the externally reachable base URL of the gateway,
	// advertised to browsers as the client-result callback origin.
	PublicURL string `yaml:"public_url"`

	// SoftBudgetMs is the per-request detection budget.
	SoftBudgetMs int `yaml:"soft_budget_ms"`
}

type DetectionConfig struct {
	// BotThreshold is the probability cut-off for the IsBot flag.
	BotThreshold float64 `yaml:"bot_threshold"`

	DefaultPolicyName       string `yaml:"default_policy_name"`
	DefaultActionPolicyName string `yaml:"default_action_policy_name"`

	EnableLearning bool `yaml:"enable_learning"`

	FastPath FastPathConfig `yaml:"fast_path"`

	// SignatureHashKey is the base64 HMAC master key.
	SignatureHashKey string `yaml:"signature_hash_key"`

	// LogRawPII opts into plaintext IP/UA in detection records.
	// Hard-denied in production mode.
	LogRawPII bool `yaml:"log_raw_pii"`
}

type FastPathConfig struct {
	SampleRate float64 `yaml:"sample_rate"`
}

type PolicyConfig struct {
	FastPath     []string `yaml:"fast_path"`
	SlowPath     []string `yaml:"slow_path"`
	AIPath       []string `yaml:"ai_path"`
	ResponsePath []string `yaml:"response_path"`

	EarlyExitThreshold      float64 `yaml:"early_exit_threshold"`
	ImmediateBlockThreshold float64 `yaml:"immediate_block_threshold"`
	AIEscalationThreshold   float64 `yaml:"ai_escalation_threshold"`
	AllowEarlyExit          *bool   `yaml:"allow_early_exit"`

	Transitions []TransitionConfig `yaml:"transitions"`
}

type TransitionConfig struct {
	WhenRiskExceeds  *float64 `yaml:"when_risk_exceeds"`
	WhenRiskBelow    *float64 `yaml:"when_risk_below"`
	ActionPolicyName string   `yaml:"action_policy_name"`
}

// ActionConfig is the YAML composition form: exactly one of the blocks
// must be present.
type ActionConfig struct {
	Block     *BlockConfig     `yaml:"block"`
	Throttle  *ThrottleConfig  `yaml:"throttle"`
	Challenge *ChallengeConfig `yaml:"challenge"`
	Redirect  *RedirectConfig  `yaml:"redirect"`
	Log       *bool            `yaml:"log"`
	Allow     *bool            `yaml:"allow"`
}

type BlockConfig struct {
	StatusCode int    `yaml:"status_code"`
	Body       string `yaml:"body"`
}

type ThrottleConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type ChallengeConfig struct {
	Kind string `yaml:"kind"` // captcha | proof_of_work | js
}

type RedirectConfig struct {
	TargetURL  string `yaml:"target_url"`
	StatusCode int    `yaml:"status_code"`
}

type StoreConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

type LearningConfig struct {
	BusCapacity        int `yaml:"bus_capacity"`
	HandlerConcurrency int `yaml:"handler_concurrency"`
}

type SimilarityConfig struct {
	Dir string `yaml:"dir"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Env:          "development",
			SoftBudgetMs: 200,
		},
		Detection: DetectionConfig{
			BotThreshold:            0.6,
			DefaultPolicyName:       "default",
			DefaultActionPolicyName: "allow",
			EnableLearning:          true,
			FastPath:                FastPathConfig{SampleRate: 0.05},
			SignatureHashKey:        DefaultHashKey,
		},
		Store:      StoreConfig{Dir: "data", RetentionDays: 30},
		Learning:   LearningConfig{BusCapacity: 1024, HandlerConcurrency: 4},
		Similarity: SimilarityConfig{Dir: "data/similarity"},
	}
}

// Load reads the YAML file (missing file: defaults), applies environment
// overrides, and validates. Unknown YAML keys are logged as warnings,
// never fatal.
func Load(path string) (*Config, error) {
	logger := log.New(log.Writer(), "[CONFIG] ", log.LstdFlags)
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			logger.Printf("config file %s not found, using defaults", path)
		} else {
			if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
				te, ok := err.(*yaml.TypeError)
				if !ok || !onlyUnknownFields(te) {
					return nil, fmt.Errorf("parse config: %w", err)
				}
				for _, e := range te.Errors {
					logger.Printf("warning: %s", e)
				}
				cfg = Default()
				if err := yaml.Unmarshal(raw, cfg); err != nil {
					return nil, fmt.Errorf("parse config: %w", err)
				}
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// onlyUnknownFields reports whether every strict-mode error is an
// unknown-field complaint; type mismatches stay fatal.
func onlyUnknownFields(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return false
		}
	}
	return true
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	f64 := func(key string, dst *float64) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = parsed
			}
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("PORT", &cfg.Server.Port)
	str("ENV", &cfg.Server.Env)
	str("UPSTREAM_URL", &cfg.Server.UpstreamURL)
	str("PUBLIC_URL", &cfg.Server.PublicURL)
	num("SOFT_BUDGET_MS", &cfg.Server.SoftBudgetMs)

	f64("BOT_THRESHOLD", &cfg.Detection.BotThreshold)
	str("DEFAULT_POLICY_NAME", &cfg.Detection.DefaultPolicyName)
	str("DEFAULT_ACTION_POLICY_NAME", &cfg.Detection.DefaultActionPolicyName)
	flag("ENABLE_LEARNING", &cfg.Detection.EnableLearning)
	f64("FAST_PATH_SAMPLE_RATE", &cfg.Detection.FastPath.SampleRate)
	str("SIGNATURE_HASH_KEY", &cfg.Detection.SignatureHashKey)
	flag("LOG_RAW_PII", &cfg.Detection.LogRawPII)

	str("STORE_DIR", &cfg.Store.Dir)
	num("STORE_RETENTION_DAYS", &cfg.Store.RetentionDays)
	str("POSTGRES_DSN", &cfg.Store.PostgresDSN)
	str("REDIS_ADDR", &cfg.Store.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Store.RedisPassword)

	num("LEARNING_BUS_CAPACITY", &cfg.Learning.BusCapacity)
	num("LEARNING_HANDLER_CONCURRENCY", &cfg.Learning.HandlerConcurrency)

	str("SIMILARITY_DIR", &cfg.Similarity.Dir)
	str("PUBSUB_PROJECT", &cfg.Events.PubSubProject)
	str("PUBSUB_TOPIC", &cfg.Events.PubSubTopic)
}

// IsProduction reports production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// Validate enforces the startup invariants. Violations are fatal: a
// misconfigured gateway must refuse to start, not degrade.
func (c *Config) Validate() error {
	if c.Detection.BotThreshold < 0 || c.Detection.BotThreshold > 1 {
		return fmt.Errorf("bot_threshold %.2f outside [0,1]", c.Detection.BotThreshold)
	}
	if r := c.Detection.FastPath.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("fast_path.sample_rate %.2f outside [0,1]", r)
	}
	if c.IsProduction() {
		if c.Detection.SignatureHashKey == DefaultHashKey || c.Detection.SignatureHashKey == "" {
			return fmt.Errorf("refusing to start: default signature_hash_key in production")
		}
		if c.Detection.LogRawPII {
			return fmt.Errorf("refusing to start: log_raw_pii is not permitted in production")
		}
	}
	if _, err := c.HashKey(); err != nil {
		return err
	}
	for name, ac := range c.ActionPols {
		if _, err := ac.Action(); err != nil {
			return fmt.Errorf("action policy %q: %w", name, err)
		}
	}
	return nil
}

// HashKey decodes the signature master key.
func (c *Config) HashKey() ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.Detection.SignatureHashKey, "="))
	if err != nil {
		return nil, fmt.Errorf("signature_hash_key is not valid base64: %w", err)
	}
	return key, nil
}

// Action converts the YAML composition into the policy union.
func (a ActionConfig) Action() (policy.Action, error) {
	set := 0
	var out policy.Action
	if a.Block != nil {
		set++
		status := a.Block.StatusCode
		if status == 0 {
			status = 403
		}
		out = policy.Action{Kind: policy.ActionBlock, BlockStatus: status, BlockBody: a.Block.Body}
	}
	if a.Throttle != nil {
		set++
		out = policy.Action{Kind: policy.ActionThrottle, MaxRequests: a.Throttle.MaxRequests, WindowSeconds: a.Throttle.WindowSeconds}
	}
	if a.Challenge != nil {
		set++
		kind := policy.ChallengeKind(a.Challenge.Kind)
		switch kind {
		case policy.ChallengeCaptcha, policy.ChallengeProofOfWork, policy.ChallengeJS:
		default:
			return policy.Action{}, fmt.Errorf("unknown challenge kind %q", a.Challenge.Kind)
		}
		out = policy.Action{Kind: policy.ActionChallenge, Challenge: kind}
	}
	if a.Redirect != nil {
		set++
		status := a.Redirect.StatusCode
		if status == 0 {
			status = 302
		}
		out = policy.Action{Kind: policy.ActionRedirect, TargetURL: a.Redirect.TargetURL, RedirectStatus: status}
	}
	if a.Log != nil && *a.Log {
		set++
		out = policy.Action{Kind: policy.ActionLogOnly}
	}
	if a.Allow != nil && *a.Allow {
		set++
		out = policy.Allow
	}
	if set != 1 {
		return policy.Action{}, fmt.Errorf("exactly one action block required, got %d", set)
	}
	return out, nil
}

// PolicyEngineConfig assembles the policy engine input from the loaded
// configuration.
func (c *Config) PolicyEngineConfig() (policy.Config, error) {
	actions := policy.DefaultActionPolicies()
	for name, ac := range c.ActionPols {
		action, err := ac.Action()
		if err != nil {
			return policy.Config{}, fmt.Errorf("action policy %q: %w", name, err)
		}
		actions[name] = policy.ActionPolicy{Name: name, Action: action}
	}

	policies := map[string]*policy.DetectionPolicy{}
	for name, pc := range c.Policies {
		p := policy.DefaultDetectionPolicy(name)
		p.FastPath = pc.FastPath
		p.SlowPath = pc.SlowPath
		p.AIPath = pc.AIPath
		p.ResponsePath = pc.ResponsePath
		if pc.EarlyExitThreshold > 0 {
			p.EarlyExitThreshold = pc.EarlyExitThreshold
		}
		if pc.ImmediateBlockThreshold > 0 {
			p.ImmediateBlockThreshold = pc.ImmediateBlockThreshold
		}
		if pc.AIEscalationThreshold > 0 {
			p.AIEscalationThreshold = pc.AIEscalationThreshold
		}
		if pc.AllowEarlyExit != nil {
			p.AllowEarlyExit = *pc.AllowEarlyExit
		}
		if len(pc.Transitions) > 0 {
			p.Transitions = nil
			for _, tc := range pc.Transitions {
				p.Transitions = append(p.Transitions, policy.Transition{
					WhenRiskExceeds:  tc.WhenRiskExceeds,
					WhenRiskBelow:    tc.WhenRiskBelow,
					ActionPolicyName: tc.ActionPolicyName,
				})
			}
		}
		policies[name] = p
	}

	return policy.Config{
		Policies:          policies,
		ActionPolicies:    actions,
		PathPolicies:      c.PathPols,
		DefaultPolicy:     c.Detection.DefaultPolicyName,
		DefaultActionName: c.Detection.DefaultActionPolicyName,
	}, nil
}
