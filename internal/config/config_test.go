package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/policy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stylobot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 0.6, cfg.Detection.BotThreshold)
	assert.True(t, cfg.Detection.EnableLearning)
}

func TestLoad_ParsesFullSchema(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  env: development
  upstream_url: http://127.0.0.1:3000
  public_url: https://gw.example.com
detection:
  bot_threshold: 0.7
  default_policy_name: strict
  fast_path:
    sample_rate: 0.1
policies:
  strict:
    early_exit_threshold: 0.2
    transitions:
      - when_risk_exceeds: 0.9
        action_policy_name: hard
action_policies:
  hard:
    block:
      status_code: 429
      body: "Too Many Bots"
path_policies:
  /api: strict
store:
  retention_days: 7
learning:
  bus_capacity: 256
  handler_concurrency: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "https://gw.example.com", cfg.Server.PublicURL)
	assert.Equal(t, 0.7, cfg.Detection.BotThreshold)
	assert.Equal(t, 0.1, cfg.Detection.FastPath.SampleRate)
	assert.Equal(t, 7, cfg.Store.RetentionDays)
	assert.Equal(t, 256, cfg.Learning.BusCapacity)

	pc, err := cfg.PolicyEngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.2, pc.Policies["strict"].EarlyExitThreshold)
	assert.Equal(t, 429, pc.ActionPolicies["hard"].Action.BlockStatus)

	eng, err := policy.NewEngine(pc)
	require.NoError(t, err)
	assert.Equal(t, "strict", eng.PolicyFor("/api/x").Name)
}

func TestLoad_UnknownKeysWarnNotFatal(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
frobnicator:
  level: 11
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestValidate_ProductionRejectsDefaultKey(t *testing.T) {
	cfg := Default()
	cfg.Server.Env = "production"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature_hash_key")
}

func TestValidate_ProductionRejectsRawPII(t *testing.T) {
	cfg := Default()
	cfg.Server.Env = "production"
	cfg.Detection.SignatureHashKey = "dGhpcy1pcy1hLXJlYWwtcHJvZHVjdGlvbi1rZXktMzI"
	cfg.Detection.LogRawPII = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_raw_pii")
}

func TestValidate_ThresholdBounds(t *testing.T) {
	cfg := Default()
	cfg.Detection.BotThreshold = 1.2
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Detection.FastPath.SampleRate = -0.1
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"PORT", "7070")
	t.Setenv(EnvPrefix+"BOT_THRESHOLD", "0.8")
	t.Setenv(EnvPrefix+"LOG_RAW_PII", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Detection.BotThreshold)
	assert.True(t, cfg.Detection.LogRawPII)
}

func TestActionConfig_ExactlyOneBlock(t *testing.T) {
	_, err := ActionConfig{}.Action()
	assert.Error(t, err)

	logv := true
	_, err = ActionConfig{Log: &logv, Block: &BlockConfig{}}.Action()
	assert.Error(t, err)

	a, err := ActionConfig{Challenge: &ChallengeConfig{Kind: "js"}}.Action()
	require.NoError(t, err)
	assert.Equal(t, policy.ActionChallenge, a.Kind)

	_, err = ActionConfig{Challenge: &ChallengeConfig{Kind: "riddle"}}.Action()
	assert.Error(t, err)
}

func TestManager_ReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", m.Current().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9191\"\n"), 0o644))
	require.NoError(t, m.Reload())
	assert.Equal(t, "9191", m.Current().Server.Port)
}

func TestManager_FailedReloadKeepsOldSnapshot(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("detection:\n  bot_threshold: 9.9\n"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, "9090", m.Current().Server.Port)
}
