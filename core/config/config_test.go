package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
bus:
  handler_timeout: 10s
pipelines:
  rate_limit:
    per_sender_limit: 5
  message_log:
    enabled: true
    dir: /tmp/ema-logs
expression:
  threshold: 20
  emotions:
    happy: grin
providers:
  input:
    enabled_inputs: [console, danmaku]
    console:
      prompt: "> "
    danmaku:
      addr: ":8765"
    twitch:
      enabled: true
      channels: [somechannel]
  decision:
    active_provider: llm
    rules: {}
    llm:
      backend: groq
      model: llama-3.3-70b-versatile
  output:
    console:
      enabled: true
      width: 60
    subtitle:
      enabled: false
`

func TestParseAppliesDefaultsAndFile(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Bus.HandlerTimeout)
	assert.Equal(t, 5*time.Second, cfg.Bus.RequestTimeout)
	assert.True(t, cfg.Pipelines.RateLimit.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Pipelines.RateLimit.Window)
	assert.Equal(t, 5, cfg.Pipelines.RateLimit.PerSenderLimit)
	assert.Equal(t, "/tmp/ema-logs", cfg.Pipelines.MessageLog.Dir)
	assert.Equal(t, 20, cfg.Expression.Threshold)
	assert.Equal(t, "grin", cfg.Expression.Emotions[intents.EmotionHappy])
}

func TestEnabledListWinsOverEnabledFlags(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	specs := cfg.Providers.Input.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "console", specs[0].Name)
	assert.Equal(t, "danmaku", specs[1].Name)

	var options struct {
		Addr string `yaml:"addr"`
	}
	require.NoError(t, specs[1].Options.Decode(&options))
	assert.Equal(t, ":8765", options.Addr)
}

func TestEnabledFlagsSelectProvidersWithoutList(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	specs := cfg.Providers.Output.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "console", specs[0].Name)

	var options struct {
		Width int `yaml:"width"`
	}
	require.NoError(t, specs[0].Options.Decode(&options), "the enabled key is stripped before decoding")
	assert.Equal(t, 60, options.Width)
}

func TestActiveSpec(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	spec, ok := cfg.Providers.Decision.ActiveSpec()
	require.True(t, ok)
	assert.Equal(t, "llm", spec.Name)

	cfg, err = Parse([]byte("providers:\n  decision:\n    rules: {enabled: true}\n"))
	require.NoError(t, err)
	spec, ok = cfg.Providers.Decision.ActiveSpec()
	require.True(t, ok)
	assert.Equal(t, "rules", spec.Name)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	_, ok = cfg.Providers.Decision.ActiveSpec()
	assert.False(t, ok)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"unknown key":            "bus:\n  handler_timout: 1s\n",
		"bad duration":           "bus:\n  request_timeout: soon\n",
		"negative limit":         "pipelines:\n  rate_limit:\n    global_limit: -1\n",
		"unknown emotion":        "expression:\n  emotions:\n    smug: smirk\n",
		"wrong list key":         "providers:\n  input:\n    enabled_outputs: [console]\n",
		"list in decision":       "providers:\n  decision:\n    enabled_inputs: [rules]\n",
		"ambiguous decision":     "providers:\n  decision:\n    a: {enabled: true}\n    b: {enabled: true}\n",
		"scalar provider block":  "providers:\n  output:\n    console: yes\n",
		"duplicate enabled name": "providers:\n  output:\n    enabled_outputs: [console, console]\n",
		"s3 without bucket":      "pipelines:\n  message_log:\n    enabled: true\n    s3: {region: eu-west-1}\n",
	}
	for name, source := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(source))
			assert.Error(t, err)
		})
	}
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "groq-secret")
	t.Setenv("OPENAI_API_KEY", "openai-secret")
	t.Setenv("TWITCH_OAUTH", "oauth:abc")
	t.Setenv("DEEPGRAM_API_KEY", "")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	var llm struct {
		Backend string `yaml:"backend"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"api_key"`
	}
	require.NoError(t, cfg.Providers.Decision.Options("llm").Decode(&llm))
	assert.Equal(t, "groq-secret", llm.APIKey)

	var twitch struct {
		Channels []string `yaml:"channels"`
		OAuth    string   `yaml:"oauth"`
	}
	require.NoError(t, cfg.Providers.Input.Options("twitch").Decode(&twitch))
	assert.Equal(t, "oauth:abc", twitch.OAuth)

	assert.True(t, cfg.Providers.Output.Options("tts").IsZero())
}

func TestEnvironmentOverrideDoesNotEnableProvider(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Empty(t, cfg.Providers.Output.Specs())
	enabled, set := cfg.Providers.Output.Options("avatar").Enabled()
	assert.False(t, enabled)
	assert.False(t, set)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []providers.Spec{
		{Name: "console", Options: cfg.Providers.Input.Options("console")},
		{Name: "danmaku", Options: cfg.Providers.Input.Options("danmaku")},
	}, cfg.Providers.Input.Specs())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
