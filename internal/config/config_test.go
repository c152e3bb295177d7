// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.DefaultPowerfulModel)
	assert.Equal(t, 3, cfg.Agent.MaxFailures)
	assert.Equal(t, 10*time.Second, cfg.Agent.RetryDelay)
	assert.Equal(t, 10, cfg.Agent.MaxActionsPerStep)
	assert.True(t, cfg.Agent.UseVision)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 60*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Pricing.CacheTTL)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	newValid := func() *Config { return NewDefaultConfig() }

	t.Run("rejects negative max failures", func(t *testing.T) {
		cfg := newValid()
		cfg.Agent.MaxFailures = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_failures")
	})

	t.Run("rejects zero actions per step", func(t *testing.T) {
		cfg := newValid()
		cfg.Agent.MaxActionsPerStep = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_actions_per_step")
	})

	t.Run("rejects tiny token budget", func(t *testing.T) {
		cfg := newValid()
		cfg.Agent.MaxInputTokens = 100
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_input_tokens")
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		cfg := newValid()
		cfg.LLM.Models = map[string]ModelConfig{
			"bad": {Provider: "watson", Model: "x"},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")
	})

	t.Run("rejects model entry without model name", func(t *testing.T) {
		cfg := newValid()
		cfg.LLM.Models = map[string]ModelConfig{
			"gpt": {Provider: ProviderOpenAI},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model name is required")
	})

	t.Run("rejects bad planner tier", func(t *testing.T) {
		cfg := newValid()
		cfg.LLM.PlannerTier = "enormous"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm.planner_tier")
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViperReadsYAML(t *testing.T) {
	yamlConfig := []byte(`
logger:
  level: debug
  format: json
llm:
  default_fast_model: gpt-4o-mini
  models:
    gpt-4o-mini:
      provider: openai
      model: gpt-4o-mini
      api_key: test-key
      api_timeout: 45s
agent:
  max_steps: 25
  retry_delay: 3s
  use_vision: false
  sensitive_data:
    "*.example.com":
      portal_password: hunter2
browser:
  headless: false
  allowed_domains: ["example.com", "*.example.com"]
`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.DefaultFastModel)
	require.Contains(t, cfg.LLM.Models, "gpt-4o-mini")
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Models["gpt-4o-mini"].Provider)
	assert.Equal(t, 45*time.Second, cfg.LLM.Models["gpt-4o-mini"].APITimeout)
	assert.Equal(t, 25, cfg.Agent.MaxSteps)
	assert.Equal(t, 3*time.Second, cfg.Agent.RetryDelay)
	assert.False(t, cfg.Agent.UseVision)
	assert.Equal(t, "hunter2", cfg.Agent.SensitiveData["*.example.com"]["portal_password"])
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, []string{"example.com", "*.example.com"}, cfg.Browser.AllowedDomains)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Agent.MaxFailures)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.DefaultPowerfulModel)
}

func TestNewConfigFromViperFillsAPIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	v := viper.New()
	SetDefaults(v)
	v.Set("llm.models", map[string]any{
		"gpt": map[string]any{"provider": "openai", "model": "gpt-4o"},
	})

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLM.Models["gpt"].APIKey)
}
