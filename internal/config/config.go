// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Pricing PricingConfig `mapstructure:"pricing" yaml:"pricing"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Provider identifies a supported LLM backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
	// Ollama speaks the OpenAI wire protocol on a local endpoint.
	ProviderOllama Provider = "ollama"
)

// ModelConfig defines the configuration for a single LLM.
type ModelConfig struct {
	Provider    Provider      `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float64       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// LLMConfig configures the model routing and client behavior.
type LLMConfig struct {
	DefaultFastModel     string `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	// PlannerTier selects which routed model the planner uses.
	PlannerTier string `mapstructure:"planner_tier" yaml:"planner_tier"`
	// RequestsPerMinute is a client-side limiter applied before any provider
	// call. Zero disables it.
	RequestsPerMinute float64                `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxRetries        int                    `mapstructure:"max_retries" yaml:"max_retries"`
	Models            map[string]ModelConfig `mapstructure:"models" yaml:"models"`
}

// AgentConfig holds the orchestration policy knobs.
type AgentConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxFailures       int           `mapstructure:"max_failures" yaml:"max_failures"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxActionsPerStep int           `mapstructure:"max_actions_per_step" yaml:"max_actions_per_step"`
	// PlannerInterval runs the planner every N steps. Zero disables planning.
	PlannerInterval int  `mapstructure:"planner_interval" yaml:"planner_interval"`
	UseVision       bool `mapstructure:"use_vision" yaml:"use_vision"`
	// UseThinking asks the model for a free-form reasoning field alongside
	// the decision.
	UseThinking    bool `mapstructure:"use_thinking" yaml:"use_thinking"`
	ValidateOutput bool `mapstructure:"validate_output" yaml:"validate_output"`
	MaxInputTokens int  `mapstructure:"max_input_tokens" yaml:"max_input_tokens"`
	// ExtendSystemPrompt is appended to the built-in system prompt without
	// replacing it.
	ExtendSystemPrompt string `mapstructure:"extend_system_prompt" yaml:"extend_system_prompt"`
	// SensitiveData maps a domain glob (e.g. "*.example.com") to secret
	// key/value pairs usable on matching pages. The model only ever sees the
	// keys as placeholders.
	SensitiveData map[string]map[string]string `mapstructure:"sensitive_data" yaml:"sensitive_data"`
	// AvailableFilePaths are files actions may reference, for example as
	// upload sources.
	AvailableFilePaths []string `mapstructure:"available_file_paths" yaml:"available_file_paths"`
}

// BrowserConfig holds settings for the managed browser instance.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// StabilizeWait is how long the environment lets the page settle after an
	// operation before the next observation.
	StabilizeWait time.Duration `mapstructure:"stabilize_wait" yaml:"stabilize_wait"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	// AllowedDomains restricts navigation. Empty means unrestricted.
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
}

// PricingConfig controls where per-token model pricing comes from.
type PricingConfig struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	// CacheDir overrides the default ~/.voyager-cli cache location.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "voyager")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.planner_tier", "fast")
	v.SetDefault("llm.requests_per_minute", 60.0)
	v.SetDefault("llm.max_retries", 5)

	// -- Agent --
	v.SetDefault("agent.max_steps", 100)
	v.SetDefault("agent.max_failures", 3)
	v.SetDefault("agent.retry_delay", "10s")
	v.SetDefault("agent.max_actions_per_step", 10)
	v.SetDefault("agent.planner_interval", 0)
	v.SetDefault("agent.use_vision", true)
	v.SetDefault("agent.use_thinking", false)
	v.SetDefault("agent.validate_output", false)
	v.SetDefault("agent.max_input_tokens", 128000)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 1100)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.stabilize_wait", "500ms")

	// -- Pricing --
	v.SetDefault("pricing.url", "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json")
	v.SetDefault("pricing.cache_ttl", "24h")
	v.SetDefault("pricing.disabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fill in API keys from conventional environment variables when the
	// config file leaves them empty.
	for name, mc := range cfg.LLM.Models {
		if mc.APIKey != "" {
			continue
		}
		switch mc.Provider {
		case ProviderOpenAI:
			mc.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderGemini:
			mc.APIKey = os.Getenv("GEMINI_API_KEY")
			if mc.APIKey == "" {
				mc.APIKey = os.Getenv("GOOGLE_API_KEY")
			}
		}
		cfg.LLM.Models[name] = mc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Agent.MaxFailures < 0 {
		return fmt.Errorf("agent.max_failures must not be negative, got %d", c.Agent.MaxFailures)
	}
	if c.Agent.MaxActionsPerStep < 1 {
		return fmt.Errorf("agent.max_actions_per_step must be at least 1, got %d", c.Agent.MaxActionsPerStep)
	}
	if c.Agent.MaxInputTokens < 4096 {
		return fmt.Errorf("agent.max_input_tokens must be at least 4096, got %d", c.Agent.MaxInputTokens)
	}
	if c.Agent.RetryDelay < 0 {
		return fmt.Errorf("agent.retry_delay must not be negative")
	}
	switch tier := c.LLM.PlannerTier; tier {
	case "", "fast", "powerful":
	default:
		return fmt.Errorf("llm.planner_tier must be \"fast\" or \"powerful\", got %q", tier)
	}
	for name, mc := range c.LLM.Models {
		switch mc.Provider {
		case ProviderGemini, ProviderOpenAI, ProviderOllama:
		default:
			return fmt.Errorf("llm.models.%s: unknown provider %q", name, mc.Provider)
		}
		if mc.Model == "" {
			return fmt.Errorf("llm.models.%s: model name is required", name)
		}
	}
	for domain := range c.Agent.SensitiveData {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("agent.sensitive_data: empty domain pattern")
		}
	}
	return nil
}
