// -- internal/llm/factory.go --
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// NewRouterFromConfig builds the full routed client stack: one provider
// adapter per tier, each wrapped with the shared rate limiter and schema
// enforcement.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Router, error) {
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1)
	}

	fast, err := newTierClient(ctx, cfg, cfg.DefaultFastModel, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("building fast tier client: %w", err)
	}
	powerful, err := newTierClient(ctx, cfg, cfg.DefaultPowerfulModel, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("building powerful tier client: %w", err)
	}

	return NewRouter(logger, fast, powerful)
}

func newTierClient(ctx context.Context, cfg config.LLMConfig, modelName string, limiter *rate.Limiter, logger *zap.Logger) (schemas.ChatModel, error) {
	mc, err := resolveModelConfig(cfg, modelName)
	if err != nil {
		return nil, err
	}

	adapter, err := newAdapter(ctx, mc, logger)
	if err != nil {
		return nil, err
	}

	if cfg.MaxRetries > 0 {
		setBackoffFactory(adapter, func() backoff.BackOff {
			return backoff.WithMaxRetries(defaultBackoffFactory(), uint64(cfg.MaxRetries))
		})
	}

	return NewClient(adapter, limiter, logger), nil
}

// newAdapter creates the provider adapter matching the model configuration.
func newAdapter(ctx context.Context, mc config.ModelConfig, logger *zap.Logger) (schemas.ChatModel, error) {
	switch mc.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, mc, logger)
	case config.ProviderOpenAI, config.ProviderOllama:
		return NewOpenAIClient(mc, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			mc.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}

// resolveModelConfig looks a model up in the configured map, falling back to
// inferring the provider from the model name so the default models work with
// nothing but an API key in the environment.
func resolveModelConfig(cfg config.LLMConfig, name string) (config.ModelConfig, error) {
	if name == "" {
		return config.ModelConfig{}, fmt.Errorf("model name must not be empty")
	}

	if mc, ok := cfg.Models[name]; ok {
		if mc.Model == "" {
			mc.Model = name
		}
		return mc, nil
	}

	mc := config.ModelConfig{Model: name}
	switch {
	case strings.HasPrefix(name, "gemini"):
		mc.Provider = config.ProviderGemini
		mc.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	case strings.HasPrefix(name, "gpt"), strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "chatgpt"):
		mc.Provider = config.ProviderOpenAI
		mc.APIKey = os.Getenv("OPENAI_API_KEY")
	case strings.Contains(name, ":"):
		// Ollama tags models like "llama3:8b".
		mc.Provider = config.ProviderOllama
	default:
		return config.ModelConfig{}, fmt.Errorf("model %q is not configured and its provider could not be inferred", name)
	}
	return mc, nil
}

// setBackoffFactory injects the retry policy into adapters that retry.
func setBackoffFactory(adapter schemas.ChatModel, factory func() backoff.BackOff) {
	switch a := adapter.(type) {
	case *OpenAIClient:
		a.backoffFactory = factory
	case *GeminiClient:
		a.backoffFactory = factory
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
