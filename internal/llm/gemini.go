// internal/llm/gemini.go
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// GeminiClient implements schemas.ChatModel on top of the official Gemini SDK,
// using native structured output when a schema is requested.
type GeminiClient struct {
	client *genai.Client
	logger *zap.Logger
	config config.ModelConfig

	backoffFactory func() backoff.BackOff
}

var _ schemas.ChatModel = (*GeminiClient)(nil)

// NewGeminiClient initializes the client. An empty endpoint uses the public
// Gemini API; tests point it at a local server.
func NewGeminiClient(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required for model %q", cfg.Model)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.Endpoint
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:         client,
		config:         cfg,
		logger:         logger.Named("llm_client.gemini"),
		backoffFactory: defaultBackoffFactory,
	}, nil
}

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string { return c.config.Model }

// Provider returns "gemini".
func (c *GeminiClient) Provider() string { return string(config.ProviderGemini) }

// Invoke sends the conversation to the Gemini API and returns the generated
// content with retries.
func (c *GeminiClient) Invoke(ctx context.Context, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	if opts == nil {
		opts = &schemas.InvokeOptions{}
	}

	contents, genCfg := c.buildRequest(messages, opts)

	var result *schemas.ChatResult

	operation := func() error {
		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, genCfg)
		duration := time.Since(startTime)

		if err != nil {
			return c.handleAPIError(err)
		}

		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		text := resp.Text()
		if text == "" {
			reason := resp.Candidates[0].FinishReason
			if reason == genai.FinishReasonSafety || reason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (reason: %s)", reason))
			}
			return fmt.Errorf("gemini API returned empty content (reason: %s)", reason)
		}

		res := &schemas.ChatResult{Content: text}
		if opts.OutputSchema != nil && json.Valid([]byte(text)) {
			res.Parsed = json.RawMessage(text)
		}

		logFields := []zap.Field{
			zap.Duration("duration", duration),
		}
		if u := resp.UsageMetadata; u != nil {
			res.Usage = &schemas.TokenUsage{
				PromptTokens:       int(u.PromptTokenCount),
				PromptCachedTokens: int(u.CachedContentTokenCount),
				CompletionTokens:   int(u.CandidatesTokenCount),
				TotalTokens:        int(u.TotalTokenCount),
			}
			// PromptTokenCount spans all modalities; the details carry the
			// image share.
			for _, d := range u.PromptTokensDetails {
				if d != nil && d.Modality == genai.MediaModalityImage {
					res.Usage.ImageTokens += int(d.TokenCount)
				}
			}
			logFields = append(logFields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete", logFields...)

		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var pe *ProviderError
		var rl *RateLimitError
		if errors.As(err, &pe) || errors.As(err, &rl) {
			return nil, err
		}
		return nil, &ProviderError{Provider: c.Provider(), Model: c.config.Model, Message: err.Error()}
	}

	return result, nil
}

func (c *GeminiClient) buildRequest(messages []schemas.Message, opts *schemas.InvokeOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	genCfg := &genai.GenerateContentConfig{}

	if opts.Temperature != nil {
		genCfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	} else if c.config.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(float32(c.config.Temperature))
	}
	if c.config.TopP > 0 {
		genCfg.TopP = genai.Ptr(float32(c.config.TopP))
	}
	if opts.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(opts.MaxTokens)
	} else if c.config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.config.MaxTokens)
	}

	if opts.OutputSchema != nil {
		prepared := opts.OutputSchema.Flatten()
		prepared.Normalize()
		genCfg.ResponseMIMEType = "application/json"
		genCfg.ResponseSchema = toGenaiSchema(prepared)
	}

	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case schemas.RoleSystem:
			// Gemini carries system text out of band.
			genCfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Text()}},
			}
		case schemas.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: c.buildParts(m),
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: c.buildParts(m),
			})
		}
	}

	return contents, genCfg
}

func (c *GeminiClient) buildParts(m schemas.Message) []*genai.Part {
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case schemas.ContentImage:
			mime, data, ok := decodeDataURL(p.ImageURL)
			if !ok {
				c.logger.Warn("Dropping image part with unsupported URL form")
				continue
			}
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: mime, Data: data},
			})
		default:
			if p.Text != "" {
				parts = append(parts, &genai.Part{Text: p.Text})
			}
		}
	}
	return parts
}

func (c *GeminiClient) handleAPIError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
		return fmt.Errorf("failed to execute Gemini request: %w", err)
	}

	c.logger.Error("Gemini API returned error status",
		zap.Int("status", apiErr.Code),
		zap.String("message", apiErr.Message),
	)

	switch apiErr.Code {
	case 429:
		return &RateLimitError{Provider: c.Provider(), Model: c.config.Model}
	case 500, 502, 503, 504:
		return fmt.Errorf("gemini API error: status %d: %s", apiErr.Code, apiErr.Message)
	default:
		return backoff.Permanent(&ProviderError{
			Provider:   c.Provider(),
			Model:      c.config.Model,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		})
	}
}

// toGenaiSchema converts the flattened schema subset into the SDK's type.
func toGenaiSchema(s *schemas.JSONSchema) *genai.Schema {
	if s == nil {
		return nil
	}

	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
		Minimum:     s.Minimum,
		Maximum:     s.Maximum,
	}

	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	}

	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	out.Items = toGenaiSchema(s.Items)
	for _, branch := range s.AnyOf {
		out.AnyOf = append(out.AnyOf, toGenaiSchema(branch))
	}
	for _, e := range s.Enum {
		out.Enum = append(out.Enum, fmt.Sprintf("%v", e))
	}
	if s.MinItems != nil {
		out.MinItems = genai.Ptr(int64(*s.MinItems))
	}
	if s.MaxItems != nil {
		out.MaxItems = genai.Ptr(int64(*s.MaxItems))
	}

	return out
}

// decodeDataURL splits a "data:<mime>;base64,<payload>" URL into its parts.
func decodeDataURL(url string) (mime string, data []byte, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", nil, false
	}
	rest := url[len(prefix):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", nil, false
	}
	mime = rest[:sep]
	decoded, err := base64.StdEncoding.DecodeString(rest[sep+len(";base64,"):])
	if err != nil {
		return "", nil, false
	}
	return mime, decoded, true
}
