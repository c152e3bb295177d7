// internal/llm/openai.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// OpenAIClient implements schemas.ChatModel against any endpoint speaking the
// OpenAI chat completions protocol, which includes Ollama's compatibility
// layer.
type OpenAIClient struct {
	provider   string
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.ModelConfig

	// backoffFactory is swapped out in tests to avoid real retry delays.
	backoffFactory func() backoff.BackOff
}

var _ schemas.ChatModel = (*OpenAIClient)(nil)

// -- OpenAI API Request/Response Structures (Internal to this file) --

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           float64         `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a plain string for text-only turns and a part array when
	// images are attached. Some compatible servers reject the array form for
	// text, so the narrow encoding is preferred.
	Content any `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type responseFormat struct {
	Type       string              `json:"type"`
	JSONSchema *responseJSONSchema `json:"json_schema,omitempty"`
}

type responseJSONSchema struct {
	Name   string              `json:"name"`
	Strict bool                `json:"strict"`
	Schema *schemas.JSONSchema `json:"schema"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client. The endpoint defaults to the OpenAI
// API, or to a local Ollama instance for the ollama provider.
func NewOpenAIClient(cfg config.ModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	provider := string(cfg.Provider)
	if provider == "" {
		provider = string(config.ProviderOpenAI)
	}

	if cfg.APIKey == "" && cfg.Provider != config.ProviderOllama {
		return nil, fmt.Errorf("%s API key is required for model %q", provider, cfg.Model)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		switch cfg.Provider {
		case config.ProviderOllama:
			endpoint = "http://localhost:11434/v1/chat/completions"
		default:
			endpoint = "https://api.openai.com/v1/chat/completions"
		}
	}

	timeout := cfg.APITimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}

	return &OpenAIClient{
		provider: provider,
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:         logger.Named("llm_client." + provider),
		backoffFactory: defaultBackoffFactory,
	}, nil
}

func defaultBackoffFactory() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.config.Model }

// Provider returns the backing provider name.
func (c *OpenAIClient) Provider() string { return c.provider }

// Invoke sends the conversation to the chat completions endpoint with retries.
func (c *OpenAIClient) Invoke(ctx context.Context, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	if opts == nil {
		opts = &schemas.InvokeOptions{}
	}

	payload := c.buildPayload(messages, opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var result *schemas.ChatResult

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, resp.Header, respBody)
		}

		var responsePayload chatCompletionResponse
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%s API returned no choices", c.provider))
		}

		choice := responsePayload.Choices[0]
		if choice.Message.Content == "" && choice.FinishReason == "content_filter" {
			return backoff.Permanent(fmt.Errorf("%s API blocked the request (reason: %s)", c.provider, choice.FinishReason))
		}

		res := &schemas.ChatResult{Content: choice.Message.Content}
		if opts.OutputSchema != nil && json.Valid([]byte(choice.Message.Content)) {
			res.Parsed = json.RawMessage(choice.Message.Content)
		}

		logFields := []zap.Field{
			zap.Duration("duration", duration),
		}
		if u := responsePayload.Usage; u != nil {
			res.Usage = &schemas.TokenUsage{
				PromptTokens:       u.PromptTokens,
				PromptCachedTokens: u.PromptTokensDetails.CachedTokens,
				CompletionTokens:   u.CompletionTokens,
				TotalTokens:        u.TotalTokens,
			}
			logFields = append(logFields,
				zap.Int("prompt_tokens", u.PromptTokens),
				zap.Int("completion_tokens", u.CompletionTokens),
				zap.Int("total_tokens", u.TotalTokens),
			)
		}
		c.logger.Info("LLM generation complete", logFields...)

		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return nil, c.finalizeError(err)
	}

	return result, nil
}

func (c *OpenAIClient) buildPayload(messages []schemas.Message, opts *schemas.InvokeOptions) chatCompletionRequest {
	payload := chatCompletionRequest{
		Model:    c.config.Model,
		Messages: make([]chatMessage, 0, len(messages)),
		TopP:     c.config.TopP,
	}

	for _, m := range messages {
		payload.Messages = append(payload.Messages, chatMessage{
			Role:    string(m.Role),
			Content: buildContent(m),
		})
	}

	if opts.Temperature != nil {
		payload.Temperature = opts.Temperature
	} else if c.config.Temperature > 0 {
		t := c.config.Temperature
		payload.Temperature = &t
	}

	payload.MaxTokens = c.config.MaxTokens
	if opts.MaxTokens > 0 {
		payload.MaxTokens = opts.MaxTokens
	}

	if opts.OutputSchema != nil {
		prepared := opts.OutputSchema.Flatten()
		prepared.Normalize()
		name := opts.SchemaName
		if name == "" {
			name = "response"
		}
		payload.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &responseJSONSchema{
				Name:   name,
				Strict: true,
				Schema: prepared,
			},
		}
	}

	return payload
}

// buildContent encodes a message body, keeping the plain string form for
// text-only turns.
func buildContent(m schemas.Message) any {
	if !m.HasImage() {
		return m.Text()
	}
	parts := make([]chatContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case schemas.ContentImage:
			parts = append(parts, chatContentPart{
				Type:     "image_url",
				ImageURL: &chatImageURL{URL: p.ImageURL, Detail: p.Detail},
			})
		default:
			parts = append(parts, chatContentPart{Type: "text", Text: p.Text})
		}
	}
	return parts
}

func (c *OpenAIClient) handleAPIError(statusCode int, header http.Header, body []byte) error {
	c.logger.Error("LLM API returned error status",
		zap.Int("status", statusCode),
		zap.String("response", truncateString(string(body), 500)),
	)

	switch statusCode {
	case http.StatusTooManyRequests:
		// Returned unwrapped so the typed error survives retry exhaustion.
		rl := &RateLimitError{Provider: c.provider, Model: c.config.Model}
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				rl.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rl
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%s API error: status %d, body: %s", c.provider, statusCode, string(body))
	default:
		return backoff.Permanent(&ProviderError{
			Provider:   c.provider,
			Model:      c.config.Model,
			StatusCode: statusCode,
			Message:    truncateString(string(body), 500),
		})
	}
}

// finalizeError normalizes whatever escaped the retry loop into the typed
// error taxonomy. Context cancellation passes through untouched.
func (c *OpenAIClient) finalizeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *ProviderError
	var rl *RateLimitError
	if errors.As(err, &pe) || errors.As(err, &rl) {
		return err
	}
	return &ProviderError{Provider: c.provider, Model: c.config.Model, Message: err.Error()}
}
