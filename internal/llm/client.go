package llm

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// Client decorates a provider adapter with client-side request pacing and
// structured-output enforcement. Adapters only opportunistically set Parsed;
// the guarantee that Parsed is present and schema-conforming whenever a
// schema was requested lives here.
type Client struct {
	model   schemas.ChatModel
	limiter *rate.Limiter // nil disables pacing
	logger  *zap.Logger
}

var _ schemas.ChatModel = (*Client)(nil)

// NewClient wraps a provider adapter. The limiter is shared across clients so
// the per-minute budget covers all routed models together.
func NewClient(model schemas.ChatModel, limiter *rate.Limiter, logger *zap.Logger) *Client {
	return &Client{
		model:   model,
		limiter: limiter,
		logger:  logger.Named("llm_client"),
	}
}

// Model returns the wrapped adapter's model identifier.
func (c *Client) Model() string { return c.model.Model() }

// Provider returns the wrapped adapter's provider name.
func (c *Client) Provider() string { return c.model.Provider() }

// Invoke waits for rate-limit headroom, calls the adapter, and enforces the
// output schema when one was requested.
func (c *Client) Invoke(ctx context.Context, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	res, err := c.model.Invoke(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	if opts != nil && opts.OutputSchema != nil {
		if err := c.ensureParsed(res, opts.OutputSchema); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ensureParsed fills res.Parsed with schema-conforming JSON, falling back to
// extraction and repair when the provider produced prose around the document.
func (c *Client) ensureParsed(res *schemas.ChatResult, schema *schemas.JSONSchema) error {
	raw := res.Parsed
	if len(raw) == 0 {
		c.logger.Debug("No native structured output, extracting JSON from content")
		extracted, err := ExtractJSON(res.Content)
		if err != nil {
			c.logger.Warn("Could not extract JSON from model output",
				zap.String("model", c.Model()),
				zap.String("content", truncateString(res.Content, 300)),
			)
			return &SchemaViolationError{Raw: res.Content, Err: err}
		}
		raw = extracted
	}

	if err := schema.Validate(raw); err != nil {
		c.logger.Warn("Model output failed schema validation",
			zap.String("model", c.Model()),
			zap.Error(err),
		)
		return &SchemaViolationError{Raw: string(raw), Err: err}
	}

	res.Parsed = raw
	return nil
}
