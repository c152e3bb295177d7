package schemas

import (
	"context"
	"encoding/json"
)

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// InvokeOptions tunes a single model invocation.
type InvokeOptions struct {
	// OutputSchema, when set, requires the response to be JSON conforming to
	// the schema. The client either uses the provider's native structured
	// output or falls back to extraction and re-validation.
	OutputSchema *JSONSchema
	// SchemaName labels the schema for providers that require a name.
	SchemaName  string
	Temperature *float64
	MaxTokens   int
}

// ChatResult is the normalized response of one model invocation.
type ChatResult struct {
	// Content is the raw text the model produced.
	Content string
	// Parsed holds schema-conforming JSON when OutputSchema was requested.
	Parsed json.RawMessage
	// Usage is nil when the provider reported no token accounting.
	Usage *TokenUsage
}

// ChatModel defines a standard interface for interacting with a Large
// Language Model, abstracting the specifics of the underlying provider.
//
//go:generate mockery --name ChatModel --output ../../internal/mocks --outpkg mocks
type ChatModel interface {
	// Model returns the provider-specific model identifier, e.g. "gpt-4o".
	Model() string
	// Provider names the backing service, e.g. "openai" or "gemini".
	Provider() string
	// Invoke sends the conversation and returns the normalized result.
	Invoke(ctx context.Context, messages []Message, opts *InvokeOptions) (*ChatResult, error)
}

// -- Environment Interface --

// EnvironmentController is the browser-side collaborator the agent drives. It
// produces observations and executes primitive operations; everything above it
// (action semantics, validation, history) belongs to the orchestration core.
//
//go:generate mockery --name EnvironmentController --output ../../internal/mocks --outpkg mocks
type EnvironmentController interface {
	// Snapshot observes the current page. The screenshot is only captured
	// when requested.
	Snapshot(ctx context.Context, includeScreenshot bool) (*BrowserStateSnapshot, error)
	// Dispatch performs one primitive operation against the page.
	Dispatch(ctx context.Context, intent ActionIntent) (*DispatchOutcome, error)
	// Close releases the underlying browser resources.
	Close(ctx context.Context) error
}
