package llm

import (
	"errors"
	"fmt"
	"time"
)

// ProviderError is a definitive failure from the model backend: a malformed
// request, an auth problem, or an exhausted retry budget on server errors.
// It is not retried by the client.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int // 0 when the failure happened before an HTTP status existed
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s): status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Provider, e.Model, e.Message)
}

// RateLimitError reports provider throttling. The client absorbs these with
// exponential backoff; one only escapes when the retry window is exhausted.
type RateLimitError struct {
	Provider string
	Model    string
	// RetryAfter is the provider's suggested wait, zero when it gave none.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (%s): rate limited, retry after %s", e.Provider, e.Model, e.RetryAfter)
	}
	return fmt.Sprintf("%s (%s): rate limited", e.Provider, e.Model)
}

// SchemaViolationError means the model's output could not be coerced into the
// requested JSON schema, even after markdown extraction and repair.
type SchemaViolationError struct {
	Raw string // offending model output, truncated for logging
	Err error
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("model output violates schema: %v (raw: %s)", e.Err, truncateString(e.Raw, 200))
}

func (e *SchemaViolationError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsSchemaViolation reports whether err is (or wraps) a SchemaViolationError.
func IsSchemaViolation(err error) bool {
	var sv *SchemaViolationError
	return errors.As(err, &sv)
}
