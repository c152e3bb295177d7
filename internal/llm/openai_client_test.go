package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// -- Test Setup Helpers --

// setupOpenAIClient rigs up an OpenAIClient pointed at a mock HTTP server.
// It returns the client, the mock server, and a log observer.
func setupOpenAIClient(t *testing.T, handler http.HandlerFunc) (*OpenAIClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(loggerCore)

	cfg := getValidModelConfig()
	cfg.Endpoint = server.URL

	client, err := NewOpenAIClient(cfg, logger)
	require.NoError(t, err, "NewOpenAIClient initialization failed")

	client.httpClient.Timeout = 5 * time.Second

	t.Cleanup(server.Close)
	return client, server, observedLogs
}

// successBody builds a minimal chat completions response.
func successBody(content string, promptTokens, completionTokens, cachedTokens int) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
		"usage": {
			"prompt_tokens": %d,
			"completion_tokens": %d,
			"total_tokens": %d,
			"prompt_tokens_details": {"cached_tokens": %d}
		}
	}`, content, promptTokens, completionTokens, promptTokens+completionTokens, cachedTokens)
}

// -- Test Cases: Initialization (NewOpenAIClient) --

func TestNewOpenAIClient_Success(t *testing.T) {
	logger := setupTestLogger(t)
	cfg := getValidModelConfig()
	cfg.Endpoint = ""

	client, err := NewOpenAIClient(cfg, logger)

	require.NoError(t, err)
	require.NotNil(t, client)

	// White box verification of internal state.
	assert.Equal(t, cfg.APIKey, client.apiKey)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", client.endpoint)
	assert.NotNil(t, client.backoffFactory, "Backoff factory should be initialized")
}

func TestNewOpenAIClient_Failure_MissingAPIKey(t *testing.T) {
	logger := setupTestLogger(t)
	cfg := getValidModelConfig()
	cfg.APIKey = ""

	client, err := NewOpenAIClient(cfg, logger)

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "API key is required")
}

// Ollama runs locally without authentication.
func TestNewOpenAIClient_Ollama_NoKeyRequired(t *testing.T) {
	logger := setupTestLogger(t)
	cfg := getValidModelConfig()
	cfg.Provider = config.ProviderOllama
	cfg.APIKey = ""
	cfg.Endpoint = ""

	client, err := NewOpenAIClient(cfg, logger)

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", client.endpoint)
}

// -- Test Cases: Request Payload Generation (buildPayload) --

func TestBuildPayload_Standard(t *testing.T) {
	client, _, _ := setupOpenAIClient(t, nil)
	client.config.MaxTokens = 2048

	payload := client.buildPayload(createTestMessages(), &schemas.InvokeOptions{})

	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "system", payload.Messages[0].Role)
	assert.Equal(t, "System prompt instructions.", payload.Messages[0].Content)
	assert.Equal(t, "user", payload.Messages[1].Role)
	assert.Equal(t, "User query.", payload.Messages[1].Content)

	assert.Equal(t, "test-model", payload.Model)
	require.NotNil(t, payload.Temperature)
	assert.Equal(t, 0.7, *payload.Temperature)
	assert.Equal(t, 0.9, payload.TopP)
	assert.Equal(t, 2048, payload.MaxTokens)
	assert.Nil(t, payload.ResponseFormat)
}

func TestBuildPayload_OptionOverrides(t *testing.T) {
	client, _, _ := setupOpenAIClient(t, nil)

	temp := 0.1
	payload := client.buildPayload(createTestMessages(), &schemas.InvokeOptions{
		Temperature: &temp,
		MaxTokens:   512,
	})

	require.NotNil(t, payload.Temperature)
	assert.Equal(t, 0.1, *payload.Temperature)
	assert.Equal(t, 512, payload.MaxTokens)
}

func TestBuildPayload_SchemaRequested(t *testing.T) {
	client, _, _ := setupOpenAIClient(t, nil)

	schema := &schemas.JSONSchema{
		Type: "object",
		Properties: map[string]*schemas.JSONSchema{
			"nextGoal": {Type: "string"},
			"memory":   {Type: "string"},
		},
	}

	payload := client.buildPayload(createTestMessages(), &schemas.InvokeOptions{
		OutputSchema: schema,
		SchemaName:   "agent_output",
	})

	require.NotNil(t, payload.ResponseFormat)
	assert.Equal(t, "json_schema", payload.ResponseFormat.Type)
	require.NotNil(t, payload.ResponseFormat.JSONSchema)
	assert.Equal(t, "agent_output", payload.ResponseFormat.JSONSchema.Name)
	assert.True(t, payload.ResponseFormat.JSONSchema.Strict)

	// The wire schema must be in strict normalized form.
	sent := payload.ResponseFormat.JSONSchema.Schema
	require.NotNil(t, sent.AdditionalProperties)
	assert.False(t, *sent.AdditionalProperties)
	assert.Equal(t, []string{"memory", "nextGoal"}, sent.Required)

	// The caller's schema must not be mutated.
	assert.Nil(t, schema.AdditionalProperties)
	assert.Empty(t, schema.Required)
}

func TestBuildContent_ImageParts(t *testing.T) {
	msg := schemas.NewUserMessage("look at this").WithImage("data:image/png;base64,aGk=", "low")

	content := buildContent(msg)

	parts, ok := content.([]chatContentPart)
	require.True(t, ok, "messages with images should use the part array form")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "look at this", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGk=", parts[1].ImageURL.URL)
	assert.Equal(t, "low", parts[1].ImageURL.Detail)
}

// -- Test Cases: Invoke - Success Scenarios --

func TestInvoke_Success(t *testing.T) {
	expectedContent := "This is the generated content."

	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var payload chatCompletionRequest
		err := json.Unmarshal(body, &payload)
		require.NoError(t, err, "Server received invalid JSON payload")
		require.Len(t, payload.Messages, 2)
		assert.Equal(t, "User query.", payload.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, successBody(expectedContent, 100, 50, 20))
	}

	client, _, observedLogs := setupOpenAIClient(t, handler)

	res, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, expectedContent, res.Content)
	assert.Nil(t, res.Parsed, "Parsed should stay empty without a requested schema")

	require.NotNil(t, res.Usage)
	assert.Equal(t, 100, res.Usage.PromptTokens)
	assert.Equal(t, 20, res.Usage.PromptCachedTokens)
	assert.Equal(t, 50, res.Usage.CompletionTokens)
	assert.Equal(t, 150, res.Usage.TotalTokens)
	assert.Equal(t, 80, res.Usage.NewPromptTokens())

	require.Equal(t, 1, observedLogs.Len(), "Expected one log entry for successful generation")
	logEntry := observedLogs.All()[0]
	assert.Equal(t, "LLM generation complete", logEntry.Message)
	// Zap logs integers (zap.Int) as int64 in the context map.
	assert.Equal(t, int64(100), logEntry.ContextMap()["prompt_tokens"])
	assert.Equal(t, int64(50), logEntry.ContextMap()["completion_tokens"])
	assert.NotNil(t, logEntry.ContextMap()["duration"])
}

func TestInvoke_StructuredOutput_SetsParsed(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload chatCompletionRequest
		require.NoError(t, json.Unmarshal(body, &payload))
		require.NotNil(t, payload.ResponseFormat, "schema request must reach the wire")

		fmt.Fprint(w, successBody(`{"nextGoal": "click the login button"}`, 10, 5, 0))
	}

	client, _, _ := setupOpenAIClient(t, handler)
	opts := &schemas.InvokeOptions{
		OutputSchema: &schemas.JSONSchema{
			Type:       "object",
			Properties: map[string]*schemas.JSONSchema{"nextGoal": {Type: "string"}},
		},
	}

	res, err := client.Invoke(context.Background(), createTestMessages(), opts)

	require.NoError(t, err)
	require.NotEmpty(t, res.Parsed)
	assert.JSONEq(t, `{"nextGoal": "click the login button"}`, string(res.Parsed))
}

func TestInvoke_MissingUsage_LeavesUsageNil(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}]}`)
	}

	client, _, _ := setupOpenAIClient(t, handler)

	res, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Nil(t, res.Usage, "absent provider accounting must surface as nil, not zeros")
}

// -- Test Cases: Invoke - Error Handling & Retries --

func TestInvoke_RetryOnTransientErrors(t *testing.T) {
	var attemptCounter int32
	expectedAttempts := 3

	handler := func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attemptCounter, 1)
		if int(attempt) < expectedAttempts {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable."))
			return
		}
		fmt.Fprint(w, successBody("Success after retry", 10, 5, 0))
	}

	client, _, observedLogs := setupOpenAIClient(t, handler)

	// Inject a faster backoff strategy to avoid long test wait times.
	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		return b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := client.Invoke(ctx, createTestMessages(), nil)

	require.NoError(t, err)
	assert.Equal(t, "Success after retry", res.Content)
	assert.Equal(t, int32(expectedAttempts), atomic.LoadInt32(&attemptCounter), "The request should have been retried the expected number of times")

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	assert.Equal(t, expectedAttempts-1, errorLogs.Len(), "Expected ERROR logs for the failed attempts")
}

func TestInvoke_RetryOnNetworkError(t *testing.T) {
	client, server, observedLogs := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler reached despite server being closed.")
	})

	// Cap the attempts so the last network error escapes deterministically.
	client.backoffFactory = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 2)
	}

	// Close the server to simulate connection refused.
	server.Close()

	_, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.Error(t, err)

	// Exhausted network errors surface as ProviderError without a status.
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, pe.StatusCode)

	warnLogs := observedLogs.FilterLevelExact(zap.WarnLevel)
	assert.Equal(t, 3, warnLogs.Len(), "Expected a WARN log per failed attempt")
	assert.Contains(t, warnLogs.All()[0].Message, "Network error during LLM request, retrying...")
}

func TestInvoke_NoRetryOnPermanentErrors(t *testing.T) {
	var attemptCounter int32
	errorBody := "API Key Invalid"

	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(errorBody))
	}

	client, _, observedLogs := setupOpenAIClient(t, handler)

	res, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.Error(t, err)
	assert.Nil(t, res)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusForbidden, pe.StatusCode)
	assert.Contains(t, pe.Message, errorBody)

	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "Permanent errors must not trigger retries")

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	require.Equal(t, 1, errorLogs.Len())
	logEntry := errorLogs.All()[0]
	assert.Equal(t, "LLM API returned error status", logEntry.Message)
	assert.Equal(t, int64(403), logEntry.ContextMap()["status"])
}

func TestInvoke_RateLimitSurfacesAfterRetries(t *testing.T) {
	var attemptCounter int32

	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}

	client, _, _ := setupOpenAIClient(t, handler)

	// Cap retries so the typed error escapes quickly.
	client.backoffFactory = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}

	_, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.Error(t, err)
	assert.True(t, IsRateLimit(err), "exhausted throttling must keep its identity")

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Second, rl.RetryAfter)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attemptCounter), "429 should be retried until the budget runs out")
}

func TestInvoke_Failure_NoChoices(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		fmt.Fprint(w, `{"choices": []}`)
	}

	client, _, _ := setupOpenAIClient(t, handler)

	res, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "returned no choices")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "Empty choice lists must not trigger retries")
}

func TestInvoke_Failure_InvalidJSONResponse(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.Write([]byte("{invalid json:"))
	}

	client, _, _ := setupOpenAIClient(t, handler)

	res, err := client.Invoke(context.Background(), createTestMessages(), nil)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "failed to decode response payload")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter))
}

func TestInvoke_ContextCancellation(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}

	client, _, _ := setupOpenAIClient(t, handler)

	// A long backoff guarantees cancellation lands during the wait.
	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	startTime := time.Now()
	res, err := client.Invoke(ctx, createTestMessages(), nil)
	duration := time.Since(startTime)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.Canceled), "Error should be context.Canceled, but got: %v", err)
	assert.Less(t, duration, 1*time.Second, "Operation should abort quickly upon cancellation")
}
