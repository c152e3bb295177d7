package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// mockChatModel is a mock implementation of the ChatModel interface for testing.
type mockChatModel struct {
	mock.Mock
	model    string
	provider string
}

func (m *mockChatModel) Model() string {
	if m.model != "" {
		return m.model
	}
	return "mock-model"
}

func (m *mockChatModel) Provider() string {
	if m.provider != "" {
		return m.provider
	}
	return "mock"
}

func (m *mockChatModel) Invoke(ctx context.Context, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	args := m.Called(ctx, messages, opts)
	if res := args.Get(0); res != nil {
		return res.(*schemas.ChatResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

// getValidModelConfig returns a valid ModelConfig for testing purposes.
func getValidModelConfig() config.ModelConfig {
	return config.ModelConfig{
		Provider:    config.ProviderOpenAI,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.7,
		TopP:        0.9,
	}
}

// createTestMessages provides a standard two-turn conversation.
func createTestMessages() []schemas.Message {
	return []schemas.Message{
		schemas.NewSystemMessage("System prompt instructions."),
		schemas.NewUserMessage("User query."),
	}
}
