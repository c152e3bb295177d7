package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// -- Test Setup Helper --

// setupRouter creates a standard Router instance for testing, along with its
// mocks and a log observer.
func setupRouter(t *testing.T) (*Router, *mockChatModel, *mockChatModel, *observer.ObservedLogs) {
	t.Helper()
	loggerCore, observedLogs := observer.New(zap.DebugLevel)
	logger := zap.New(loggerCore)

	fastClient := &mockChatModel{model: "fast-model"}
	powerfulClient := &mockChatModel{model: "powerful-model"}

	router, err := NewRouter(logger, fastClient, powerfulClient)
	require.NoError(t, err, "NewRouter should initialize successfully")

	return router, fastClient, powerfulClient, observedLogs
}

// -- Test Cases: Initialization (NewRouter) --

func TestNewRouter_Success(t *testing.T) {
	router, fastClient, powerfulClient, _ := setupRouter(t)

	require.NotNil(t, router)

	// White box verification of internal map structure.
	assert.Equal(t, fastClient, router.clients[schemas.TierFast])
	assert.Equal(t, powerfulClient, router.clients[schemas.TierPowerful])
}

func TestNewRouter_Failure_MissingClients(t *testing.T) {
	logger := setupTestLogger(t)
	validClient := new(mockChatModel)
	expectedError := "both fast and powerful tier clients must be provided"

	tests := []struct {
		name     string
		fast     schemas.ChatModel
		powerful schemas.ChatModel
	}{
		{"Missing Fast Client", nil, validClient},
		{"Missing Powerful Client", validClient, nil},
		{"Missing Both Clients", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, err := NewRouter(logger, tt.fast, tt.powerful)
			assert.Error(t, err)
			assert.Nil(t, router)
			assert.Contains(t, err.Error(), expectedError)
		})
	}
}

// -- Test Cases: Routing Logic --

func TestRouterInvoke_TierFast(t *testing.T) {
	router, fastClient, powerfulClient, observedLogs := setupRouter(t)
	ctx := context.Background()
	msgs := createTestMessages()
	expected := &schemas.ChatResult{Content: "response from fast client"}

	fastClient.On("Invoke", ctx, msgs, (*schemas.InvokeOptions)(nil)).Return(expected, nil).Once()

	res, err := router.Invoke(ctx, schemas.TierFast, msgs, nil)

	require.NoError(t, err)
	assert.Same(t, expected, res)
	fastClient.AssertExpectations(t)
	powerfulClient.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	require.Equal(t, 1, observedLogs.Len(), "Expected one log entry for routing")
	logEntry := observedLogs.All()[0]
	assert.Equal(t, "Routing LLM request", logEntry.Message)
	assert.Equal(t, string(schemas.TierFast), logEntry.ContextMap()["tier"])
	assert.Equal(t, "fast-model", logEntry.ContextMap()["model"])
}

func TestRouterInvoke_DefaultsToPowerful(t *testing.T) {
	router, fastClient, powerfulClient, observedLogs := setupRouter(t)
	ctx := context.Background()
	msgs := createTestMessages()
	expected := &schemas.ChatResult{Content: "response from default (powerful) client"}

	powerfulClient.On("Invoke", ctx, msgs, (*schemas.InvokeOptions)(nil)).Return(expected, nil).Once()

	res, err := router.Invoke(ctx, "", msgs, nil)

	require.NoError(t, err)
	assert.Same(t, expected, res)
	powerfulClient.AssertExpectations(t)
	fastClient.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	logEntry := observedLogs.All()[0]
	assert.Equal(t, string(schemas.TierPowerful), logEntry.ContextMap()["tier"])
}

func TestRouterInvoke_ErrorPropagation(t *testing.T) {
	router, fastClient, _, _ := setupRouter(t)
	ctx := context.Background()
	msgs := createTestMessages()
	expectedError := errors.New("underlying client API failure")

	fastClient.On("Invoke", ctx, msgs, (*schemas.InvokeOptions)(nil)).Return(nil, expectedError).Once()

	res, err := router.Invoke(ctx, schemas.TierFast, msgs, nil)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, expectedError, "The exact error from the client should be propagated")
}

func TestRoute_InvalidTier(t *testing.T) {
	router, fastClient, powerfulClient, _ := setupRouter(t)

	client, err := router.Route(schemas.ModelTier("invalid-tier-xyz"))

	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "no LLM client configured for tier: invalid-tier-xyz")

	fastClient.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
	powerfulClient.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}
