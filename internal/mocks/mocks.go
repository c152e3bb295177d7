// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// -- Chat Model Mock --

// MockChatModel implements the schemas.ChatModel interface for testing.
type MockChatModel struct {
	mock.Mock
}

func NewMockChatModel() *MockChatModel { return &MockChatModel{} }

func (m *MockChatModel) Model() string    { return m.Called().String(0) }
func (m *MockChatModel) Provider() string { return m.Called().String(0) }

func (m *MockChatModel) Invoke(ctx context.Context, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	args := m.Called(ctx, messages, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ChatResult), args.Error(1)
}

// -- Environment Controller Mock --

// MockEnvironmentController implements the schemas.EnvironmentController
// interface for testing.
type MockEnvironmentController struct {
	mock.Mock
}

func NewMockEnvironmentController() *MockEnvironmentController {
	return &MockEnvironmentController{}
}

func (m *MockEnvironmentController) Snapshot(ctx context.Context, includeScreenshot bool) (*schemas.BrowserStateSnapshot, error) {
	args := m.Called(ctx, includeScreenshot)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.BrowserStateSnapshot), args.Error(1)
}

func (m *MockEnvironmentController) Dispatch(ctx context.Context, intent schemas.ActionIntent) (*schemas.DispatchOutcome, error) {
	args := m.Called(ctx, intent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.DispatchOutcome), args.Error(1)
}

func (m *MockEnvironmentController) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
