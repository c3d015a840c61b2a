package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockTaskRuntime is a mock implementation of the task runtime enqueue surface
type MockTaskRuntime struct {
	mock.Mock
}

// Enqueue mocks the Enqueue method
func (m *MockTaskRuntime) Enqueue(ctx context.Context, taskName, jobID string, params map[string]any) error {
	args := m.Called(ctx, taskName, jobID, params)
	return args.Error(0)
}

// EnqueueAt mocks the EnqueueAt method
func (m *MockTaskRuntime) EnqueueAt(ctx context.Context, taskName, jobID string, params map[string]any, runAt time.Time) error {
	args := m.Called(ctx, taskName, jobID, params, runAt)
	return args.Error(0)
}
