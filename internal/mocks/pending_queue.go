package mocks

import (
	"context"

	"github.com/Harvey-AU/crawl-admission/internal/pending"
	"github.com/stretchr/testify/mock"
)

// MockPendingQueue is a mock implementation of the pending queue push surface
type MockPendingQueue struct {
	mock.Mock
}

// Push mocks the Push method
func (m *MockPendingQueue) Push(ctx context.Context, e pending.Entry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}
