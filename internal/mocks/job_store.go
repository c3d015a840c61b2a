package mocks

import (
	"context"

	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/stretchr/testify/mock"
)

// MockJobStore is a mock implementation of the job persistence surface
type MockJobStore struct {
	mock.Mock
}

// CreateJob mocks the CreateJob method
func (m *MockJobStore) CreateJob(ctx context.Context, job jobs.NewJob) (string, error) {
	args := m.Called(ctx, job)
	return args.String(0), args.Error(1)
}

// GetJob mocks the GetJob method
func (m *MockJobStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

// GetJobStatus mocks the GetJobStatus method
func (m *MockJobStore) GetJobStatus(ctx context.Context, jobID string) (jobs.Status, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(jobs.Status), args.Error(1)
}

// SetStatus mocks the SetStatus method
func (m *MockJobStore) SetStatus(ctx context.Context, jobID string, to jobs.Status, errMsg string) error {
	args := m.Called(ctx, jobID, to, errMsg)
	return args.Error(0)
}
