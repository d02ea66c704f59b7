package testutils

import (
	"context"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// MockEventPublisher for tests
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, update ports.SessionUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

// MockSessionRepository for tests
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Save(ctx context.Context, state domain.StreamState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockSessionRepository) Get(ctx context.Context, id domain.SessionID) (domain.StreamState, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.StreamState), args.Error(1)
}

func (m *MockSessionRepository) List(ctx context.Context) ([]domain.StreamState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.StreamState), args.Error(1)
}

func (m *MockSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
