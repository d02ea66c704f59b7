package ports

import (
	"context"

	"castdeck/internal/core/domain"
)

// SessionRepository keeps the latest snapshot of each session for dashboards
// and restarts.
type SessionRepository interface {
	Save(ctx context.Context, state domain.StreamState) error
	Get(ctx context.Context, id domain.SessionID) (domain.StreamState, error)
	List(ctx context.Context) ([]domain.StreamState, error)
	Delete(ctx context.Context, id domain.SessionID) error
}

// EventPublisher mirrors session updates to other processes.
type EventPublisher interface {
	Publish(ctx context.Context, update SessionUpdate) error
}
