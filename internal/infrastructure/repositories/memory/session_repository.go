package memory

import (
	"context"
	"sort"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]domain.StreamState
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]domain.StreamState),
	}
}

func (r *MemorySessionRepository) Save(ctx context.Context, state domain.StreamState) error {
	if state.SessionID == "" {
		return domain.ErrInvalidInput.Withf("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[state.SessionID] = state.Clone()
	return nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, id domain.SessionID) (domain.StreamState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.sessions[id]
	if !exists {
		return domain.StreamState{}, domain.ErrSessionNotFound.Withf("session %s not found", id)
	}
	return state.Clone(), nil
}

// List returns snapshots ordered by session id.
func (r *MemorySessionRepository) List(ctx context.Context) ([]domain.StreamState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]domain.StreamState, 0, len(r.sessions))
	for _, state := range r.sessions {
		states = append(states, state.Clone())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SessionID < states[j].SessionID })
	return states, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrSessionNotFound.Withf("session %s not found", id)
	}
	delete(r.sessions, id)
	return nil
}
