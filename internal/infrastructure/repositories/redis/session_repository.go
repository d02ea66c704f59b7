package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "castdeck:session:"
	sessionIndexKey  = "castdeck:sessions"
)

// RedisSessionRepository stores snapshots as JSON under one key per session
// plus a set indexing the ids. Stream keys never reach Redis.
type RedisSessionRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{client: client, ttl: ttl}
}

func sessionKey(id domain.SessionID) string {
	return sessionKeyPrefix + string(id)
}

func (r *RedisSessionRepository) Save(ctx context.Context, state domain.StreamState) error {
	if state.SessionID == "" {
		return domain.ErrInvalidInput.Withf("session id is required")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(state.SessionID), data, r.ttl)
	pipe.SAdd(ctx, sessionIndexKey, string(state.SessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, id domain.SessionID) (domain.StreamState, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return domain.StreamState{}, domain.ErrSessionNotFound.Withf("session %s not found", id)
	}
	if err != nil {
		return domain.StreamState{}, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var state domain.StreamState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return domain.StreamState{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return state, nil
}

// List returns the sessions that still have a snapshot and prunes index
// entries whose snapshot expired.
func (r *RedisSessionRepository) List(ctx context.Context) ([]domain.StreamState, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(ids)

	states := make([]domain.StreamState, 0, len(ids))
	for _, id := range ids {
		state, err := r.Get(ctx, domain.SessionID(id))
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				r.client.SRem(ctx, sessionIndexKey, id)
				continue
			}
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, sessionIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound.Withf("session %s not found", id)
	}
	return nil
}
