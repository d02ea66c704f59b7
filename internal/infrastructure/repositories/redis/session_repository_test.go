package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"castdeck/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Runs against a real server when CASTDECK_TEST_REDIS is set, e.g.
// CASTDECK_TEST_REDIS=localhost:6379. Uses DB 15.
func testClient(t *testing.T) *RedisSessionRepository {
	t.Helper()
	addr := os.Getenv("CASTDECK_TEST_REDIS")
	if addr == "" {
		t.Skip("CASTDECK_TEST_REDIS not set")
	}

	client, err := NewRedisClient(ClientOptions{Address: addr, DB: 15, PoolSize: 4}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		_ = client.Close()
	})
	return NewRedisSessionRepository(client, time.Minute).(*RedisSessionRepository)
}

func TestRedisSessionRepository(t *testing.T) {
	repo := testClient(t)
	ctx := context.Background()

	state := domain.StreamState{
		SessionID: "sess-1",
		Phase:     domain.PhaseLive,
		IsLive:    true,
		Platforms: []domain.StreamPlatform{{ID: "youtube", Enabled: true, StreamKey: "secret"}},
	}
	require.NoError(t, repo.Save(ctx, state))

	got, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLive, got.Phase)
	require.Len(t, got.Platforms, 1)
	assert.Empty(t, got.Platforms[0].StreamKey, "stream keys are not persisted")

	ttl, err := repo.client.TTL(ctx, sessionKey("sess-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "sess-1"))
	_, err = repo.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "sess-1"), domain.ErrSessionNotFound)
}

func TestRedisSessionRepository_ListPrunesExpired(t *testing.T) {
	repo := testClient(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, domain.StreamState{SessionID: "sess-1"}))
	require.NoError(t, repo.Save(ctx, domain.StreamState{SessionID: "sess-2"}))
	require.NoError(t, repo.client.Del(ctx, sessionKey("sess-1")).Err())

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.SessionID("sess-2"), list[0].SessionID)

	members, err := repo.client.SMembers(ctx, sessionIndexKey).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-2"}, members)
}
