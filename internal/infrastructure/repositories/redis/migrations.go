package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "castdeck:schema:version"
	currentSchemaVersion = 2
	legacySnapshotTTL    = 24 * time.Hour
)

// Migration moves the snapshot layout from Version-1 to Version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

var migrations = []Migration{
	{
		// v1 keyed snapshots by id only; v2 adds the index set and a TTL
		// on every snapshot.
		Version: 2,
		Up:      indexSnapshots,
		Down: func(ctx context.Context, client *redis.Client) error {
			return client.Del(ctx, sessionIndexKey).Err()
		},
	},
}

// Migrate applies every migration newer than the stored schema version,
// recording progress after each one so a failed run resumes where it broke.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	version, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		version, err = 0, nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		logger.Debugw("session schema up to date", "version", version)
		return nil
	}

	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.Version, err)
		}
		logger.Infow("session schema migrated", "from", version, "to", m.Version)
		version = m.Version
	}

	return client.Set(ctx, schemaVersionKey, currentSchemaVersion, 0).Err()
}

func indexSnapshots(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		pipe := client.TxPipeline()
		pipe.SAdd(ctx, sessionIndexKey, strings.TrimPrefix(key, sessionKeyPrefix))
		pipe.Expire(ctx, key, legacySnapshotTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return iter.Err()
}
