package distributed

import (
	"context"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const platformLeasePrefix = "castdeck:publish:"

// PlatformLeaser gives one studio instance at a time the right to push to a
// platform, so two studios sharing a stream key do not fight over the
// ingest.
type PlatformLeaser struct {
	locks  *distributed.LockManager
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewPlatformLeaser(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *PlatformLeaser {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &PlatformLeaser{
		locks:  distributed.NewLockManager(client, platformLeasePrefix),
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire takes the platform's lease. A Redis outage does not block
// publishing: the lease is skipped and the failure logged.
func (l *PlatformLeaser) Acquire(ctx context.Context, id domain.PlatformID) (func(), error) {
	lock := l.locks.NewLock(string(id), l.ttl)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		l.logger.Warnw("platform lease unavailable, publishing without it",
			"platform_id", id,
			"error", err,
		)
		return func() {}, nil
	}
	if !ok {
		return nil, domain.ErrAlreadyPublishing.Withf("platform %s is published by another studio", id)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-lock.Lost():
			l.logger.Warnw("platform lease lost", "platform_id", id, "key", lock.Key())
		case <-done:
		}
	}()

	return func() {
		close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Unlock(ctx); err != nil {
			l.logger.Debugw("platform lease release failed", "platform_id", id, "error", err)
		}
	}, nil
}
