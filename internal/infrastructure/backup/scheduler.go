package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/backup"

	"go.uber.org/zap"
)

// Scheduler archives every session snapshot in the repository on a fixed
// interval and prunes archives past retention.
type Scheduler struct {
	backupService *backup.BackupService
	sessions      ports.SessionRepository
	interval      time.Duration
	retention     time.Duration
	logger        *zap.SugaredLogger
	now           func() time.Time

	stopChan chan struct{}
	done     chan struct{}
}

// Config contains scheduler configuration
type Config struct {
	Interval      time.Duration
	RetentionDays int
}

// NewScheduler creates a new backup scheduler
func NewScheduler(
	backupService *backup.BackupService,
	sessions ports.SessionRepository,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		backupService: backupService,
		sessions:      sessions,
		interval:      cfg.Interval,
		retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		logger:        logger,
		now:           time.Now,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs one archive immediately and then one per interval until ctx
// ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runBackup(ctx)
	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the loop and waits for a running archive to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.done
}

// RunOnce archives now. Used at shutdown so the final state of an ended
// session is kept even between ticks.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	data, err := s.collectData(ctx)
	if err != nil {
		return "", err
	}
	if len(data.Sessions) == 0 {
		return "", nil
	}
	return s.backupService.CreateBackup(ctx, data)
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Errorw("scheduled session archive failed", "error", err)
		return
	}
	if name != "" {
		s.logger.Infow("session archive created", "backup_name", name)
	}

	if err := s.cleanupOldBackups(ctx); err != nil {
		s.logger.Warnw("failed to prune old session archives", "error", err)
	}
}

func (s *Scheduler) collectData(ctx context.Context) (*backup.BackupData, error) {
	states, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	data := &backup.BackupData{
		Sessions: make(map[string]json.RawMessage, len(states)),
		Metadata: make(map[string]interface{}),
	}
	live := 0
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			s.logger.Warnw("skipping unencodable session", "session_id", st.SessionID, "error", err)
			continue
		}
		data.Sessions[string(st.SessionID)] = raw
		if st.Phase == domain.PhaseLive {
			live++
		}
	}

	data.Metadata["session_count"] = len(data.Sessions)
	data.Metadata["live_count"] = live
	data.Metadata["backup_type"] = "scheduled"
	return data, nil
}

// cleanupOldBackups removes archives older than retention. Zero retention
// keeps everything.
func (s *Scheduler) cleanupOldBackups(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	names, err := s.backupService.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	for _, name := range names {
		taken, ok := backup.ParseBackupName(name)
		if !ok || !taken.Before(cutoff) {
			continue
		}
		if err := s.backupService.DeleteBackup(ctx, name); err != nil {
			s.logger.Warnw("failed to delete old archive", "backup_name", name, "error", err)
			continue
		}
		s.logger.Infow("deleted old archive", "backup_name", name, "age", s.now().Sub(taken))
	}
	return nil
}
