package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/backup"

	"go.uber.org/zap"
)

// RestoreService loads archived session snapshots back into a repository,
// typically an empty memory repository after a restart.
type RestoreService struct {
	backupService *backup.BackupService
	sessions      ports.SessionRepository
	logger        *zap.SugaredLogger
}

// RestoreOptions contains restore options
type RestoreOptions struct {
	OverwriteExisting bool
	// SkipLive leaves sessions that were live at archive time out; a
	// restarted process cannot resume them.
	SkipLive bool
}

// RestoreResult counts what a restore did.
type RestoreResult struct {
	Restored int
	Skipped  int
	Failed   int
}

func NewRestoreService(backupService *backup.BackupService, sessions ports.SessionRepository, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		sessions:      sessions,
		logger:        logger,
	}
}

// RestoreLatest restores the newest archive. No archives is not an error.
func (rs *RestoreService) RestoreLatest(ctx context.Context, options RestoreOptions) (RestoreResult, error) {
	name, err := rs.backupService.LatestBackup(ctx)
	if errors.Is(err, backup.ErrNoBackups) {
		return RestoreResult{}, nil
	}
	if err != nil {
		return RestoreResult{}, err
	}
	return rs.RestoreFromBackup(ctx, name, options)
}

// RestoreFromBackup restores data from a specific backup
func (rs *RestoreService) RestoreFromBackup(ctx context.Context, name string, options RestoreOptions) (RestoreResult, error) {
	var result RestoreResult

	data, err := rs.backupService.RestoreBackup(ctx, name)
	if err != nil {
		return result, fmt.Errorf("failed to load backup: %w", err)
	}

	for id, raw := range data.Sessions {
		var st domain.StreamState
		if err := json.Unmarshal(raw, &st); err != nil {
			rs.logger.Warnw("skipping unreadable archived session", "session_id", id, "error", err)
			result.Failed++
			continue
		}
		if st.SessionID == "" {
			st.SessionID = domain.SessionID(id)
		}
		if options.SkipLive && st.Phase == domain.PhaseLive {
			result.Skipped++
			continue
		}

		if !options.OverwriteExisting {
			_, err := rs.sessions.Get(ctx, st.SessionID)
			if err == nil {
				result.Skipped++
				continue
			}
			if !errors.Is(err, domain.ErrSessionNotFound) {
				return result, fmt.Errorf("failed to check session %s: %w", st.SessionID, err)
			}
		}

		if err := rs.sessions.Save(ctx, st); err != nil {
			return result, fmt.Errorf("failed to restore session %s: %w", st.SessionID, err)
		}
		result.Restored++
	}

	rs.logger.Infow("session archive restored",
		"backup_name", name,
		"restored", result.Restored,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
