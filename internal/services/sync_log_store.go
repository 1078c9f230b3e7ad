package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var _ broker.ProgressReporter = (*ConnectionService)(nil)

// CreateSyncLog opens a log for a new sync attempt in status started
func (s *ConnectionService) CreateSyncLog(ctx context.Context, conn *models.BrokerConnection, syncType models.SyncType, r broker.DateRange) (*models.SyncLog, error) {
	entry := &models.SyncLog{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		SyncType:     syncType,
		Status:       broker.SyncStatusStarted,
		StartedAt:    s.now(),
	}
	if !r.Start.IsZero() {
		start := r.Start.UTC()
		entry.RangeStart = &start
	}
	if !r.End.IsZero() {
		end := r.End.UTC()
		entry.RangeEnd = &end
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}
	return entry, nil
}

// AdvanceSyncLog moves a log one step along the success path.
// Advancing to the current status is a no-op.
func (s *ConnectionService) AdvanceSyncLog(ctx context.Context, id uint, to broker.SyncStatus) error {
	if to == broker.SyncStatusCompleted || to == broker.SyncStatusFailed {
		return fmt.Errorf("%w: use CompleteSyncLog or FailSyncLog for %s", ErrInvalidTransition, to)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.SyncLog
		if err := tx.Select("id", "status").First(&entry, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSyncLogNotFound
			}
			return err
		}
		if entry.Status == to {
			return nil
		}
		if !models.CanTransition(entry.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
		}
		return tx.Model(&models.SyncLog{}).
			Where("id = ? AND status = ?", id, entry.Status).
			Update("status", to).Error
	})
}

// ReportProgress lets adapters advance a log; failures are logged, never returned
func (s *ConnectionService) ReportProgress(syncLogID uint, status broker.SyncStatus) {
	if err := s.AdvanceSyncLog(context.Background(), syncLogID, status); err != nil {
		s.logger.Printf("Sync log %d: cannot advance to %s: %v", syncLogID, status, err)
	}
}

// CompleteSyncLog finalizes an importing log with its counters
func (s *ConnectionService) CompleteSyncLog(ctx context.Context, id uint, counts SyncCounts) error {
	updates, err := s.terminalColumns(ctx, id, broker.SyncStatusCompleted, counts.RecordErrors)
	if err != nil {
		return err
	}
	updates["trades_fetched"] = counts.Fetched
	updates["trades_imported"] = counts.Imported
	updates["trades_skipped"] = counts.Skipped
	updates["trades_failed"] = counts.Failed
	updates["duplicates_detected"] = counts.Duplicates

	result := s.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("id = ? AND status = ?", id, broker.SyncStatusImporting).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to complete sync log %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: sync log %d is not importing", ErrInvalidTransition, id)
	}
	return nil
}

// FailSyncLog finalizes a non-terminal log as failed
func (s *ConnectionService) FailSyncLog(ctx context.Context, id uint, code, message string, counts SyncCounts) error {
	updates, err := s.terminalColumns(ctx, id, broker.SyncStatusFailed, counts.RecordErrors)
	if err != nil {
		return err
	}
	updates["error_code"] = code
	updates["error_message"] = message
	updates["trades_fetched"] = counts.Fetched
	updates["trades_imported"] = counts.Imported
	updates["trades_skipped"] = counts.Skipped
	updates["trades_failed"] = counts.Failed
	updates["duplicates_detected"] = counts.Duplicates

	result := s.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("id = ? AND status NOT IN ?", id, []broker.SyncStatus{broker.SyncStatusCompleted, broker.SyncStatusFailed}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to fail sync log %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: sync log %d is already final", ErrInvalidTransition, id)
	}
	return nil
}

// FailInterruptedSyncLogs fails every log left non-terminal by a process that exited mid-sync.
// It must run before the scheduler or request layer starts new attempts.
func (s *ConnectionService) FailInterruptedSyncLogs(ctx context.Context) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("status NOT IN ?", []broker.SyncStatus{broker.SyncStatusCompleted, broker.SyncStatusFailed}).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to query interrupted sync logs: %w", err)
	}

	failed := 0
	for _, id := range ids {
		err := s.FailSyncLog(ctx, id, "INTERRUPTED", "sync was interrupted by a service restart", SyncCounts{})
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return failed, err
		}
		if err == nil {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Printf("Marked %d interrupted sync logs as failed", failed)
	}
	return failed, nil
}

// GetSyncLog loads one sync log
func (s *ConnectionService) GetSyncLog(ctx context.Context, id uint) (*models.SyncLog, error) {
	var entry models.SyncLog
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncLogNotFound
		}
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	return &entry, nil
}

// ListSyncLogs returns the most recent logs of a connection, newest first
func (s *ConnectionService) ListSyncLogs(ctx context.Context, connectionID uint, limit int) ([]models.SyncLog, error) {
	var entries []models.SyncLog
	query := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	return entries, nil
}

// terminalColumns builds the shared completion columns
func (s *ConnectionService) terminalColumns(ctx context.Context, id uint, status broker.SyncStatus, recordErrors []string) (map[string]interface{}, error) {
	var entry models.SyncLog
	if err := s.db.WithContext(ctx).Select("id", "started_at").First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncLogNotFound
		}
		return nil, err
	}

	completedAt := s.now()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": completedAt,
		"duration_ms":  completedAt.Sub(entry.StartedAt).Milliseconds(),
	}

	if len(recordErrors) > 0 {
		if len(recordErrors) > models.MaxRecordErrors {
			recordErrors = recordErrors[:models.MaxRecordErrors]
		}
		raw, err := json.Marshal(recordErrors)
		if err != nil {
			return nil, err
		}
		updates["record_errors"] = datatypes.JSON(raw)
	}
	return updates, nil
}
