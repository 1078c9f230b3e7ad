package models

import (
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"gorm.io/datatypes"
)

// SyncType tells what triggered a sync
type SyncType string

const (
	SyncTypeManual    SyncType = "manual"
	SyncTypeScheduled SyncType = "scheduled"
)

// MaxRecordErrors caps the per-record messages kept on a sync log
const MaxRecordErrors = 50

// SyncLog records one sync attempt
type SyncLog struct {
	ID           uint              `json:"id" gorm:"primaryKey"`
	ConnectionID uint              `json:"connection_id" gorm:"not null;index"`
	UserID       uint              `json:"user_id" gorm:"not null;index"`
	SyncType     SyncType          `json:"sync_type" gorm:"type:varchar(16);not null"`
	RangeStart   *time.Time        `json:"range_start,omitempty"`
	RangeEnd     *time.Time        `json:"range_end,omitempty"`
	Status       broker.SyncStatus `json:"status" gorm:"type:varchar(16);not null;default:'started'"`

	TradesFetched      int `json:"trades_fetched"`
	TradesImported     int `json:"trades_imported"`
	TradesSkipped      int `json:"trades_skipped"`
	TradesFailed       int `json:"trades_failed"`
	DuplicatesDetected int `json:"duplicates_detected"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	ErrorMessage string         `json:"error_message,omitempty" gorm:"type:text"`
	ErrorCode    string         `json:"error_code,omitempty" gorm:"type:varchar(32)"`
	RecordErrors datatypes.JSON `json:"record_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// statusRank orders the non-terminal progression; failed is handled separately
var statusRank = map[broker.SyncStatus]int{
	broker.SyncStatusStarted:   0,
	broker.SyncStatusFetching:  1,
	broker.SyncStatusParsing:   2,
	broker.SyncStatusImporting: 3,
	broker.SyncStatusCompleted: 4,
}

// IsTerminalSyncStatus reports whether a log in status s can no longer change
func IsTerminalSyncStatus(s broker.SyncStatus) bool {
	return s == broker.SyncStatusCompleted || s == broker.SyncStatusFailed
}

// CanTransition reports whether a sync log may move from one status to another.
// Progress moves forward one step at a time, failed is reachable from any
// non-terminal status, and terminal statuses are final.
func CanTransition(from, to broker.SyncStatus) bool {
	if IsTerminalSyncStatus(from) {
		return false
	}
	if to == broker.SyncStatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}
