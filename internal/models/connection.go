package models

import (
	"time"

	"github.com/Cyvadra/broker-sync/broker"
)

// ConnectionStatus is the health state of a broker connection
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionError   ConnectionStatus = "error"
	ConnectionExpired ConnectionStatus = "expired"
)

// SyncFrequency is how often a connection is synced automatically
type SyncFrequency string

const (
	FrequencyManual       SyncFrequency = "manual"
	FrequencyHourly       SyncFrequency = "hourly"
	FrequencyEvery4Hours  SyncFrequency = "every_4_hours"
	FrequencyEvery6Hours  SyncFrequency = "every_6_hours"
	FrequencyEvery12Hours SyncFrequency = "every_12_hours"
	FrequencyDaily        SyncFrequency = "daily"
)

// Valid reports whether f is a known frequency
func (f SyncFrequency) Valid() bool {
	switch f {
	case FrequencyManual, FrequencyHourly, FrequencyEvery4Hours, FrequencyEvery6Hours,
		FrequencyEvery12Hours, FrequencyDaily:
		return true
	}
	return false
}

// DefaultSyncTime is the time of day used by daily syncs when none is set
const DefaultSyncTime = "06:00:00"

// BrokerConnection represents one user's link to one broker.
// Credential columns hold vault ciphertext and are never serialized.
type BrokerConnection struct {
	ID         uint              `json:"id" gorm:"primaryKey"`
	UserID     uint              `json:"user_id" gorm:"not null;uniqueIndex:idx_user_broker"`
	BrokerType broker.BrokerType `json:"broker_type" gorm:"type:varchar(32);not null;uniqueIndex:idx_user_broker"`
	Status     ConnectionStatus  `json:"status" gorm:"type:varchar(16);not null;default:'pending';index:idx_due_sync,priority:1"`

	// Flex-Report
	FlexToken   string `json:"-" gorm:"type:text"`
	FlexQueryID string `json:"-" gorm:"type:text"`

	// OAuth-REST
	AccessToken    string `json:"-" gorm:"type:text"`
	RefreshToken   string `json:"-" gorm:"type:text"`
	TokenExpiresAt string `json:"token_expires_at,omitempty" gorm:"type:varchar(64)"` // RFC3339
	AccountNumber  string `json:"-" gorm:"type:text"`

	// Schedule
	AutoSyncEnabled   bool          `json:"auto_sync_enabled" gorm:"not null;default:false;index:idx_due_sync,priority:2"`
	SyncFrequency     SyncFrequency `json:"sync_frequency" gorm:"type:varchar(16);not null;default:'daily'"`
	SyncTime          string        `json:"sync_time" gorm:"type:varchar(8);not null;default:'06:00:00'"`
	NextScheduledSync *time.Time    `json:"next_scheduled_sync,omitempty" gorm:"index:idx_due_sync,priority:4"`

	// Health
	ConsecutiveFailures int        `json:"consecutive_failures" gorm:"not null;default:0;index:idx_due_sync,priority:3"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty" gorm:"type:text"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus      string     `json:"last_sync_status,omitempty" gorm:"type:varchar(16)"`
	LastSyncImported    int        `json:"last_sync_imported"`
	LastSyncSkipped     int        `json:"last_sync_skipped"`
	TotalTradesImported int        `json:"total_trades_imported"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	SyncLogs []SyncLog `json:"sync_logs,omitempty" gorm:"foreignKey:ConnectionID;constraint:OnDelete:CASCADE"`
}

// NeedsReauth reports whether only a fresh user authorization can recover the connection
func (c *BrokerConnection) NeedsReauth() bool {
	return c.Status == ConnectionExpired
}

// CanSync reports whether the orchestrator may start a sync
func (c *BrokerConnection) CanSync() bool {
	return c.Status == ConnectionActive
}
