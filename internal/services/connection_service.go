package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"gorm.io/gorm"
)

const (
	// MaxConsecutiveFailures removes a connection from automatic scheduling
	MaxConsecutiveFailures = 3
	// errorStatusThreshold is the failure count at which a connection is marked as error
	errorStatusThreshold = 2
)

// CredentialVault encrypts and decrypts credential strings
type CredentialVault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ConnectionInput is the data submitted when a user links a broker
type ConnectionInput struct {
	BrokerType      broker.BrokerType     `json:"broker_type"`
	Credentials     broker.Credentials    `json:"credentials"`
	AutoSyncEnabled *bool                 `json:"auto_sync_enabled,omitempty"`
	SyncFrequency   *models.SyncFrequency `json:"sync_frequency,omitempty"`
	SyncTime        *string               `json:"sync_time,omitempty"`
}

// ConnectionUpdate is the allow-listed set of user-editable connection settings
type ConnectionUpdate struct {
	AutoSyncEnabled *bool                 `json:"auto_sync_enabled,omitempty"`
	SyncFrequency   *models.SyncFrequency `json:"sync_frequency,omitempty"`
	SyncTime        *string               `json:"sync_time,omitempty"`
}

// DecodeConnectionUpdate parses a settings update, rejecting any field outside the allow-list
func DecodeConnectionUpdate(r io.Reader) (ConnectionUpdate, error) {
	var update ConnectionUpdate
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&update); err != nil {
		return ConnectionUpdate{}, fmt.Errorf("invalid settings update: %w", err)
	}
	return update, update.Validate()
}

// Validate checks the values of the fields that are set
func (u ConnectionUpdate) Validate() error {
	if u.SyncFrequency != nil && !u.SyncFrequency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSyncFrequency, *u.SyncFrequency)
	}
	if u.SyncTime != nil {
		if _, err := parseTimeOfDay(*u.SyncTime); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionView is a connection as returned to callers.
// Credentials is populated only when explicitly requested.
type ConnectionView struct {
	models.BrokerConnection
	Credentials *broker.Credentials `json:"-"`
}

// SyncCounts are the final counters written to a completed sync log
type SyncCounts struct {
	Fetched      int
	Imported     int
	Skipped      int
	Failed       int
	Duplicates   int
	RecordErrors []string
}

// ConnectionService persists broker connections and their sync logs
type ConnectionService struct {
	db     *gorm.DB
	vault  CredentialVault
	now    func() time.Time
	logger *log.Logger
}

// NewConnectionService creates a new connection service
func NewConnectionService(db *gorm.DB, vault CredentialVault) *ConnectionService {
	return &ConnectionService{
		db:     db,
		vault:  vault,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.New(log.Writer(), "[ConnectionStore] ", log.LstdFlags),
	}
}

// SetLogger sets a custom logger
func (s *ConnectionService) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetNow replaces the time source
func (s *ConnectionService) SetNow(now func() time.Time) {
	s.now = now
}

// Create registers credentials for a user's broker. An existing connection for the same
// broker type is updated in place: credentials replaced, status reset to pending and
// the failure history cleared.
func (s *ConnectionService) Create(ctx context.Context, userID uint, input ConnectionInput) (*models.BrokerConnection, error) {
	if !input.BrokerType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBrokerType, input.BrokerType)
	}
	schedule := ConnectionUpdate{
		AutoSyncEnabled: input.AutoSyncEnabled,
		SyncFrequency:   input.SyncFrequency,
		SyncTime:        input.SyncTime,
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	encrypted, err := s.encryptCredentials(&input.Credentials)
	if err != nil {
		return nil, err
	}

	var conn models.BrokerConnection
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND broker_type = ?", userID, input.BrokerType).First(&conn).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			conn = models.BrokerConnection{
				UserID:        userID,
				BrokerType:    input.BrokerType,
				Status:        models.ConnectionPending,
				SyncFrequency: models.FrequencyDaily,
				SyncTime:      models.DefaultSyncTime,
			}
			applyCredentialColumns(&conn, encrypted)
			s.applySchedule(&conn, schedule)
			return tx.Create(&conn).Error
		}
		if err != nil {
			return err
		}

		s.applySchedule(&conn, schedule)
		updates := map[string]interface{}{
			"status":               models.ConnectionPending,
			"consecutive_failures": 0,
			"last_error_at":        nil,
			"last_error_message":   "",
			"auto_sync_enabled":    conn.AutoSyncEnabled,
			"sync_frequency":       conn.SyncFrequency,
			"sync_time":            conn.SyncTime,
			"next_scheduled_sync":  conn.NextScheduledSync,
		}
		for column, value := range encrypted {
			updates[column] = value
		}
		if err := tx.Model(&models.BrokerConnection{}).Where("id = ?", conn.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&conn, conn.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	s.logger.Printf("Saved %s connection %d for user %d", conn.BrokerType, conn.ID, userID)
	return &conn, nil
}

// FindByID loads a connection. Credentials are decrypted only when includeCredentials is set.
func (s *ConnectionService) FindByID(ctx context.Context, id uint, includeCredentials bool) (*ConnectionView, error) {
	var conn models.BrokerConnection
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}

	view := &ConnectionView{BrokerConnection: conn}
	if includeCredentials {
		creds, err := s.decryptCredentials(&conn)
		if err != nil {
			return nil, err
		}
		view.Credentials = creds
	}
	clearCredentialColumns(&view.BrokerConnection)
	return view, nil
}

// FindByUser returns all connections of a user without credentials
func (s *ConnectionService) FindByUser(ctx context.Context, userID uint) ([]models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	for i := range conns {
		clearCredentialColumns(&conns[i])
	}
	return conns, nil
}

// FindDueForSync returns active auto-sync connections whose next sync has arrived,
// excluding those that have failed MaxConsecutiveFailures times in a row
func (s *ConnectionService) FindDueForSync(ctx context.Context) ([]models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	err := s.db.WithContext(ctx).
		Where("auto_sync_enabled = ? AND status = ? AND consecutive_failures < ?",
			true, models.ConnectionActive, MaxConsecutiveFailures).
		Where("next_scheduled_sync IS NULL OR next_scheduled_sync <= ?", s.now()).
		Order("next_scheduled_sync IS NOT NULL, next_scheduled_sync ASC, id ASC").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due connections: %w", err)
	}
	for i := range conns {
		clearCredentialColumns(&conns[i])
	}
	return conns, nil
}

// UpdateStatus sets the connection status
func (s *ConnectionService) UpdateStatus(ctx context.Context, id uint, status models.ConnectionStatus) error {
	return s.updateColumns(ctx, id, map[string]interface{}{"status": status})
}

// UpdateAfterSync records a successful sync: failures reset, error cleared, status active
func (s *ConnectionService) UpdateAfterSync(ctx context.Context, id uint, imported, skipped int, nextSync *time.Time) error {
	now := s.now()
	return s.updateColumns(ctx, id, map[string]interface{}{
		"status":                models.ConnectionActive,
		"consecutive_failures":  0,
		"last_error_at":         nil,
		"last_error_message":    "",
		"last_sync_at":          now,
		"last_sync_status":      string(broker.SyncStatusCompleted),
		"last_sync_imported":    imported,
		"last_sync_skipped":     skipped,
		"total_trades_imported": gorm.Expr("total_trades_imported + ?", imported),
		"next_scheduled_sync":   nextSync,
	})
}

// UpdateAfterFailure increments the failure counter in a single statement and
// escalates the status to error once the counter reaches the threshold.
// An expired connection stays expired.
func (s *ConnectionService) UpdateAfterFailure(ctx context.Context, id uint, message string) error {
	now := s.now()
	return s.updateColumns(ctx, id, map[string]interface{}{
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
		"status": gorm.Expr("CASE WHEN status = ? THEN status WHEN consecutive_failures + 1 >= ? THEN ? ELSE status END",
			models.ConnectionExpired, errorStatusThreshold, models.ConnectionError),
		"last_error_at":      now,
		"last_error_message": message,
		"last_sync_at":       now,
		"last_sync_status":   string(broker.SyncStatusFailed),
	})
}

// ScheduleNextSync stores the next automatic sync time; nil clears it
func (s *ConnectionService) ScheduleNextSync(ctx context.Context, id uint, next *time.Time) error {
	return s.updateColumns(ctx, id, map[string]interface{}{"next_scheduled_sync": next})
}

// UpdateSettings applies an allow-listed settings update and recomputes the next sync
func (s *ConnectionService) UpdateSettings(ctx context.Context, id uint, update ConnectionUpdate) (*models.BrokerConnection, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var conn models.BrokerConnection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conn, id).Error; err != nil {
			return err
		}
		s.applySchedule(&conn, update)
		return tx.Model(&models.BrokerConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
			"auto_sync_enabled":   conn.AutoSyncEnabled,
			"sync_frequency":      conn.SyncFrequency,
			"sync_time":           conn.SyncTime,
			"next_scheduled_sync": conn.NextScheduledSync,
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}

	clearCredentialColumns(&conn)
	return &conn, nil
}

// SaveTokens stores a refreshed OAuth token pair and marks the connection active
func (s *ConnectionService) SaveTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.vault.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return s.updateColumns(ctx, id, map[string]interface{}{
		"access_token":     access,
		"refresh_token":    refresh,
		"token_expires_at": expiresAt.UTC().Format(time.RFC3339),
		"status":           models.ConnectionActive,
	})
}

// MarkExpired flags a connection whose refresh token was rejected
func (s *ConnectionService) MarkExpired(ctx context.Context, id uint, message string) error {
	s.logger.Printf("Connection %d expired: %s", id, message)
	return s.updateColumns(ctx, id, map[string]interface{}{
		"status":             models.ConnectionExpired,
		"last_error_at":      s.now(),
		"last_error_message": message,
	})
}

// Delete removes a connection together with its sync logs
func (s *ConnectionService) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", id).Delete(&models.SyncLog{}).Error; err != nil {
			return fmt.Errorf("failed to delete sync logs: %w", err)
		}
		result := tx.Delete(&models.BrokerConnection{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete connection: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConnectionNotFound
		}
		return nil
	})
}

func (s *ConnectionService) updateColumns(ctx context.Context, id uint, columns map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.BrokerConnection{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return fmt.Errorf("failed to update connection %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// applySchedule merges schedule settings and recomputes the next sync time
func (s *ConnectionService) applySchedule(conn *models.BrokerConnection, update ConnectionUpdate) {
	if update.AutoSyncEnabled != nil {
		conn.AutoSyncEnabled = *update.AutoSyncEnabled
	}
	if update.SyncFrequency != nil {
		conn.SyncFrequency = *update.SyncFrequency
	}
	if update.SyncTime != nil {
		conn.SyncTime = *update.SyncTime
	}

	conn.NextScheduledSync = nil
	if conn.AutoSyncEnabled {
		conn.NextScheduledSync = CalculateNextSync(conn.SyncFrequency, conn.SyncTime, s.now())
	}
}

func (s *ConnectionService) encryptCredentials(creds *broker.Credentials) (map[string]interface{}, error) {
	plain := map[string]string{
		"flex_token":     creds.FlexToken,
		"flex_query_id":  creds.FlexQueryID,
		"access_token":   creds.AccessToken,
		"refresh_token":  creds.RefreshToken,
		"account_number": creds.AccountNumber,
	}

	columns := make(map[string]interface{}, len(plain)+1)
	for column, value := range plain {
		ciphertext, err := s.vault.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", column, err)
		}
		columns[column] = ciphertext
	}
	columns["token_expires_at"] = creds.TokenExpiresAt
	return columns, nil
}

func (s *ConnectionService) decryptCredentials(conn *models.BrokerConnection) (*broker.Credentials, error) {
	creds := &broker.Credentials{TokenExpiresAt: conn.TokenExpiresAt}
	fields := []struct {
		dst        *string
		ciphertext string
		name       string
	}{
		{&creds.FlexToken, conn.FlexToken, "flex token"},
		{&creds.FlexQueryID, conn.FlexQueryID, "flex query id"},
		{&creds.AccessToken, conn.AccessToken, "access token"},
		{&creds.RefreshToken, conn.RefreshToken, "refresh token"},
		{&creds.AccountNumber, conn.AccountNumber, "account number"},
	}
	for _, f := range fields {
		plaintext, err := s.vault.Decrypt(f.ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s of connection %d: %w", f.name, conn.ID, err)
		}
		*f.dst = plaintext
	}
	return creds, nil
}

func applyCredentialColumns(conn *models.BrokerConnection, columns map[string]interface{}) {
	conn.FlexToken, _ = columns["flex_token"].(string)
	conn.FlexQueryID, _ = columns["flex_query_id"].(string)
	conn.AccessToken, _ = columns["access_token"].(string)
	conn.RefreshToken, _ = columns["refresh_token"].(string)
	conn.AccountNumber, _ = columns["account_number"].(string)
	conn.TokenExpiresAt, _ = columns["token_expires_at"].(string)
}

func clearCredentialColumns(conn *models.BrokerConnection) {
	conn.FlexToken = ""
	conn.FlexQueryID = ""
	conn.AccessToken = ""
	conn.RefreshToken = ""
	conn.AccountNumber = ""
}
