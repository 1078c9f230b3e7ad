package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/microcosm-cc/bluemonday"
)

// maxErrorMessageLength bounds broker error text stored on a connection
const maxErrorMessageLength = 500

// progression is the success path of a sync log before completion
var progression = []broker.SyncStatus{
	broker.SyncStatusStarted,
	broker.SyncStatusFetching,
	broker.SyncStatusParsing,
	broker.SyncStatusImporting,
}

// TradeStore persists imported executions
type TradeStore interface {
	CreateTrade(ctx context.Context, conn *models.BrokerConnection, syncLogID uint, rec broker.RawTradeRecord) (uint, error)
}

// SyncOptions describes a sync request. Zero times use the adapter's default range.
type SyncOptions struct {
	SyncType models.SyncType `json:"sync_type"`
	Start    time.Time       `json:"start_date"`
	End      time.Time       `json:"end_date"`
}

// SyncResult is the outcome of a sync attempt
type SyncResult struct {
	Success     bool              `json:"success"`
	Status      broker.SyncStatus `json:"status,omitempty"`
	SyncLogID   uint              `json:"sync_log_id,omitempty"`
	Imported    int               `json:"imported"`
	Skipped     int               `json:"skipped"`
	Failed      int               `json:"failed"`
	Duplicates  int               `json:"duplicates"`
	Error       string            `json:"error,omitempty"`
	NeedsReauth bool              `json:"needs_reauth,omitempty"`
}

// ValidationResult is the outcome of a credential check
type ValidationResult struct {
	Valid       bool   `json:"valid"`
	Message     string `json:"message"`
	NeedsReauth bool   `json:"needs_reauth,omitempty"`
}

// SyncService drives connections through sync attempts
type SyncService struct {
	connections *ConnectionService
	registry    *broker.Registry
	resolver    *DuplicateResolver
	trades      TradeStore
	notifier    Notifier
	sanitizer   *bluemonday.Policy
	now         func() time.Time
	logger      *log.Logger
	background  sync.WaitGroup
}

// NewSyncService creates a new sync service
func NewSyncService(connections *ConnectionService, registry *broker.Registry, resolver *DuplicateResolver, trades TradeStore) *SyncService {
	return &SyncService{
		connections: connections,
		registry:    registry,
		resolver:    resolver,
		trades:      trades,
		notifier:    NewLogNotifier(),
		sanitizer:   bluemonday.StrictPolicy(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.New(log.Writer(), "[SyncService] ", log.LstdFlags),
	}
}

// SetNotifier replaces the event notifier
func (s *SyncService) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// SetLogger sets the logger
func (s *SyncService) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetNow sets the clock used for scheduling
func (s *SyncService) SetNow(now func() time.Time) {
	s.now = now
}

// Wait blocks until every background sync started by StartSync has finished
func (s *SyncService) Wait() {
	s.background.Wait()
}

// WaitContext is Wait bounded by ctx; it returns ctx.Err() when syncs are still running
func (s *SyncService) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncConnection runs one complete sync attempt and returns its outcome
func (s *SyncService) SyncConnection(ctx context.Context, connectionID uint, opts SyncOptions) SyncResult {
	conn, entry, err := s.prepare(ctx, connectionID, opts)
	if err != nil {
		return rejectedResult(err)
	}
	return s.run(ctx, conn, entry)
}

// StartSync creates the sync log and runs the attempt in the background.
// The returned result only carries the log id; the outcome is read from the log.
func (s *SyncService) StartSync(ctx context.Context, connectionID uint, opts SyncOptions) (SyncResult, error) {
	conn, entry, err := s.prepare(ctx, connectionID, opts)
	if err != nil {
		return rejectedResult(err), err
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.run(context.Background(), conn, entry)
	}()

	return SyncResult{Success: true, Status: broker.SyncStatusStarted, SyncLogID: entry.ID}, nil
}

// ValidateCredentials checks credentials for a broker type without storing anything
func (s *SyncService) ValidateCredentials(ctx context.Context, brokerType broker.BrokerType, creds broker.Credentials) ValidationResult {
	adapter, err := s.registry.Get(brokerType)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("unsupported broker type: %s", brokerType)}
	}
	return s.validate(ctx, adapter, 0, &creds)
}

// ValidateConnection checks a stored connection's credentials and activates it on success
func (s *SyncService) ValidateConnection(ctx context.Context, connectionID uint) (ValidationResult, error) {
	conn, err := s.connections.FindByID(ctx, connectionID, true)
	if err != nil {
		return ValidationResult{}, err
	}
	adapter, err := s.registry.Get(conn.BrokerType)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("unsupported broker type: %s", conn.BrokerType)}, nil
	}

	result := s.validate(ctx, adapter, conn.ID, conn.Credentials)
	if result.Valid {
		if err := s.connections.UpdateStatus(ctx, conn.ID, models.ConnectionActive); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *SyncService) validate(ctx context.Context, adapter broker.Adapter, connectionID uint, creds *broker.Credentials) (result ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Recovered panic validating %s credentials: %v", adapter.Type(), r)
			result = ValidationResult{Message: "credential validation failed unexpectedly"}
		}
	}()

	if err := adapter.Validate(ctx, connectionID, creds); err != nil {
		return ValidationResult{
			Message:     s.sanitize(broker.UserMessage(err)),
			NeedsReauth: broker.NeedsReauth(err),
		}
	}
	return ValidationResult{Valid: true, Message: "credentials are valid"}
}

// prepare checks the connection can sync and opens its sync log
func (s *SyncService) prepare(ctx context.Context, connectionID uint, opts SyncOptions) (*ConnectionView, *models.SyncLog, error) {
	conn, err := s.connections.FindByID(ctx, connectionID, true)
	if err != nil {
		return nil, nil, err
	}
	if !conn.CanSync() {
		if conn.NeedsReauth() {
			return nil, nil, fmt.Errorf("%w: re-authenticate to resume syncing", broker.ErrNeedsReauth)
		}
		return nil, nil, fmt.Errorf("%w: status is %s", ErrConnectionNotActive, conn.Status)
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return nil, nil, fmt.Errorf("end date %s is before start date %s",
			opts.End.Format(time.DateOnly), opts.Start.Format(time.DateOnly))
	}

	syncType := opts.SyncType
	if syncType == "" {
		syncType = models.SyncTypeManual
	}
	entry, err := s.connections.CreateSyncLog(ctx, &conn.BrokerConnection, syncType, broker.DateRange{Start: opts.Start, End: opts.End})
	if err != nil {
		return nil, nil, err
	}
	return conn, entry, nil
}

// run executes the fetch, resolve and import phases. Every error and adapter panic
// ends as a failed log plus a connection failure update.
func (s *SyncService) run(ctx context.Context, conn *ConnectionView, entry *models.SyncLog) (result SyncResult) {
	var counts SyncCounts
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Recovered panic in %s sync of connection %d: %v", conn.BrokerType, conn.ID, r)
			result = s.fail(ctx, conn, entry.ID, fmt.Errorf("sync aborted unexpectedly: %v", r), counts)
		}
	}()

	adapter, err := s.registry.Get(conn.BrokerType)
	if err != nil {
		return s.fail(ctx, conn, entry.ID, err, counts)
	}

	var rangeStart, rangeEnd time.Time
	if entry.RangeStart != nil {
		rangeStart = *entry.RangeStart
	}
	if entry.RangeEnd != nil {
		rangeEnd = *entry.RangeEnd
	}

	fetched, err := adapter.Fetch(ctx, &broker.FetchRequest{
		ConnectionID: conn.ID,
		SyncLogID:    entry.ID,
		Credentials:  conn.Credentials,
		Range:        broker.DateRange{Start: rangeStart, End: rangeEnd},
		Progress:     s.connections,
	})
	if err != nil {
		return s.fail(ctx, conn, entry.ID, err, counts)
	}
	if fetched == nil {
		fetched = &broker.FetchResult{}
	}

	counts.Fetched = fetched.Total()
	for _, rejected := range fetched.Rejected {
		counts.Failed++
		counts.RecordErrors = append(counts.RecordErrors, fmt.Sprintf("line %d: %s", rejected.Line, rejected.Reason))
	}

	if err := s.advanceThrough(ctx, entry.ID, broker.SyncStatusImporting); err != nil {
		return s.fail(ctx, conn, entry.ID, err, counts)
	}

	resolution, err := s.resolver.Resolve(ctx, conn.UserID, fetched.Records)
	if err != nil {
		return s.fail(ctx, conn, entry.ID, err, counts)
	}
	counts.Duplicates = len(resolution.Duplicates)
	counts.Skipped = counts.Duplicates

	for _, rec := range resolution.New {
		if _, err := s.trades.CreateTrade(ctx, &conn.BrokerConnection, entry.ID, rec); err != nil {
			counts.Failed++
			counts.RecordErrors = append(counts.RecordErrors, fmt.Sprintf("%s %s: %v", rec.Symbol, rec.BrokerExecutionID, err))
			continue
		}
		counts.Imported++
	}

	if err := s.connections.CompleteSyncLog(ctx, entry.ID, counts); err != nil {
		return s.fail(ctx, conn, entry.ID, err, counts)
	}
	if err := s.connections.UpdateAfterSync(ctx, conn.ID, counts.Imported, counts.Skipped, s.nextSync(conn)); err != nil {
		s.logger.Printf("Failed to update connection %d after sync: %v", conn.ID, err)
	}

	s.logger.Printf("Connection %d synced: fetched=%d imported=%d duplicates=%d failed=%d",
		conn.ID, counts.Fetched, counts.Imported, counts.Duplicates, counts.Failed)

	event := newSyncEvent(EventSyncCompleted, s.now())
	event.Imported, event.Skipped, event.Failed = counts.Imported, counts.Skipped, counts.Failed
	s.emit(ctx, conn, entry.ID, event)

	return SyncResult{
		Success:    true,
		Status:     broker.SyncStatusCompleted,
		SyncLogID:  entry.ID,
		Imported:   counts.Imported,
		Skipped:    counts.Skipped,
		Failed:     counts.Failed,
		Duplicates: counts.Duplicates,
	}
}

// fail records a failed attempt on the log and the connection
func (s *SyncService) fail(ctx context.Context, conn *ConnectionView, syncLogID uint, cause error, counts SyncCounts) SyncResult {
	message := s.sanitize(broker.UserMessage(cause))
	code := broker.ErrorCode(cause)
	if code == "" {
		code = "SYNC_FAILED"
	}
	needsReauth := broker.NeedsReauth(cause)

	s.logger.Printf("Connection %d sync failed (%s): %v", conn.ID, code, cause)

	if err := s.connections.FailSyncLog(ctx, syncLogID, code, message, counts); err != nil {
		s.logger.Printf("Failed to close sync log %d: %v", syncLogID, err)
	}
	if err := s.connections.UpdateAfterFailure(ctx, conn.ID, message); err != nil {
		s.logger.Printf("Failed to record failure on connection %d: %v", conn.ID, err)
	}
	if conn.AutoSyncEnabled {
		if err := s.connections.ScheduleNextSync(ctx, conn.ID, s.nextSync(conn)); err != nil {
			s.logger.Printf("Failed to schedule next sync of connection %d: %v", conn.ID, err)
		}
	}

	event := newSyncEvent(EventSyncFailed, s.now())
	event.Failed, event.Error, event.NeedsReauth = counts.Failed, message, needsReauth
	s.emit(ctx, conn, syncLogID, event)

	return SyncResult{
		Status:      broker.SyncStatusFailed,
		SyncLogID:   syncLogID,
		Imported:    counts.Imported,
		Skipped:     counts.Skipped,
		Failed:      counts.Failed,
		Duplicates:  counts.Duplicates,
		Error:       message,
		NeedsReauth: needsReauth,
	}
}

// advanceThrough walks the log forward to target, covering steps the adapter did not report
func (s *SyncService) advanceThrough(ctx context.Context, syncLogID uint, target broker.SyncStatus) error {
	entry, err := s.connections.GetSyncLog(ctx, syncLogID)
	if err != nil {
		return err
	}

	current := stepIndex(entry.Status)
	goal := stepIndex(target)
	if current < 0 || goal < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, target)
	}
	for i := current + 1; i <= goal; i++ {
		if err := s.connections.AdvanceSyncLog(ctx, syncLogID, progression[i]); err != nil {
			return err
		}
	}
	return nil
}

func stepIndex(status broker.SyncStatus) int {
	for i, step := range progression {
		if step == status {
			return i
		}
	}
	return -1
}

// nextSync is only computed for auto-sync connections
func (s *SyncService) nextSync(conn *ConnectionView) *time.Time {
	if !conn.AutoSyncEnabled {
		return nil
	}
	return CalculateNextSync(conn.SyncFrequency, conn.SyncTime, s.now())
}

func (s *SyncService) emit(ctx context.Context, conn *ConnectionView, syncLogID uint, event SyncEvent) {
	if s.notifier == nil {
		return
	}
	event.ConnectionID = conn.ID
	event.UserID = conn.UserID
	event.BrokerType = conn.BrokerType
	event.SyncLogID = syncLogID
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Printf("Failed to deliver %s event for connection %d: %v", event.Type, conn.ID, err)
	}
}

// sanitize strips markup from broker-supplied text and bounds its length
func (s *SyncService) sanitize(message string) string {
	clean := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(message)))
	if len(clean) > maxErrorMessageLength {
		cut := maxErrorMessageLength
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut]
	}
	return clean
}

func rejectedResult(err error) SyncResult {
	result := SyncResult{Error: broker.UserMessage(err), NeedsReauth: broker.NeedsReauth(err)}
	if errors.Is(err, ErrConnectionNotFound) {
		result.Error = ErrConnectionNotFound.Error()
	}
	return result
}
