package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/database"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/Cyvadra/broker-sync/internal/vault"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func logTo(w io.Writer) *log.Logger {
	return log.New(w, "", 0)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "sync.db"), "silent")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestConnectionService(t *testing.T, db *gorm.DB) *ConnectionService {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	svc := NewConnectionService(db, v)
	svc.SetLogger(quietLogger())
	svc.SetNow(func() time.Time { return testNow })
	return svc
}

// createConnection stores a connection and moves it to the given status
func createConnection(t *testing.T, svc *ConnectionService, userID uint, brokerType broker.BrokerType, status models.ConnectionStatus, autoSync bool) *models.BrokerConnection {
	t.Helper()
	frequency := models.FrequencyDaily
	conn, err := svc.Create(context.Background(), userID, ConnectionInput{
		BrokerType:      brokerType,
		Credentials:     broker.Credentials{FlexToken: fmt.Sprintf("token-%d", userID), FlexQueryID: "q-1"},
		AutoSyncEnabled: &autoSync,
		SyncFrequency:   &frequency,
	})
	require.NoError(t, err)
	if status != models.ConnectionPending {
		require.NoError(t, svc.UpdateStatus(context.Background(), conn.ID, status))
		conn.Status = status
	}
	return conn
}

func stockRecord(symbol, executionID string, executedAt time.Time, price, quantity float64) broker.RawTradeRecord {
	rec := broker.RawTradeRecord{
		Symbol:            symbol,
		Side:              broker.TradeSideBuy,
		Quantity:          quantity,
		Price:             price,
		ExecutedAt:        executedAt,
		TradeDate:         executedAt.Format(time.DateOnly),
		InstrumentType:    broker.InstrumentStock,
		BrokerExecutionID: executionID,
	}
	if executionID == "" {
		rec.BrokerExecutionID = broker.SyntheticExecutionID(&rec)
	}
	return rec
}

func optionRecord(underlying string, strike float64, expiration string, optionType broker.OptionType, executedAt time.Time, price float64) broker.RawTradeRecord {
	rec := broker.RawTradeRecord{
		Symbol:           underlying,
		UnderlyingSymbol: underlying,
		Side:             broker.TradeSideBuy,
		Quantity:         1,
		Price:            price,
		ExecutedAt:       executedAt,
		InstrumentType:   broker.InstrumentOption,
		Strike:           strike,
		Expiration:       expiration,
		OptionType:       optionType,
		Multiplier:       100,
	}
	rec.BrokerExecutionID = broker.SyntheticExecutionID(&rec)
	return rec
}

// fakeAdapter is a scripted broker adapter that tracks concurrent fetches
type fakeAdapter struct {
	brokerType     broker.BrokerType
	result         *broker.FetchResult
	err            error
	panicWith      interface{}
	validateErr    error
	delay          time.Duration
	reportProgress bool

	calls       int32
	inFlight    int32
	maxInFlight int32

	mu       sync.Mutex
	requests []broker.FetchRequest
}

func (f *fakeAdapter) Type() broker.BrokerType {
	return f.brokerType
}

func (f *fakeAdapter) Fetch(ctx context.Context, req *broker.FetchRequest) (*broker.FetchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxInFlight, seen, current) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, *req)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.reportProgress {
		req.ReportProgress(broker.SyncStatusFetching)
		req.ReportProgress(broker.SyncStatusParsing)
	}

	result := &broker.FetchResult{}
	if f.result != nil {
		result.Records = append(result.Records, f.result.Records...)
		result.Rejected = append(result.Rejected, f.result.Rejected...)
	}
	return result, nil
}

func (f *fakeAdapter) Validate(ctx context.Context, connectionID uint, credentials *broker.Credentials) error {
	return f.validateErr
}

// recordingNotifier captures emitted events
type recordingNotifier struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event SyncEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) types() []SyncEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]SyncEventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

type syncFixture struct {
	db          *gorm.DB
	connections *ConnectionService
	trades      *TradeService
	sync        *SyncService
	adapter     *fakeAdapter
	notifier    *recordingNotifier
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db := newTestDB(t)
	connections := newTestConnectionService(t, db)
	adapter := &fakeAdapter{brokerType: broker.BrokerTypeFlexReport}
	trades := NewTradeService(db)

	svc := NewSyncService(connections, broker.NewRegistry(adapter), NewDuplicateResolver(db), trades)
	svc.SetLogger(quietLogger())
	svc.SetNow(func() time.Time { return testNow })
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)

	return &syncFixture{
		db:          db,
		connections: connections,
		trades:      trades,
		sync:        svc,
		adapter:     adapter,
		notifier:    notifier,
	}
}

func (f *syncFixture) reload(t *testing.T, id uint) *ConnectionView {
	t.Helper()
	view, err := f.connections.FindByID(context.Background(), id, false)
	require.NoError(t, err)
	return view
}
