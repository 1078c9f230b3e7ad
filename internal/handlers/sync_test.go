package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/config"
	"github.com/Cyvadra/broker-sync/internal/database"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/Cyvadra/broker-sync/internal/services"
	"github.com/Cyvadra/broker-sync/internal/vault"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	records     []broker.RawTradeRecord
	validateErr error
}

func (a *stubAdapter) Type() broker.BrokerType {
	return broker.BrokerTypeFlexReport
}

func (a *stubAdapter) Fetch(ctx context.Context, req *broker.FetchRequest) (*broker.FetchResult, error) {
	return &broker.FetchResult{Records: a.records}, nil
}

func (a *stubAdapter) Validate(ctx context.Context, connectionID uint, credentials *broker.Credentials) error {
	return a.validateErr
}

type handlerFixture struct {
	router      *gin.Engine
	connections *services.ConnectionService
	sync        *services.SyncService
	adapter     *stubAdapter
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "handlers.db"), "silent")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	quiet := log.New(io.Discard, "", 0)
	connections := services.NewConnectionService(db, v)
	connections.SetLogger(quiet)

	adapter := &stubAdapter{records: []broker.RawTradeRecord{{
		Symbol:            "AAPL",
		Side:              broker.TradeSideBuy,
		Quantity:          10,
		Price:             185.5,
		ExecutedAt:        time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC),
		InstrumentType:    broker.InstrumentStock,
		BrokerExecutionID: "exec-1",
	}}}

	trades := services.NewTradeService(db)
	syncService := services.NewSyncService(connections, broker.NewRegistry(adapter),
		services.NewDuplicateResolver(db), trades)
	syncService.SetLogger(quiet)
	notifier := services.NewLogNotifier()
	notifier.SetLogger(quiet)
	syncService.SetNotifier(notifier)

	scheduler := services.NewScheduler(connections, syncService, config.SchedulerConfig{MaxConcurrentSyncs: 3})
	scheduler.SetLogger(quiet)

	handler := NewSyncHandler(connections, syncService, trades, scheduler)
	router := gin.New()
	api := router.Group("/api/v1")
	api.POST("/connections/validate", handler.ValidateCredentials)
	api.GET("/connections/:id", handler.GetConnection)
	api.POST("/connections/:id/sync", handler.TriggerSync)
	api.POST("/connections/:id/validate", handler.ValidateConnection)
	api.PATCH("/connections/:id/settings", handler.UpdateSettings)
	api.GET("/connections/:id/sync-logs", handler.GetSyncLogs)
	api.GET("/sync-logs/:id", handler.GetSyncLog)
	api.GET("/users/:id/trades", handler.GetUserTrades)
	api.GET("/scheduler/status", handler.GetSchedulerStatus)
	api.POST("/scheduler/run", handler.RunScheduler)

	return &handlerFixture{router: router, connections: connections, sync: syncService, adapter: adapter}
}

func (f *handlerFixture) createConnection(t *testing.T, status models.ConnectionStatus) uint {
	t.Helper()
	conn, err := f.connections.Create(context.Background(), 1, services.ConnectionInput{
		BrokerType:  broker.BrokerTypeFlexReport,
		Credentials: broker.Credentials{FlexToken: "secret-token", FlexQueryID: "123"},
	})
	require.NoError(t, err)
	require.NoError(t, f.connections.UpdateStatus(context.Background(), conn.ID, status))
	return conn.ID
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTriggerSyncStartsAndLogIsRetrievable(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createConnection(t, models.ConnectionActive)

	w := f.do(http.MethodPost, "/api/v1/connections/1/sync", `{"start_date":"2024-01-01","end_date":"2024-01-31"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "started", body["status"])
	logID := uint(body["sync_log_id"].(float64))
	require.NotZero(t, logID)

	f.sync.Wait()

	w = f.do(http.MethodGet, "/api/v1/sync-logs/"+itoa(logID), "")
	require.Equal(t, http.StatusOK, w.Code)
	entry := decode(t, w)
	assert.Equal(t, "completed", entry["status"])
	assert.Equal(t, float64(1), entry["trades_imported"])
	assert.Equal(t, "2024-01-01T00:00:00Z", entry["range_start"])

	w = f.do(http.MethodGet, "/api/v1/connections/"+itoa(id)+"/sync-logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestTriggerSyncRejections(t *testing.T) {
	f := newHandlerFixture(t)
	f.createConnection(t, models.ConnectionExpired)

	w := f.do(http.MethodPost, "/api/v1/connections/1/sync", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, true, decode(t, w)["needs_reauth"])

	w = f.do(http.MethodPost, "/api/v1/connections/99/sync", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/v1/connections/abc/sync", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/connections/1/sync", `{"start_date":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateCredentialsEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(http.MethodPost, "/api/v1/connections/validate",
		`{"broker_type":"flex_report","credentials":{"flex_token":"t","flex_query_id":"q"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	f.adapter.validateErr = broker.NewBrokerError(broker.BrokerTypeFlexReport, "1012", broker.CategoryCredential,
		"Token has expired.", broker.ErrInvalidCredentials)
	w = f.do(http.MethodPost, "/api/v1/connections/validate", `{"broker_type":"flex_report","credentials":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "Token has expired.", body["message"])

	w = f.do(http.MethodPost, "/api/v1/connections/validate", `{"broker_type":"carrier_pigeon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, "/api/v1/connections/validate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateConnectionActivates(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createConnection(t, models.ConnectionPending)

	w := f.do(http.MethodPost, "/api/v1/connections/"+itoa(id)+"/validate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	w = f.do(http.MethodGet, "/api/v1/connections/"+itoa(id), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-token")
	conn := decode(t, w)["connection"].(map[string]interface{})
	assert.Equal(t, "active", conn["status"])
}

func TestUpdateSettingsEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createConnection(t, models.ConnectionActive)

	w := f.do(http.MethodPatch, "/api/v1/connections/"+itoa(id)+"/settings",
		`{"auto_sync_enabled":true,"sync_frequency":"every_6_hours"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["auto_sync_enabled"])
	assert.Equal(t, "every_6_hours", body["sync_frequency"])
	assert.NotNil(t, body["next_scheduled_sync"])

	w = f.do(http.MethodPatch, "/api/v1/connections/"+itoa(id)+"/settings", `{"consecutive_failures":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPatch, "/api/v1/connections/77/settings", `{"auto_sync_enabled":false}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(http.MethodGet, "/api/v1/scheduler/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(3), body["max_concurrent_syncs"])
	assert.Equal(t, float64(15), body["tick_interval_minutes"])

	w = f.do(http.MethodPost, "/api/v1/scheduler/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["due"])
}

func TestGlobalHandler(t *testing.T) {
	handler := NewSyncHandler(nil, nil, nil, nil)
	SetGlobalHandler(handler)
	assert.Same(t, handler, GetGlobalHandler())
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)

	got, err = parseDate("2024-02-29T10:00:00-05:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 15, 0, 0, 0, time.UTC), got)

	got, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseDate("02/29/2024")
	assert.Error(t, err)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func TestGetUserTradesEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.createConnection(t, models.ConnectionActive)

	w := f.do(http.MethodGet, "/api/v1/users/1/trades", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = f.do(http.MethodPost, "/api/v1/connections/1/sync", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.sync.Wait()

	w = f.do(http.MethodGet, "/api/v1/users/1/trades?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
	trades := body["trades"].([]interface{})
	require.Len(t, trades, 1)
	assert.Equal(t, "AAPL", trades[0].(map[string]interface{})["symbol"])
	assert.Equal(t, "exec-1", trades[0].(map[string]interface{})["broker_execution_id"])

	w = f.do(http.MethodGet, "/api/v1/users/2/trades", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = f.do(http.MethodGet, "/api/v1/users/zero/trades", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
