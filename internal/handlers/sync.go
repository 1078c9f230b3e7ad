package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/Cyvadra/broker-sync/internal/services"
	"github.com/gin-gonic/gin"
)

// Global handler instance
var globalHandler *SyncHandler

// SyncRequest is the optional body of a manual sync request
type SyncRequest struct {
	StartDate string `json:"start_date,omitempty"` // YYYY-MM-DD or RFC3339
	EndDate   string `json:"end_date,omitempty"`
}

// ValidateRequest carries credentials to check before they are stored
type ValidateRequest struct {
	BrokerType  broker.BrokerType  `json:"broker_type" binding:"required"`
	Credentials broker.Credentials `json:"credentials"`
}

// SyncHandler exposes sync operations over HTTP
type SyncHandler struct {
	connections *services.ConnectionService
	syncService *services.SyncService
	trades      *services.TradeService
	scheduler   *services.Scheduler
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(connections *services.ConnectionService, syncService *services.SyncService, trades *services.TradeService, scheduler *services.Scheduler) *SyncHandler {
	return &SyncHandler{
		connections: connections,
		syncService: syncService,
		trades:      trades,
		scheduler:   scheduler,
	}
}

// SetGlobalHandler sets the global handler instance
func SetGlobalHandler(handler *SyncHandler) {
	globalHandler = handler
}

// GetGlobalHandler returns the global handler instance
func GetGlobalHandler() *SyncHandler {
	return globalHandler
}

// TriggerSync starts a manual sync and returns its log id immediately
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	id, ok := parseID(c, "connection")
	if !ok {
		return
	}

	var req SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	opts := services.SyncOptions{SyncType: models.SyncTypeManual}
	var err error
	if opts.Start, err = parseDate(req.StartDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid start_date: %v", err)})
		return
	}
	if opts.End, err = parseDate(req.EndDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid end_date: %v", err)})
		return
	}

	result, err := h.syncService.StartSync(c.Request.Context(), id, opts)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConnectionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		case broker.NeedsReauth(err):
			c.JSON(http.StatusConflict, gin.H{
				"error":        "Connection requires re-authentication",
				"needs_reauth": true,
			})
		case errors.Is(err, services.ErrConnectionNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": result.Error})
		default:
			log.Printf("Failed to start sync for connection %d: %v", id, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": result.Error})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":     true,
		"status":      result.Status,
		"sync_log_id": result.SyncLogID,
		"message":     "Sync started",
	})
}

// ValidateCredentials checks credentials without storing them
func (h *SyncHandler) ValidateCredentials(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "broker_type and credentials are required"})
		return
	}
	if !req.BrokerType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported broker type: %s", req.BrokerType)})
		return
	}

	c.JSON(http.StatusOK, h.syncService.ValidateCredentials(c.Request.Context(), req.BrokerType, req.Credentials))
}

// ValidateConnection checks a stored connection and activates it when valid
func (h *SyncHandler) ValidateConnection(c *gin.Context) {
	id, ok := parseID(c, "connection")
	if !ok {
		return
	}

	result, err := h.syncService.ValidateConnection(c.Request.Context(), id)
	if errors.Is(err, services.ErrConnectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to validate connection %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to validate connection"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetConnection returns a connection without its credentials
func (h *SyncHandler) GetConnection(c *gin.Context) {
	id, ok := parseID(c, "connection")
	if !ok {
		return
	}

	conn, err := h.connections.FindByID(c.Request.Context(), id, false)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection":   conn.BrokerConnection,
		"needs_reauth": conn.NeedsReauth(),
	})
}

// UpdateSettings applies an allow-listed schedule update
func (h *SyncHandler) UpdateSettings(c *gin.Context) {
	id, ok := parseID(c, "connection")
	if !ok {
		return
	}

	update, err := services.DecodeConnectionUpdate(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.connections.UpdateSettings(c.Request.Context(), id, update)
	if errors.Is(err, services.ErrConnectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to update settings of connection %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update settings"})
		return
	}

	c.JSON(http.StatusOK, conn)
}

// GetSyncLog returns one sync log
func (h *SyncHandler) GetSyncLog(c *gin.Context) {
	id, ok := parseID(c, "sync log")
	if !ok {
		return
	}

	entry, err := h.connections.GetSyncLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sync log not found"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// GetSyncLogs returns the recent sync logs of a connection
func (h *SyncHandler) GetSyncLogs(c *gin.Context) {
	id, ok := parseID(c, "connection")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	logs, err := h.connections.ListSyncLogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve sync logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sync_logs": logs,
		"count":     len(logs),
	})
}

// GetUserTrades returns the most recent imported trades of a user
func (h *SyncHandler) GetUserTrades(c *gin.Context) {
	userID, ok := parseID(c, "user")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	trades, err := h.trades.GetUserTrades(c.Request.Context(), userID, limit)
	if err != nil {
		log.Printf("Failed to load trades of user %d: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetSchedulerStatus reports whether the scheduler is running
func (h *SyncHandler) GetSchedulerStatus(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.GetStatus())
}

// RunScheduler runs one scheduler tick now
func (h *SyncHandler) RunScheduler(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is disabled"})
		return
	}

	summary := h.scheduler.RunOnce(c.Request.Context())
	if summary.Skipped {
		c.JSON(http.StatusConflict, gin.H{"error": "A scheduler tick is already running"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func parseID(c *gin.Context, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid %s ID", what)})
		return 0, false
	}
	return uint(id), true
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", value)
	}
	return t.UTC(), nil
}
