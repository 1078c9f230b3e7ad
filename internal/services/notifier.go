package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// SyncEventType names the events emitted at the end of a sync attempt
type SyncEventType string

const (
	EventSyncCompleted SyncEventType = "sync.completed"
	EventSyncFailed    SyncEventType = "sync.failed"
)

// SyncEvent describes the outcome of one sync attempt
type SyncEvent struct {
	ID           string            `json:"id"`
	Type         SyncEventType     `json:"type"`
	ConnectionID uint              `json:"connection_id"`
	UserID       uint              `json:"user_id"`
	BrokerType   broker.BrokerType `json:"broker_type"`
	SyncLogID    uint              `json:"sync_log_id"`
	Imported     int               `json:"imported"`
	Skipped      int               `json:"skipped"`
	Failed       int               `json:"failed"`
	Error        string            `json:"error,omitempty"`
	NeedsReauth  bool              `json:"needs_reauth,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Notifier delivers sync events to other subsystems
type Notifier interface {
	Notify(ctx context.Context, event SyncEvent) error
}

func newSyncEvent(eventType SyncEventType, now time.Time) SyncEvent {
	return SyncEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: now,
	}
}

// LogNotifier writes events to a logger
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a notifier that logs events
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.New(log.Writer(), "[SyncEvents] ", log.LstdFlags)}
}

// SetLogger sets the logger
func (n *LogNotifier) SetLogger(logger *log.Logger) {
	n.logger = logger
}

// Notify logs the event
func (n *LogNotifier) Notify(_ context.Context, event SyncEvent) error {
	if event.Type == EventSyncFailed {
		n.logger.Printf("%s connection=%d log=%d reauth=%t error=%s",
			event.Type, event.ConnectionID, event.SyncLogID, event.NeedsReauth, event.Error)
		return nil
	}
	n.logger.Printf("%s connection=%d log=%d imported=%d skipped=%d failed=%d",
		event.Type, event.ConnectionID, event.SyncLogID, event.Imported, event.Skipped, event.Failed)
	return nil
}

// WebhookNotifier posts events as JSON to a webhook
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

// Notify posts the event to the webhook
func (n *WebhookNotifier) Notify(ctx context.Context, event SyncEvent) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Event-Type", string(event.Type)).
		SetBody(event).
		Post(n.url)

	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// MultiNotifier fans an event out to several notifiers; every one is attempted
type MultiNotifier []Notifier

// Notify delivers to each notifier and returns the first error
func (m MultiNotifier) Notify(ctx context.Context, event SyncEvent) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
