package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var received SyncEvent
	var eventHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventHeader = r.Header.Get("X-Event-Type")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := newSyncEvent(EventSyncCompleted, testNow)
	event.ConnectionID = 3
	event.Imported = 12

	notifier := NewWebhookNotifier(server.URL, 2*time.Second)
	require.NoError(t, notifier.Notify(context.Background(), event))

	assert.Equal(t, "sync.completed", eventHeader)
	assert.Equal(t, event.ID, received.ID)
	assert.Equal(t, uint(3), received.ConnectionID)
	assert.Equal(t, 12, received.Imported)
	assert.True(t, testNow.Equal(received.OccurredAt))
}

func TestWebhookNotifierReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewWebhookNotifier(server.URL, time.Second).Notify(context.Background(), newSyncEvent(EventSyncFailed, testNow))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestMultiNotifierAttemptsEveryTarget(t *testing.T) {
	first := &recordingNotifier{}
	second := &recordingNotifier{}
	failing := NewWebhookNotifier("http://127.0.0.1:1", 100*time.Millisecond)

	err := MultiNotifier{first, failing, second}.Notify(context.Background(), newSyncEvent(EventSyncFailed, testNow))
	require.Error(t, err)
	assert.Len(t, first.types(), 1)
	assert.Len(t, second.types(), 1)
}

func TestSyncEventsHaveUniqueIDs(t *testing.T) {
	a := newSyncEvent(EventSyncCompleted, testNow)
	b := newSyncEvent(EventSyncCompleted, testNow)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, strings.ReplaceAll(a.ID, "-", ""), 32)
}

func TestLogNotifierWritesOneLine(t *testing.T) {
	var out strings.Builder
	notifier := NewLogNotifier()
	notifier.SetLogger(logTo(&out))

	event := newSyncEvent(EventSyncFailed, testNow)
	event.ConnectionID = 9
	event.NeedsReauth = true
	event.Error = "re-authentication required"
	require.NoError(t, notifier.Notify(context.Background(), event))

	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "sync.failed connection=9")
	assert.Contains(t, out.String(), "reauth=true")
}
