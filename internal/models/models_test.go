package models

import (
	"testing"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to broker.SyncStatus
		want     bool
	}{
		{broker.SyncStatusStarted, broker.SyncStatusFetching, true},
		{broker.SyncStatusStarted, broker.SyncStatusImporting, false},
		{broker.SyncStatusStarted, broker.SyncStatusCompleted, false},
		{broker.SyncStatusParsing, broker.SyncStatusFetching, false},
		{broker.SyncStatusFetching, broker.SyncStatusFetching, false},
		{broker.SyncStatusImporting, broker.SyncStatusCompleted, true},
		{broker.SyncStatusStarted, broker.SyncStatusFailed, true},
		{broker.SyncStatusParsing, broker.SyncStatusFailed, true},
		{broker.SyncStatusCompleted, broker.SyncStatusFailed, false},
		{broker.SyncStatusFailed, broker.SyncStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSyncFrequencyValid(t *testing.T) {
	assert.True(t, FrequencyEvery6Hours.Valid())
	assert.True(t, FrequencyManual.Valid())
	assert.False(t, SyncFrequency("weekly").Valid())
}
