package services

import (
	"context"
	"testing"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/config"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedConnectionsCreatesOnlyMissing(t *testing.T) {
	svc := newTestConnectionService(t, newTestDB(t))
	ctx := context.Background()

	existing := createConnection(t, svc, 1, broker.BrokerTypeFlexReport, models.ConnectionActive, false)

	seeds := []config.ConnectionSeed{
		{UserID: 1, BrokerType: "flex_report", FlexToken: "replacement"},
		{UserID: 1, BrokerType: "oauth_rest", RefreshToken: "r-1", AccountNumber: "11112222",
			AutoSyncEnabled: true, SyncFrequency: "every_4_hours"},
		{UserID: 2, BrokerType: "flex_report", FlexToken: "t-2", FlexQueryID: "q-2", SyncTime: "07:15:00"},
	}

	created, err := svc.SeedConnections(ctx, seeds)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	kept, err := svc.FindByID(ctx, existing.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionActive, kept.Status)
	assert.Equal(t, "token-1", kept.Credentials.FlexToken)

	oauth, err := svc.FindByID(ctx, created[0], true)
	require.NoError(t, err)
	assert.Equal(t, broker.BrokerTypeOAuthREST, oauth.BrokerType)
	assert.Equal(t, models.ConnectionPending, oauth.Status)
	assert.Equal(t, models.FrequencyEvery4Hours, oauth.SyncFrequency)
	assert.NotNil(t, oauth.NextScheduledSync)
	assert.Equal(t, "r-1", oauth.Credentials.RefreshToken)

	again, err := svc.SeedConnections(ctx, seeds)
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = svc.SeedConnections(ctx, []config.ConnectionSeed{{UserID: 3, BrokerType: "smoke_signal"}})
	assert.ErrorIs(t, err, ErrInvalidBrokerType)
}
