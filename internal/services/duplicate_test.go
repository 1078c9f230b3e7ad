package services

import (
	"context"
	"testing"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKey(t *testing.T) {
	at := time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)

	put := optionRecord("spy", 470, "2024-01-19", broker.OptionTypePut, at, 2.46)
	assert.Equal(t, "SPY|470.00|2024-01-19|P", IdentityKey(&put))

	call := optionRecord("SPY", 470.125, "2024-01-19", broker.OptionTypeCall, at, 2.46)
	assert.Equal(t, "SPY|470.13|2024-01-19|C", IdentityKey(&call))

	stock := stockRecord(" aapl ", "1", at, 185.5, 10)
	assert.Equal(t, "AAPL", IdentityKey(&stock))

	osi := broker.RawTradeRecord{Symbol: "SPY   240119P00470000", InstrumentType: broker.InstrumentOption,
		Strike: 470, Expiration: "2024-01-19", OptionType: broker.OptionTypePut}
	assert.Equal(t, "SPY|470.00|2024-01-19|P", IdentityKey(&osi))

	assert.Empty(t, ContractKey(&stock))
	stock.ContractID = "265598"
	assert.Equal(t, "CONID:265598", ContractKey(&stock))
}

func TestOptionContractsNeverShareIdentity(t *testing.T) {
	at := time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)
	variants := []broker.RawTradeRecord{
		optionRecord("SPY", 470, "2024-01-19", broker.OptionTypePut, at, 2.46),
		optionRecord("SPY", 475, "2024-01-19", broker.OptionTypePut, at, 2.46),
		optionRecord("SPY", 470, "2024-01-26", broker.OptionTypePut, at, 2.46),
		optionRecord("SPY", 470, "2024-01-19", broker.OptionTypeCall, at, 2.46),
	}

	keys := make(map[string]bool)
	for i := range variants {
		keys[IdentityKey(&variants[i])] = true
	}
	assert.Len(t, keys, len(variants))

	result := Partition(nil, variants)
	assert.Len(t, result.New, len(variants))
	assert.Empty(t, result.Duplicates)
}

func TestPartition(t *testing.T) {
	at := time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)
	existing := []models.Trade{
		{IdentityKey: "AAPL", BrokerExecutionID: "exec-1", ExecutedAt: at, Price: 185.50, Quantity: 10},
		{IdentityKey: "MSFT", ContractKey: "CONID:272093", BrokerExecutionID: "syn-old", ExecutedAt: at, Price: 410.00, Quantity: 5},
	}

	tests := []struct {
		name      string
		record    broker.RawTradeRecord
		duplicate bool
	}{
		{"same execution id", stockRecord("AAPL", "exec-1", at.Add(time.Hour), 190, 1), true},
		{"new execution id at same fill", stockRecord("AAPL", "exec-2", at, 185.50, 10), false},
		{"execution id of another symbol", stockRecord("TSLA", "exec-1", at, 185.50, 10), false},
		{"fallback within tolerance", stockRecord("MSFT", "", at.Add(800*time.Millisecond), 410.005, 5), true},
		{"fallback price too far", stockRecord("MSFT", "", at, 410.02, 5), false},
		{"fallback time too far", stockRecord("MSFT", "", at.Add(2*time.Second), 410.00, 5), false},
		{"fallback quantity differs", stockRecord("MSFT", "", at, 410.00, 6), false},
		{"contract id across renamed symbol", func() broker.RawTradeRecord {
			rec := stockRecord("MSFT.OLD", "", at, 410.00, 5)
			rec.ContractID = "272093"
			return rec
		}(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Partition(existing, []broker.RawTradeRecord{tt.record})
			if tt.duplicate {
				assert.Len(t, result.Duplicates, 1)
				assert.Empty(t, result.New)
			} else {
				assert.Len(t, result.New, 1)
				assert.Empty(t, result.Duplicates)
			}
		})
	}
}

func TestPartitionIndexesAcceptedRecords(t *testing.T) {
	at := time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)
	batch := []broker.RawTradeRecord{
		stockRecord("NVDA", "77", at, 500, 2),
		stockRecord("NVDA", "77", at, 500, 2),
		stockRecord("NVDA", "78", at, 500, 2),
	}

	result := Partition(nil, batch)
	require.Len(t, result.New, 2)
	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, "78", result.New[1].BrokerExecutionID)
}

func TestResolveAgainstStoredTrades(t *testing.T) {
	db := newTestDB(t)
	connections := newTestConnectionService(t, db)
	trades := NewTradeService(db)
	resolver := NewDuplicateResolver(db)
	ctx := context.Background()

	at := time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)
	conn := createConnection(t, connections, 1, broker.BrokerTypeFlexReport, models.ConnectionActive, false)
	otherUser := createConnection(t, connections, 2, broker.BrokerTypeFlexReport, models.ConnectionActive, false)

	stored := stockRecord("AAPL", "exec-1", at, 185.5, 10)
	_, err := trades.CreateTrade(ctx, conn, 0, stored)
	require.NoError(t, err)
	_, err = trades.CreateTrade(ctx, otherUser, 0, stockRecord("MSFT", "exec-9", at, 410, 5))
	require.NoError(t, err)

	result, err := resolver.Resolve(ctx, conn.UserID, []broker.RawTradeRecord{
		stored,
		stockRecord("MSFT", "exec-9", at, 410, 5),
	})
	require.NoError(t, err)
	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, "AAPL", result.Duplicates[0].Symbol)
	require.Len(t, result.New, 1)
	assert.Equal(t, "MSFT", result.New[0].Symbol)

	empty, err := resolver.Resolve(ctx, conn.UserID, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.New)
}

func TestCreateTradeRejectsInvalidRecords(t *testing.T) {
	db := newTestDB(t)
	connections := newTestConnectionService(t, db)
	trades := NewTradeService(db)
	ctx := context.Background()
	conn := createConnection(t, connections, 1, broker.BrokerTypeFlexReport, models.ConnectionActive, false)

	_, err := trades.CreateTrade(ctx, conn, 0, broker.RawTradeRecord{Quantity: 1})
	assert.ErrorIs(t, err, broker.ErrInvalidSymbol)
	_, err = trades.CreateTrade(ctx, conn, 0, broker.RawTradeRecord{Symbol: "AAPL"})
	assert.ErrorIs(t, err, broker.ErrInvalidQuantity)

	put := optionRecord("SPY", 470, "2024-01-19", broker.OptionTypePut, time.Now(), 2.46)
	put.ContractID = "211110000"
	id, err := trades.CreateTrade(ctx, conn, 0, put)
	require.NoError(t, err)

	var stored models.Trade
	require.NoError(t, db.First(&stored, id).Error)
	assert.Equal(t, "SPY|470.00|2024-01-19|P", stored.IdentityKey)
	assert.Equal(t, "CONID:211110000", stored.ContractKey)
	assert.Equal(t, "imported via flex_report sync", stored.Notes)

	count, err := trades.CountForConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
