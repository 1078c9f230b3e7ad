package services

import (
	"context"
	"fmt"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/config"
	"github.com/Cyvadra/broker-sync/internal/models"
)

// SeedConnections registers configured connections that do not exist yet and
// returns the ids of the ones it created. Existing connections keep their state.
func (s *ConnectionService) SeedConnections(ctx context.Context, seeds []config.ConnectionSeed) ([]uint, error) {
	var created []uint
	for _, seed := range seeds {
		brokerType := broker.BrokerType(seed.BrokerType)
		existing, err := s.FindByUser(ctx, seed.UserID)
		if err != nil {
			return created, err
		}
		if hasBroker(existing, brokerType) {
			continue
		}

		input := ConnectionInput{
			BrokerType: brokerType,
			Credentials: broker.Credentials{
				FlexToken:      seed.FlexToken,
				FlexQueryID:    seed.FlexQueryID,
				AccessToken:    seed.AccessToken,
				RefreshToken:   seed.RefreshToken,
				TokenExpiresAt: seed.TokenExpiresAt,
				AccountNumber:  seed.AccountNumber,
			},
			AutoSyncEnabled: &seed.AutoSyncEnabled,
		}
		if seed.SyncFrequency != "" {
			frequency := models.SyncFrequency(seed.SyncFrequency)
			input.SyncFrequency = &frequency
		}
		if seed.SyncTime != "" {
			syncTime := seed.SyncTime
			input.SyncTime = &syncTime
		}

		conn, err := s.Create(ctx, seed.UserID, input)
		if err != nil {
			return created, fmt.Errorf("failed to seed %s connection for user %d: %w", seed.BrokerType, seed.UserID, err)
		}
		created = append(created, conn.ID)
	}
	return created, nil
}

func hasBroker(conns []models.BrokerConnection, brokerType broker.BrokerType) bool {
	for _, c := range conns {
		if c.BrokerType == brokerType {
			return true
		}
	}
	return false
}
