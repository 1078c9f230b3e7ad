package services

import (
	"context"
	"fmt"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"gorm.io/gorm"
)

// TradeService stores imported trades
type TradeService struct {
	db *gorm.DB
}

// NewTradeService creates a new trade service
func NewTradeService(db *gorm.DB) *TradeService {
	return &TradeService{db: db}
}

// CreateTrade stores one normalized execution and returns its id
func (s *TradeService) CreateTrade(ctx context.Context, conn *models.BrokerConnection, syncLogID uint, rec broker.RawTradeRecord) (uint, error) {
	if rec.Symbol == "" {
		return 0, broker.ErrInvalidSymbol
	}
	if rec.Quantity <= 0 {
		return 0, broker.ErrInvalidQuantity
	}

	trade := models.NewTradeFromRecord(conn, syncLogID, rec)
	trade.IdentityKey = IdentityKey(&rec)
	trade.ContractKey = ContractKey(&rec)

	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return 0, fmt.Errorf("failed to create trade: %w", err)
	}
	return trade.ID, nil
}

// GetUserTrades returns a user's trades, newest first
func (s *TradeService) GetUserTrades(ctx context.Context, userID uint, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("executed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&trades).Error
	return trades, err
}

// CountForConnection counts trades imported through a connection
func (s *TradeService) CountForConnection(ctx context.Context, connectionID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Trade{}).Where("connection_id = ?", connectionID).Count(&count).Error
	return count, err
}
