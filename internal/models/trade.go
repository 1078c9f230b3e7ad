package models

import (
	"time"

	"github.com/Cyvadra/broker-sync/broker"
)

// Trade is an imported broker execution
type Trade struct {
	ID           uint              `json:"id" gorm:"primaryKey"`
	UserID       uint              `json:"user_id" gorm:"not null;index:idx_user_identity,priority:1;index:idx_user_contract,priority:1"`
	ConnectionID uint              `json:"connection_id" gorm:"not null;index"`
	SyncLogID    uint              `json:"sync_log_id" gorm:"index"`
	BrokerType   broker.BrokerType `json:"broker_type" gorm:"type:varchar(32)"`

	// IdentityKey groups executions of the same instrument for duplicate matching
	IdentityKey string `json:"identity_key" gorm:"type:varchar(128);not null;index:idx_user_identity,priority:2"`
	ContractKey string `json:"contract_key,omitempty" gorm:"type:varchar(64);index:idx_user_contract,priority:2"`

	Symbol         string                `json:"symbol" gorm:"type:varchar(64);not null"`
	Side           broker.TradeSide      `json:"side" gorm:"type:varchar(8);not null"`
	PositionEffect broker.PositionEffect `json:"position_effect,omitempty" gorm:"type:varchar(8)"`
	Quantity       float64               `json:"quantity"`
	Price          float64               `json:"price"`
	ExecutedAt     time.Time             `json:"executed_at" gorm:"index"`
	TradeDate      string                `json:"trade_date" gorm:"type:varchar(10)"`
	Commission     float64               `json:"commission"`
	Fees           float64               `json:"fees"`
	Currency       string                `json:"currency,omitempty" gorm:"type:varchar(8)"`
	AccountID      string                `json:"account_id,omitempty"`

	InstrumentType   broker.InstrumentType `json:"instrument_type" gorm:"type:varchar(16)"`
	Strike           float64               `json:"strike,omitempty"`
	Expiration       string                `json:"expiration,omitempty" gorm:"type:varchar(10)"`
	OptionType       broker.OptionType     `json:"option_type,omitempty" gorm:"type:varchar(8)"`
	Multiplier       float64               `json:"multiplier,omitempty"`
	UnderlyingSymbol string                `json:"underlying_symbol,omitempty"`
	ContractMonth    string                `json:"contract_month,omitempty" gorm:"type:varchar(7)"`
	ContractID       string                `json:"contract_id,omitempty"`

	BrokerExecutionID string   `json:"broker_execution_id" gorm:"index"`
	RealizedPnL       *float64 `json:"realized_pnl,omitempty"`
	Description       string   `json:"description,omitempty"`
	Notes             string   `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTradeFromRecord copies a normalized execution into a storable trade
func NewTradeFromRecord(conn *BrokerConnection, syncLogID uint, rec broker.RawTradeRecord) *Trade {
	return &Trade{
		UserID:            conn.UserID,
		ConnectionID:      conn.ID,
		SyncLogID:         syncLogID,
		BrokerType:        conn.BrokerType,
		Symbol:            rec.Symbol,
		Side:              rec.Side,
		PositionEffect:    rec.PositionEffect,
		Quantity:          rec.Quantity,
		Price:             rec.Price,
		ExecutedAt:        rec.ExecutedAt.UTC(),
		TradeDate:         rec.TradeDate,
		Commission:        rec.Commission,
		Fees:              rec.Fees,
		Currency:          rec.Currency,
		AccountID:         rec.AccountID,
		InstrumentType:    rec.InstrumentType,
		Strike:            rec.Strike,
		Expiration:        rec.Expiration,
		OptionType:        rec.OptionType,
		Multiplier:        rec.Multiplier,
		UnderlyingSymbol:  rec.UnderlyingSymbol,
		ContractMonth:     rec.ContractMonth,
		ContractID:        rec.ContractID,
		BrokerExecutionID: rec.BrokerExecutionID,
		RealizedPnL:       rec.RealizedPnL,
		Description:       rec.Description,
		Notes:             "imported via " + string(conn.BrokerType) + " sync",
	}
}
