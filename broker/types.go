package broker

import (
	"time"
)

// BrokerType identifies which adapter serves a connection
type BrokerType string

const (
	BrokerTypeFlexReport BrokerType = "flex_report"
	BrokerTypeOAuthREST  BrokerType = "oauth_rest"
)

// Valid reports whether t is a known broker type
func (t BrokerType) Valid() bool {
	return t == BrokerTypeFlexReport || t == BrokerTypeOAuthREST
}

// TradeSide represents the direction of an execution
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// PositionEffect tells whether an execution opened or closed a position
type PositionEffect string

const (
	PositionEffectOpen  PositionEffect = "open"
	PositionEffectClose PositionEffect = "close"
)

// InstrumentType represents the asset class of an execution
type InstrumentType string

const (
	InstrumentStock  InstrumentType = "stock"
	InstrumentOption InstrumentType = "option"
	InstrumentFuture InstrumentType = "future"
)

// OptionType represents call or put
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// SyncStatus is the progress state of a single sync attempt
type SyncStatus string

const (
	SyncStatusStarted   SyncStatus = "started"
	SyncStatusFetching  SyncStatus = "fetching"
	SyncStatusParsing   SyncStatus = "parsing"
	SyncStatusImporting SyncStatus = "importing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// Credentials holds the decrypted secrets of a connection.
// Only the fields relevant to the connection's broker type are populated.
type Credentials struct {
	// Flex-Report
	FlexToken   string `json:"flex_token,omitempty"`
	FlexQueryID string `json:"flex_query_id,omitempty"`

	// OAuth-REST
	AccessToken    string `json:"access_token,omitempty"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	TokenExpiresAt string `json:"token_expires_at,omitempty"` // RFC3339, may be empty or malformed
	AccountNumber  string `json:"account_number,omitempty"`
}

// DateRange bounds a fetch. Zero values mean "adapter default".
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RawTradeRecord is the normalized execution an adapter hands to the importer
type RawTradeRecord struct {
	Symbol         string         `json:"symbol"`
	Side           TradeSide      `json:"side"`
	PositionEffect PositionEffect `json:"position_effect,omitempty"`
	Quantity       float64        `json:"quantity"`
	Price          float64        `json:"price"`
	ExecutedAt     time.Time      `json:"executed_at"`
	TradeDate      string         `json:"trade_date,omitempty"`
	Commission     float64        `json:"commission"`
	Fees           float64        `json:"fees"`
	Currency       string         `json:"currency,omitempty"`
	AccountID      string         `json:"account_id,omitempty"`

	InstrumentType   InstrumentType `json:"instrument_type"`
	Strike           float64        `json:"strike,omitempty"`
	Expiration       string         `json:"expiration,omitempty"` // YYYY-MM-DD
	OptionType       OptionType     `json:"option_type,omitempty"`
	Multiplier       float64        `json:"multiplier,omitempty"`
	UnderlyingSymbol string         `json:"underlying_symbol,omitempty"`
	ContractMonth    string         `json:"contract_month,omitempty"`

	// ContractID is a broker-native unique contract identifier (e.g. conid)
	ContractID string `json:"contract_id,omitempty"`
	// BrokerExecutionID is the order id, execution id, or a synthetic key
	BrokerExecutionID string `json:"broker_execution_id"`

	RealizedPnL *float64 `json:"realized_pnl,omitempty"`
	Description string   `json:"description,omitempty"`
}

// RejectedRecord is a source row the adapter could not turn into a RawTradeRecord
type RejectedRecord struct {
	Line   int    `json:"line"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// FetchResult is what an adapter returns for one fetch
type FetchResult struct {
	Records  []RawTradeRecord `json:"records"`
	Rejected []RejectedRecord `json:"rejected"`
}

// Total counts every source row the adapter saw
func (r *FetchResult) Total() int {
	return len(r.Records) + len(r.Rejected)
}

// FetchRequest carries everything an adapter needs for one fetch
type FetchRequest struct {
	ConnectionID uint
	SyncLogID    uint
	Credentials  *Credentials
	Range        DateRange
	Progress     ProgressReporter
}

// ReportProgress forwards a status transition if a reporter is attached
func (r *FetchRequest) ReportProgress(status SyncStatus) {
	if r.Progress == nil || r.SyncLogID == 0 {
		return
	}
	r.Progress.ReportProgress(r.SyncLogID, status)
}
