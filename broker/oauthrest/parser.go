package oauthrest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/shopspring/decimal"
)

type transaction struct {
	ActivityID    int64           `json:"activityId"`
	Time          string          `json:"time"`
	TradeDate     string          `json:"tradeDate"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	OrderID       int64           `json:"orderId"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	TransferItems []transferItem  `json:"transferItems"`
}

type transferItem struct {
	Instrument     instrument      `json:"instrument"`
	Amount         decimal.Decimal `json:"amount"`
	Cost           decimal.Decimal `json:"cost"`
	Price          decimal.Decimal `json:"price"`
	FeeType        string          `json:"feeType"`
	PositionEffect string          `json:"positionEffect"`
}

type instrument struct {
	AssetType               string          `json:"assetType"`
	Symbol                  string          `json:"symbol"`
	Description             string          `json:"description"`
	UnderlyingSymbol        string          `json:"underlyingSymbol"`
	StrikePrice             decimal.Decimal `json:"strikePrice"`
	PutCall                 string          `json:"putCall"`
	ExpirationDate          string          `json:"expirationDate"`
	OptionPremiumMultiplier decimal.Decimal `json:"optionPremiumMultiplier"`
	InstrumentID            int64           `json:"instrumentId"`
}

var transactionTimeLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z",
}

// ParseTransactions converts a transactions response into trade records.
// Only TRADE transactions with at least one transfer item are considered.
// Multi-leg transactions yield one record per instrument leg.
func ParseTransactions(body []byte) (*broker.FetchResult, error) {
	var transactions []transaction
	if err := json.Unmarshal(body, &transactions); err != nil {
		return nil, broker.NewBrokerError(broker.BrokerTypeOAuthREST, "BAD_RESPONSE", broker.CategoryFormat,
			"could not decode transactions response", fmt.Errorf("%w: %v", broker.ErrReportFormat, err))
	}

	result := &broker.FetchResult{}
	for i, tx := range transactions {
		if !strings.EqualFold(tx.Type, "TRADE") || len(tx.TransferItems) == 0 {
			continue
		}

		legs, commission, fees := splitItems(tx.TransferItems)
		if len(legs) == 0 {
			result.Rejected = append(result.Rejected, rejectedLeg(i, tx, 0, fmt.Errorf("transaction has no instrument transfer item")))
			continue
		}

		pnlAssigned := false
		for j, item := range legs {
			rec, err := parseLeg(tx, item)
			if err != nil {
				result.Rejected = append(result.Rejected, rejectedLeg(i, tx, legNumber(legs, j), err))
				continue
			}

			// fees and net amount are reported per transaction; the first leg carries them
			if j == 0 {
				rec.Commission = commission.InexactFloat64()
				rec.Fees = fees.InexactFloat64()
			}
			if rec.PositionEffect == broker.PositionEffectClose && !pnlAssigned {
				pnl := tx.NetAmount.InexactFloat64()
				rec.RealizedPnL = &pnl
				pnlAssigned = true
			}

			rec.BrokerExecutionID = executionID(tx, legNumber(legs, j), &rec)
			result.Records = append(result.Records, rec)
		}
	}

	return result, nil
}

// legNumber is 1-based for multi-leg transactions and 0 for single-leg ones
func legNumber(legs []*transferItem, index int) int {
	if len(legs) == 1 {
		return 0
	}
	return index + 1
}

func executionID(tx transaction, leg int, rec *broker.RawTradeRecord) string {
	var id string
	switch {
	case tx.ActivityID != 0:
		id = strconv.FormatInt(tx.ActivityID, 10)
	case tx.OrderID != 0:
		id = strconv.FormatInt(tx.OrderID, 10)
	default:
		return broker.SyntheticExecutionID(rec)
	}
	if leg > 0 {
		id = fmt.Sprintf("%s-%d", id, leg)
	}
	return id
}

func rejectedLeg(index int, tx transaction, leg int, err error) broker.RejectedRecord {
	raw := fmt.Sprintf("activityId=%d orderId=%d", tx.ActivityID, tx.OrderID)
	if leg > 0 {
		raw = fmt.Sprintf("%s leg=%d", raw, leg)
	}
	return broker.RejectedRecord{Line: index + 1, Raw: raw, Reason: err.Error()}
}

func parseLeg(tx transaction, item *transferItem) (broker.RawTradeRecord, error) {
	var rec broker.RawTradeRecord

	rec.Symbol = broker.NormalizeSymbol(item.Instrument.Symbol)
	if rec.Symbol == "" {
		return rec, broker.ErrInvalidSymbol
	}

	switch {
	case item.Amount.IsPositive():
		rec.Side = broker.TradeSideBuy
	case item.Amount.IsNegative():
		rec.Side = broker.TradeSideSell
	default:
		return rec, fmt.Errorf("%w: zero transfer amount", broker.ErrInvalidQuantity)
	}
	rec.Quantity = item.Amount.Abs().InexactFloat64()

	switch strings.ToUpper(item.PositionEffect) {
	case "OPENING":
		rec.PositionEffect = broker.PositionEffectOpen
	case "CLOSING":
		rec.PositionEffect = broker.PositionEffectClose
	}

	if item.Price.IsNegative() {
		return rec, fmt.Errorf("%w: price must not be negative", broker.ErrInvalidPrice)
	}
	rec.Price = item.Price.InexactFloat64()

	executedAt, err := parseTransactionTime(tx.Time)
	if err != nil {
		return rec, err
	}
	rec.ExecutedAt = executedAt
	rec.TradeDate = executedAt.Format("2006-01-02")
	if tradeDate, err := parseDateOnly(tx.TradeDate); err == nil {
		rec.TradeDate = tradeDate
	}

	rec.Currency = "USD"
	rec.Description = item.Instrument.Description

	if err := applyInstrument(&rec, item.Instrument); err != nil {
		return rec, err
	}
	if item.Instrument.InstrumentID != 0 {
		rec.ContractID = strconv.FormatInt(item.Instrument.InstrumentID, 10)
	}

	return rec, nil
}

// splitItems separates instrument legs from fee legs and sums fees by type
func splitItems(items []transferItem) ([]*transferItem, decimal.Decimal, decimal.Decimal) {
	var legs []*transferItem
	commission := decimal.Zero
	fees := decimal.Zero

	for i := range items {
		item := &items[i]
		switch {
		case item.FeeType == "":
			if !strings.EqualFold(item.Instrument.AssetType, "CURRENCY") {
				legs = append(legs, item)
			}
		case strings.EqualFold(item.FeeType, "COMMISSION"):
			commission = commission.Add(item.Cost.Abs())
		default:
			fees = fees.Add(item.Cost.Abs())
		}
	}

	return legs, commission, fees
}

func applyInstrument(rec *broker.RawTradeRecord, inst instrument) error {
	switch strings.ToUpper(inst.AssetType) {
	case "EQUITY", "ETF", "COLLECTIVE_INVESTMENT", "MUTUAL_FUND":
		rec.InstrumentType = broker.InstrumentStock
		rec.Multiplier = 1
	case "OPTION":
		rec.InstrumentType = broker.InstrumentOption
		if !inst.StrikePrice.IsPositive() {
			return fmt.Errorf("option transaction without a strike")
		}
		rec.Strike = inst.StrikePrice.InexactFloat64()

		expiration, err := parseDateOnly(inst.ExpirationDate)
		if err != nil {
			return fmt.Errorf("option transaction without a valid expiration: %w", err)
		}
		rec.Expiration = expiration

		switch strings.ToUpper(inst.PutCall) {
		case "CALL":
			rec.OptionType = broker.OptionTypeCall
		case "PUT":
			rec.OptionType = broker.OptionTypePut
		default:
			return fmt.Errorf("option transaction without put/call")
		}

		rec.Multiplier = 100
		if inst.OptionPremiumMultiplier.IsPositive() {
			rec.Multiplier = inst.OptionPremiumMultiplier.InexactFloat64()
		}
		rec.UnderlyingSymbol = broker.NormalizeSymbol(inst.UnderlyingSymbol)
		if rec.UnderlyingSymbol == "" {
			rec.UnderlyingSymbol = strings.Fields(rec.Symbol)[0]
		}
	case "FUTURE":
		rec.InstrumentType = broker.InstrumentFuture
		rec.UnderlyingSymbol = broker.NormalizeSymbol(inst.UnderlyingSymbol)
		if expiration, err := parseDateOnly(inst.ExpirationDate); err == nil {
			rec.Expiration = expiration
			rec.ContractMonth = expiration[:7]
		}
	default:
		return fmt.Errorf("unsupported asset type %q", inst.AssetType)
	}
	return nil
}

func parseTransactionTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range transactionTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// parseDateOnly keeps the calendar date as sent, ignoring the time and offset
func parseDateOnly(value string) (string, error) {
	value = strings.TrimSpace(value)
	if len(value) >= 10 {
		if t, err := time.Parse("2006-01-02", value[:10]); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", value)
}
