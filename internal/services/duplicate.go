package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	// fallback match tolerances for executions without a broker identifier
	timestampTolerance = time.Second
	syntheticIDPrefix  = "syn-"
)

var priceTolerance = decimal.NewFromFloat(0.01)

// IdentityKey groups executions of one instrument.
// Options use underlying, strike, expiration and right so distinct contracts never share a key.
func IdentityKey(rec *broker.RawTradeRecord) string {
	if rec.InstrumentType == broker.InstrumentOption {
		underlying := rec.UnderlyingSymbol
		if underlying == "" {
			// OSI symbols carry the root before the padding
			if fields := strings.Fields(rec.Symbol); len(fields) > 0 {
				underlying = fields[0]
			}
		}
		right := "C"
		if rec.OptionType == broker.OptionTypePut {
			right = "P"
		}
		return fmt.Sprintf("%s|%s|%s|%s",
			broker.NormalizeSymbol(underlying),
			decimal.NewFromFloat(rec.Strike).StringFixed(2),
			rec.Expiration,
			right)
	}
	return broker.NormalizeSymbol(rec.Symbol)
}

// ContractKey is the broker-native contract identity, empty when the broker gave none
func ContractKey(rec *broker.RawTradeRecord) string {
	if rec.ContractID == "" {
		return ""
	}
	return "CONID:" + rec.ContractID
}

// hasNativeID reports whether the execution id came from the broker
func hasNativeID(rec *broker.RawTradeRecord) bool {
	return rec.BrokerExecutionID != "" && !strings.HasPrefix(rec.BrokerExecutionID, syntheticIDPrefix)
}

// knownExecution is the subset of a stored trade used for matching
type knownExecution struct {
	ExecutionID string
	ExecutedAt  time.Time
	Price       decimal.Decimal
	Quantity    decimal.Decimal
}

// Resolution partitions a batch into records to import and duplicates
type Resolution struct {
	New        []broker.RawTradeRecord
	Duplicates []broker.RawTradeRecord
}

// DuplicateResolver decides which fetched records were already imported
type DuplicateResolver struct {
	db *gorm.DB
}

// NewDuplicateResolver creates a new duplicate resolver
func NewDuplicateResolver(db *gorm.DB) *DuplicateResolver {
	return &DuplicateResolver{db: db}
}

// Resolve loads the user's trades sharing a key with the batch and partitions the batch
func (r *DuplicateResolver) Resolve(ctx context.Context, userID uint, records []broker.RawTradeRecord) (*Resolution, error) {
	if len(records) == 0 {
		return &Resolution{}, nil
	}

	identityKeys := make([]string, 0, len(records))
	contractKeys := make([]string, 0, len(records))
	for i := range records {
		identityKeys = append(identityKeys, IdentityKey(&records[i]))
		if key := ContractKey(&records[i]); key != "" {
			contractKeys = append(contractKeys, key)
		}
	}

	var existing []models.Trade
	query := r.db.WithContext(ctx).
		Select("identity_key", "contract_key", "broker_execution_id", "executed_at", "price", "quantity").
		Where("user_id = ?", userID)
	if len(contractKeys) > 0 {
		query = query.Where("identity_key IN ? OR contract_key IN ?", uniqueStrings(identityKeys), uniqueStrings(contractKeys))
	} else {
		query = query.Where("identity_key IN ?", uniqueStrings(identityKeys))
	}
	if err := query.Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load existing trades: %w", err)
	}

	return Partition(existing, records), nil
}

// Partition splits records into new and duplicate against existing trades.
// Accepted records join the index, so a batch never yields the same execution twice.
func Partition(existing []models.Trade, records []broker.RawTradeRecord) *Resolution {
	index := make(map[string][]knownExecution)
	for _, t := range existing {
		known := knownExecution{
			ExecutionID: t.BrokerExecutionID,
			ExecutedAt:  t.ExecutedAt,
			Price:       decimal.NewFromFloat(t.Price),
			Quantity:    decimal.NewFromFloat(t.Quantity),
		}
		index[t.IdentityKey] = append(index[t.IdentityKey], known)
		if t.ContractKey != "" {
			index[t.ContractKey] = append(index[t.ContractKey], known)
		}
	}

	result := &Resolution{}
	for i := range records {
		rec := &records[i]
		keys := lookupKeys(rec)

		if isDuplicate(index, keys, rec) {
			result.Duplicates = append(result.Duplicates, *rec)
			continue
		}

		known := knownExecution{
			ExecutionID: rec.BrokerExecutionID,
			ExecutedAt:  rec.ExecutedAt,
			Price:       decimal.NewFromFloat(rec.Price),
			Quantity:    decimal.NewFromFloat(rec.Quantity),
		}
		for _, key := range keys {
			index[key] = append(index[key], known)
		}
		result.New = append(result.New, *rec)
	}
	return result
}

// lookupKeys returns the contract key first when available, then the identity key
func lookupKeys(rec *broker.RawTradeRecord) []string {
	if key := ContractKey(rec); key != "" {
		return []string{key, IdentityKey(rec)}
	}
	return []string{IdentityKey(rec)}
}

func isDuplicate(index map[string][]knownExecution, keys []string, rec *broker.RawTradeRecord) bool {
	if rec.BrokerExecutionID != "" {
		for _, key := range keys {
			for _, known := range index[key] {
				if known.ExecutionID == rec.BrokerExecutionID {
					return true
				}
			}
		}
	}

	// a broker-issued id that matched nothing is a new execution
	if hasNativeID(rec) {
		return false
	}

	price := decimal.NewFromFloat(rec.Price)
	quantity := decimal.NewFromFloat(rec.Quantity)
	for _, key := range keys {
		for _, known := range index[key] {
			if withinTolerance(known, rec.ExecutedAt, price, quantity) {
				return true
			}
		}
	}
	return false
}

func withinTolerance(known knownExecution, executedAt time.Time, price, quantity decimal.Decimal) bool {
	delta := known.ExecutedAt.Sub(executedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > timestampTolerance {
		return false
	}
	if known.Price.Sub(price).Abs().GreaterThan(priceTolerance) {
		return false
	}
	return known.Quantity.Equal(quantity)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
