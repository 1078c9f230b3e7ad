package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// executionNamespace scopes synthetic execution ids
var executionNamespace = uuid.MustParse("6f1c3f4e-2b0a-4d7e-9a51-3c2e8d7b9f10")

// NormalizeSymbol upper-cases a symbol and strips surrounding whitespace
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ParseNumber parses a broker numeric field, tolerating thousands separators and blanks
func ParseNumber(value string) (float64, error) {
	cleaned := strings.TrimSpace(value)
	cleaned = strings.Trim(cleaned, "\"")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" || cleaned == "--" {
		return 0, nil
	}
	return strconv.ParseFloat(cleaned, 64)
}

// ParseQuantity parses a quantity and returns its absolute value
func ParseQuantity(quantity string) (float64, error) {
	qty, err := ParseNumber(quantity)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}

	qty = math.Abs(qty)
	if qty == 0 {
		return 0, fmt.Errorf("%w: quantity must be non-zero", ErrInvalidQuantity)
	}

	return qty, nil
}

// ParsePrice parses a price string to float64
func ParsePrice(price string) (float64, error) {
	if strings.TrimSpace(price) == "" {
		return 0, ErrInvalidPrice
	}

	p, err := ParseNumber(price)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	if p < 0 {
		return 0, fmt.Errorf("%w: price must not be negative", ErrInvalidPrice)
	}

	return p, nil
}

// SyntheticExecutionID derives a stable id for executions a broker did not identify
func SyntheticExecutionID(rec *RawTradeRecord) string {
	key := fmt.Sprintf("%s|%s|%s|%.8f|%.8f|%s|%.4f|%s",
		NormalizeSymbol(rec.Symbol),
		rec.Side,
		rec.ExecutedAt.UTC().Format(time.RFC3339),
		rec.Quantity,
		rec.Price,
		rec.Expiration,
		rec.Strike,
		rec.OptionType,
	)
	return "syn-" + uuid.NewSHA1(executionNamespace, []byte(key)).String()
}

// IsNetworkTimeout reports whether err is a transport-level timeout
func IsNetworkTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SleepContext waits for d or until ctx is done
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
