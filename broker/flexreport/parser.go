package flexreport

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
)

// ReportFormat identifies which Flex CSV layout a report uses
type ReportFormat string

const (
	FormatUnknown      ReportFormat = "unknown"
	FormatActivity     ReportFormat = "activity"
	FormatConfirmation ReportFormat = "confirmation"
)

// section markers emitted when a query includes header/trailer records
var sectionMarkers = map[string]bool{
	"BOF": true, "EOF": true, "BOA": true, "EOA": true, "BOS": true, "EOS": true,
}

// column names that start the header row of any Flex section
var sectionHeaderColumns = map[string]bool{
	"clientaccountid": true, "accountid": true, "currencyprimary": true,
	"assetclass": true, "assetcategory": true, "symbol": true, "conid": true,
}

var timestampLayouts = []string{
	"20060102;150405",
	"2006-01-02;15:04:05",
	"20060102 150405",
	"2006-01-02 15:04:05",
	"2006-01-02, 15:04:05",
	"2006-01-02T15:04:05",
	"20060102",
	"2006-01-02",
}

var dateLayouts = []string{"20060102", "2006-01-02", "01/02/2006"}

// header maps lower-cased column names to their index
type header map[string]int

func newHeader(row []string) header {
	h := make(header, len(row))
	for i, name := range row {
		h[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	return h
}

func (h header) has(names ...string) bool {
	for _, n := range names {
		if _, ok := h[strings.ToLower(n)]; !ok {
			return false
		}
	}
	return true
}

// get returns the first non-empty value among the named columns
func (h header) get(row []string, names ...string) string {
	for _, n := range names {
		idx, ok := h[strings.ToLower(n)]
		if !ok || idx >= len(row) {
			continue
		}
		if v := strings.TrimSpace(row[idx]); v != "" {
			return v
		}
	}
	return ""
}

// DetectFormat inspects header columns to choose a row parser
func DetectFormat(row []string) ReportFormat {
	h := newHeader(row)
	switch {
	case h.has("TradeID", "TradePrice"), h.has("IBExecID", "TradePrice"):
		return FormatActivity
	case h.has("ExecID", "Date/Time"), h.has("ExecID", "Price", "OrderID"):
		return FormatConfirmation
	default:
		return FormatUnknown
	}
}

type rowParser func(h header, row []string) (broker.RawTradeRecord, error)

// ParseReport parses a Flex CSV report into trade records.
// Rows that cannot be parsed are returned as rejected records instead of failing the report.
func ParseReport(r io.Reader) (*broker.FetchResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	result := &broker.FetchResult{}
	var (
		h      header
		parse  rowParser
		format = FormatUnknown
		line   int
	)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Rejected = append(result.Rejected, broker.RejectedRecord{Line: line, Reason: err.Error()})
			continue
		}
		if isBlank(row) {
			continue
		}
		if marker := strings.ToUpper(strings.TrimSpace(row[0])); sectionMarkers[marker] {
			// each section carries its own header
			if marker == "BOS" || marker == "EOS" {
				h, parse = nil, nil
			}
			continue
		}

		// a header row may repeat when the report spans several accounts or sections
		if detected := DetectFormat(row); detected != FormatUnknown {
			format = detected
			h = newHeader(row)
			parse = parserFor(format)
			continue
		}
		if isSectionHeader(row) {
			h, parse = nil, nil
			continue
		}

		// rows outside a trade section belong to positions, cash or account info
		if parse == nil {
			continue
		}

		rec, err := parse(h, row)
		if err != nil {
			result.Rejected = append(result.Rejected, broker.RejectedRecord{
				Line:   line,
				Raw:    strings.Join(row, ","),
				Reason: err.Error(),
			})
			continue
		}
		if rec.BrokerExecutionID == "" {
			rec.BrokerExecutionID = broker.SyntheticExecutionID(&rec)
		}
		result.Records = append(result.Records, rec)
	}

	if format == FormatUnknown {
		return nil, broker.NewBrokerError(broker.BrokerTypeFlexReport, "UNKNOWN_FORMAT", broker.CategoryFormat,
			"report has no recognizable trade header; configure the Flex Query to output the Trades section as CSV",
			broker.ErrReportFormat)
	}

	return result, nil
}

// ParseReportBytes is a convenience wrapper around ParseReport
func ParseReportBytes(payload []byte) (*broker.FetchResult, error) {
	return ParseReport(bytes.NewReader(payload))
}

func parserFor(format ReportFormat) rowParser {
	switch format {
	case FormatActivity:
		return parseActivityRow
	case FormatConfirmation:
		return parseConfirmationRow
	default:
		return nil
	}
}

func parseActivityRow(h header, row []string) (broker.RawTradeRecord, error) {
	rec, err := parseCommon(h, row,
		[]string{"DateTime", "TradeDate"},
		[]string{"TradePrice"},
		[]string{"IBCommission", "Commission"})
	if err != nil {
		return rec, err
	}

	rec.BrokerExecutionID = h.get(row, "IBExecID", "TradeID", "IBOrderID")
	rec.PositionEffect = positionEffect(h.get(row, "Open/CloseIndicator", "OpenCloseIndicator"))
	rec.Fees = absSum(h, row, "Taxes", "OtherFees", "ClearingFees", "ExchFees")

	if pnl := h.get(row, "FifoPnlRealized"); pnl != "" && rec.PositionEffect == broker.PositionEffectClose {
		if v, err := broker.ParseNumber(pnl); err == nil && v != 0 {
			rec.RealizedPnL = &v
		}
	}
	return rec, nil
}

func parseConfirmationRow(h header, row []string) (broker.RawTradeRecord, error) {
	rec, err := parseCommon(h, row,
		[]string{"Date/Time", "TradeDate"},
		[]string{"Price", "TradePrice"},
		[]string{"Commission", "IBCommission"})
	if err != nil {
		return rec, err
	}

	rec.BrokerExecutionID = h.get(row, "ExecID", "OrderID")
	rec.PositionEffect = positionEffect(h.get(row, "Code", "Open/CloseIndicator"))
	rec.Fees = absSum(h, row, "Tax", "Taxes", "OtherFees", "BrokerExecutionCharge", "ThirdPartyClearingCharge")
	return rec, nil
}

// parseCommon handles the columns both layouts share
func parseCommon(h header, row []string, timeCols, priceCols, commissionCols []string) (broker.RawTradeRecord, error) {
	var rec broker.RawTradeRecord

	rec.Symbol = broker.NormalizeSymbol(h.get(row, "Symbol"))
	if rec.Symbol == "" {
		return rec, broker.ErrInvalidSymbol
	}

	side, err := parseSide(h.get(row, "Buy/Sell"), h.get(row, "Quantity"))
	if err != nil {
		return rec, err
	}
	rec.Side = side

	if rec.Quantity, err = broker.ParseQuantity(h.get(row, "Quantity")); err != nil {
		return rec, err
	}
	if rec.Price, err = broker.ParsePrice(h.get(row, priceCols...)); err != nil {
		return rec, err
	}

	if rec.ExecutedAt, err = parseTimestamp(h.get(row, timeCols...)); err != nil {
		return rec, err
	}
	rec.TradeDate = rec.ExecutedAt.Format("2006-01-02")
	if td := h.get(row, "TradeDate"); td != "" {
		if d, err := parseDate(td); err == nil {
			rec.TradeDate = d
		}
	}

	if commission, err := broker.ParseNumber(h.get(row, commissionCols...)); err == nil {
		rec.Commission = math.Abs(commission)
	}

	rec.Currency = h.get(row, "CurrencyPrimary", "Currency")
	rec.AccountID = h.get(row, "ClientAccountID", "AccountId", "AccountID")
	rec.Description = h.get(row, "Description")
	rec.ContractID = h.get(row, "Conid")
	rec.UnderlyingSymbol = broker.NormalizeSymbol(h.get(row, "UnderlyingSymbol"))

	if err := applyInstrument(&rec, h, row); err != nil {
		return rec, err
	}
	return rec, nil
}

func applyInstrument(rec *broker.RawTradeRecord, h header, row []string) error {
	assetClass := strings.ToUpper(h.get(row, "AssetClass", "AssetCategory"))
	if mult, err := broker.ParseNumber(h.get(row, "Multiplier")); err == nil && mult > 0 {
		rec.Multiplier = mult
	}

	switch assetClass {
	case "", "STK":
		rec.InstrumentType = broker.InstrumentStock
	case "OPT", "FOP":
		rec.InstrumentType = broker.InstrumentOption
		strike, err := broker.ParsePrice(h.get(row, "Strike"))
		if err != nil || strike == 0 {
			return fmt.Errorf("option row without a valid strike")
		}
		rec.Strike = strike
		expiry, err := parseDate(h.get(row, "Expiry"))
		if err != nil {
			return fmt.Errorf("option row without a valid expiry: %w", err)
		}
		rec.Expiration = expiry
		switch strings.ToUpper(h.get(row, "Put/Call")) {
		case "C", "CALL":
			rec.OptionType = broker.OptionTypeCall
		case "P", "PUT":
			rec.OptionType = broker.OptionTypePut
		default:
			return fmt.Errorf("option row without put/call")
		}
		if rec.UnderlyingSymbol == "" {
			rec.UnderlyingSymbol = strings.Fields(rec.Symbol)[0]
		}
	case "FUT":
		rec.InstrumentType = broker.InstrumentFuture
		if expiry, err := parseDate(h.get(row, "Expiry")); err == nil {
			rec.Expiration = expiry
			rec.ContractMonth = expiry[:7]
		}
	default:
		return fmt.Errorf("unsupported asset class %q", assetClass)
	}
	return nil
}

func parseSide(value, quantity string) (broker.TradeSide, error) {
	switch v := strings.ToUpper(strings.TrimSpace(value)); {
	case strings.HasPrefix(v, "BUY"), v == "BOT":
		return broker.TradeSideBuy, nil
	case strings.HasPrefix(v, "SELL"), v == "SLD":
		return broker.TradeSideSell, nil
	case v == "":
		// some queries omit Buy/Sell and sign the quantity instead
		if q, err := broker.ParseNumber(quantity); err == nil && q != 0 {
			if q > 0 {
				return broker.TradeSideBuy, nil
			}
			return broker.TradeSideSell, nil
		}
	}
	return "", fmt.Errorf("unrecognized side %q", value)
}

// positionEffect reads IB open/close codes such as "O", "C" or "C;O"
func positionEffect(code string) broker.PositionEffect {
	for _, part := range strings.Split(strings.ToUpper(code), ";") {
		switch strings.TrimSpace(part) {
		case "C":
			return broker.PositionEffectClose
		case "O":
			return broker.PositionEffectOpen
		}
	}
	return ""
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func parseDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", value)
}

func absSum(h header, row []string, names ...string) float64 {
	var total float64
	for _, n := range names {
		if v, err := broker.ParseNumber(h.get(row, n)); err == nil {
			total += math.Abs(v)
		}
	}
	return total
}

// isSectionHeader reports whether a row names columns of a non-trade section
func isSectionHeader(row []string) bool {
	for _, cell := range row {
		if sectionHeaderColumns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff")))] {
			return true
		}
	}
	return false
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
