package flexreport

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Clock abstracts time so the poll deadline can be tested without waiting
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	return broker.SleepContext(ctx, d)
}

// statementResponse is the XML envelope used by SendRequest and by GetStatement when no report is returned
type statementResponse struct {
	XMLName       xml.Name `xml:"FlexStatementResponse"`
	Status        string   `xml:"Status"`
	ReferenceCode string   `xml:"ReferenceCode"`
	URL           string   `xml:"Url"`
	ErrorCode     string   `xml:"ErrorCode"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

// Client is the Flex-Report adapter
type Client struct {
	settings broker.FlexSettings
	http     *resty.Client
	limiter  *rate.Limiter
	clock    Clock
	logger   *log.Logger
}

var _ broker.Adapter = (*Client)(nil)

// NewClient creates a Flex-Report adapter
func NewClient(settings broker.FlexSettings) *Client {
	settings = settings.WithDefaults()
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(settings.BaseURL, "/")).
		SetTimeout(settings.RequestTimeout).
		SetHeader("Accept", "application/xml, text/csv, */*")
	if settings.UserAgent != "" {
		httpClient.SetHeader("User-Agent", settings.UserAgent)
	}

	return &Client{
		settings: settings,
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(settings.RequestsPerSec), 1),
		clock:    realClock{},
		logger:   log.New(log.Writer(), "[FlexReport] ", log.LstdFlags),
	}
}

// SetLogger sets a custom logger
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetClock replaces the clock used for poll waits and the deadline
func (c *Client) SetClock(clock Clock) {
	c.clock = clock
}

// Type returns the broker type
func (c *Client) Type() broker.BrokerType {
	return broker.BrokerTypeFlexReport
}

// Validate performs only the request phase; receiving a reference code means the token and query are usable
func (c *Client) Validate(ctx context.Context, _ uint, credentials *broker.Credentials) error {
	if err := checkCredentials(credentials); err != nil {
		return err
	}

	refCode, err := c.sendRequest(ctx, credentials)
	if err != nil {
		return err
	}

	c.logger.Printf("Credentials validated, reference code %s", refCode)
	return nil
}

// Fetch requests a report, polls until it is ready and parses the trades
func (c *Client) Fetch(ctx context.Context, req *broker.FetchRequest) (*broker.FetchResult, error) {
	if err := checkCredentials(req.Credentials); err != nil {
		return nil, err
	}

	req.ReportProgress(broker.SyncStatusFetching)

	payload, err := c.FetchReport(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	req.ReportProgress(broker.SyncStatusParsing)

	result, err := ParseReport(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	result.Records = filterRange(result.Records, req.Range)
	c.logger.Printf("Parsed %d trades (%d rejected) for connection %d",
		len(result.Records), len(result.Rejected), req.ConnectionID)
	return result, nil
}

// FetchReport drives the request/poll state machine to completion and returns the raw report
func (c *Client) FetchReport(ctx context.Context, credentials *broker.Credentials) ([]byte, error) {
	p := newPoller(c, credentials)
	for !p.state.Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, broker.NewBrokerError(broker.BrokerTypeFlexReport, "CANCELLED", broker.CategoryTerminal,
				"report fetch was cancelled", err)
		}
		p.step(ctx)
	}

	switch p.state {
	case StateReady:
		c.logger.Printf("Report %s ready after %d polls (%s)", p.refCode, p.polls, c.clock.Now().Sub(p.startedAt).Round(time.Second))
		return p.payload, nil
	case StateTimedOut:
		return nil, broker.NewBrokerError(broker.BrokerTypeFlexReport, "TIMEOUT", broker.CategoryTerminal,
			fmt.Sprintf("report was not ready after %s", c.settings.MaxWait), broker.ErrTimeout)
	default:
		return nil, p.err
	}
}

// sendRequest submits the query and returns the reference code
func (c *Client) sendRequest(ctx context.Context, credentials *broker.Credentials) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"t": credentials.FlexToken,
			"q": credentials.FlexQueryID,
			"v": c.settings.Version,
		}).
		Get("/SendRequest")
	if err != nil {
		return "", transportError(err)
	}

	if resp.StatusCode() != http.StatusOK {
		return "", broker.NewBrokerError(broker.BrokerTypeFlexReport, fmt.Sprintf("HTTP_%d", resp.StatusCode()),
			broker.CategoryTerminal, fmt.Sprintf("Flex request returned status %d", resp.StatusCode()), broker.ErrAPIError)
	}

	envelope, err := decodeEnvelope(resp.Body())
	if err != nil {
		return "", err
	}

	if envelope.ErrorCode != "" || !strings.EqualFold(envelope.Status, "Success") {
		return "", codeError(envelope.ErrorCode, envelope.ErrorMessage)
	}

	if envelope.ReferenceCode == "" {
		return "", broker.NewBrokerError(broker.BrokerTypeFlexReport, "NO_REFERENCE", broker.CategoryTerminal,
			"Flex request succeeded without a reference code", broker.ErrAPIError)
	}

	return envelope.ReferenceCode, nil
}

// pollOutcome is the result of a single GetStatement call
type pollOutcome int

const (
	outcomeReady pollOutcome = iota
	outcomeGenerating
	outcomeNetworkTimeout
	outcomeFailed
)

// getStatement fetches the report once
func (c *Client) getStatement(ctx context.Context, credentials *broker.Credentials, refCode string) ([]byte, pollOutcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, outcomeFailed, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"t": credentials.FlexToken,
			"q": refCode,
			"v": c.settings.Version,
		}).
		Get("/GetStatement")
	if err != nil {
		if broker.IsNetworkTimeout(err) && ctx.Err() == nil {
			return nil, outcomeNetworkTimeout, err
		}
		return nil, outcomeFailed, transportError(err)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, outcomeFailed, broker.NewBrokerError(broker.BrokerTypeFlexReport, fmt.Sprintf("HTTP_%d", resp.StatusCode()),
			broker.CategoryTerminal, fmt.Sprintf("Flex statement returned status %d", resp.StatusCode()), broker.ErrAPIError)
	}

	body := resp.Body()
	if !isEnvelope(body) {
		return body, outcomeReady, nil
	}

	envelope, err := decodeEnvelope(body)
	if err != nil {
		return nil, outcomeFailed, err
	}
	if envelope.ErrorCode == CodeGenerationInProgress {
		return nil, outcomeGenerating, nil
	}
	return nil, outcomeFailed, codeError(envelope.ErrorCode, envelope.ErrorMessage)
}

func isEnvelope(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if idx := bytes.Index(trimmed, []byte("?>")); idx >= 0 {
			trimmed = bytes.TrimSpace(trimmed[idx+2:])
		}
	}
	return bytes.HasPrefix(trimmed, []byte("<FlexStatementResponse"))
}

func decodeEnvelope(body []byte) (*statementResponse, error) {
	var envelope statementResponse
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, broker.NewBrokerError(broker.BrokerTypeFlexReport, "BAD_RESPONSE", broker.CategoryFormat,
			"could not decode Flex response", fmt.Errorf("%w: %v", broker.ErrReportFormat, err))
	}
	return &envelope, nil
}

func transportError(err error) error {
	if broker.IsNetworkTimeout(err) {
		return broker.NewBrokerError(broker.BrokerTypeFlexReport, "TIMEOUT", broker.CategoryTransient,
			"Flex service did not respond in time", fmt.Errorf("%w: %v", broker.ErrTimeout, err))
	}
	return broker.NewBrokerError(broker.BrokerTypeFlexReport, "NETWORK_ERROR", broker.CategoryTransient,
		"could not reach the Flex service", fmt.Errorf("%w: %v", broker.ErrNetworkError, err))
}

func checkCredentials(credentials *broker.Credentials) error {
	if credentials == nil || credentials.FlexToken == "" || credentials.FlexQueryID == "" {
		return broker.NewBrokerError(broker.BrokerTypeFlexReport, "MISSING_CREDENTIALS", broker.CategoryCredential,
			"Flex token and query id are required", broker.ErrInvalidCredentials)
	}
	return nil
}

// filterRange drops executions outside the requested range; the query itself defines the period
func filterRange(records []broker.RawTradeRecord, r broker.DateRange) []broker.RawTradeRecord {
	if r.Start.IsZero() && r.End.IsZero() {
		return records
	}
	filtered := records[:0]
	for _, rec := range records {
		if !r.Start.IsZero() && rec.ExecutedAt.Before(r.Start) {
			continue
		}
		if !r.End.IsZero() && rec.ExecutedAt.After(r.End) {
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered
}
