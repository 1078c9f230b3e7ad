package oauthrest

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// apiTimeLayout is the full timestamp form the transactions endpoint expects
const apiTimeLayout = "2006-01-02T15:04:05.000Z"

const (
	accountNumbersPath = "/trader/v1/accounts/accountNumbers"
	transactionsPath   = "/trader/v1/accounts/{hash}/transactions"
)

// accountNumber pairs a plaintext account number with its opaque hash
type accountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

// Client is the OAuth-REST adapter
type Client struct {
	settings broker.OAuthSettings
	http     *resty.Client
	oauth    *oauth2.Config
	tokens   TokenStore
	accounts *cache.Cache
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *log.Logger
}

var _ broker.Adapter = (*Client)(nil)

// NewClient creates an OAuth-REST adapter. tokens may be nil when refreshed tokens need not be persisted.
func NewClient(settings broker.OAuthSettings, tokens TokenStore) *Client {
	settings = settings.WithDefaults()
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(settings.BaseURL, "/")).
		SetTimeout(settings.RequestTimeout).
		SetHeader("Accept", "application/json")
	if settings.UserAgent != "" {
		httpClient.SetHeader("User-Agent", settings.UserAgent)
	}

	return &Client{
		settings: settings,
		http:     httpClient,
		oauth: &oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  settings.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		tokens:   tokens,
		accounts: cache.New(settings.AccountTTL, 2*settings.AccountTTL),
		limiter:  rate.NewLimiter(rate.Limit(settings.RequestsPerSec), 1),
		now:      time.Now,
		logger:   log.New(log.Writer(), "[OAuthREST] ", log.LstdFlags),
	}
}

// SetLogger sets a custom logger
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetNow replaces the time source used for the expiry check and default range
func (c *Client) SetNow(now func() time.Time) {
	c.now = now
}

// SetTokenStore sets where refreshed tokens are persisted
func (c *Client) SetTokenStore(tokens TokenStore) {
	c.tokens = tokens
}

// Type returns the broker type
func (c *Client) Type() broker.BrokerType {
	return broker.BrokerTypeOAuthREST
}

// Validate refreshes the token if needed and lists the account numbers
func (c *Client) Validate(ctx context.Context, connectionID uint, credentials *broker.Credentials) error {
	creds, err := c.ensureFresh(ctx, connectionID, credentials)
	if err != nil {
		return err
	}

	accounts, err := c.listAccounts(ctx, creds.AccessToken)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return broker.NewBrokerError(broker.BrokerTypeOAuthREST, "NO_ACCOUNTS", broker.CategoryCredential,
			"the authorized login has no linked accounts", broker.ErrInvalidCredentials)
	}

	c.logger.Printf("Credentials validated, %d linked accounts", len(accounts))
	return nil
}

// Fetch pulls trade transactions for the request's range, defaulting to the configured lookback
func (c *Client) Fetch(ctx context.Context, req *broker.FetchRequest) (*broker.FetchResult, error) {
	creds, err := c.ensureFresh(ctx, req.ConnectionID, req.Credentials)
	if err != nil {
		return nil, err
	}

	req.ReportProgress(broker.SyncStatusFetching)

	hash, err := c.resolveAccountHash(ctx, req.ConnectionID, creds)
	if err != nil {
		return nil, err
	}

	start, end := c.dateRange(req.Range)
	body, err := c.fetchTransactions(ctx, creds.AccessToken, hash, start, end)
	if err != nil {
		return nil, err
	}

	req.ReportProgress(broker.SyncStatusParsing)

	result, err := ParseTransactions(body)
	if err != nil {
		return nil, err
	}

	c.logger.Printf("Parsed %d trades (%d rejected) for connection %d",
		len(result.Records), len(result.Rejected), req.ConnectionID)
	return result, nil
}

// dateRange fills unset bounds: end defaults to now, start to end minus the lookback
func (c *Client) dateRange(r broker.DateRange) (time.Time, time.Time) {
	end := r.End
	if end.IsZero() {
		end = c.now()
	}
	start := r.Start
	if start.IsZero() {
		start = end.Add(-c.settings.Lookback)
	}
	return start.UTC(), end.UTC()
}

// resolveAccountHash picks the hash for the configured account number,
// falling back to the first linked account
func (c *Client) resolveAccountHash(ctx context.Context, connectionID uint, credentials *broker.Credentials) (string, error) {
	key := strconv.FormatUint(uint64(connectionID), 10) + ":" + credentials.AccountNumber
	if hash, found := c.accounts.Get(key); found {
		return hash.(string), nil
	}

	accounts, err := c.listAccounts(ctx, credentials.AccessToken)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", broker.NewBrokerError(broker.BrokerTypeOAuthREST, "NO_ACCOUNTS", broker.CategoryTerminal,
			"no linked accounts returned", broker.ErrAPIError)
	}

	hash := ""
	for _, a := range accounts {
		if credentials.AccountNumber != "" && a.AccountNumber == credentials.AccountNumber {
			hash = a.HashValue
			break
		}
	}
	if hash == "" {
		hash = accounts[0].HashValue
		c.logger.Printf("Connection %d: account %q not found, falling back to first linked account",
			connectionID, maskAccount(credentials.AccountNumber))
	}

	c.accounts.Set(key, hash, cache.DefaultExpiration)
	return hash, nil
}

func (c *Client) listAccounts(ctx context.Context, accessToken string) ([]accountNumber, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var accounts []accountNumber
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&accounts).
		Get(accountNumbersPath)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}

	return accounts, nil
}

func (c *Client) fetchTransactions(ctx context.Context, accessToken, hash string, start, end time.Time) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetPathParam("hash", hash).
		SetQueryParams(map[string]string{
			"types":     "TRADE",
			"startDate": start.Format(apiTimeLayout),
			"endDate":   end.Format(apiTimeLayout),
		}).
		Get(transactionsPath)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}

	return resp.Body(), nil
}

func statusError(resp *resty.Response) error {
	code := fmt.Sprintf("HTTP_%d", resp.StatusCode())
	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return broker.NewBrokerError(broker.BrokerTypeOAuthREST, code, broker.CategoryCredential,
			"the broker rejected the access token", broker.ErrInvalidCredentials)
	case status == http.StatusTooManyRequests:
		return broker.NewBrokerError(broker.BrokerTypeOAuthREST, code, broker.CategoryRateLimit,
			"the broker rate limit was reached, try again later", broker.ErrRateLimitExceeded)
	case status >= http.StatusInternalServerError:
		return broker.NewBrokerError(broker.BrokerTypeOAuthREST, code, broker.CategoryTransient,
			"the broker API is unavailable", broker.ErrAPIError)
	default:
		return broker.NewBrokerError(broker.BrokerTypeOAuthREST, code, broker.CategoryTerminal,
			fmt.Sprintf("the broker API returned status %d", status), broker.ErrAPIError)
	}
}

func transportError(err error) error {
	if broker.IsNetworkTimeout(err) {
		return broker.NewBrokerError(broker.BrokerTypeOAuthREST, "TIMEOUT", broker.CategoryTransient,
			"the broker API did not respond in time", fmt.Errorf("%w: %v", broker.ErrTimeout, err))
	}
	return broker.NewBrokerError(broker.BrokerTypeOAuthREST, "NETWORK_ERROR", broker.CategoryTransient,
		"could not reach the broker API", fmt.Errorf("%w: %v", broker.ErrNetworkError, err))
}

func maskAccount(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
