package broker

import (
	"fmt"
	"time"
)

// Settings represents the tunables shared by broker adapters
type Settings struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec" json:"requests_per_sec"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
}

// FlexSettings configures the Flex-Report adapter
type FlexSettings struct {
	Settings     `yaml:",inline"`
	Version      string        `yaml:"version" json:"version"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait" json:"max_wait"`
}

// OAuthSettings configures the OAuth-REST adapter
type OAuthSettings struct {
	Settings     `yaml:",inline"`
	TokenURL     string        `yaml:"token_url" json:"token_url"`
	ClientID     string        `yaml:"client_id" json:"client_id"`
	ClientSecret string        `yaml:"client_secret" json:"-"`
	ExpiryBuffer time.Duration `yaml:"expiry_buffer" json:"expiry_buffer"`
	AccountTTL   time.Duration `yaml:"account_cache_ttl" json:"account_cache_ttl"`
	Lookback     time.Duration `yaml:"default_lookback" json:"default_lookback"`
}

const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultFlexBaseURL      = "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService"
	DefaultFlexVersion      = "3"
	DefaultFlexPollInterval = 5 * time.Second
	DefaultFlexMaxWait      = 5 * time.Minute
	DefaultOAuthBaseURL     = "https://api.schwabapi.com"
	DefaultOAuthTokenURL    = "https://api.schwabapi.com/v1/oauth/token"
	DefaultExpiryBuffer     = 5 * time.Minute
	DefaultAccountCacheTTL  = 30 * time.Minute
	DefaultLookback         = 30 * 24 * time.Hour
)

// WithDefaults fills unset fields
func (s FlexSettings) WithDefaults() FlexSettings {
	if s.BaseURL == "" {
		s.BaseURL = DefaultFlexBaseURL
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.RequestsPerSec <= 0 {
		s.RequestsPerSec = 1
	}
	if s.Version == "" {
		s.Version = DefaultFlexVersion
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultFlexPollInterval
	}
	if s.MaxWait <= 0 {
		s.MaxWait = DefaultFlexMaxWait
	}
	return s
}

// WithDefaults fills unset fields
func (s OAuthSettings) WithDefaults() OAuthSettings {
	if s.BaseURL == "" {
		s.BaseURL = DefaultOAuthBaseURL
	}
	if s.TokenURL == "" {
		s.TokenURL = DefaultOAuthTokenURL
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.RequestsPerSec <= 0 {
		s.RequestsPerSec = 2
	}
	if s.ExpiryBuffer <= 0 {
		s.ExpiryBuffer = DefaultExpiryBuffer
	}
	if s.AccountTTL <= 0 {
		s.AccountTTL = DefaultAccountCacheTTL
	}
	if s.Lookback <= 0 {
		s.Lookback = DefaultLookback
	}
	return s
}

// Validate checks that the OAuth client is configured
func (s OAuthSettings) Validate() error {
	if s.ClientID == "" {
		return fmt.Errorf("oauth client id is required")
	}
	if s.ClientSecret == "" {
		return fmt.Errorf("oauth client secret is required")
	}
	return nil
}
