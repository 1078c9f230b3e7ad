package broker

import (
	"errors"
	"fmt"
)

// Common broker errors
var (
	ErrBrokerNotFound     = errors.New("broker not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNeedsReauth        = errors.New("re-authentication required")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrAPIError           = errors.New("API error")
	ErrNetworkError       = errors.New("network error")
	ErrTimeout            = errors.New("request timeout")
	ErrReportFormat       = errors.New("unrecognized report format")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidPrice       = errors.New("invalid price")
)

// ErrorCategory groups broker errors by how the sync pipeline should react
type ErrorCategory string

const (
	CategoryCredential ErrorCategory = "credential"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryTransient  ErrorCategory = "transient"
	CategoryFormat     ErrorCategory = "format"
	CategoryTerminal   ErrorCategory = "terminal"
)

// BrokerError represents a broker-specific error
type BrokerError struct {
	Broker   BrokerType    `json:"broker"`
	Code     string        `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Err      error         `json:"-"`
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Broker, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Broker, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new broker error
func NewBrokerError(broker BrokerType, code string, category ErrorCategory, message string, err error) *BrokerError {
	return &BrokerError{
		Broker:   broker,
		Code:     code,
		Category: category,
		Message:  message,
		Err:      err,
	}
}

// IsTemporaryError checks if an error is temporary (network, timeout)
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNetworkError) || errors.Is(err, ErrTimeout) {
		return true
	}

	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Category == CategoryTransient
	}

	return false
}

// NeedsReauth reports whether the error can only be fixed by the user re-authenticating
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrNeedsReauth)
}

// ErrorCode extracts the broker error code, if any
func ErrorCode(err error) string {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Code
	}
	return ""
}

// UserMessage returns the human-readable part of a broker error
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) && brokerErr.Message != "" {
		return brokerErr.Message
	}
	return err.Error()
}
