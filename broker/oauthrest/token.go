package oauthrest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"golang.org/x/oauth2"
)

// defaultAccessTokenLifetime applies when the token endpoint omits expires_in
const defaultAccessTokenLifetime = 30 * time.Minute

// TokenStore persists refreshed tokens and the expired state of a connection
type TokenStore interface {
	SaveTokens(ctx context.Context, connectionID uint, accessToken, refreshToken string, expiresAt time.Time) error
	MarkExpired(ctx context.Context, connectionID uint, message string) error
}

// RefreshResult reports the outcome of a token refresh.
// A failed refresh is a result, not an error: the caller must ask the user to re-authenticate.
type RefreshResult struct {
	Success     bool                `json:"success"`
	NeedsReauth bool                `json:"needs_reauth"`
	Message     string              `json:"message"`
	Credentials *broker.Credentials `json:"-"`
}

// NeedsRefresh reports whether the access token must be refreshed before use.
// A missing or unparseable expiry counts as expired.
func (c *Client) NeedsRefresh(credentials *broker.Credentials) bool {
	if credentials == nil || credentials.AccessToken == "" || credentials.TokenExpiresAt == "" {
		return true
	}

	expiresAt, err := time.Parse(time.RFC3339, credentials.TokenExpiresAt)
	if err != nil {
		return true
	}

	return !c.now().Add(c.settings.ExpiryBuffer).Before(expiresAt)
}

// RefreshTokens exchanges the stored refresh token for a new token pair.
// On success the new pair is persisted and the connection becomes active;
// on failure the connection is marked expired.
func (c *Client) RefreshTokens(ctx context.Context, connectionID uint, credentials *broker.Credentials) RefreshResult {
	result, err := c.refresh(ctx, connectionID, credentials)
	if err == nil {
		return result
	}

	message := fmt.Sprintf("token refresh failed, re-authentication required: %s", refreshFailureReason(err))
	c.logger.Printf("Connection %d: %s", connectionID, message)

	if connectionID != 0 && c.tokens != nil {
		if markErr := c.tokens.MarkExpired(ctx, connectionID, message); markErr != nil {
			c.logger.Printf("Connection %d: failed to mark expired: %v", connectionID, markErr)
		}
	}

	return RefreshResult{
		Success:     false,
		NeedsReauth: true,
		Message:     message,
	}
}

func (c *Client) refresh(ctx context.Context, connectionID uint, credentials *broker.Credentials) (result RefreshResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during token refresh: %v", r)
		}
	}()

	if credentials == nil || credentials.RefreshToken == "" {
		return RefreshResult{}, errors.New("no refresh token stored")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return RefreshResult{}, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http.GetClient())
	source := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: credentials.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return RefreshResult{}, err
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultAccessTokenLifetime)
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = credentials.RefreshToken
	}

	if connectionID != 0 && c.tokens != nil {
		if err := c.tokens.SaveTokens(ctx, connectionID, token.AccessToken, refreshToken, expiresAt); err != nil {
			return RefreshResult{}, fmt.Errorf("failed to persist refreshed tokens: %w", err)
		}
	}

	refreshed := *credentials
	refreshed.AccessToken = token.AccessToken
	refreshed.RefreshToken = refreshToken
	refreshed.TokenExpiresAt = expiresAt.UTC().Format(time.RFC3339)

	c.logger.Printf("Connection %d: tokens refreshed, valid until %s", connectionID, refreshed.TokenExpiresAt)
	return RefreshResult{Success: true, Message: "tokens refreshed", Credentials: &refreshed}, nil
}

// ensureFresh returns usable credentials, refreshing first when needed
func (c *Client) ensureFresh(ctx context.Context, connectionID uint, credentials *broker.Credentials) (*broker.Credentials, error) {
	if !c.NeedsRefresh(credentials) {
		return credentials, nil
	}

	result := c.RefreshTokens(ctx, connectionID, credentials)
	if !result.Success {
		return nil, broker.NewBrokerError(broker.BrokerTypeOAuthREST, "REAUTH_REQUIRED", broker.CategoryCredential,
			result.Message, broker.ErrNeedsReauth)
	}
	return result.Credentials, nil
}

func refreshFailureReason(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return fmt.Sprintf("token endpoint rejected the refresh token (%s)", retrieveErr.ErrorCode)
		}
		if retrieveErr.Response != nil {
			return fmt.Sprintf("token endpoint returned status %d", retrieveErr.Response.StatusCode)
		}
	}
	return err.Error()
}
