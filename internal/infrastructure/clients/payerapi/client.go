package payerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/pkg/config"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// Client talks to the external eligibility source. It owns bearer-token
// lifecycle: tokens are refreshed proactively shortly before expiry, and
// reactively once when the payer rejects one mid-flight. A second
// consecutive authentication failure is permanent.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	tokenTTL   time.Duration
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

// refreshSkew is how long before nominal expiry a token is considered
// due for proactive refresh.
const refreshSkew = time.Minute

// NewClient creates a payer API client from configuration.
func NewClient(cfg *config.PayerConfig) *Client {
	return &Client{
		baseURL:   trimBase(cfg.BaseURL),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		tokenTTL:  cfg.TokenTTL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		now: time.Now,
	}
}

func trimBase(baseURL string) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return baseURL
}

// SetClock overrides the client's time source. Test hook.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// FetchEligibility returns the raw eligibility payload for one
// subscriber.
func (c *Client) FetchEligibility(ctx context.Context, subscriberID string) ([]byte, error) {
	if subscriberID == "" {
		return nil, apperrors.NewPermanentError("subscriber id is required", nil)
	}
	endpoint := fmt.Sprintf("%s/eligibility/%s", c.baseURL, url.PathEscape(subscriberID))
	return c.doAuthenticated(ctx, http.MethodGet, endpoint)
}

// FetchBatch returns the raw batch eligibility document for a coverage
// date.
func (c *Client) FetchBatch(ctx context.Context, asOf time.Time) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/eligibility/batch?date=%s", c.baseURL, asOf.Format(entities.PayerDateFormat))
	return c.doAuthenticated(ctx, http.MethodGet, endpoint)
}

// doAuthenticated performs the request with a valid token, refreshing
// once on an authentication rejection.
func (c *Client) doAuthenticated(ctx context.Context, method, endpoint string) ([]byte, error) {
	token, err := c.ensureToken(ctx, false)
	if err != nil {
		return nil, err
	}

	body, status, err := c.do(ctx, method, endpoint, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// The token may simply have been revoked; refresh once and
		// retry. A second rejection means the credentials are bad.
		token, err = c.ensureToken(ctx, true)
		if err != nil {
			return nil, err
		}
		body, status, err = c.do(ctx, method, endpoint, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, apperrors.NewPermanentError("payer rejected credentials twice", nil)
		}
	}

	return body, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, 0, apperrors.NewPermanentError("failed to build payer request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and deadline expiry are retryable.
		return nil, 0, apperrors.NewTransientError("payer request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperrors.NewTransientError("failed to read payer response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return body, resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, 0, apperrors.NewRateLimitError("payer rate limit", retryAfterOf(resp))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return nil, 0, apperrors.NewPermanentError(
			fmt.Sprintf("payer rejected request with status %d", resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return nil, 0, apperrors.NewTransientError(
			fmt.Sprintf("payer returned status %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, 0, apperrors.NewPermanentError(
			fmt.Sprintf("unexpected payer status %d", resp.StatusCode), nil)
	}

	return body, resp.StatusCode, nil
}

// ensureToken returns a valid bearer token, minting a new one when the
// current one is missing, near expiry, or force is set.
func (c *Client) ensureToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && c.now().Before(c.tokenExpiry.Add(-refreshSkew)) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"apiKey":    c.apiKey,
		"apiSecret": c.apiSecret,
	})
	if err != nil {
		return "", apperrors.NewInternalError("failed to encode token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.NewPermanentError("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.NewTransientError("token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewTransientError("failed to read token response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperrors.NewPermanentError("payer rejected API credentials", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", apperrors.NewRateLimitError("payer rate limit on token endpoint", retryAfterOf(resp))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", apperrors.NewTransientError(
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var tokenResp struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", apperrors.NewTransientError("undecodable token response", err)
	}
	if tokenResp.AccessToken == "" {
		return "", apperrors.NewPermanentError("token response missing access token", nil)
	}

	ttl := c.tokenTTL
	if tokenResp.ExpiresIn > 0 {
		ttl = time.Duration(tokenResp.ExpiresIn) * time.Second
	}

	c.token = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.token, nil
}

// retryAfterOf parses a Retry-After header in seconds form. Zero when
// absent or unparseable.
func retryAfterOf(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
