// Package marzban is the authenticated REST client for the Marzban VPN
// panel: bearer-token lifecycle, user CRUD and traffic reporting.
package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// The panel issues tokens valid for 24 hours; we assume a little less and
// refresh 5 minutes before the assumed expiry.
const (
	tokenLifetime    = 1430 * time.Minute
	tokenRefreshSkew = 5 * time.Minute
)

type Client struct {
	BaseURL            string
	Username           string
	Password           string
	SubscriptionPrefix string
	HTTPClient         *http.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

func NewClient(baseURL, username, password, subscriptionPrefix string) *Client {
	return &Client{
		BaseURL:            strings.TrimRight(baseURL, "/"),
		Username:           username,
		Password:           password,
		SubscriptionPrefix: subscriptionPrefix,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// authenticate returns a cached token, refreshing it when it is within
// the skew window of its assumed expiry.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiresAt.Add(-tokenRefreshSkew)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.Username)
	form.Set("password", c.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &AuthenticationError{Body: string(body)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to unmarshal token response: %w", err)
	}

	c.token = tok.AccessToken
	c.tokenExpiresAt = time.Now().Add(tokenLifetime)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// doRequest performs an authenticated call. A 401 invalidates the cached
// token and retries exactly once; a second 401 surfaces as an
// AuthenticationError.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	respBody, status, err := c.attempt(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.invalidateToken()
		respBody, status, err = c.attempt(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &AuthenticationError{Body: string(respBody)}
		}
	}
	if status >= 400 {
		return nil, &APIError{Status: status, Body: string(respBody)}
	}
	return respBody, nil
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, body interface{}) ([]byte, int, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, 0, err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// CreateUser provisions a panel account with the given byte limit and
// unix expiry. The panel rejects duplicate usernames with a 409.
func (c *Client) CreateUser(ctx context.Context, username string, dataLimit int64, expireUnix int64) (*PanelUser, error) {
	reqBody := createUserRequest{
		Username:               username,
		Status:                 "active",
		DataLimit:              dataLimit,
		Expire:                 expireUnix,
		DataLimitResetStrategy: "no_reset",
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/user", reqBody)
	if err != nil {
		return nil, err
	}

	var user PanelUser
	if err := json.Unmarshal(resp, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &user, nil
}

func (c *Client) GetUser(ctx context.Context, username string) (*PanelUser, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/user/"+username, nil)
	if err != nil {
		return nil, err
	}

	var user PanelUser
	if err := json.Unmarshal(resp, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &user, nil
}

func (c *Client) ModifyUser(ctx context.Context, username string, upd UserUpdate) (*PanelUser, error) {
	resp, err := c.doRequest(ctx, http.MethodPut, "/api/user/"+username, upd)
	if err != nil {
		return nil, err
	}

	var user PanelUser
	if err := json.Unmarshal(resp, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &user, nil
}

func (c *Client) DeleteUser(ctx context.Context, username string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/user/"+username, nil)
	return err
}

func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/system", nil)
	if err != nil {
		return nil, err
	}

	var stats SystemStats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &stats, nil
}

// CalculateExpireTimestamp returns now + days as a UTC unix timestamp,
// read from this client's clock.
func (c *Client) CalculateExpireTimestamp(days int) int64 {
	return time.Now().UTC().AddDate(0, 0, days).Unix()
}

// SubscriptionLink composes the user's subscription URL from the
// configured prefix; no network call.
func (c *Client) SubscriptionLink(username string) string {
	prefix := strings.TrimRight(c.SubscriptionPrefix, "/")
	if prefix == "" {
		prefix = c.BaseURL
	}
	return fmt.Sprintf("%s/sub/%s", prefix, username)
}
