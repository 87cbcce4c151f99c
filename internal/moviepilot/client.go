// Package moviepilot is the client for the Downloader/Subscription
// service that acquires missing media.
package moviepilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 60 * time.Second

// ErrUnauthorized is returned when login fails or a token is rejected.
var ErrUnauthorized = errors.New("moviepilot: unauthorized")

// SubscribeRequest is the body of POST /api/v1/subscribe/.
type SubscribeRequest struct {
	Name        string `json:"name"`
	TMDBID      int    `json:"tmdbid"`
	Type        string `json:"type"` // 电影 or 电视剧
	Season      *int   `json:"season,omitempty"`
	BestVersion int    `json:"best_version,omitempty"` // 1 = quality-upgrade request
}

// Client provides HTTP communication with the Downloader.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *zerolog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// ClientConfig contains configuration for creating a new client.
type ClientConfig struct {
	URL      string
	Username string
	Password string
	Timeout  int
	Logger   *zerolog.Logger
}

// NewClient creates a new Downloader HTTP client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("moviepilot URL is required")
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	logger := cfg.Logger.With().
		Str("component", "moviepilot-client").
		Logger()

	return &Client{
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: &logger,
	}, nil
}

// token returns a cached access token, logging in when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/login/access-token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if result.AccessToken == "" {
		return "", ErrUnauthorized
	}

	c.accessToken = result.AccessToken
	c.tokenExpiry = time.Now().Add(30 * time.Minute)
	return c.accessToken, nil
}

// Subscribe submits a subscription request.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode subscribe request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/subscribe/", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("subscribe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token expired server-side; drop the cache so the next call re-logs-in.
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("subscribe failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	c.logger.Info().
		Str("name", req.Name).
		Int("tmdbId", req.TMDBID).
		Str("type", req.Type).
		Bool("bestVersion", req.BestVersion == 1).
		Msg("subscription submitted")

	return nil
}
