package emby

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
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 60 * time.Second
	tokenHeader    = "X-Emby-Token"

	// DetailBatchSize is the maximum number of IDs fetched in a single
	// Items request. GET URLs stay comfortably under proxy limits.
	DetailBatchSize = 200
)

// ErrNotFound is returned when the Library Server reports 404 for an item.
var ErrNotFound = errors.New("emby: not found")

// Client provides HTTP communication with the Library Server.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// ClientConfig contains configuration for creating a new client.
type ClientConfig struct {
	URL       string
	APIKey    string
	Timeout   int
	UserAgent string
	Logger    *zerolog.Logger
}

// NewClient creates a new Library Server HTTP client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("emby URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("emby API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.URL, "/")

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	logger := cfg.Logger.With().
		Str("component", "emby-client").
		Str("url", baseURL).
		Logger()

	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: &logger,
	}, nil
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do executes an HTTP request with the token header.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(tokenHeader, c.apiKey)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).
			Str("method", method).
			Str("path", path).
			Msg("request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// doJSON executes a request and decodes the JSON response into result.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request %s %s failed with status %d: %s", method, path, resp.StatusCode, string(bodyBytes))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// detailFields is the field list requested for enrichment lookups.
const detailFields = "People,ProviderIds,Overview,Genres,Studios,Tags,ProductionLocations,OriginalTitle,PremiereDate,DateCreated,OfficialRating,MediaSources,Path"

// GetItem fetches full details for a single item.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	q := url.Values{}
	q.Set("Ids", itemID)
	q.Set("Fields", detailFields)

	var page ItemsPage
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Items", q, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, ErrNotFound
	}
	return &page.Items[0], nil
}

// GetItemsByIDs fetches details for many items, preserving input order.
// Requests are issued in batches of DetailBatchSize.
func (c *Client) GetItemsByIDs(ctx context.Context, ids []string) ([]Item, error) {
	byID := make(map[string]Item, len(ids))

	for start := 0; start < len(ids); start += DetailBatchSize {
		end := start + DetailBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		q := url.Values{}
		q.Set("Ids", strings.Join(ids[start:end], ","))
		q.Set("Fields", detailFields)

		var page ItemsPage
		if err := c.doJSON(ctx, http.MethodGet, "/emby/Items", q, nil, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			byID[it.ID] = it
		}
	}

	ordered := make([]Item, 0, len(byID))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			ordered = append(ordered, it)
		}
	}
	return ordered, nil
}

// ListLibraryItems pages through the whole catalog for the given item
// types. Only IDs and names are requested; callers fetch details on
// demand.
func (c *Client) ListLibraryItems(ctx context.Context, itemTypes string, startIndex, limit int) (*ItemsPage, error) {
	q := url.Values{}
	q.Set("Recursive", "true")
	q.Set("IncludeItemTypes", itemTypes)
	q.Set("Fields", "DateCreated")
	q.Set("SortBy", "DateCreated")
	q.Set("SortOrder", "Descending")
	q.Set("StartIndex", fmt.Sprintf("%d", startIndex))
	q.Set("Limit", fmt.Sprintf("%d", limit))

	var page ItemsPage
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Items", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetAncestors lists an item's ancestor chain, nearest first. The
// containing library is the CollectionFolder entry of the chain.
func (c *Client) GetAncestors(ctx context.Context, itemID string) ([]Item, error) {
	var items []Item
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Items/"+itemID+"/Ancestors", nil, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetChildren lists the direct children of a parent item.
func (c *Client) GetChildren(ctx context.Context, parentID string, itemTypes string) ([]Item, error) {
	q := url.Values{}
	q.Set("ParentId", parentID)
	q.Set("Recursive", "true")
	q.Set("Fields", detailFields)
	if itemTypes != "" {
		q.Set("IncludeItemTypes", itemTypes)
	}

	var page ItemsPage
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Items", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// SearchItems searches the catalog by name.
func (c *Client) SearchItems(ctx context.Context, term, itemTypes string, limit int) ([]Item, error) {
	q := url.Values{}
	q.Set("SearchTerm", term)
	q.Set("Recursive", "true")
	q.Set("Fields", detailFields)
	if itemTypes != "" {
		q.Set("IncludeItemTypes", itemTypes)
	}
	if limit > 0 {
		q.Set("Limit", fmt.Sprintf("%d", limit))
	}

	var page ItemsPage
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Items", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// UpdateItem writes an item document back, including its People list.
func (c *Client) UpdateItem(ctx context.Context, item *Item) error {
	return c.doJSON(ctx, http.MethodPost, "/emby/Items/"+item.ID, nil, item, nil)
}

// RefreshItem asks the server to re-scan an item's metadata.
func (c *Client) RefreshItem(ctx context.Context, itemID string) error {
	q := url.Values{}
	q.Set("Recursive", "true")
	q.Set("MetadataRefreshMode", "FullRefresh")
	return c.doJSON(ctx, http.MethodPost, "/emby/Items/"+itemID+"/Refresh", q, nil, nil)
}

// DeleteItem removes an item. Requires an admin access token obtained
// via AuthenticateByName; the API key alone is not accepted for deletes.
func (c *Client) DeleteItem(ctx context.Context, itemID, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/emby/Items/"+itemID, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(tokenHeader, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// GetViews fetches a user's native library views.
func (c *Client) GetViews(ctx context.Context, userID string) (*ViewsResponse, error) {
	var views ViewsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Users/"+userID+"/Views", nil, nil, &views); err != nil {
		return nil, err
	}
	return &views, nil
}

// GetUser fetches a user including its policy.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Users/"+userID, nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserDocument fetches a user's full document untyped, preserving
// every policy and configuration field for replay.
func (c *Client) GetUserDocument(ctx context.Context, userID string) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Users/"+userID, nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListUsers fetches all users.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Users", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// AuthenticateByName performs a credential login and returns an access
// token usable for admin-only operations.
func (c *Client) AuthenticateByName(ctx context.Context, username, password string) (*AuthenticationResult, error) {
	payload := map[string]string{
		"Username": username,
		"Pw":       password,
	}

	var result AuthenticationResult
	if err := c.doJSON(ctx, http.MethodPost, "/emby/Users/AuthenticateByName", nil, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateUser creates a new Library Server user.
func (c *Client) CreateUser(ctx context.Context, name string) (*User, error) {
	payload := map[string]string{"Name": name}

	var user User
	if err := c.doJSON(ctx, http.MethodPost, "/emby/Users/New", nil, payload, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SetUserPolicy force-applies a policy document to a user.
func (c *Client) SetUserPolicy(ctx context.Context, userID string, policy json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPost, "/emby/Users/"+userID+"/Policy", nil, policy, nil)
}

// SetUserConfiguration force-applies a configuration document to a user.
func (c *Client) SetUserConfiguration(ctx context.Context, userID string, configuration json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPost, "/emby/Users/"+userID+"/Configuration", nil, configuration, nil)
}

// CreateCollection creates a collection, optionally seeded with item IDs.
func (c *Client) CreateCollection(ctx context.Context, name string, itemIDs []string) (string, error) {
	q := url.Values{}
	q.Set("Name", name)
	if len(itemIDs) > 0 {
		q.Set("Ids", strings.Join(itemIDs, ","))
	}

	var result struct {
		ID string `json:"Id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/emby/Collections", q, nil, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// AddToCollection appends items to a collection.
func (c *Client) AddToCollection(ctx context.Context, collectionID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	q := url.Values{}
	q.Set("Ids", strings.Join(itemIDs, ","))
	return c.doJSON(ctx, http.MethodPost, "/emby/Collections/"+collectionID+"/Items", q, nil, nil)
}

// RemoveFromCollection removes items from a collection.
func (c *Client) RemoveFromCollection(ctx context.Context, collectionID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	q := url.Values{}
	q.Set("Ids", strings.Join(itemIDs, ","))
	return c.doJSON(ctx, http.MethodDelete, "/emby/Collections/"+collectionID+"/Items", q, nil, nil)
}

// UploadPrimaryImage replaces an item's primary image with a base64 payload.
func (c *Client) UploadPrimaryImage(ctx context.Context, itemID string, imageBase64 []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emby/Items/"+itemID+"/Images/Primary", bytes.NewReader(imageBase64))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(tokenHeader, c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("image upload failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// GetMediaStreams fetches the media sources of an item. Used by the
// stream-readiness preflight.
func (c *Client) GetMediaStreams(ctx context.Context, itemID string) ([]MediaSource, error) {
	q := url.Values{}
	q.Set("Ids", itemID)
	q.Set("Fields", "MediaSources")

	var page ItemsPage
	if err := c.doJSON(ctx, http.MethodGet, "/emby/Items", q, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, ErrNotFound
	}
	return page.Items[0].MediaSources, nil
}

// GetSystemInfo fetches the server ID and version.
func (c *Client) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.doJSON(ctx, http.MethodGet, "/emby/System/Info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
