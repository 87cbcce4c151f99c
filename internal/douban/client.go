// Package douban is the client for the Cultural Provider: localized cast
// names, aliases and roles, plus public list scraping.
package douban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://frodo.douban.com/api/v2"
	webBaseURL     = "https://www.douban.com"
	defaultTimeout = 60 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// ErrNotFound is returned when no credit entry matches the lookup.
var ErrNotFound = errors.New("douban: not found")

// Celebrity is one cultural-provider cast entry.
type Celebrity struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"` // Chinese name
	LatinName string   `json:"latin_name"`
	Roles     []string `json:"roles"`
	Character string   `json:"character"`
	Aliases   []string `json:"aliases"`
	URL       string   `json:"url"`
}

// Subject is a cultural-provider media record.
type Subject struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Year      string      `json:"year"`
	Type      string      `json:"type"` // movie or tv
	IMDBID    string      `json:"imdb_id"`
	Actors    []Celebrity `json:"actors"`
	Directors []Celebrity `json:"directors"`
}

// ListEntry is one title scraped from a public list.
type ListEntry struct {
	Title     string
	Year      int
	Subtype   string // movie or tv when the list page exposes it
	SubjectID string
}

// Client provides HTTP communication with the Cultural Provider.
type Client struct {
	baseURL    string
	cookie     string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// ClientConfig contains configuration for creating a new client.
type ClientConfig struct {
	Cookie  string
	Timeout int
	BaseURL string // override for tests
	Logger  *zerolog.Logger
}

// NewClient creates a new Cultural Provider HTTP client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := defaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	logger := cfg.Logger.With().
		Str("component", "douban-client").
		Logger()

	return &Client{
		baseURL: baseURL,
		cookie:  cfg.Cookie,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: &logger,
	}
}

func (c *Client) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, path string, query url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	resp, err := c.do(ctx, reqURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request %s failed with status %d: %s", path, resp.StatusCode, string(bodyBytes))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// FindSubject locates a media record by IMDb ID, falling back to a
// title+year search when the IMDb lookup misses.
func (c *Client) FindSubject(ctx context.Context, imdbID, title string, year int) (*Subject, error) {
	if imdbID != "" {
		var subj Subject
		err := c.doJSON(ctx, "/movie/imdb/"+url.PathEscape(imdbID), nil, &subj)
		if err == nil && subj.ID != "" {
			return &subj, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if title == "" {
		return nil, ErrNotFound
	}

	q := url.Values{}
	q.Set("q", title)

	var page struct {
		Subjects []Subject `json:"subjects"`
	}
	if err := c.doJSON(ctx, "/search/movie", q, &page); err != nil {
		return nil, err
	}

	for i := range page.Subjects {
		s := &page.Subjects[i]
		if year > 0 && s.Year != "" {
			if y, err := strconv.Atoi(s.Year); err == nil && y != year {
				continue
			}
		}
		return s, nil
	}
	return nil, ErrNotFound
}

// GetCredits fetches the full acting credits of a subject.
func (c *Client) GetCredits(ctx context.Context, subjectID string) ([]Celebrity, error) {
	var result struct {
		Actors []Celebrity `json:"actors"`
	}
	if err := c.doJSON(ctx, "/movie/"+url.PathEscape(subjectID)+"/celebrities", nil, &result); err != nil {
		return nil, err
	}
	return result.Actors, nil
}

// GetCelebrity fetches person details by provider URL or ID.
func (c *Client) GetCelebrity(ctx context.Context, idOrURL string) (*Celebrity, error) {
	id := idOrURL
	if strings.Contains(idOrURL, "/") {
		parts := strings.Split(strings.TrimSuffix(idOrURL, "/"), "/")
		id = parts[len(parts)-1]
	}

	var celeb Celebrity
	if err := c.doJSON(ctx, "/celebrity/"+url.PathEscape(id), nil, &celeb); err != nil {
		return nil, err
	}
	return &celeb, nil
}

// ScrapeDoulist scrapes a public list page by page and returns its titles.
// Pagination stops when a page yields no entries.
func (c *Client) ScrapeDoulist(ctx context.Context, listID string, maxPages int) ([]ListEntry, error) {
	if maxPages <= 0 {
		maxPages = 10
	}

	var entries []ListEntry
	for page := 0; page < maxPages; page++ {
		pageURL := fmt.Sprintf("%s/doulist/%s/?start=%d", webBaseURL, url.PathEscape(listID), page*25)

		pageEntries, err := c.scrapeDoulistPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if len(pageEntries) == 0 {
			break
		}
		entries = append(entries, pageEntries...)
	}

	c.logger.Debug().
		Str("listId", listID).
		Int("entries", len(entries)).
		Msg("scraped list")

	return entries, nil
}

func (c *Client) scrapeDoulistPage(ctx context.Context, pageURL string) ([]ListEntry, error) {
	resp, err := c.do(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse list page: %w", err)
	}

	var entries []ListEntry
	doc.Find(".doulist-item").Each(func(_ int, sel *goquery.Selection) {
		titleLink := sel.Find(".title a").First()
		title := strings.TrimSpace(titleLink.Text())
		if title == "" {
			return
		}

		entry := ListEntry{Title: cleanListTitle(title)}

		if href, ok := titleLink.Attr("href"); ok {
			entry.SubjectID = subjectIDFromURL(href)
		}

		// The abstract block carries "年份: 2023" style facts.
		abstract := sel.Find(".abstract").Text()
		for _, line := range strings.Split(abstract, "\n") {
			line = strings.TrimSpace(line)
			if after, found := strings.CutPrefix(line, "年份:"); found {
				if y, err := strconv.Atoi(strings.TrimSpace(after)); err == nil {
					entry.Year = y
				}
			}
		}

		entries = append(entries, entry)
	})

	return entries, nil
}

// cleanListTitle strips trailing original-language duplicates such as
// "流浪地球2 The Wandering Earth II" down to the first segment.
func cleanListTitle(title string) string {
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return title
	}
	return fields[0]
}

func subjectIDFromURL(href string) string {
	parts := strings.Split(strings.TrimSuffix(href, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if _, err := strconv.Atoi(last); err == nil {
		return last
	}
	return ""
}
