package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.themoviedb.org/3"
	defaultTimeout = 60 * time.Second
)

// ErrNotFound is returned when the provider reports 404 for a resource.
// Callers treat it as an authoritative-not-found and null the owning ID.
var ErrNotFound = errors.New("tmdb: not found")

// Client provides HTTP communication with the Metadata Provider.
type Client struct {
	baseURL    string
	apiKey     string
	language   string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// ClientConfig contains configuration for creating a new client.
type ClientConfig struct {
	APIKey   string
	Language string
	Timeout  int
	BaseURL  string // override for tests
	Logger   *zerolog.Logger
}

// NewClient creates a new Metadata Provider HTTP client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tmdb API key is required")
	}

	baseURL := defaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	language := cfg.Language
	if language == "" {
		language = "zh-CN"
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	logger := cfg.Logger.With().
		Str("component", "tmdb-client").
		Logger()

	return &Client{
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
		language: language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: &logger,
	}, nil
}

// doJSON executes a GET request and decodes the JSON response.
func (c *Client) doJSON(ctx context.Context, path string, query url.Values, result interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	if query.Get("language") == "" {
		query.Set("language", c.language)
	}

	reqURL := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
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

// GetMovie fetches movie details with credits, external IDs and keywords.
func (c *Client) GetMovie(ctx context.Context, id int) (*Movie, error) {
	q := url.Values{}
	q.Set("append_to_response", "credits,external_ids,keywords")

	var movie Movie
	if err := c.doJSON(ctx, fmt.Sprintf("/movie/%d", id), q, &movie); err != nil {
		return nil, err
	}
	return &movie, nil
}

// GetTV fetches series details with credits, external IDs and keywords.
func (c *Client) GetTV(ctx context.Context, id int) (*TV, error) {
	q := url.Values{}
	q.Set("append_to_response", "credits,external_ids,keywords")

	var tv TV
	if err := c.doJSON(ctx, fmt.Sprintf("/tv/%d", id), q, &tv); err != nil {
		return nil, err
	}
	return &tv, nil
}

// GetSeason fetches season details including its episode list.
func (c *Client) GetSeason(ctx context.Context, tvID, seasonNumber int) (*Season, error) {
	var season Season
	if err := c.doJSON(ctx, fmt.Sprintf("/tv/%d/season/%d", tvID, seasonNumber), nil, &season); err != nil {
		return nil, err
	}
	return &season, nil
}

// GetPerson fetches person details with external IDs.
func (c *Client) GetPerson(ctx context.Context, id int) (*Person, error) {
	q := url.Values{}
	q.Set("append_to_response", "external_ids")

	var person Person
	if err := c.doJSON(ctx, fmt.Sprintf("/person/%d", id), q, &person); err != nil {
		return nil, err
	}
	return &person, nil
}

// GetPersonCredits fetches an actor's combined filmography.
func (c *Client) GetPersonCredits(ctx context.Context, id int) (*PersonCredits, error) {
	var credits PersonCredits
	if err := c.doJSON(ctx, fmt.Sprintf("/person/%d/combined_credits", id), nil, &credits); err != nil {
		return nil, err
	}
	return &credits, nil
}

// SearchMovie searches movies by title, optionally constrained by year.
func (c *Client) SearchMovie(ctx context.Context, query string, year int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)
	if year > 0 {
		q.Set("year", strconv.Itoa(year))
	}

	var page Page
	if err := c.doJSON(ctx, "/search/movie", q, &page); err != nil {
		return nil, err
	}
	for i := range page.Results {
		page.Results[i].MediaType = "movie"
	}
	return page.Results, nil
}

// SearchTV searches series by title, optionally constrained by first-air year.
func (c *Client) SearchTV(ctx context.Context, query string, year int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)
	if year > 0 {
		q.Set("first_air_date_year", strconv.Itoa(year))
	}

	var page Page
	if err := c.doJSON(ctx, "/search/tv", q, &page); err != nil {
		return nil, err
	}
	for i := range page.Results {
		page.Results[i].MediaType = "tv"
	}
	return page.Results, nil
}

// SearchPerson searches people by name.
func (c *Client) SearchPerson(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)

	var page Page
	if err := c.doJSON(ctx, "/search/person", q, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

// FindByIMDB resolves an IMDb ID to provider entries. Movie and TV
// matches come back in separate buckets.
func (c *Client) FindByIMDB(ctx context.Context, imdbID string) (movies, tvs []SearchResult, err error) {
	q := url.Values{}
	q.Set("external_source", "imdb_id")

	var result struct {
		MovieResults []SearchResult `json:"movie_results"`
		TVResults    []SearchResult `json:"tv_results"`
	}
	if err := c.doJSON(ctx, "/find/"+url.PathEscape(imdbID), q, &result); err != nil {
		return nil, nil, err
	}
	return result.MovieResults, result.TVResults, nil
}

// GetList fetches one page of a provider list.
func (c *Client) GetList(ctx context.Context, listID string, page int) (*ListPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))

	var lp ListPage
	if err := c.doJSON(ctx, "/list/"+url.PathEscape(listID), q, &lp); err != nil {
		return nil, err
	}
	return &lp, nil
}

// dateMacro matches {today}, {today+N} and {today-N} placeholders in
// discover parameter values.
var dateMacro = regexp.MustCompile(`\{today([+-]\d+)?\}`)

// ExpandDateMacros replaces date macros with concrete dates relative to now.
func ExpandDateMacros(value string, now time.Time) string {
	return dateMacro.ReplaceAllStringFunc(value, func(m string) string {
		offset := 0
		if sub := dateMacro.FindStringSubmatch(m); sub[1] != "" {
			offset, _ = strconv.Atoi(sub[1])
		}
		return now.AddDate(0, 0, offset).Format("2006-01-02")
	})
}

// Discover runs a discover-style query. mediaType is "movie" or "tv".
// Date macros in parameter values are expanded before the request.
func (c *Client) Discover(ctx context.Context, mediaType string, params map[string]string, page int) (*Page, error) {
	q := url.Values{}
	now := time.Now()
	for k, v := range params {
		q.Set(k, ExpandDateMacros(v, now))
	}
	q.Set("page", strconv.Itoa(page))

	var result Page
	if err := c.doJSON(ctx, "/discover/"+mediaType, q, &result); err != nil {
		return nil, err
	}
	for i := range result.Results {
		result.Results[i].MediaType = mediaType
	}
	return &result, nil
}

// GetGenres fetches the genre list for a media type ("movie" or "tv").
func (c *Client) GetGenres(ctx context.Context, mediaType string) ([]Genre, error) {
	var result struct {
		Genres []Genre `json:"genres"`
	}
	if err := c.doJSON(ctx, "/genre/"+mediaType+"/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Genres, nil
}

// PosterURL builds a full poster URL from a poster path.
func PosterURL(posterPath string) string {
	if posterPath == "" {
		return ""
	}
	return "https://image.tmdb.org/t/p/w500" + posterPath
}
