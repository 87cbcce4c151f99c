// Package ai is the client for the AI Provider: JSON-mode chat
// completions for translation and recommendations, plus embeddings.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 300 * time.Second

// ErrNotConfigured is returned when no AI provider is configured.
var ErrNotConfigured = errors.New("ai: provider not configured")

// TranslationMode selects the translation prompt.
type TranslationMode string

const (
	ModeFast          TranslationMode = "fast"
	ModeQuality       TranslationMode = "quality"
	ModeTransliterate TranslationMode = "transliterate"
)

// Client provides HTTP communication with the AI Provider.
type Client struct {
	baseURL          string
	apiKey           string
	chatModel        string
	embeddingModel   string
	httpClient       *http.Client
	recommendTimeout time.Duration
	logger           *zerolog.Logger
}

// ClientConfig contains configuration for creating a new client.
type ClientConfig struct {
	BaseURL              string
	APIKey               string
	ChatModel            string
	EmbeddingModel       string
	Timeout              int
	RecommendTimeoutSecs int
	Logger               *zerolog.Logger
}

// NewClient creates a new AI Provider client. Returns nil when the
// provider is not configured; callers must handle a nil client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	recommendTimeout := 600 * time.Second
	if cfg.RecommendTimeoutSecs > 0 {
		recommendTimeout = time.Duration(cfg.RecommendTimeoutSecs) * time.Second
	}

	logger := cfg.Logger.With().
		Str("component", "ai-client").
		Logger()

	return &Client{
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		chatModel:        cfg.ChatModel,
		embeddingModel:   cfg.EmbeddingModel,
		httpClient:       &http.Client{Timeout: timeout},
		recommendTimeout: recommendTimeout,
		logger:           &logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatJSON runs a JSON-mode completion and unmarshals the content into out.
func (c *Client) chatJSON(ctx context.Context, timeout time.Duration, system, user string, out interface{}) error {
	if c == nil {
		return ErrNotConfigured
	}

	req := chatRequest{
		Model: c.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
	}
	req.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode chat request: %w", err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return fmt.Errorf("chat returned no choices")
	}

	content := cr.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse model output: %w", err)
	}
	return nil
}

const (
	fastPrompt = `You translate movie/TV cast names and roles to Simplified Chinese. ` +
		`Translate each input phrase. Keep well-known transliterations. ` +
		`Respond with JSON: {"translations": {"<input>": "<chinese>"}}.`
	qualityPrompt = `You are a film-industry translator. Translate each phrase to the ` +
		`established Simplified Chinese form used by Chinese media databases; prefer ` +
		`official localized names over literal translations. ` +
		`Respond with JSON: {"translations": {"<input>": "<chinese>"}}.`
	transliteratePrompt = `Transliterate each personal name into Simplified Chinese ` +
		`using standard phonetic conventions. ` +
		`Respond with JSON: {"translations": {"<input>": "<chinese>"}}.`
)

// TranslateBatch translates a batch of phrases. Missing outputs are
// returned as absent keys, never as empty strings.
func (c *Client) TranslateBatch(ctx context.Context, mode TranslationMode, phrases []string) (map[string]string, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if len(phrases) == 0 {
		return map[string]string{}, nil
	}

	system := fastPrompt
	switch mode {
	case ModeQuality:
		system = qualityPrompt
	case ModeTransliterate:
		system = transliteratePrompt
	}

	user, err := json.Marshal(map[string]interface{}{"phrases": phrases})
	if err != nil {
		return nil, err
	}

	var out struct {
		Translations map[string]string `json:"translations"`
	}
	if err := c.chatJSON(ctx, 0, system, string(user), &out); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(out.Translations))
	for k, v := range out.Translations {
		v = strings.TrimSpace(v)
		if v != "" {
			result[k] = v
		}
	}
	return result, nil
}

// TranslateTitle translates a media title to Simplified Chinese.
func (c *Client) TranslateTitle(ctx context.Context, title string) (string, error) {
	out, err := c.TranslateBatch(ctx, ModeQuality, []string{title})
	if err != nil {
		return "", err
	}
	return out[title], nil
}

// TranslateOverview translates a plot overview to Simplified Chinese.
func (c *Client) TranslateOverview(ctx context.Context, overview string) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}

	var out struct {
		Translation string `json:"translation"`
	}
	system := `Translate the following media overview to natural Simplified Chinese. ` +
		`Respond with JSON: {"translation": "<chinese>"}.`
	if err := c.chatJSON(ctx, 0, system, overview, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Translation), nil
}

// FilterCandidate is one item submitted to the secondary list filter.
type FilterCandidate struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Year        int    `json:"year,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
}

// FilterList asks the model to keep only candidates matching the user
// instruction and returns the surviving IDs.
func (c *Client) FilterList(ctx context.Context, instruction string, candidates []FilterCandidate) ([]int, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]interface{}{
		"instruction": instruction,
		"candidates":  candidates,
	})
	if err != nil {
		return nil, err
	}

	system := `You filter a media list. Given candidates and an instruction, return ` +
		`only the ids of candidates that satisfy the instruction. ` +
		`Respond with JSON: {"ids": [1, 2, ...]}.`

	var out struct {
		IDs []int `json:"ids"`
	}
	if err := c.chatJSON(ctx, 0, system, string(payload), &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// Suggestion is one recommendation returned by the model.
type Suggestion struct {
	Title         string `json:"title"`
	OriginalTitle string `json:"original_title,omitempty"`
	Year          int    `json:"year,omitempty"`
	Type          string `json:"type,omitempty"` // movie or tv
}

// Recommend asks the model for media suggestions based on a taste history.
// The long recommendation timeout applies.
func (c *Client) Recommend(ctx context.Context, history []string, count int) ([]Suggestion, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]interface{}{
		"history": history,
		"count":   count,
	})
	if err != nil {
		return nil, err
	}

	system := `You are a film recommender. Based on the user's highly rated history, ` +
		`suggest new movies and series they have not seen. ` +
		`Respond with JSON: {"suggestions": [{"title": "...", "original_title": "...", "year": 2020, "type": "movie"}]}.`

	var out struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	if err := c.chatJSON(ctx, c.recommendTimeout, system, string(payload), &out); err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}

// Embed fetches embedding vectors for the given inputs.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"model": c.embeddingModel,
		"input": inputs,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}

	vectors := make([][]float64, len(inputs))
	for _, d := range out.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}
