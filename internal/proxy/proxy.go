// Package proxy forwards all library-server traffic and injects
// synthetic views backed by custom collections.
package proxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/metadata"
)

var (
	viewsPath         = regexp.MustCompile(`^/Users/([^/]+)/Views/?$`)
	syntheticItemPath = regexp.MustCompile(`^/Users/([^/]+)/Items/(-\d+)$`)
	imagePath         = regexp.MustCompile(`^/Items/(-\d+)/Images/Primary`)
	itemsPath         = regexp.MustCompile(`^/Users/([^/]+)/Items/?$`)
	latestPath        = regexp.MustCompile(`^/Users/([^/]+)/Items/Latest/?$`)
)

// Proxy rewrites synthetic-library requests and forwards the rest.
type Proxy struct {
	target      *url.URL
	upstream    *httputil.ReverseProxy
	httpClient  *http.Client
	conn        *sql.DB
	collections *collections.Service
	media       *metadata.Store
	emby        *emby.Client
	cfg         config.ProxyConfig
	logger      zerolog.Logger
}

// New creates a proxy in front of the library server at targetURL.
func New(targetURL string, conn *sql.DB, colSvc *collections.Service, media *metadata.Store,
	embyClient *emby.Client, cfg config.ProxyConfig, logger zerolog.Logger) (*Proxy, error) {
	target, err := url.Parse(strings.TrimSuffix(targetURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	upstream := httputil.NewSingleHostReverseProxy(target)
	plog := logger.With().Str("component", "proxy").Logger()
	upstream.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		plog.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream error")
		w.WriteHeader(http.StatusBadGateway)
	}

	return &Proxy{
		target:      target,
		upstream:    upstream,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		conn:        conn,
		collections: colSvc,
		media:       media,
		emby:        embyClient,
		cfg:         cfg,
		logger:      plog,
	}, nil
}

// Register attaches the catch-all route. API routes must be registered
// first so they take precedence.
func (p *Proxy) Register(e *echo.Echo) {
	e.Any("/*", p.Handle)
}

// Handle dispatches one request: synthetic paths are answered locally,
// everything else streams through to the library server (including
// WebSocket upgrades, which the reverse proxy tunnels).
func (p *Proxy) Handle(c echo.Context) error {
	r := c.Request()
	path := normalizePath(r.URL.Path)

	if r.Method == http.MethodGet {
		if m := latestPath.FindStringSubmatch(path); m != nil {
			return p.handleLatest(c, m[1])
		}
		if m := viewsPath.FindStringSubmatch(path); m != nil {
			return p.handleViews(c, m[1])
		}
		if m := syntheticItemPath.FindStringSubmatch(path); m != nil {
			if id, ok := FromMimickedID(m[2]); ok {
				return p.handleSyntheticItem(c, m[1], id)
			}
		}
		if m := imagePath.FindStringSubmatch(path); m != nil {
			if id, ok := FromMimickedID(m[1]); ok {
				return p.handleImage(c, id)
			}
		}
		if m := itemsPath.FindStringSubmatch(path); m != nil {
			if id, ok := FromMimickedID(c.QueryParam("ParentId")); ok {
				return p.handleChildren(c, m[1], id)
			}
		}
	}

	p.upstream.ServeHTTP(c.Response(), r)
	return nil
}

// normalizePath strips the optional /emby prefix clients may send.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/emby/") {
		return strings.TrimPrefix(path, "/emby")
	}
	return path
}

// passthrough re-issues the incoming request upstream with the caller's
// own headers and decodes the JSON response. Used where a response is
// rebuilt rather than streamed.
func (p *Proxy) passthrough(r *http.Request, out interface{}) error {
	u := *p.target
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	copyAuthHeaders(r.Header, req.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// userGet performs an upstream GET on behalf of the calling user.
func (p *Proxy) userGet(ctx context.Context, original *http.Request, path string, query url.Values, out interface{}) error {
	u := *p.target
	u.Path = path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	copyAuthHeaders(original.Header, req.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// copyAuthHeaders carries the caller's identity upstream.
func copyAuthHeaders(src, dst http.Header) {
	for _, h := range []string{"X-Emby-Token", "X-Emby-Authorization", "X-MediaBrowser-Token", "Authorization", "Accept-Language", "User-Agent"} {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
}
