package collections

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/ai"
	"github.com/castbridge/castbridge/internal/douban"
	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/tmdb"
)

const (
	// fetcherTimeout bounds the out-of-process platform fetcher.
	fetcherTimeout = 10 * time.Minute
	// defaultListPages caps provider list pagination per source.
	defaultListPages = 5
)

// ImportItem is one aggregated entry before resolution and dedup.
type ImportItem struct {
	MetadataID    int64
	ItemType      string
	Title         string
	OriginalTitle string
	Year          int
	ReleaseDate   string
	Season        *int
	IMDBID        string
	PosterPath    string
}

// Importer aggregates collection sources into an ordered item list.
type Importer struct {
	tmdb       *tmdb.Client
	douban     *douban.Client
	ai         *ai.Client
	matcher    *Matcher
	httpClient *http.Client
	// fetcherArgv is the command prefix for platform fetchers; the
	// validated board ID is appended as the final argument.
	fetcherArgv []string
	logger      zerolog.Logger
}

// NewImporter creates a list importer. aiClient may be nil.
func NewImporter(tmdbClient *tmdb.Client, doubanClient *douban.Client, aiClient *ai.Client, matcher *Matcher, fetcherArgv []string, logger zerolog.Logger) *Importer {
	return &Importer{
		tmdb:        tmdbClient,
		douban:      doubanClient,
		ai:          aiClient,
		matcher:     matcher,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		fetcherArgv: fetcherArgv,
		logger:      logger.With().Str("component", "list-importer").Logger(),
	}
}

// Run aggregates all sources of a definition, resolves bare titles,
// deduplicates, applies the limit and the optional model filter.
func (im *Importer) Run(ctx context.Context, def *Definition) ([]MediaRef, error) {
	var items []ImportItem
	for _, src := range def.Sources {
		batch, err := im.fetchSource(ctx, src)
		if err != nil {
			im.logger.Warn().Err(err).Str("source", src.Type).Msg("source fetch failed, continuing")
			continue
		}
		items = append(items, batch...)
	}
	if len(items) == 0 {
		return nil, nil
	}

	refs := im.resolveAll(ctx, items)
	refs = dedupRefs(refs)

	if def.Limit > 0 && len(refs) > def.Limit {
		refs = refs[:def.Limit]
	}

	if def.FilterPrompt != "" {
		refs = im.modelFilter(ctx, def.FilterPrompt, refs)
	}
	return refs, nil
}

func (im *Importer) fetchSource(ctx context.Context, src Source) ([]ImportItem, error) {
	switch src.Type {
	case "rss":
		return im.fetchRSS(ctx, src.URL)
	case "tmdb_list":
		return im.fetchList(ctx, src)
	case "tmdb_discover":
		return im.fetchDiscover(ctx, src)
	case "doulist":
		return im.fetchDoulist(ctx, src)
	case "maoyan":
		return im.fetchPlatform(ctx, src.URL)
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

// rssFeed is the subset of RSS 2.0 the importer reads.
type rssFeed struct {
	Channel struct {
		Items []struct {
			Title string `xml:"title"`
			GUID  string `xml:"guid"`
			Link  string `xml:"link"`
		} `xml:"item"`
	} `xml:"channel"`
}

var imdbIDPattern = regexp.MustCompile(`tt\d{7,8}`)

func (im *Importer) fetchRSS(ctx context.Context, feedURL string) ([]ImportItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := im.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}

	var out []ImportItem
	for _, item := range feed.Channel.Items {
		imdbID := imdbIDPattern.FindString(item.GUID)
		if imdbID == "" {
			imdbID = imdbIDPattern.FindString(item.Link)
		}
		if imdbID == "" {
			continue
		}
		out = append(out, ImportItem{Title: item.Title, IMDBID: imdbID})
	}
	return out, nil
}

func (im *Importer) fetchList(ctx context.Context, src Source) ([]ImportItem, error) {
	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = defaultListPages
	}

	var out []ImportItem
	for page := 1; page <= maxPages; page++ {
		lp, err := im.tmdb.GetList(ctx, src.ID, page)
		if err != nil {
			return out, err
		}
		for _, r := range lp.Items {
			out = append(out, searchResultItem(r))
		}
		if page >= lp.TotalPages {
			break
		}
	}
	return out, nil
}

func (im *Importer) fetchDiscover(ctx context.Context, src Source) ([]ImportItem, error) {
	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = defaultListPages
	}

	var out []ImportItem
	for page := 1; page <= maxPages; page++ {
		pg, err := im.tmdb.Discover(ctx, src.MediaType, src.Params, page)
		if err != nil {
			return out, err
		}
		for _, r := range pg.Results {
			out = append(out, searchResultItem(r))
		}
		if page >= pg.TotalPages {
			break
		}
	}
	return out, nil
}

func (im *Importer) fetchDoulist(ctx context.Context, src Source) ([]ImportItem, error) {
	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = defaultListPages
	}
	entries, err := im.douban.ScrapeDoulist(ctx, src.ID, maxPages)
	if err != nil {
		return nil, err
	}

	var out []ImportItem
	for _, e := range entries {
		out = append(out, ImportItem{
			Title:    e.Title,
			Year:     e.Year,
			ItemType: subtypeToItemType(e.Subtype),
		})
	}
	return out, nil
}

var boardIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// fetchPlatform shells out to the configured fetcher for platform
// sources like maoyan://. The board ID is validated before it reaches
// the argv, nothing else from the URL does.
func (im *Importer) fetchPlatform(ctx context.Context, rawURL string) ([]ImportItem, error) {
	if len(im.fetcherArgv) == 0 {
		return nil, fmt.Errorf("no platform fetcher configured")
	}
	boardID := strings.TrimPrefix(rawURL, "maoyan://")
	if !boardIDPattern.MatchString(boardID) {
		return nil, fmt.Errorf("invalid board id %q", boardID)
	}

	runCtx, cancel := context.WithTimeout(ctx, fetcherTimeout)
	defer cancel()

	argv := append(append([]string{}, im.fetcherArgv...), boardID)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("platform fetcher: %w", err)
	}

	var rows []struct {
		Title string `json:"title"`
		Year  int    `json:"year"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(output, &rows); err != nil {
		return nil, fmt.Errorf("platform fetcher output: %w", err)
	}

	var out []ImportItem
	for _, r := range rows {
		out = append(out, ImportItem{Title: r.Title, Year: r.Year, ItemType: subtypeToItemType(r.Type)})
	}
	return out, nil
}

// resolveAll turns aggregated items into MediaRefs, resolving IMDb IDs
// and bare titles through the provider.
func (im *Importer) resolveAll(ctx context.Context, items []ImportItem) []MediaRef {
	var out []MediaRef
	for _, item := range items {
		switch {
		case item.MetadataID != 0:
			out = append(out, MediaRef{
				MetadataID:  item.MetadataID,
				ItemType:    item.ItemType,
				Title:       item.Title,
				Year:        item.Year,
				ReleaseDate: item.ReleaseDate,
				Season:      item.Season,
				PosterPath:  item.PosterPath,
			})
		case item.IMDBID != "":
			if ref := im.resolveIMDB(ctx, item); ref != nil {
				out = append(out, *ref)
			}
		default:
			if ref := im.matcher.Resolve(ctx, item); ref != nil {
				out = append(out, *ref)
			} else {
				im.logger.Debug().Str("title", item.Title).Msg("unresolved import title dropped")
			}
		}
	}
	return out
}

func (im *Importer) resolveIMDB(ctx context.Context, item ImportItem) *MediaRef {
	movies, tvs, err := im.tmdb.FindByIMDB(ctx, item.IMDBID)
	if err != nil {
		im.logger.Debug().Err(err).Str("imdb", item.IMDBID).Msg("imdb lookup failed")
		return nil
	}
	if len(movies) > 0 {
		r := movies[0]
		return &MediaRef{MetadataID: int64(r.ID), ItemType: metadata.TypeMovie, Title: r.DisplayTitle(),
			Year: yearOf(r.Date()), ReleaseDate: r.Date(), PosterPath: r.PosterPath}
	}
	if len(tvs) > 0 {
		r := tvs[0]
		return &MediaRef{MetadataID: int64(r.ID), ItemType: metadata.TypeSeries, Title: r.DisplayTitle(),
			Year: yearOf(r.Date()), ReleaseDate: r.Date(), PosterPath: r.PosterPath}
	}
	return nil
}

// dedupRefs keeps the first occurrence per (type, metadata_id, season).
// Entries without an ID fall back to normalized-title dedup.
func dedupRefs(refs []MediaRef) []MediaRef {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		var key string
		if ref.MetadataID != 0 {
			key = fmt.Sprintf("%s:%d", ref.ItemType, ref.MetadataID)
			if ref.Season != nil {
				key += fmt.Sprintf(":s%d", *ref.Season)
			}
		} else {
			key = "t:" + identity.NormalizeName(ref.Title)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ref)
	}
	return out
}

// modelFilter asks the AI provider to keep only entries matching the
// instruction. Any failure keeps the pre-filter list.
func (im *Importer) modelFilter(ctx context.Context, instruction string, refs []MediaRef) []MediaRef {
	candidates := make([]ai.FilterCandidate, 0, len(refs))
	for _, ref := range refs {
		candidates = append(candidates, ai.FilterCandidate{
			ID:          int(ref.MetadataID),
			Title:       ref.Title,
			Type:        ref.ItemType,
			Year:        ref.Year,
			ReleaseDate: ref.ReleaseDate,
		})
	}

	kept, err := im.ai.FilterList(ctx, instruction, candidates)
	if err != nil {
		im.logger.Warn().Err(err).Msg("model filter failed, keeping unfiltered list")
		return refs
	}

	keep := make(map[int64]bool, len(kept))
	for _, id := range kept {
		keep[int64(id)] = true
	}
	var out []MediaRef
	for _, ref := range refs {
		if keep[ref.MetadataID] {
			out = append(out, ref)
		}
	}
	return out
}

func searchResultItem(r tmdb.SearchResult) ImportItem {
	return ImportItem{
		MetadataID:  int64(r.ID),
		ItemType:    subtypeToItemType(r.MediaType),
		Title:       r.DisplayTitle(),
		Year:        yearOf(r.Date()),
		ReleaseDate: r.Date(),
		PosterPath:  r.PosterPath,
	}
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}

func subtypeToItemType(subtype string) string {
	switch strings.ToLower(subtype) {
	case "movie":
		return metadata.TypeMovie
	case "tv", "series", "tvshow":
		return metadata.TypeSeries
	default:
		return ""
	}
}
