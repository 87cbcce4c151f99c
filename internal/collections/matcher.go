package collections

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// seasonCandidates caps how many search results get their season list
// verified against a parsed season marker.
const seasonCandidates = 5

// Matcher resolves bare titles to metadata-provider IDs.
type Matcher struct {
	tmdb   *tmdb.Client
	logger zerolog.Logger
}

// NewMatcher creates a title matcher.
func NewMatcher(tmdbClient *tmdb.Client, logger zerolog.Logger) *Matcher {
	return &Matcher{
		tmdb:   tmdbClient,
		logger: logger.With().Str("component", "title-matcher").Logger(),
	}
}

var seasonMarker = regexp.MustCompile(`[\s·]*第?([一二三四五六七八九十]{1,2})季?\s*$`)

var chineseNumerals = map[string]int{
	"一": 1, "二": 2, "三": 3, "四": 4, "五": 5,
	"六": 6, "七": 7, "八": 8, "九": 9, "十": 10,
	"十一": 11, "十二": 12, "十三": 13, "十四": 14, "十五": 15,
	"十六": 16, "十七": 17, "十八": 18, "十九": 19, "二十": 20,
}

// ParseSeasonMarker splits a trailing Chinese season marker off a
// series title. "庆余年第二季" yields ("庆余年", 2, true). A bare numeral
// without 第 or 季 is too ambiguous and is left alone.
func ParseSeasonMarker(title string) (base string, season int, ok bool) {
	m := seasonMarker.FindStringSubmatch(title)
	if m == nil {
		return title, 0, false
	}
	marker := m[0]
	if !strings.Contains(marker, "第") && !strings.Contains(marker, "季") {
		return title, 0, false
	}
	season, known := chineseNumerals[m[1]]
	if !known {
		return title, 0, false
	}
	base = strings.TrimSpace(strings.TrimSuffix(title, marker))
	if base == "" {
		return title, 0, false
	}
	return base, season, true
}

// MatchMovie resolves a movie title to a provider entry. Search runs
// with the year; when nothing matches the normalized title or original
// title, the top result is taken best-effort.
func (m *Matcher) MatchMovie(ctx context.Context, title, originalTitle string, year int) *tmdb.SearchResult {
	results, err := m.tmdb.SearchMovie(ctx, title, year)
	if err != nil || len(results) == 0 {
		if year > 0 {
			results, err = m.tmdb.SearchMovie(ctx, title, 0)
		}
		if err != nil || len(results) == 0 {
			return nil
		}
	}

	if hit := bestTitleMatch(results, title, originalTitle); hit != nil {
		return hit
	}
	m.logger.Debug().Str("title", title).Str("matched", results[0].DisplayTitle()).
		Msg("no exact title match, taking top result")
	return &results[0]
}

// MatchSeries resolves a series title, honoring a trailing season
// marker by checking candidate season lists. Returns the matched entry
// and the parsed season number, if any.
func (m *Matcher) MatchSeries(ctx context.Context, title, originalTitle string, year int) (*tmdb.SearchResult, *int) {
	base, season, hasSeason := ParseSeasonMarker(title)

	results, err := m.tmdb.SearchTV(ctx, base, year)
	if (err != nil || len(results) == 0) && year > 0 {
		results, err = m.tmdb.SearchTV(ctx, base, 0)
	}
	if err != nil {
		return nil, nil
	}

	if hasSeason {
		if hit := m.firstWithSeason(ctx, results, season); hit != nil {
			return hit, &season
		}
		// Final retry with the untouched original title.
		if originalTitle != "" && originalTitle != base {
			retry, err := m.tmdb.SearchTV(ctx, originalTitle, 0)
			if err == nil {
				if hit := m.firstWithSeason(ctx, retry, season); hit != nil {
					return hit, &season
				}
			}
		}
		return nil, nil
	}

	if len(results) == 0 {
		if originalTitle != "" && originalTitle != base {
			results, err = m.tmdb.SearchTV(ctx, originalTitle, 0)
			if err != nil || len(results) == 0 {
				return nil, nil
			}
		} else {
			return nil, nil
		}
	}
	if hit := bestTitleMatch(results, base, originalTitle); hit != nil {
		return hit, nil
	}
	m.logger.Debug().Str("title", title).Str("matched", results[0].DisplayTitle()).
		Msg("no exact series match, taking top result")
	return &results[0], nil
}

// firstWithSeason returns the first of the top candidates whose season
// list contains the wanted season.
func (m *Matcher) firstWithSeason(ctx context.Context, results []tmdb.SearchResult, season int) *tmdb.SearchResult {
	limit := len(results)
	if limit > seasonCandidates {
		limit = seasonCandidates
	}
	for i := 0; i < limit; i++ {
		tv, err := m.tmdb.GetTV(ctx, results[i].ID)
		if err != nil {
			continue
		}
		for _, st := range tv.Seasons {
			if st.SeasonNumber == season {
				return &results[i]
			}
		}
	}
	return nil
}

// bestTitleMatch picks the result whose normalized title equals the
// wanted title or original title. Exact equality is checked across all
// results before substring containment, so a later exact hit beats an
// earlier partial one.
func bestTitleMatch(results []tmdb.SearchResult, title, originalTitle string) *tmdb.SearchResult {
	wanted := []string{identity.NormalizeName(title)}
	if originalTitle != "" {
		wanted = append(wanted, identity.NormalizeName(originalTitle))
	}

	for i := range results {
		for _, w := range wanted {
			if w == "" {
				continue
			}
			for _, c := range resultTitles(&results[i]) {
				if c != "" && c == w {
					return &results[i]
				}
			}
		}
	}

	for i := range results {
		for _, w := range wanted {
			if w == "" {
				continue
			}
			for _, c := range resultTitles(&results[i]) {
				if c == "" {
					continue
				}
				if strings.Contains(c, w) || strings.Contains(w, c) {
					return &results[i]
				}
			}
		}
	}
	return nil
}

func resultTitles(r *tmdb.SearchResult) []string {
	return []string{
		identity.NormalizeName(r.DisplayTitle()),
		identity.NormalizeName(r.OriginalTitle),
		identity.NormalizeName(r.OriginalName),
	}
}

// Resolve turns an unresolved import item into a MediaRef, or nil when
// no provider entry can be found.
func (m *Matcher) Resolve(ctx context.Context, item ImportItem) *MediaRef {
	switch item.ItemType {
	case metadata.TypeMovie:
		hit := m.MatchMovie(ctx, item.Title, item.OriginalTitle, item.Year)
		if hit == nil {
			return nil
		}
		return &MediaRef{
			MetadataID:  int64(hit.ID),
			ItemType:    metadata.TypeMovie,
			Title:       hit.DisplayTitle(),
			Year:        yearOf(hit.Date()),
			ReleaseDate: hit.Date(),
			PosterPath:  hit.PosterPath,
		}
	case metadata.TypeSeries:
		hit, season := m.MatchSeries(ctx, item.Title, item.OriginalTitle, item.Year)
		if hit == nil {
			return nil
		}
		return &MediaRef{
			MetadataID:  int64(hit.ID),
			ItemType:    metadata.TypeSeries,
			Title:       hit.DisplayTitle(),
			Year:        yearOf(hit.Date()),
			ReleaseDate: hit.Date(),
			Season:      season,
			PosterPath:  hit.PosterPath,
		}
	default:
		// Unknown type: try movie first, then series.
		if ref := m.Resolve(ctx, ImportItem{Title: item.Title, OriginalTitle: item.OriginalTitle, Year: item.Year, ItemType: metadata.TypeMovie}); ref != nil {
			return ref
		}
		return m.Resolve(ctx, ImportItem{Title: item.Title, OriginalTitle: item.OriginalTitle, Year: item.Year, ItemType: metadata.TypeSeries})
	}
}
