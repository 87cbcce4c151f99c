package collections

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/ai"
	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// Similarity band for embedding candidates. The upper bound excludes
// near-identical overviews, which are almost always the same work.
const (
	similarityFloor   = 0.45
	similarityCeiling = 0.999
)

// HistoryItem is one entry of the target user's taste history.
type HistoryItem struct {
	MetadataID int64
	ItemType   string
	Title      string
	Year       int
}

// Recommender combines model suggestions with embedding similarity.
type Recommender struct {
	tmdb   *tmdb.Client
	ai     *ai.Client
	media  *metadata.Store
	logger zerolog.Logger
}

// NewRecommender creates a recommender. aiClient may be nil, which
// disables strategy A.
func NewRecommender(tmdbClient *tmdb.Client, aiClient *ai.Client, media *metadata.Store, logger zerolog.Logger) *Recommender {
	return &Recommender{
		tmdb:   tmdbClient,
		ai:     aiClient,
		media:  media,
		logger: logger.With().Str("component", "recommender").Logger(),
	}
}

// Recommend produces up to limit suggestions: model picks first, then
// embedding-similar titles, deduplicated and with the history excluded.
func (r *Recommender) Recommend(ctx context.Context, history []HistoryItem, limit int) []MediaRef {
	if limit <= 0 {
		limit = 20
	}

	exclude := make(map[string]bool, len(history))
	for _, h := range history {
		exclude[refKey(h.MetadataID, h.ItemType)] = true
	}

	refs := r.modelSuggestions(ctx, history, limit, exclude)
	for _, ref := range refs {
		exclude[refKey(ref.MetadataID, ref.ItemType)] = true
	}

	if len(refs) < limit {
		refs = append(refs, r.similarByEmbedding(ctx, history, limit-len(refs), exclude)...)
	}
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}

// modelSuggestions runs strategy A: ask the model, then resolve each
// suggestion through a four-attempt search matrix.
func (r *Recommender) modelSuggestions(ctx context.Context, history []HistoryItem, limit int, exclude map[string]bool) []MediaRef {
	titles := make([]string, 0, len(history))
	for _, h := range history {
		if h.Year > 0 {
			titles = append(titles, fmt.Sprintf("%s (%d)", h.Title, h.Year))
		} else {
			titles = append(titles, h.Title)
		}
	}

	suggestions, err := r.ai.Recommend(ctx, titles, limit)
	if err != nil {
		r.logger.Warn().Err(err).Msg("model recommendation unavailable")
		return nil
	}

	var out []MediaRef
	for _, sug := range suggestions {
		ref := r.resolveSuggestion(ctx, sug)
		if ref == nil || exclude[refKey(ref.MetadataID, ref.ItemType)] {
			continue
		}
		out = append(out, *ref)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// resolveSuggestion tries type and query permutations in order:
// primary type with the primary query, the other type with the primary
// query, then both types again with the Chinese title when it differs.
func (r *Recommender) resolveSuggestion(ctx context.Context, sug ai.Suggestion) *MediaRef {
	primaryType := metadata.TypeMovie
	if strings.EqualFold(sug.Type, "tv") || strings.EqualFold(sug.Type, "series") {
		primaryType = metadata.TypeSeries
	}
	secondaryType := metadata.TypeSeries
	if primaryType == metadata.TypeSeries {
		secondaryType = metadata.TypeMovie
	}

	primaryQuery := sug.OriginalTitle
	if primaryQuery == "" {
		primaryQuery = sug.Title
	}
	chineseQuery := ""
	if identity.ContainsCJK(sug.Title) && sug.Title != primaryQuery {
		chineseQuery = sug.Title
	}

	attempts := []struct {
		itemType string
		query    string
	}{
		{primaryType, primaryQuery},
		{secondaryType, primaryQuery},
		{primaryType, chineseQuery},
		{secondaryType, chineseQuery},
	}

	for _, a := range attempts {
		if a.query == "" {
			continue
		}
		if ref := r.search(ctx, a.itemType, a.query, sug.Year); ref != nil {
			return ref
		}
	}
	return nil
}

func (r *Recommender) search(ctx context.Context, itemType, query string, year int) *MediaRef {
	var (
		results []tmdb.SearchResult
		err     error
	)
	if itemType == metadata.TypeMovie {
		results, err = r.tmdb.SearchMovie(ctx, query, year)
	} else {
		results, err = r.tmdb.SearchTV(ctx, query, year)
	}
	if err != nil || len(results) == 0 {
		return nil
	}

	hit := bestTitleMatch(results, query, "")
	if hit == nil {
		return nil
	}
	return &MediaRef{
		MetadataID:  int64(hit.ID),
		ItemType:    itemType,
		Title:       hit.DisplayTitle(),
		Year:        yearOf(hit.Date()),
		ReleaseDate: hit.Date(),
		PosterPath:  hit.PosterPath,
	}
}

// similarByEmbedding runs strategy B: cosine similarity between the
// mean history embedding and every persisted overview embedding.
func (r *Recommender) similarByEmbedding(ctx context.Context, history []HistoryItem, limit int, exclude map[string]bool) []MediaRef {
	if limit <= 0 {
		return nil
	}
	records, err := r.media.ListWithEmbeddings(ctx)
	if err != nil || len(records) == 0 {
		return nil
	}

	byKey := make(map[string]*metadata.Record, len(records))
	byTitle := make(map[string]*metadata.Record, len(records))
	for _, rec := range records {
		byKey[refKey(rec.MetadataID, rec.ItemType)] = rec
		byTitle[identity.NormalizeName(rec.Title)] = rec
	}

	profile := r.historyProfile(history, byKey, byTitle)
	if profile == nil {
		return nil
	}

	type scored struct {
		rec   *metadata.Record
		score float64
	}
	var candidates []scored
	for _, rec := range records {
		if exclude[refKey(rec.MetadataID, rec.ItemType)] {
			continue
		}
		score := dot(profile, normalize(rec.OverviewEmbedding))
		if score >= similarityFloor && score < similarityCeiling {
			candidates = append(candidates, scored{rec, score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var out []MediaRef
	for _, c := range candidates {
		out = append(out, MediaRef{
			MetadataID: c.rec.MetadataID,
			ItemType:   c.rec.ItemType,
			Title:      c.rec.Title,
		})
		if len(out) >= limit {
			break
		}
	}
	return out
}

// historyProfile averages the normalized embeddings of history items,
// matched by ID first and normalized title second.
func (r *Recommender) historyProfile(history []HistoryItem, byKey, byTitle map[string]*metadata.Record) []float64 {
	var profile []float64
	matched := 0
	for _, h := range history {
		rec := byKey[refKey(h.MetadataID, h.ItemType)]
		if rec == nil {
			rec = byTitle[identity.NormalizeName(h.Title)]
		}
		if rec == nil || len(rec.OverviewEmbedding) == 0 {
			continue
		}
		emb := normalize(rec.OverviewEmbedding)
		if profile == nil {
			profile = make([]float64, len(emb))
		}
		if len(emb) != len(profile) {
			continue
		}
		for i, v := range emb {
			profile[i] += v
		}
		matched++
	}
	if matched == 0 {
		return nil
	}
	for i := range profile {
		profile[i] /= float64(matched)
	}
	return normalize(profile)
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func refKey(metadataID int64, itemType string) string {
	return fmt.Sprintf("%s:%d", itemType, metadataID)
}
