package collections

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// coverSamples caps how many posters a cover pulls in.
const coverSamples = 9

// batchSize caps item-ID batches sent to the library server.
const batchSize = 200

// HistoryFunc supplies a user's taste history for AI collections. An
// empty userID requests the global history.
type HistoryFunc func(ctx context.Context, userID string, limit int) ([]HistoryItem, error)

// AiringFunc supplies the set of series metadata IDs currently on air.
type AiringFunc func(ctx context.Context) (map[int64]bool, error)

// Service orchestrates collection syncs against the library server.
type Service struct {
	store       *Store
	media       *metadata.Store
	emby        *emby.Client
	importer    *Importer
	recommender *Recommender
	health      *HealthChecker
	covers      *CoverGenerator
	history     HistoryFunc
	airing      AiringFunc
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewService wires the collection engine together.
func NewService(store *Store, media *metadata.Store, embyClient *emby.Client, importer *Importer,
	recommender *Recommender, health *HealthChecker, covers *CoverGenerator,
	history HistoryFunc, airing AiringFunc, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		media:       media,
		emby:        embyClient,
		importer:    importer,
		recommender: recommender,
		health:      health,
		covers:      covers,
		history:     history,
		airing:      airing,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      logger.With().Str("component", "collections").Logger(),
	}
}

// Store exposes the underlying store to API handlers.
func (s *Service) Store() *Store {
	return s.store
}

// NewEvaluator builds a rule evaluator with the current airing set and
// a memoized per-series runtime resolver.
func (s *Service) NewEvaluator(ctx context.Context) *Evaluator {
	airing := map[int64]bool{}
	if s.airing != nil {
		if set, err := s.airing(ctx); err == nil {
			airing = set
		} else {
			s.logger.Debug().Err(err).Msg("airing set unavailable")
		}
	}

	runtimes := map[int64]int{}
	return &Evaluator{
		Airing: airing,
		SeriesRuntime: func(metadataID int64) int {
			if v, ok := runtimes[metadataID]; ok {
				return v
			}
			avg, err := s.media.AvgEpisodeRuntime(ctx, metadataID)
			if err != nil {
				avg = 0
			}
			runtimes[metadataID] = int(avg)
			return int(avg)
		},
	}
}

// SyncAll syncs every active collection in sort order.
func (s *Service) SyncAll(ctx context.Context, stopped func() bool, progress func(pct float64, msg string)) error {
	cols, err := s.store.List(ctx, true)
	if err != nil {
		return err
	}
	for i, c := range cols {
		if stopped != nil && stopped() {
			return nil
		}
		if progress != nil {
			progress(float64(i)/float64(len(cols))*100, fmt.Sprintf("同步合集: %s", c.Name))
		}
		if err := s.Sync(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("collection", c.Name).Msg("collection sync failed")
		}
	}
	return nil
}

// Sync recomputes one collection's membership, mirrors it to the
// library server and regenerates the cover.
func (s *Service) Sync(ctx context.Context, id int64) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	var (
		refs      []MediaRef
		inLibrary int
	)
	switch c.Type {
	case TypeFilter:
		refs, inLibrary, err = s.syncFilter(ctx, c)
	case TypeList:
		refs, inLibrary, err = s.syncList(ctx, c)
	case TypeAI, TypeAIGlobal:
		refs, inLibrary, err = s.syncRecommendation(ctx, c)
	default:
		return fmt.Errorf("unknown collection type %q", c.Type)
	}
	if err != nil {
		return err
	}

	libraryID, err := s.mirrorToLibrary(ctx, c, refs)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", c.Name).Msg("library mirror failed")
		libraryID = c.LibraryItemID
	}

	if err := s.store.SetSyncResult(ctx, c.ID, libraryID, refs, inLibrary); err != nil {
		return err
	}

	if c.Definition.GenerateCover && libraryID != "" {
		s.RegenerateCover(ctx, c, libraryID, refs)
	}
	return nil
}

// syncFilter evaluates the rule set over the cached library. The
// stored media list holds only cover samples; membership is resolved
// live by the proxy.
func (s *Service) syncFilter(ctx context.Context, c *Collection) ([]MediaRef, int, error) {
	matches, err := s.EvaluateFilter(ctx, &c.Definition)
	if err != nil {
		return nil, 0, err
	}

	samples := make([]MediaRef, 0, coverSamples)
	for _, rec := range matches {
		if len(samples) == coverSamples {
			break
		}
		ref := MediaRef{MetadataID: rec.MetadataID, ItemType: rec.ItemType, Title: rec.Title}
		if len(rec.LibraryItemIDs) > 0 {
			ref.LibraryItemID = rec.LibraryItemIDs[0]
		}
		samples = append(samples, ref)
	}
	return samples, len(matches), nil
}

// EvaluateFilter returns all in-library records matching a filter
// definition, most recently added first.
func (s *Service) EvaluateFilter(ctx context.Context, def *Definition) ([]*metadata.Record, error) {
	records, err := s.media.ListInLibrary(ctx, def.ItemTypes...)
	if err != nil {
		return nil, err
	}

	eval := s.NewEvaluator(ctx)
	var out []*metadata.Record
	for _, rec := range records {
		if eval.Matches(def, rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Service) syncList(ctx context.Context, c *Collection) ([]MediaRef, int, error) {
	refs, err := s.importer.Run(ctx, &c.Definition)
	if err != nil {
		return nil, 0, err
	}

	inLibrary := s.fillLibraryIDs(ctx, refs)
	s.health.Check(ctx, c, c.Media, refs)
	return refs, inLibrary, nil
}

func (s *Service) syncRecommendation(ctx context.Context, c *Collection) ([]MediaRef, int, error) {
	if s.history == nil {
		return nil, 0, fmt.Errorf("no history source configured")
	}
	userID := c.Definition.RecommendUser
	if c.Type == TypeAIGlobal {
		userID = ""
	}

	history, err := s.history(ctx, userID, 50)
	if err != nil {
		return nil, 0, err
	}

	limit := c.Definition.Limit
	if limit == 0 {
		limit = c.Definition.RecommendCount
	}
	refs := s.recommender.Recommend(ctx, history, limit)
	inLibrary := s.fillLibraryIDs(ctx, refs)
	return refs, inLibrary, nil
}

// RecommendFor computes a fresh recommendation set for one user. The
// proxy calls this when a personal AI view is browsed.
func (s *Service) RecommendFor(ctx context.Context, userID string, limit int) []MediaRef {
	if s.history == nil {
		return nil
	}
	history, err := s.history(ctx, userID, 50)
	if err != nil {
		s.logger.Debug().Err(err).Str("user", userID).Msg("history unavailable")
		return nil
	}
	refs := s.recommender.Recommend(ctx, history, limit)
	s.fillLibraryIDs(ctx, refs)
	return refs
}

// fillLibraryIDs resolves library item IDs for refs already in the
// library and returns how many were found.
func (s *Service) fillLibraryIDs(ctx context.Context, refs []MediaRef) int {
	found := 0
	for i := range refs {
		rec, err := s.media.Get(ctx, refs[i].MetadataID, refs[i].ItemType)
		if err != nil || !rec.InLibrary || len(rec.LibraryItemIDs) == 0 {
			continue
		}
		refs[i].LibraryItemID = rec.LibraryItemIDs[0]
		found++
	}
	return found
}

// mirrorToLibrary keeps a real collection on the library server in
// step with the in-library members. It also hosts the cover image.
func (s *Service) mirrorToLibrary(ctx context.Context, c *Collection, refs []MediaRef) (string, error) {
	var memberIDs []string
	for _, ref := range refs {
		if ref.LibraryItemID != "" {
			memberIDs = append(memberIDs, ref.LibraryItemID)
		}
	}

	if c.LibraryItemID == "" {
		id, err := s.emby.CreateCollection(ctx, c.Name, firstBatch(memberIDs))
		if err != nil {
			return "", err
		}
		c.LibraryItemID = id
		memberIDs = rest(memberIDs)
	}

	for len(memberIDs) > 0 {
		batch := firstBatch(memberIDs)
		if err := s.emby.AddToCollection(ctx, c.LibraryItemID, batch); err != nil {
			return c.LibraryItemID, err
		}
		memberIDs = memberIDs[len(batch):]
	}
	return c.LibraryItemID, nil
}

// LiveMatch appends a freshly processed item to every active filter
// collection it now matches. Invoked from the processing pipeline.
func (s *Service) LiveMatch(ctx context.Context, rec *metadata.Record) {
	if len(rec.LibraryItemIDs) == 0 {
		return
	}
	cols, err := s.store.List(ctx, true)
	if err != nil {
		s.logger.Warn().Err(err).Msg("live match listing failed")
		return
	}

	eval := s.NewEvaluator(ctx)
	for _, c := range cols {
		if c.Type != TypeFilter || c.LibraryItemID == "" {
			continue
		}
		if !eval.Matches(&c.Definition, rec) {
			continue
		}
		if err := s.emby.AddToCollection(ctx, c.LibraryItemID, rec.LibraryItemIDs[:1]); err != nil {
			s.logger.Debug().Err(err).Str("collection", c.Name).Msg("live append failed")
			continue
		}
		s.logger.Info().Str("collection", c.Name).Str("item", rec.Title).Msg("item added to collection")
	}
}

// RegenerateCover fetches sample posters and uploads a composed cover.
func (s *Service) RegenerateCover(ctx context.Context, c *Collection, libraryID string, refs []MediaRef) {
	var posters []image.Image
	for _, ref := range refs {
		if len(posters) == coverSamples {
			break
		}
		if ref.PosterPath == "" {
			continue
		}
		if img := s.fetchPoster(ctx, tmdb.PosterURL(ref.PosterPath)); img != nil {
			posters = append(posters, img)
		}
	}

	badge := BadgeFor(c)
	if badge == "" {
		badge = fmt.Sprintf("%d", len(refs))
	}

	cover, err := s.covers.Generate(c.ID, posters, badge)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", c.Name).Msg("cover generation failed")
		return
	}
	if err := s.emby.UploadPrimaryImage(ctx, libraryID, cover, "image/jpeg"); err != nil {
		s.logger.Warn().Err(err).Str("collection", c.Name).Msg("cover upload failed")
	}
}

func (s *Service) fetchPoster(ctx context.Context, rawURL string) image.Image {
	if rawURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil
	}
	return img
}

func firstBatch(ids []string) []string {
	if len(ids) > batchSize {
		return ids[:batchSize]
	}
	return ids
}

func rest(ids []string) []string {
	if len(ids) > batchSize {
		return ids[batchSize:]
	}
	return nil
}
