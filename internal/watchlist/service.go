package watchlist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/moviepilot"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// Service runs the watchlist scan and subscription operations.
type Service struct {
	store      *Store
	emby       *emby.Client
	tmdb       *tmdb.Client
	subscriber *moviepilot.Service
	logger     zerolog.Logger
}

// NewService creates the watchlist service.
func NewService(store *Store, embyClient *emby.Client, tmdbClient *tmdb.Client, subscriber *moviepilot.Service, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		emby:       embyClient,
		tmdb:       tmdbClient,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "watchlist").Logger(),
	}
}

// Store exposes the underlying store to API handlers.
func (s *Service) Store() *Store {
	return s.store
}

// Add tracks a series, called by the metadata processor after a series
// is processed. Existing entries only get a refresh.
func (s *Service) Add(ctx context.Context, item *emby.Item, metadataID int64) {
	if metadataID == 0 {
		return
	}
	if _, err := s.store.Get(ctx, item.ID); err == nil {
		s.Refresh(ctx, item.ID)
		return
	}

	entry := &Entry{
		LibrarySeriesID: item.ID,
		MetadataID:      metadataID,
		Title:           item.Name,
		Status:          StatusWatching,
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("series", item.Name).Msg("watchlist add failed")
		return
	}
	s.Refresh(ctx, item.ID)
}

// Refresh re-evaluates a single entry against the provider.
func (s *Service) Refresh(ctx context.Context, librarySeriesID string) {
	entry, err := s.store.Get(ctx, librarySeriesID)
	if err != nil {
		s.logger.Warn().Err(err).Str("series", librarySeriesID).Msg("refresh of unknown entry")
		return
	}
	if err := s.refreshEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("series", entry.Title).Msg("watchlist refresh failed")
	}
}

// Scan re-evaluates every entry. stopped is polled between entries for
// cooperative cancellation; progress reports 0-100.
func (s *Service) Scan(ctx context.Context, stopped func() bool, progress func(pct float64, msg string)) error {
	entries, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	for i, entry := range entries {
		if stopped != nil && stopped() {
			return nil
		}
		if progress != nil {
			progress(float64(i)/float64(len(entries))*100, fmt.Sprintf("检查剧集: %s", entry.Title))
		}
		if err := s.refreshEntry(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("series", entry.Title).Msg("watchlist scan entry failed")
		}
	}
	return nil
}

func (s *Service) refreshEntry(ctx context.Context, entry *Entry) error {
	tv, err := s.tmdb.GetTV(ctx, int(entry.MetadataID))
	if err != nil {
		return err
	}

	maxSeason := 0
	for _, season := range tv.Seasons {
		if season.SeasonNumber > maxSeason {
			maxSeason = season.SeasonNumber
		}
	}

	status := entry.Status
	switch {
	// A newly announced season revives any completed state, including a
	// manual Force-Ended. Episode-count changes never reopen Force-Ended.
	case (status == StatusCompleted || status == StatusForceEnd) && maxSeason > entry.MaxKnownSeason:
		status = StatusWatching
		s.logger.Info().Str("series", entry.Title).Int("season", maxSeason).Msg("new season announced, watching again")
	case status == StatusWatching && tv.NextEpisodeToAir == nil && !tv.InProduction:
		status = StatusCompleted
		s.logger.Info().Str("series", entry.Title).Msg("series completed")
	}

	missing, err := s.missingSeasons(ctx, entry.LibrarySeriesID, tv)
	if err != nil {
		s.logger.Debug().Err(err).Str("series", entry.Title).Msg("missing season check failed")
	}

	entry.Status = status
	entry.IsAiring = tv.NextEpisodeToAir != nil || tv.InProduction
	entry.MissingSeasons = missing
	if maxSeason > entry.MaxKnownSeason {
		entry.MaxKnownSeason = maxSeason
	}
	entry.NextEpisode = nil
	if tv.NextEpisodeToAir != nil {
		entry.NextEpisode = &NextEpisode{
			SeasonNumber:  tv.NextEpisodeToAir.SeasonNumber,
			EpisodeNumber: tv.NextEpisodeToAir.EpisodeNumber,
			AirDate:       tv.NextEpisodeToAir.AirDate,
			Name:          tv.NextEpisodeToAir.Name,
		}
	}
	now := time.Now()
	entry.LastCheckedAt = &now

	return s.store.Upsert(ctx, entry)
}

// missingSeasons compares the provider's aired seasons with the
// library's. Specials (season 0) are ignored.
func (s *Service) missingSeasons(ctx context.Context, librarySeriesID string, tv *tmdb.TV) ([]int, error) {
	children, err := s.emby.GetChildren(ctx, librarySeriesID, "Season")
	if err != nil {
		return nil, err
	}

	have := make(map[int]bool, len(children))
	for _, c := range children {
		if c.IndexNumber != nil {
			have[*c.IndexNumber] = true
		}
	}

	var missing []int
	today := time.Now().Format("2006-01-02")
	for _, season := range tv.Seasons {
		if season.SeasonNumber == 0 || have[season.SeasonNumber] {
			continue
		}
		if season.AirDate == "" || season.AirDate > today {
			continue
		}
		missing = append(missing, season.SeasonNumber)
	}
	sort.Ints(missing)
	return missing, nil
}

// SubscribeGaps submits one subscription per missing season.
func (s *Service) SubscribeGaps(ctx context.Context, librarySeriesID string) (int, error) {
	entry, err := s.store.Get(ctx, librarySeriesID)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, season := range entry.MissingSeasons {
		sn := season
		if s.subscriber.TrySubscribe(ctx, moviepilot.SubscribeRequest{
			Name:   entry.Title,
			TMDBID: int(entry.MetadataID),
			Type:   "电视剧",
			Season: &sn,
		}) {
			submitted++
		}
	}
	return submitted, nil
}

// SubscribeSeason submits a single-season subscription.
func (s *Service) SubscribeSeason(ctx context.Context, librarySeriesID string, season int) error {
	entry, err := s.store.Get(ctx, librarySeriesID)
	if err != nil {
		return err
	}
	return s.subscriber.Subscribe(ctx, moviepilot.SubscribeRequest{
		Name:   entry.Title,
		TMDBID: int(entry.MetadataID),
		Type:   "电视剧",
		Season: &season,
	})
}

// ForceEnd marks entries as manually ended.
func (s *Service) ForceEnd(ctx context.Context, librarySeriesIDs []string) error {
	for _, id := range librarySeriesIDs {
		if err := s.store.SetStatus(ctx, id, StatusForceEnd); err != nil {
			return err
		}
	}
	return nil
}

// Resubscribe re-opens entries and subscribes their gaps.
func (s *Service) Resubscribe(ctx context.Context, librarySeriesIDs []string) error {
	for _, id := range librarySeriesIDs {
		if err := s.store.SetStatus(ctx, id, StatusWatching); err != nil {
			return err
		}
		if _, err := s.SubscribeGaps(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("series", id).Msg("gap subscription failed")
		}
	}
	return nil
}
