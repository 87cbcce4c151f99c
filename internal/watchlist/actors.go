package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/moviepilot"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// Tracked-media statuses.
const (
	TrackedInLibrary      = "IN_LIBRARY"
	TrackedPendingRelease = "PENDING_RELEASE"
	TrackedMissing        = "MISSING"
	TrackedIgnored        = "IGNORED"
)

// detailConcurrency bounds parallel per-title detail fetches.
const detailConcurrency = 5

// FilterConfig is the per-subscription work filter.
type FilterConfig struct {
	MinYear          int      `json:"min_year,omitempty"`
	MediaTypes       []string `json:"media_types,omitempty"` // movie, tv
	IncludeGenres    []int    `json:"include_genres,omitempty"`
	ExcludeGenres    []int    `json:"exclude_genres,omitempty"`
	MinRating        float64  `json:"min_rating,omitempty"`
	MinRatingVotes   int      `json:"min_rating_votes,omitempty"` // below this vote count the rating filter is waived
	MainRoleOnly     bool     `json:"main_role_only,omitempty"`   // order < 3
	ChineseTitleOnly bool     `json:"chinese_title_only,omitempty"`
}

// ActorSubscription is one tracked actor.
type ActorSubscription struct {
	ID               int64        `json:"id"`
	PersonName       string       `json:"person_name"`
	MetadataPersonID int64        `json:"metadata_person_id"`
	Config           FilterConfig `json:"config"`
	Status           string       `json:"status"`
	LastCheckedAt    *time.Time   `json:"last_checked_at,omitempty"`
}

// TrackedMedia is one work on an actor subscription.
type TrackedMedia struct {
	SubscriptionID int64  `json:"subscription_id"`
	MetadataID     int64  `json:"metadata_id"`
	ItemType       string `json:"item_type"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	CastOrder      *int   `json:"cast_order,omitempty"`
	ReleaseDate    string `json:"release_date,omitempty"`
}

// ActorService maintains actor subscriptions and their tracked works.
type ActorService struct {
	conn       *sql.DB
	tmdb       *tmdb.Client
	media      *metadata.Store
	subscriber *moviepilot.Service
	logger     zerolog.Logger
}

// NewActorService creates the actor subscription service.
func NewActorService(conn *sql.DB, tmdbClient *tmdb.Client, media *metadata.Store, subscriber *moviepilot.Service, logger zerolog.Logger) *ActorService {
	return &ActorService{
		conn:       conn,
		tmdb:       tmdbClient,
		media:      media,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "actor-subs").Logger(),
	}
}

// Create adds a subscription for a person.
func (s *ActorService) Create(ctx context.Context, personName string, metadataPersonID int64, cfg FilterConfig) (*ActorSubscription, error) {
	cfgJSON, _ := json.Marshal(cfg)
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO actor_subscriptions (person_name, metadata_person_id, config, status)
		VALUES (?, ?, ?, 'active')`,
		personName, metadataPersonID, string(cfgJSON))
	if err != nil {
		return nil, fmt.Errorf("create actor subscription: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.Get(ctx, id)
}

// Get loads one subscription.
func (s *ActorService) Get(ctx context.Context, id int64) (*ActorSubscription, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, person_name, metadata_person_id, config, status, last_checked_at
		FROM actor_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// List returns all subscriptions.
func (s *ActorService) List(ctx context.Context) ([]*ActorSubscription, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, person_name, metadata_person_id, config, status, last_checked_at
		FROM actor_subscriptions ORDER BY person_name`)
	if err != nil {
		return nil, fmt.Errorf("list actor subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*ActorSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateConfig replaces a subscription's filter config.
func (s *ActorService) UpdateConfig(ctx context.Context, id int64, cfg FilterConfig) error {
	cfgJSON, _ := json.Marshal(cfg)
	res, err := s.conn.ExecContext(ctx,
		`UPDATE actor_subscriptions SET config = ? WHERE id = ?`, string(cfgJSON), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a subscription; tracked rows cascade, and the
// subscription source is removed from all affected media.
func (s *ActorService) Delete(ctx context.Context, id int64) error {
	tracked, err := s.Tracked(ctx, id)
	if err != nil {
		return err
	}
	for _, tm := range tracked {
		if err := s.media.RemoveSubscriptionSource(ctx, tm.MetadataID, tm.ItemType, "actor", id); err != nil &&
			!errors.Is(err, metadata.ErrNotFound) {
			s.logger.Warn().Err(err).Int64("metadataId", tm.MetadataID).Msg("source removal failed")
		}
	}
	_, err = s.conn.ExecContext(ctx, `DELETE FROM actor_subscriptions WHERE id = ?`, id)
	return err
}

// Tracked lists a subscription's works, newest release first.
func (s *ActorService) Tracked(ctx context.Context, subscriptionID int64) ([]TrackedMedia, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT subscription_id, metadata_id, item_type, title, status, cast_order, release_date
		FROM tracked_actor_media WHERE subscription_id = ?
		ORDER BY release_date DESC`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list tracked media: %w", err)
	}
	defer rows.Close()

	var out []TrackedMedia
	for rows.Next() {
		var tm TrackedMedia
		var release sql.NullString
		if err := rows.Scan(&tm.SubscriptionID, &tm.MetadataID, &tm.ItemType, &tm.Title,
			&tm.Status, &tm.CastOrder, &release); err != nil {
			return nil, err
		}
		tm.ReleaseDate = release.String
		out = append(out, tm)
	}
	return out, rows.Err()
}

// OverrideStatus manually sets a tracked work's status.
func (s *ActorService) OverrideStatus(ctx context.Context, subscriptionID, metadataID int64, itemType, status string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE tracked_actor_media SET status = ?
		WHERE subscription_id = ? AND metadata_id = ? AND item_type = ?`,
		status, subscriptionID, metadataID, itemType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe submits a downloader subscription for one tracked work.
func (s *ActorService) Subscribe(ctx context.Context, subscriptionID, metadataID int64, itemType string) error {
	tracked, err := s.Tracked(ctx, subscriptionID)
	if err != nil {
		return err
	}
	for _, tm := range tracked {
		if tm.MetadataID != metadataID || tm.ItemType != itemType {
			continue
		}
		mpType := "电影"
		if tm.ItemType == metadata.TypeSeries {
			mpType = "电视剧"
		}
		return s.subscriber.Subscribe(ctx, moviepilot.SubscribeRequest{
			Name:   tm.Title,
			TMDBID: int(tm.MetadataID),
			Type:   mpType,
		})
	}
	return ErrNotFound
}

// RefreshAll refreshes every active subscription.
func (s *ActorService) RefreshAll(ctx context.Context, stopped func() bool, progress func(pct float64, msg string)) error {
	subs, err := s.List(ctx)
	if err != nil {
		return err
	}
	for i, sub := range subs {
		if stopped != nil && stopped() {
			return nil
		}
		if sub.Status != "active" {
			continue
		}
		if progress != nil {
			progress(float64(i)/float64(len(subs))*100, fmt.Sprintf("检查演员: %s", sub.PersonName))
		}
		if err := s.Refresh(ctx, sub.ID); err != nil {
			s.logger.Warn().Err(err).Str("person", sub.PersonName).Msg("actor refresh failed")
		}
	}
	return nil
}

// Refresh pulls the actor's filmography, reclassifies each work and
// reconciles subscription sources.
func (s *ActorService) Refresh(ctx context.Context, subscriptionID int64) error {
	sub, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}

	credits, err := s.tmdb.GetPersonCredits(ctx, int(sub.MetadataPersonID))
	if err != nil {
		return err
	}

	works := dedupCredits(credits.Cast)
	s.enrichOrders(ctx, sub.MetadataPersonID, works)

	current := make(map[string]TrackedMedia, len(works))
	for _, w := range works {
		itemType := metadata.TypeMovie
		if w.MediaType == "tv" {
			itemType = metadata.TypeSeries
		}
		order := w.Order
		tm := TrackedMedia{
			SubscriptionID: subscriptionID,
			MetadataID:     int64(w.ID),
			ItemType:       itemType,
			Title:          w.DisplayTitle(),
			CastOrder:      &order,
			ReleaseDate:    w.Date(),
		}
		tm.Status = s.classify(ctx, sub.Config, w, tm)
		current[trackedKey(tm.MetadataID, tm.ItemType)] = tm
	}

	previous, err := s.Tracked(ctx, subscriptionID)
	if err != nil {
		return err
	}

	// Works that fell out of the filmography lose the source.
	for _, old := range previous {
		if _, still := current[trackedKey(old.MetadataID, old.ItemType)]; still {
			continue
		}
		if err := s.media.RemoveSubscriptionSource(ctx, old.MetadataID, old.ItemType, "actor", subscriptionID); err != nil &&
			!errors.Is(err, metadata.ErrNotFound) {
			s.logger.Warn().Err(err).Int64("metadataId", old.MetadataID).Msg("source removal failed")
		}
		if _, err := s.conn.ExecContext(ctx, `
			DELETE FROM tracked_actor_media
			WHERE subscription_id = ? AND metadata_id = ? AND item_type = ?`,
			subscriptionID, old.MetadataID, old.ItemType); err != nil {
			return err
		}
	}

	for _, tm := range current {
		if _, err := s.conn.ExecContext(ctx, `
			INSERT INTO tracked_actor_media
				(subscription_id, metadata_id, item_type, title, status, cast_order, release_date)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(subscription_id, metadata_id, item_type) DO UPDATE SET
				title = excluded.title,
				status = excluded.status,
				cast_order = excluded.cast_order,
				release_date = excluded.release_date`,
			tm.SubscriptionID, tm.MetadataID, tm.ItemType, tm.Title, tm.Status, tm.CastOrder, tm.ReleaseDate); err != nil {
			return fmt.Errorf("upsert tracked media: %w", err)
		}

		if tm.Status == TrackedMissing || tm.Status == TrackedPendingRelease {
			newStatus := metadata.StatusWanted
			if tm.Status == TrackedPendingRelease {
				newStatus = metadata.StatusPendingRelease
			}
			err := s.media.AddSubscriptionSource(ctx, tm.MetadataID, tm.ItemType,
				metadata.SubscriptionSource{Type: "actor", ID: subscriptionID, Name: sub.PersonName}, newStatus)
			if err != nil && !errors.Is(err, metadata.ErrNotFound) {
				s.logger.Warn().Err(err).Int64("metadataId", tm.MetadataID).Msg("source add failed")
			}
		}
	}

	_, err = s.conn.ExecContext(ctx,
		`UPDATE actor_subscriptions SET last_checked_at = CURRENT_TIMESTAMP WHERE id = ?`, subscriptionID)
	return err
}

// classify applies the subscription filter and library state.
func (s *ActorService) classify(ctx context.Context, cfg FilterConfig, credit tmdb.PersonCredit, tm TrackedMedia) string {
	if !passesFilter(cfg, credit) {
		return TrackedIgnored
	}

	if rec, err := s.media.Get(ctx, tm.MetadataID, tm.ItemType); err == nil && rec.InLibrary {
		return TrackedInLibrary
	}

	if tm.ReleaseDate == "" || tm.ReleaseDate > time.Now().Format("2006-01-02") {
		return TrackedPendingRelease
	}
	return TrackedMissing
}

func passesFilter(cfg FilterConfig, credit tmdb.PersonCredit) bool {
	if len(cfg.MediaTypes) > 0 && !containsString(cfg.MediaTypes, credit.MediaType) {
		return false
	}

	if cfg.MinYear > 0 && credit.Date() != "" {
		var year int
		fmt.Sscanf(credit.Date(), "%d", &year)
		if year > 0 && year < cfg.MinYear {
			return false
		}
	}

	for _, genre := range cfg.ExcludeGenres {
		if containsInt(credit.GenreIDs, genre) {
			return false
		}
	}
	if len(cfg.IncludeGenres) > 0 {
		found := false
		for _, genre := range cfg.IncludeGenres {
			if containsInt(credit.GenreIDs, genre) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Low-vote titles are exempt from the rating floor.
	if cfg.MinRating > 0 && credit.VoteCount >= cfg.MinRatingVotes &&
		credit.VoteAverage > 0 && credit.VoteAverage < cfg.MinRating {
		return false
	}

	if cfg.MainRoleOnly && credit.Order >= 3 {
		return false
	}

	if cfg.ChineseTitleOnly && !identity.ContainsCJK(credit.DisplayTitle()) {
		return false
	}
	return true
}

// dedupCredits collapses duplicate titles (re-releases, split credits)
// into the most popular entry per normalized-title bucket.
func dedupCredits(cast []tmdb.PersonCredit) []tmdb.PersonCredit {
	best := make(map[string]tmdb.PersonCredit)
	var order []string
	for _, c := range cast {
		if c.ID == 0 || c.DisplayTitle() == "" {
			continue
		}
		key := c.MediaType + ":" + identity.NormalizeName(c.DisplayTitle())
		existing, seen := best[key]
		if !seen {
			best[key] = c
			order = append(order, key)
			continue
		}
		if c.Popularity > existing.Popularity {
			best[key] = c
		}
	}

	out := make([]tmdb.PersonCredit, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// enrichOrders fills in the actor's billing order for TV credits,
// where combined_credits reports unreliable values, by reading each
// show's own credit list.
func (s *ActorService) enrichOrders(ctx context.Context, personID int64, works []tmdb.PersonCredit) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)

	var mu sync.Mutex
	for i := range works {
		if works[i].MediaType != "tv" {
			continue
		}
		i := i
		g.Go(func() error {
			tv, err := s.tmdb.GetTV(gctx, works[i].ID)
			if err != nil || tv.Credits == nil {
				return nil
			}
			for _, cm := range tv.Credits.Cast {
				if int64(cm.ID) == personID {
					mu.Lock()
					works[i].Order = cm.Order
					mu.Unlock()
					break
				}
			}
			return nil
		})
	}
	g.Wait()
}

func scanSubscription(scan func(dest ...interface{}) error) (*ActorSubscription, error) {
	var (
		sub     ActorSubscription
		cfgJSON string
	)
	if err := scan(&sub.ID, &sub.PersonName, &sub.MetadataPersonID, &cfgJSON,
		&sub.Status, &sub.LastCheckedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(cfgJSON), &sub.Config)
	return &sub, nil
}

func trackedKey(metadataID int64, itemType string) string {
	return fmt.Sprintf("%d:%s", metadataID, itemType)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
