// Package watchlist tracks airing series and actor subscriptions.
package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Series statuses.
const (
	StatusWatching  = "Watching"
	StatusPaused    = "Paused"
	StatusCompleted = "Completed"
	StatusForceEnd  = "Force-Ended"
)

// ErrNotFound is returned for missing watchlist entries.
var ErrNotFound = errors.New("watchlist: entry not found")

// NextEpisode describes the next episode announced by the provider.
type NextEpisode struct {
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	AirDate       string `json:"air_date"`
	Name          string `json:"name,omitempty"`
}

// Entry is one tracked series.
type Entry struct {
	LibrarySeriesID string       `json:"library_series_id"`
	MetadataID      int64        `json:"metadata_id"`
	Title           string       `json:"title"`
	Status          string       `json:"status"`
	NextEpisode     *NextEpisode `json:"next_episode_to_air,omitempty"`
	MissingSeasons  []int        `json:"missing_seasons"`
	MaxKnownSeason  int          `json:"max_known_season"`
	IsAiring        bool         `json:"is_airing"`
	LastCheckedAt   *time.Time   `json:"last_checked_at,omitempty"`
}

// Store persists watchlist entries.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewStore creates a watchlist store.
func NewStore(conn *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With().Str("component", "watchlist-store").Logger(),
	}
}

const entryColumns = `library_series_id, metadata_id, title, status, next_episode_to_air,
	missing_seasons, max_known_season, is_airing, last_checked_at`

// Upsert writes an entry. An existing row keeps its status unless the
// incoming entry carries one.
func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	if e.Status == "" {
		e.Status = StatusWatching
	}

	var next interface{}
	if e.NextEpisode != nil {
		data, _ := json.Marshal(e.NextEpisode)
		next = string(data)
	}
	missing, _ := json.Marshal(e.MissingSeasons)
	if e.MissingSeasons == nil {
		missing = []byte("[]")
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO watchlist (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library_series_id) DO UPDATE SET
			metadata_id = excluded.metadata_id,
			title = excluded.title,
			status = excluded.status,
			next_episode_to_air = excluded.next_episode_to_air,
			missing_seasons = excluded.missing_seasons,
			max_known_season = excluded.max_known_season,
			is_airing = excluded.is_airing,
			last_checked_at = excluded.last_checked_at`,
		e.LibrarySeriesID, e.MetadataID, e.Title, e.Status, next,
		string(missing), e.MaxKnownSeason, e.IsAiring, e.LastCheckedAt)
	if err != nil {
		return fmt.Errorf("upsert watchlist entry: %w", err)
	}
	return nil
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, librarySeriesID string) (*Entry, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM watchlist WHERE library_series_id = ?`, librarySeriesID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns all entries ordered by title.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM watchlist ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AiringSet returns the metadata IDs of series currently on air.
func (s *Store) AiringSet(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT metadata_id FROM watchlist WHERE is_airing = 1`)
	if err != nil {
		return nil, fmt.Errorf("airing set: %w", err)
	}
	defer rows.Close()

	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// SetStatus overrides an entry's status.
func (s *Store) SetStatus(ctx context.Context, librarySeriesID, status string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE watchlist SET status = ? WHERE library_series_id = ?`, status, librarySeriesID)
	if err != nil {
		return fmt.Errorf("set watchlist status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, librarySeriesID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM watchlist WHERE library_series_id = ?`, librarySeriesID)
	return err
}

func scanEntry(scan func(dest ...interface{}) error) (*Entry, error) {
	var (
		e       Entry
		next    sql.NullString
		missing string
	)
	if err := scan(&e.LibrarySeriesID, &e.MetadataID, &e.Title, &e.Status,
		&next, &missing, &e.MaxKnownSeason, &e.IsAiring, &e.LastCheckedAt); err != nil {
		return nil, err
	}
	if next.Valid {
		var ne NextEpisode
		if json.Unmarshal([]byte(next.String), &ne) == nil {
			e.NextEpisode = &ne
		}
	}
	json.Unmarshal([]byte(missing), &e.MissingSeasons)
	return &e, nil
}
