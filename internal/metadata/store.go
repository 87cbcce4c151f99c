package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a media record does not exist.
var ErrNotFound = errors.New("metadata: record not found")

// Store persists media metadata, asset details, the processed-items
// cache and the review queue.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewStore creates a metadata store.
func NewStore(conn *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With().Str("component", "metadata-store").Logger(),
	}
}

const recordColumns = `metadata_id, item_type, title, original_title, release_year,
	release_date, unified_rating, runtime_minutes, rating, overview, overview_embedding,
	genres, countries, studios, tags, keywords, actors, directors, library_item_ids,
	parent_series_metadata_id, season_number, episode_number, in_library,
	subscription_status, subscription_sources, date_added, last_synced_at`

// Upsert writes a record, replacing the content fields but preserving
// the existing subscription status and sources.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if rec.SubscriptionStatus == "" {
		rec.SubscriptionStatus = StatusNone
	}
	now := time.Now()
	rec.LastSyncedAt = &now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO media_metadata (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metadata_id, item_type) DO UPDATE SET
			title = excluded.title,
			original_title = excluded.original_title,
			release_year = excluded.release_year,
			release_date = excluded.release_date,
			unified_rating = excluded.unified_rating,
			runtime_minutes = excluded.runtime_minutes,
			rating = excluded.rating,
			overview = excluded.overview,
			overview_embedding = COALESCE(excluded.overview_embedding, media_metadata.overview_embedding),
			genres = excluded.genres,
			countries = excluded.countries,
			studios = excluded.studios,
			tags = excluded.tags,
			keywords = excluded.keywords,
			actors = excluded.actors,
			directors = excluded.directors,
			library_item_ids = excluded.library_item_ids,
			parent_series_metadata_id = excluded.parent_series_metadata_id,
			season_number = excluded.season_number,
			episode_number = excluded.episode_number,
			in_library = excluded.in_library,
			date_added = COALESCE(excluded.date_added, media_metadata.date_added),
			last_synced_at = excluded.last_synced_at`,
		rec.MetadataID, rec.ItemType, rec.Title, rec.OriginalTitle, zeroNull(rec.ReleaseYear),
		emptyNull(rec.ReleaseDate), emptyNull(rec.UnifiedRating), zeroNull(rec.RuntimeMinutes),
		rec.Rating, rec.Overview, jsonOrNull(rec.OverviewEmbedding),
		mustJSON(rec.Genres), mustJSON(rec.Countries), mustJSON(rec.Studios),
		mustJSON(rec.Tags), mustJSON(rec.Keywords), mustJSON(rec.Actors),
		mustJSON(rec.Directors), mustJSON(rec.LibraryItemIDs),
		zeroNull64(rec.ParentSeriesMetadataID), rec.SeasonNumber, rec.EpisodeNumber,
		rec.InLibrary, rec.SubscriptionStatus, mustJSON(rec.SubscriptionSources),
		rec.DateAdded, rec.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("upsert media metadata: %w", err)
	}
	return nil
}

// Get loads one record by its provider identity.
func (s *Store) Get(ctx context.Context, metadataID int64, itemType string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM media_metadata WHERE metadata_id = ? AND item_type = ?`,
		metadataID, itemType)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetByLibraryItemID finds the record backing a concrete library item.
func (s *Store) GetByLibraryItemID(ctx context.Context, libraryItemID string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM media_metadata
		WHERE EXISTS (SELECT 1 FROM json_each(library_item_ids) WHERE json_each.value = ?)`,
		libraryItemID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListInLibrary returns all records currently present in the library,
// optionally restricted to the given item types.
func (s *Store) ListInLibrary(ctx context.Context, itemTypes ...string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM media_metadata WHERE in_library = 1`
	var args []interface{}
	if len(itemTypes) > 0 {
		query += ` AND item_type IN (?` + strings.Repeat(",?", len(itemTypes)-1) + `)`
		for _, t := range itemTypes {
			args = append(args, t)
		}
	}
	return s.list(ctx, query, args...)
}

// ListWithEmbeddings returns records that carry an overview embedding.
func (s *Store) ListWithEmbeddings(ctx context.Context) ([]*Record, error) {
	return s.list(ctx,
		`SELECT `+recordColumns+` FROM media_metadata WHERE overview_embedding IS NOT NULL`)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media metadata: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AvgEpisodeRuntime returns the average episode runtime of a series,
// 0 when no episodes are cached.
func (s *Store) AvgEpisodeRuntime(ctx context.Context, seriesMetadataID int64) (float64, error) {
	var avg sql.NullFloat64
	err := s.conn.QueryRowContext(ctx, `
		SELECT AVG(runtime_minutes) FROM media_metadata
		WHERE parent_series_metadata_id = ? AND item_type = ? AND runtime_minutes IS NOT NULL`,
		seriesMetadataID, TypeEpisode).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("avg episode runtime: %w", err)
	}
	return avg.Float64, nil
}

// SetSubscriptionStatus overrides the status of a record.
func (s *Store) SetSubscriptionStatus(ctx context.Context, metadataID int64, itemType, status string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE media_metadata SET subscription_status = ? WHERE metadata_id = ? AND item_type = ?`,
		status, metadataID, itemType)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSubscriptionSource adds a source to a record's subscription-source
// set. Adding an already-present source is a no-op. When the record's
// status is NONE and newStatus is non-empty, the status is promoted.
func (s *Store) AddSubscriptionSource(ctx context.Context, metadataID int64, itemType string, src SubscriptionSource, newStatus string) error {
	rec, err := s.Get(ctx, metadataID, itemType)
	if err != nil {
		return err
	}

	for _, existing := range rec.SubscriptionSources {
		if existing.Type == src.Type && existing.ID == src.ID {
			return nil
		}
	}
	sources := append(rec.SubscriptionSources, src)

	status := rec.SubscriptionStatus
	if status == StatusNone && newStatus != "" {
		status = newStatus
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE media_metadata SET subscription_sources = ?, subscription_status = ?
		WHERE metadata_id = ? AND item_type = ?`,
		mustJSON(sources), status, metadataID, itemType)
	if err != nil {
		return fmt.Errorf("add subscription source: %w", err)
	}
	return nil
}

// RemoveSubscriptionSource removes a source from a record. Removing a
// source that is not present is a no-op; removing the last source
// returns the status to NONE.
func (s *Store) RemoveSubscriptionSource(ctx context.Context, metadataID int64, itemType string, srcType string, srcID int64) error {
	rec, err := s.Get(ctx, metadataID, itemType)
	if err != nil {
		return err
	}

	kept := rec.SubscriptionSources[:0]
	removed := false
	for _, existing := range rec.SubscriptionSources {
		if existing.Type == srcType && existing.ID == srcID {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return nil
	}

	status := rec.SubscriptionStatus
	if len(kept) == 0 {
		status = StatusNone
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE media_metadata SET subscription_sources = ?, subscription_status = ?
		WHERE metadata_id = ? AND item_type = ?`,
		mustJSON(kept), status, metadataID, itemType)
	if err != nil {
		return fmt.Errorf("remove subscription source: %w", err)
	}
	return nil
}

// RemoveLibraryItem drops a library item ID from its backing record,
// clearing in_library when it was the last one.
func (s *Store) RemoveLibraryItem(ctx context.Context, libraryItemID string) error {
	rec, err := s.GetByLibraryItemID(ctx, libraryItemID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	kept := rec.LibraryItemIDs[:0]
	for _, id := range rec.LibraryItemIDs {
		if id != libraryItemID {
			kept = append(kept, id)
		}
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE media_metadata SET library_item_ids = ?, in_library = ?
		WHERE metadata_id = ? AND item_type = ?`,
		mustJSON(kept), len(kept) > 0, rec.MetadataID, rec.ItemType)
	if err != nil {
		return fmt.Errorf("remove library item: %w", err)
	}
	return nil
}

// SetEmbedding stores an overview embedding vector.
func (s *Store) SetEmbedding(ctx context.Context, metadataID int64, itemType string, vector []float64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE media_metadata SET overview_embedding = ? WHERE metadata_id = ? AND item_type = ?`,
		mustJSON(vector), metadataID, itemType)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// UpsertAsset writes the permission-relevant facts of a library item.
func (s *Store) UpsertAsset(ctx context.Context, a *Asset) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO asset_details
			(library_item_id, metadata_id, item_type, source_library_id, ancestor_ids, tags, unified_rating, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library_item_id) DO UPDATE SET
			metadata_id = excluded.metadata_id,
			item_type = excluded.item_type,
			source_library_id = excluded.source_library_id,
			ancestor_ids = excluded.ancestor_ids,
			tags = excluded.tags,
			unified_rating = excluded.unified_rating,
			date_created = excluded.date_created`,
		a.LibraryItemID, zeroNull64(a.MetadataID), a.ItemType, a.SourceLibraryID,
		mustJSON(a.AncestorIDs), mustJSON(a.Tags), emptyNull(a.UnifiedRating), a.DateCreated)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// DeleteAsset removes a library item's asset row.
func (s *Store) DeleteAsset(ctx context.Context, libraryItemID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM asset_details WHERE library_item_id = ?`, libraryItemID)
	return err
}

// MarkProcessed records a library item as fully processed.
func (s *Store) MarkProcessed(ctx context.Context, libraryItemID string, score float64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO processed_items (library_item_id, score) VALUES (?, ?)
		ON CONFLICT(library_item_id) DO UPDATE SET
			score = excluded.score, processed_at = CURRENT_TIMESTAMP`,
		libraryItemID, score)
	return err
}

// IsProcessed reports whether a library item has been processed.
func (s *Store) IsProcessed(ctx context.Context, libraryItemID string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx,
		`SELECT 1 FROM processed_items WHERE library_item_id = ?`, libraryItemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ClearProcessed drops the processed marker, forcing reprocessing.
func (s *Store) ClearProcessed(ctx context.Context, libraryItemID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM processed_items WHERE library_item_id = ?`, libraryItemID)
	return err
}

// AddReview parks an item on the review queue.
func (s *Store) AddReview(ctx context.Context, libraryItemID, itemName, reason string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO review_queue (library_item_id, item_name, reason) VALUES (?, ?, ?)
		ON CONFLICT(library_item_id) DO UPDATE SET
			item_name = excluded.item_name, reason = excluded.reason, created_at = CURRENT_TIMESTAMP`,
		libraryItemID, itemName, reason)
	return err
}

// ListReview returns the review queue, newest first.
func (s *Store) ListReview(ctx context.Context) ([]ReviewEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT library_item_id, item_name, reason, created_at
		FROM review_queue ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	defer rows.Close()

	var out []ReviewEntry
	for rows.Next() {
		var e ReviewEntry
		if err := rows.Scan(&e.LibraryItemID, &e.ItemName, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteReview removes an item from the review queue.
func (s *Store) DeleteReview(ctx context.Context, libraryItemID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM review_queue WHERE library_item_id = ?`, libraryItemID)
	return err
}

func scanRecord(scan func(dest ...interface{}) error) (*Record, error) {
	var (
		rec          Record
		releaseYear  sql.NullInt64
		releaseDate  sql.NullString
		rating       sql.NullString
		runtime      sql.NullInt64
		score        sql.NullFloat64
		embedding    sql.NullString
		parentSeries sql.NullInt64

		genres, countries, studios, tags, keywords string
		actors, directors, libraryIDs, sources     string
	)

	err := scan(&rec.MetadataID, &rec.ItemType, &rec.Title, &rec.OriginalTitle, &releaseYear,
		&releaseDate, &rating, &runtime, &score, &rec.Overview, &embedding,
		&genres, &countries, &studios, &tags, &keywords, &actors, &directors, &libraryIDs,
		&parentSeries, &rec.SeasonNumber, &rec.EpisodeNumber, &rec.InLibrary,
		&rec.SubscriptionStatus, &sources, &rec.DateAdded, &rec.LastSyncedAt)
	if err != nil {
		return nil, err
	}

	rec.ReleaseYear = int(releaseYear.Int64)
	rec.ReleaseDate = releaseDate.String
	rec.UnifiedRating = rating.String
	rec.RuntimeMinutes = int(runtime.Int64)
	rec.Rating = score.Float64
	rec.ParentSeriesMetadataID = parentSeries.Int64

	if embedding.Valid {
		json.Unmarshal([]byte(embedding.String), &rec.OverviewEmbedding)
	}
	json.Unmarshal([]byte(genres), &rec.Genres)
	json.Unmarshal([]byte(countries), &rec.Countries)
	json.Unmarshal([]byte(studios), &rec.Studios)
	json.Unmarshal([]byte(tags), &rec.Tags)
	json.Unmarshal([]byte(keywords), &rec.Keywords)
	json.Unmarshal([]byte(actors), &rec.Actors)
	json.Unmarshal([]byte(directors), &rec.Directors)
	json.Unmarshal([]byte(libraryIDs), &rec.LibraryItemIDs)
	json.Unmarshal([]byte(sources), &rec.SubscriptionSources)

	return &rec, nil
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}

func jsonOrNull(v []float64) interface{} {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func zeroNull(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func zeroNull64(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func emptyNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
