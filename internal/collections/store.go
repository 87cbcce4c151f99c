// Package collections implements the custom-collection engine: rule
// evaluation over cached media metadata, list imports, AI
// recommendations, library sync and cover generation.
package collections

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Collection types.
const (
	TypeFilter   = "filter"
	TypeList     = "list"
	TypeAI       = "ai_recommendation"
	TypeAIGlobal = "ai_recommendation_global"
)

// ErrNotFound is returned for missing collections.
var ErrNotFound = errors.New("collections: not found")

// Rule is one predicate of a filter definition.
type Rule struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// Source is one import source of a list definition.
type Source struct {
	Type string `json:"type"` // rss, tmdb_list, tmdb_discover, doulist, maoyan
	URL  string `json:"url,omitempty"`
	ID   string `json:"id,omitempty"`
	// Discover parameters, values may carry {today±N} macros.
	MediaType string            `json:"media_type,omitempty"` // movie or tv
	Params    map[string]string `json:"params,omitempty"`
	MaxPages  int               `json:"max_pages,omitempty"`
}

// Definition is the parsed collection definition.
type Definition struct {
	// Filter collections.
	Logic     string   `json:"logic,omitempty"` // AND or OR
	Rules     []Rule   `json:"rules,omitempty"`
	ItemTypes []string `json:"item_types,omitempty"` // Movie, Series

	// List collections.
	Sources        []Source `json:"sources,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	FilterPrompt   string   `json:"filter_prompt,omitempty"`
	GenerateCover  bool     `json:"generate_cover,omitempty"`
	CoverStyle     string   `json:"cover_style,omitempty"` // badge override
	RecommendUser  string   `json:"recommend_user,omitempty"`
	RecommendCount int      `json:"recommend_count,omitempty"`
}

// MediaRef is one entry of generated_media_info.
type MediaRef struct {
	MetadataID    int64  `json:"metadata_id"`
	ItemType      string `json:"item_type"`
	Title         string `json:"title,omitempty"`
	Year          int    `json:"year,omitempty"`
	ReleaseDate   string `json:"release_date,omitempty"`
	LibraryItemID string `json:"library_item_id,omitempty"`
	Season        *int   `json:"season,omitempty"`
	PosterPath    string `json:"poster_path,omitempty"`
}

// Collection is one custom_collections row.
type Collection struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Definition     Definition `json:"definition"`
	Status         string     `json:"status"`
	SortOrder      int        `json:"sort_order"`
	AllowedUserIDs []string   `json:"allowed_user_ids,omitempty"`
	LibraryItemID  string     `json:"library_item_id,omitempty"`
	InLibraryCount int        `json:"in_library_count"`
	Media          []MediaRef `json:"generated_media_info"`
	ShowInLatest   bool       `json:"show_in_latest"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
}

// VisibleTo reports whether a user may see the collection. An empty
// allow list means everyone.
func (c *Collection) VisibleTo(userID string) bool {
	if len(c.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CollectionType maps the declared item types onto a library view
// type: movies, tvshows or mixed.
func (c *Collection) CollectionType() string {
	hasMovie, hasSeries := false, false
	for _, t := range c.Definition.ItemTypes {
		switch t {
		case "Movie":
			hasMovie = true
		case "Series":
			hasSeries = true
		}
	}
	switch {
	case hasMovie && !hasSeries:
		return "movies"
	case hasSeries && !hasMovie:
		return "tvshows"
	default:
		return "mixed"
	}
}

// Store persists custom collections.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewStore creates a collection store.
func NewStore(conn *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With().Str("component", "collections-store").Logger(),
	}
}

const collectionColumns = `id, name, type, definition, status, sort_order, allowed_user_ids,
	library_item_id, in_library_count, generated_media_info, show_in_latest, last_synced_at`

// Create inserts a collection and returns it with its assigned ID.
func (s *Store) Create(ctx context.Context, c *Collection) (*Collection, error) {
	if c.Status == "" {
		c.Status = "active"
	}
	def, _ := json.Marshal(c.Definition)
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO custom_collections
			(name, type, definition, status, sort_order, allowed_user_ids, show_in_latest)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Type, string(def), c.Status, c.SortOrder, jsonOrNull(c.AllowedUserIDs), c.ShowInLatest)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.Get(ctx, id)
}

// Update rewrites the editable fields of a collection.
func (s *Store) Update(ctx context.Context, c *Collection) error {
	def, _ := json.Marshal(c.Definition)
	res, err := s.conn.ExecContext(ctx, `
		UPDATE custom_collections SET
			name = ?, definition = ?, status = ?, sort_order = ?,
			allowed_user_ids = ?, show_in_latest = ?
		WHERE id = ?`,
		c.Name, string(def), c.Status, c.SortOrder, jsonOrNull(c.AllowedUserIDs), c.ShowInLatest, c.ID)
	if err != nil {
		return fmt.Errorf("update collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSyncResult records the outcome of a library sync.
func (s *Store) SetSyncResult(ctx context.Context, id int64, libraryItemID string, media []MediaRef, inLibrary int) error {
	info, _ := json.Marshal(media)
	if media == nil {
		info = []byte("[]")
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE custom_collections SET
			library_item_id = ?, generated_media_info = ?, in_library_count = ?,
			last_synced_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		zeroNullStr(libraryItemID), string(info), inLibrary, id)
	return err
}

// SetStatus toggles a collection between active and paused.
func (s *Store) SetStatus(ctx context.Context, id int64, status string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE custom_collections SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one collection.
func (s *Store) Get(ctx context.Context, id int64) (*Collection, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM custom_collections WHERE id = ?`, id)
	c, err := scanCollection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// List returns collections ordered by sort_order then name. When
// activeOnly is set, paused collections are skipped.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM custom_collections`
	if activeOnly {
		q += ` WHERE status = 'active'`
	}
	q += ` ORDER BY sort_order, name`

	rows, err := s.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes a collection.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM custom_collections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCollection(scan func(dest ...interface{}) error) (*Collection, error) {
	var (
		c       Collection
		def     string
		allowed sql.NullString
		libID   sql.NullString
		media   string
	)
	if err := scan(&c.ID, &c.Name, &c.Type, &def, &c.Status, &c.SortOrder,
		&allowed, &libID, &c.InLibraryCount, &media, &c.ShowInLatest, &c.LastSyncedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(def), &c.Definition)
	if allowed.Valid {
		json.Unmarshal([]byte(allowed.String), &c.AllowedUserIDs)
	}
	c.LibraryItemID = libID.String
	json.Unmarshal([]byte(media), &c.Media)
	return &c, nil
}

func jsonOrNull(list []string) interface{} {
	if len(list) == 0 {
		return nil
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func zeroNullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
