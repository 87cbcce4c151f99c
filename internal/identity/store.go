package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/database"
)

// IDs is the set of external identifiers a person can carry. Nil
// pointers mean unknown.
type IDs struct {
	LibraryPersonID  *string
	MetadataPersonID *int64
	IMDBID           *string
	CulturalPersonID *string
}

// Identity is one row of the person identity map.
type Identity struct {
	MapID       int64
	IDs         IDs
	PrimaryName string
	Aliases     []string
}

// idField names one external-ID column together with its accessors.
type idField struct {
	column string
	get    func(*IDs) interface{} // nil-safe: returns nil when unset
	set    func(*IDs, interface{})
}

var idFields = []idField{
	{
		column: "metadata_person_id",
		get: func(i *IDs) interface{} {
			if i.MetadataPersonID == nil {
				return nil
			}
			return *i.MetadataPersonID
		},
		set: func(i *IDs, v interface{}) {
			n := v.(int64)
			i.MetadataPersonID = &n
		},
	},
	{
		column: "imdb_id",
		get: func(i *IDs) interface{} {
			if i.IMDBID == nil {
				return nil
			}
			return *i.IMDBID
		},
		set: func(i *IDs, v interface{}) {
			s := v.(string)
			i.IMDBID = &s
		},
	},
	{
		column: "cultural_person_id",
		get: func(i *IDs) interface{} {
			if i.CulturalPersonID == nil {
				return nil
			}
			return *i.CulturalPersonID
		},
		set: func(i *IDs, v interface{}) {
			s := v.(string)
			i.CulturalPersonID = &s
		},
	},
	{
		column: "library_person_id",
		get: func(i *IDs) interface{} {
			if i.LibraryPersonID == nil {
				return nil
			}
			return *i.LibraryPersonID
		},
		set: func(i *IDs, v interface{}) {
			s := v.(string)
			i.LibraryPersonID = &s
		},
	},
}

// Store persists the person identity map.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewStore creates an identity map store.
func NewStore(conn *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With().Str("component", "identity-store").Logger(),
	}
}

// Resolve finds or creates the identity row for the given IDs and
// returns it with any safe merges already applied. At least one
// external ID must be set.
func (s *Store) Resolve(ctx context.Context, ids IDs, primaryName string, aliases []string) (*Identity, error) {
	if !hasAnyID(&ids) {
		return nil, fmt.Errorf("identity: at least one external ID is required")
	}

	var result *Identity
	err := database.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		var err error
		result, err = s.resolveTx(ctx, tx, ids, primaryName, aliases)
		return err
	})
	return result, err
}

// ResolveTx is Resolve inside a caller-owned transaction, used by
// batch processors that group many resolutions per commit.
func (s *Store) ResolveTx(ctx context.Context, tx *sql.Tx, ids IDs, primaryName string, aliases []string) (*Identity, error) {
	if !hasAnyID(&ids) {
		return nil, fmt.Errorf("identity: at least one external ID is required")
	}
	return s.resolveTx(ctx, tx, ids, primaryName, aliases)
}

func (s *Store) resolveTx(ctx context.Context, tx *sql.Tx, ids IDs, primaryName string, aliases []string) (*Identity, error) {
	row, err := s.findByAnyID(ctx, tx, &ids)
	if err != nil {
		return nil, err
	}

	if row == nil {
		return s.insert(ctx, tx, ids, primaryName, aliases)
	}

	// Apply each incoming ID the row is missing. A collision with
	// another row triggers a safe merge; the holder survives.
	for _, f := range idFields {
		val := f.get(&ids)
		if val == nil || f.get(&row.IDs) != nil {
			continue
		}

		holder, err := s.findByField(ctx, tx, f.column, val, row.MapID)
		if err != nil {
			return nil, err
		}

		if holder == nil {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE person_identity_map SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE map_id = ?", f.column),
				val, row.MapID); err != nil {
				return nil, fmt.Errorf("set %s: %w", f.column, err)
			}
			f.set(&row.IDs, val)
			continue
		}

		merged, err := s.safeMerge(ctx, tx, row, holder)
		if err != nil {
			// A failed merge rolls back to its savepoint only; the
			// surrounding batch continues with the unmerged row.
			s.logger.Warn().Err(err).
				Int64("sourceMapId", row.MapID).
				Int64("targetMapId", holder.MapID).
				Msg("safe merge failed, keeping rows separate")
			continue
		}
		row = merged
	}

	if primaryName != "" && row.PrimaryName == "" {
		if _, err := tx.ExecContext(ctx,
			"UPDATE person_identity_map SET primary_name = ?, updated_at = CURRENT_TIMESTAMP WHERE map_id = ?",
			primaryName, row.MapID); err != nil {
			return nil, fmt.Errorf("set primary name: %w", err)
		}
		row.PrimaryName = primaryName
	}

	if len(aliases) > 0 {
		merged := mergeAliases(row.Aliases, aliases)
		if len(merged) != len(row.Aliases) {
			data, _ := json.Marshal(merged)
			if _, err := tx.ExecContext(ctx,
				"UPDATE person_identity_map SET aliases = ?, updated_at = CURRENT_TIMESTAMP WHERE map_id = ?",
				string(data), row.MapID); err != nil {
				return nil, fmt.Errorf("set aliases: %w", err)
			}
			row.Aliases = merged
		}
	}

	return row, nil
}

// safeMerge consolidates source into target under a savepoint: provider
// IDs the target lacks are copied over (stripping any third-party row
// that holds them first), the source's library binding wins outright,
// and the source row is deleted.
func (s *Store) safeMerge(ctx context.Context, tx *sql.Tx, source, target *Identity) (*Identity, error) {
	err := database.WithSavepoint(tx, "identity_merge", func() error {
		for _, f := range idFields {
			srcVal := f.get(&source.IDs)
			if srcVal == nil {
				continue
			}

			// The library binding follows the person currently being
			// processed; provider IDs only fill gaps.
			overwrite := f.column == "library_person_id"
			if !overwrite && f.get(&target.IDs) != nil {
				continue
			}

			third, err := s.findByField(ctx, tx, f.column, srcVal, source.MapID, target.MapID)
			if err != nil {
				return err
			}
			if third != nil {
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf("UPDATE person_identity_map SET %s = NULL WHERE map_id = ?", f.column),
					third.MapID); err != nil {
					return fmt.Errorf("strip %s from third party: %w", f.column, err)
				}
			}

			// Null the source first so the unique index never sees the
			// value twice.
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE person_identity_map SET %s = NULL WHERE map_id = ?", f.column),
				source.MapID); err != nil {
				return fmt.Errorf("clear source %s: %w", f.column, err)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE person_identity_map SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE map_id = ?", f.column),
				srcVal, target.MapID); err != nil {
				return fmt.Errorf("set target %s: %w", f.column, err)
			}
		}

		if target.PrimaryName == "" && source.PrimaryName != "" {
			if _, err := tx.ExecContext(ctx,
				"UPDATE person_identity_map SET primary_name = ? WHERE map_id = ?",
				source.PrimaryName, target.MapID); err != nil {
				return err
			}
		}

		merged := mergeAliases(target.Aliases, source.Aliases)
		if len(merged) != len(target.Aliases) {
			data, _ := json.Marshal(merged)
			if _, err := tx.ExecContext(ctx,
				"UPDATE person_identity_map SET aliases = ? WHERE map_id = ?",
				string(data), target.MapID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM person_identity_map WHERE map_id = ?", source.MapID); err != nil {
			return fmt.Errorf("delete merged source: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.getByMapID(ctx, tx, target.MapID)
}

// NullMetadataPersonID records an authoritative-not-found for a
// metadata person ID by clearing it on its owning row.
func (s *Store) NullMetadataPersonID(ctx context.Context, metadataPersonID int64) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE person_identity_map SET metadata_person_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE metadata_person_id = ?",
		metadataPersonID)
	return err
}

const identityColumns = "map_id, library_person_id, metadata_person_id, imdb_id, cultural_person_id, primary_name, aliases"

func (s *Store) insert(ctx context.Context, tx *sql.Tx, ids IDs, primaryName string, aliases []string) (*Identity, error) {
	aliasJSON, _ := json.Marshal(mergeAliases(nil, aliases))

	res, err := tx.ExecContext(ctx, `
		INSERT INTO person_identity_map
			(library_person_id, metadata_person_id, imdb_id, cultural_person_id, primary_name, aliases)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullable(ids.LibraryPersonID), nullableInt(ids.MetadataPersonID),
		nullable(ids.IMDBID), nullable(ids.CulturalPersonID),
		primaryName, string(aliasJSON))
	if err != nil {
		return nil, fmt.Errorf("insert identity: %w", err)
	}

	mapID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getByMapID(ctx, tx, mapID)
}

type rowScanner interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getByMapID(ctx context.Context, q rowScanner, mapID int64) (*Identity, error) {
	return scanIdentity(q.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM person_identity_map WHERE map_id = ?", mapID))
}

// GetByMetadataPersonID looks up a row by its metadata provider ID.
func (s *Store) GetByMetadataPersonID(ctx context.Context, metadataPersonID int64) (*Identity, error) {
	return scanIdentity(s.conn.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM person_identity_map WHERE metadata_person_id = ?", metadataPersonID))
}

// Lookup finds an existing row matching any of the given IDs without
// creating or merging anything. Returns nil when nothing matches.
func (s *Store) Lookup(ctx context.Context, ids IDs) (*Identity, error) {
	for _, f := range idFields {
		val := f.get(&ids)
		if val == nil {
			continue
		}
		row, err := scanIdentity(s.conn.QueryRowContext(ctx,
			"SELECT "+identityColumns+" FROM person_identity_map WHERE "+f.column+" = ?", val))
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
	}
	return nil, nil
}

func (s *Store) findByAnyID(ctx context.Context, tx *sql.Tx, ids *IDs) (*Identity, error) {
	for _, f := range idFields {
		val := f.get(ids)
		if val == nil {
			continue
		}
		row, err := s.findByField(ctx, tx, f.column, val)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
	}
	return nil, nil
}

func (s *Store) findByField(ctx context.Context, tx *sql.Tx, column string, value interface{}, excludeMapIDs ...int64) (*Identity, error) {
	query := "SELECT " + identityColumns + " FROM person_identity_map WHERE " + column + " = ?"
	args := []interface{}{value}
	for _, id := range excludeMapIDs {
		query += " AND map_id != ?"
		args = append(args, id)
	}

	row, err := scanIdentity(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return row, nil
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		id          Identity
		libraryID   sql.NullString
		metadataID  sql.NullInt64
		imdbID      sql.NullString
		culturalID  sql.NullString
		aliasesJSON string
	)

	err := row.Scan(&id.MapID, &libraryID, &metadataID, &imdbID, &culturalID, &id.PrimaryName, &aliasesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}

	if libraryID.Valid {
		id.IDs.LibraryPersonID = &libraryID.String
	}
	if metadataID.Valid {
		id.IDs.MetadataPersonID = &metadataID.Int64
	}
	if imdbID.Valid {
		id.IDs.IMDBID = &imdbID.String
	}
	if culturalID.Valid {
		id.IDs.CulturalPersonID = &culturalID.String
	}

	if err := json.Unmarshal([]byte(aliasesJSON), &id.Aliases); err != nil {
		id.Aliases = nil
	}
	return &id, nil
}

func hasAnyID(ids *IDs) bool {
	for _, f := range idFields {
		if f.get(ids) != nil {
			return true
		}
	}
	return false
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, lst := range [][]string{existing, incoming} {
		for _, a := range lst {
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
