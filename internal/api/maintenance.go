package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/metadata"
)

// exportTables is every table carried by a database export, in
// dependency order so an overwrite import can replay them directly.
var exportTables = []string{
	"person_identity_map",
	"translation_cache",
	"media_metadata",
	"asset_details",
	"watchlist",
	"user_media_state",
	"custom_collections",
	"cleanup_tasks",
	"user_templates",
	"invitations",
	"user_extensions",
	"processed_items",
	"review_queue",
	"actor_subscriptions",
	"tracked_actor_media",
	"subscription_quota",
	"app_settings",
}

// shareTables are portable between servers: their rows key on external
// provider IDs rather than on this server's library item IDs.
var shareTables = map[string]bool{
	"person_identity_map": true,
	"translation_cache":   true,
}

type databaseExport struct {
	ServerID   string                              `json:"server_id"`
	ExportedAt time.Time                           `json:"exported_at"`
	Tables     map[string][]map[string]interface{} `json:"tables"`
}

// handleExport dumps the whole database as JSON, stamped with the
// library server's ID so imports can tell overwrite from share.
func (s *Server) handleExport(c echo.Context) error {
	ctx := c.Request().Context()

	info, err := s.deps.Emby.GetSystemInfo(ctx)
	if err != nil {
		return internalError(c, err)
	}

	dump := databaseExport{
		ServerID:   info.ID,
		ExportedAt: time.Now().UTC(),
		Tables:     make(map[string][]map[string]interface{}, len(exportTables)),
	}
	for _, table := range exportTables {
		rows, err := dumpTable(c, s.deps.Conn, table)
		if err != nil {
			return internalError(c, fmt.Errorf("export %s: %w", table, err))
		}
		dump.Tables[table] = rows
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="castbridge-%s.json"`, time.Now().Format("20060102")))
	return c.JSON(http.StatusOK, dump)
}

// handleImport restores an export. Same server ID means a full
// overwrite of every table in the file. A different server ID means
// the file came from another deployment: only the portable tables are
// merged, and existing rows win.
func (s *Server) handleImport(c echo.Context) error {
	var dump databaseExport
	if err := c.Bind(&dump); err != nil || len(dump.Tables) == 0 {
		return badRequest(c, "invalid export file")
	}

	ctx := c.Request().Context()
	info, err := s.deps.Emby.GetSystemInfo(ctx)
	if err != nil {
		return internalError(c, err)
	}
	overwrite := dump.ServerID != "" && dump.ServerID == info.ID

	tx, err := s.deps.Conn.BeginTx(ctx, nil)
	if err != nil {
		return internalError(c, err)
	}
	defer tx.Rollback()

	imported := map[string]int{}
	for _, table := range exportTables {
		rows, ok := dump.Tables[table]
		if !ok {
			continue
		}
		if !overwrite && !shareTables[table] {
			continue
		}
		if overwrite {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return internalError(c, fmt.Errorf("clear %s: %w", table, err))
			}
		}
		n, err := insertRows(ctx, tx, table, rows, !overwrite)
		if err != nil {
			return internalError(c, fmt.Errorf("import %s: %w", table, err))
		}
		imported[table] = n
	}
	if err := tx.Commit(); err != nil {
		return internalError(c, err)
	}

	mode := "share"
	if overwrite {
		mode = "overwrite"
	}
	s.logger.Info().Str("mode", mode).Str("source_server", dump.ServerID).Msg("database import finished")
	return c.JSON(http.StatusOK, map[string]interface{}{"mode": mode, "imported": imported})
}

// handleFixSequences realigns AUTOINCREMENT counters with the actual
// max IDs, needed after an overwrite import.
func (s *Server) handleFixSequences(c echo.Context) error {
	ctx := c.Request().Context()

	rows, err := s.deps.Conn.QueryContext(ctx, `SELECT name FROM sqlite_sequence`)
	if err != nil {
		return internalError(c, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return internalError(c, err)
		}
		names = append(names, name)
	}
	rows.Close()

	fixed := 0
	for _, name := range names {
		var maxID int64
		if err := s.deps.Conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", name)).Scan(&maxID); err != nil {
			continue
		}
		if _, err := s.deps.Conn.ExecContext(ctx,
			`UPDATE sqlite_sequence SET seq = ? WHERE name = ?`, maxID, name); err != nil {
			return internalError(c, err)
		}
		fixed++
	}
	return c.JSON(http.StatusOK, map[string]int{"fixed": fixed})
}

// handleClearTable wipes one table. Only the export set is eligible.
func (s *Server) handleClearTable(c echo.Context) error {
	var body struct {
		Table string `json:"table"`
	}
	if err := c.Bind(&body); err != nil || body.Table == "" {
		return badRequest(c, "table is required")
	}
	allowed := false
	for _, t := range exportTables {
		if t == body.Table {
			allowed = true
			break
		}
	}
	if !allowed {
		return badRequest(c, "table not clearable: "+body.Table)
	}

	res, err := s.deps.Conn.ExecContext(c.Request().Context(), "DELETE FROM "+body.Table)
	if err != nil {
		return internalError(c, err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info().Str("table", body.Table).Int64("rows", n).Msg("table cleared")
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleReviewList(c echo.Context) error {
	entries, err := s.deps.Media.ListReview(c.Request().Context())
	if err != nil {
		return internalError(c, err)
	}
	if entries == nil {
		entries = []metadata.ReviewEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleReviewDelete(c echo.Context) error {
	if err := s.deps.Media.DeleteReview(c.Request().Context(), c.Param("itemID")); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// dumpTable reads every row of a table into generic maps.
func dumpTable(c echo.Context, conn *sql.DB, table string) ([]map[string]interface{}, error) {
	rows, err := conn.QueryContext(c.Request().Context(), "SELECT * FROM "+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// insertRows replays exported rows. Column order comes from sorted
// keys so the generated statement is stable.
func insertRows(ctx context.Context, tx *sql.Tx, table string, rows []map[string]interface{}, ignoreConflicts bool) (int, error) {
	inserted := 0
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		args := make([]interface{}, len(cols))
		marks := make([]string, len(cols))
		for i, col := range cols {
			args[i] = row[col]
			marks[i] = "?"
		}

		verb := "INSERT"
		if ignoreConflicts {
			verb = "INSERT OR IGNORE"
		}
		stmt := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
			verb, table, strings.Join(cols, ", "), strings.Join(marks, ", "))
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}
