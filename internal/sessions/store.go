// Package sessions persists per-user playback state and the active
// playback heartbeats.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MediaState is one user_media_state row.
type MediaState struct {
	UserID                string
	LibraryItemID         string
	IsFavorite            bool
	IsPlayed              bool
	PlaybackPositionTicks int64
	LastPlayedAt          *time.Time
}

// StateUpdate carries the fields of one user-data event. Nil fields
// leave the stored value untouched.
type StateUpdate struct {
	IsFavorite            *bool
	IsPlayed              *bool
	PlaybackPositionTicks *int64
	LastPlayedAt          *time.Time
}

// Store persists user media state and session heartbeats.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewStore creates a sessions store.
func NewStore(conn *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With().Str("component", "sessions").Logger(),
	}
}

// ApplyState merges an update into the user's state row.
func (s *Store) ApplyState(ctx context.Context, userID, libraryItemID string, upd StateUpdate) error {
	current, err := s.GetState(ctx, userID, libraryItemID)
	if err != nil {
		return err
	}
	if current == nil {
		current = &MediaState{UserID: userID, LibraryItemID: libraryItemID}
	}

	if upd.IsFavorite != nil {
		current.IsFavorite = *upd.IsFavorite
	}
	if upd.IsPlayed != nil {
		current.IsPlayed = *upd.IsPlayed
	}
	if upd.PlaybackPositionTicks != nil {
		current.PlaybackPositionTicks = *upd.PlaybackPositionTicks
	}
	if upd.LastPlayedAt != nil {
		current.LastPlayedAt = upd.LastPlayedAt
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO user_media_state
			(user_id, library_item_id, is_favorite, is_played, playback_position_ticks, last_played_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, library_item_id) DO UPDATE SET
			is_favorite = excluded.is_favorite,
			is_played = excluded.is_played,
			playback_position_ticks = excluded.playback_position_ticks,
			last_played_at = excluded.last_played_at`,
		current.UserID, current.LibraryItemID, current.IsFavorite, current.IsPlayed,
		current.PlaybackPositionTicks, current.LastPlayedAt)
	if err != nil {
		return fmt.Errorf("apply user media state: %w", err)
	}
	return nil
}

// GetState loads one state row, nil when absent.
func (s *Store) GetState(ctx context.Context, userID, libraryItemID string) (*MediaState, error) {
	var st MediaState
	err := s.conn.QueryRowContext(ctx, `
		SELECT user_id, library_item_id, is_favorite, is_played, playback_position_ticks, last_played_at
		FROM user_media_state WHERE user_id = ? AND library_item_id = ?`,
		userID, libraryItemID).Scan(&st.UserID, &st.LibraryItemID, &st.IsFavorite,
		&st.IsPlayed, &st.PlaybackPositionTicks, &st.LastPlayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user media state: %w", err)
	}
	return &st, nil
}

// TopRated returns the user's favorited or completed items, newest
// first, for recommendation history.
func (s *Store) TopRated(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT library_item_id FROM user_media_state
		WHERE user_id = ? AND (is_favorite = 1 OR is_played = 1)
		ORDER BY last_played_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("top rated: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Heartbeat upserts an active-session row.
func (s *Store) Heartbeat(ctx context.Context, userID, libraryItemID string, positionTicks int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO active_sessions (user_id, library_item_id, position_ticks, last_updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, library_item_id) DO UPDATE SET
			position_ticks = excluded.position_ticks,
			last_updated_at = CURRENT_TIMESTAMP`,
		userID, libraryItemID, positionTicks)
	if err != nil {
		return fmt.Errorf("session heartbeat: %w", err)
	}
	return nil
}

// EndSession removes an active-session row.
func (s *Store) EndSession(ctx context.Context, userID, libraryItemID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE user_id = ? AND library_item_id = ?`,
		userID, libraryItemID)
	return err
}

// ActiveCount returns the number of live sessions for a user.
func (s *Store) ActiveCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM active_sessions
		WHERE user_id = ? AND last_updated_at >= datetime('now', '-15 minutes')`,
		userID).Scan(&n)
	return n, err
}

// GC removes heartbeats older than the staleness window. Registered as
// a scheduled task.
func (s *Store) GC(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE last_updated_at < datetime('now', '-15 minutes')`)
	if err != nil {
		return 0, fmt.Errorf("session gc: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("stale sessions collected")
	}
	return n, nil
}
