// Package cleanup finds library items that exist in multiple versions
// and drives their resolution: keep the best copy, delete the rest, or
// request a quality-upgrade download.
package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/moviepilot"
)

// Task statuses.
const (
	StatusPending      = "pending"
	StatusResolved     = "resolved"
	StatusIgnored      = "ignored"
	StatusResubscribed = "resubscribed"
)

// ErrNotFound is returned when a cleanup task does not exist.
var ErrNotFound = errors.New("cleanup: task not found")

// Version is one playable copy of a duplicated item.
type Version struct {
	LibraryItemID string `json:"library_item_id"`
	Path          string `json:"path,omitempty"`
	Container     string `json:"container,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Bitrate       int64  `json:"bitrate,omitempty"`
	Size          int64  `json:"size,omitempty"`
}

// Task records the duplicate versions found for one metadata row.
type Task struct {
	MetadataID    int64     `json:"metadata_id"`
	ItemType      string    `json:"item_type"`
	Title         string    `json:"title"`
	Versions      []Version `json:"versions"`
	BestVersionID string    `json:"best_version_id,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Service scans for duplicates and resolves cleanup tasks.
type Service struct {
	conn       *sql.DB
	media      *metadata.Store
	emby       *emby.Client
	subscriber *moviepilot.Service
	logger     zerolog.Logger
}

// NewService creates the cleanup service.
func NewService(conn *sql.DB, media *metadata.Store, embyClient *emby.Client, subscriber *moviepilot.Service, logger zerolog.Logger) *Service {
	return &Service{
		conn:       conn,
		media:      media,
		emby:       embyClient,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "cleanup").Logger(),
	}
}

// Scan walks the library cache for metadata rows backed by more than
// one library item, probes each copy's media streams and upserts a
// cleanup task per duplicated row. Tasks whose rows no longer hold
// duplicates are removed, except resolved ones which are kept as a
// record of the action taken.
func (s *Service) Scan(ctx context.Context, stopped func() bool, progress func(pct float64, msg string)) error {
	records, err := s.media.ListInLibrary(ctx, metadata.TypeMovie, metadata.TypeSeries)
	if err != nil {
		return err
	}

	found := 0
	seen := map[string]bool{}
	for i, rec := range records {
		if stopped != nil && stopped() {
			return nil
		}
		if progress != nil && len(records) > 0 {
			progress(float64(i)/float64(len(records))*100, fmt.Sprintf("检查重复版本: %s", rec.Title))
		}
		if len(rec.LibraryItemIDs) < 2 {
			continue
		}

		versions := s.probeVersions(ctx, rec.LibraryItemIDs)
		if len(versions) < 2 {
			continue
		}
		best := pickBest(versions)
		if err := s.upsertTask(ctx, rec, versions, best.LibraryItemID); err != nil {
			s.logger.Warn().Err(err).Int64("metadata_id", rec.MetadataID).Msg("cleanup task upsert failed")
			continue
		}
		seen[taskKey(rec.MetadataID, rec.ItemType)] = true
		found++
	}

	if err := s.pruneStale(ctx, seen); err != nil {
		return err
	}
	s.logger.Info().Int("duplicates", found).Msg("duplicate scan finished")
	return nil
}

// probeVersions fetches stream details for each library copy. A copy
// whose probe fails is still listed so the task reflects reality.
func (s *Service) probeVersions(ctx context.Context, libraryItemIDs []string) []Version {
	var out []Version
	for _, id := range libraryItemIDs {
		v := Version{LibraryItemID: id}
		sources, err := s.emby.GetMediaStreams(ctx, id)
		if err != nil {
			s.logger.Debug().Err(err).Str("item", id).Msg("media stream probe failed")
			out = append(out, v)
			continue
		}
		if len(sources) > 0 {
			src := sources[0]
			v.Path = src.Path
			v.Container = src.Container
			v.Bitrate = src.Bitrate
			v.Size = src.Size
			for _, stream := range src.MediaStreams {
				if stream.Type == "Video" {
					v.Width = stream.Width
					v.Height = stream.Height
					break
				}
			}
		}
		out = append(out, v)
	}
	return out
}

// pickBest prefers the highest resolution, then bitrate, then size.
func pickBest(versions []Version) Version {
	best := versions[0]
	for _, v := range versions[1:] {
		switch {
		case v.Height != best.Height:
			if v.Height > best.Height {
				best = v
			}
		case v.Bitrate != best.Bitrate:
			if v.Bitrate > best.Bitrate {
				best = v
			}
		case v.Size > best.Size:
			best = v
		}
	}
	return best
}

func (s *Service) upsertTask(ctx context.Context, rec *metadata.Record, versions []Version, bestID string) error {
	raw, err := json.Marshal(versions)
	if err != nil {
		return err
	}
	// A re-scan refreshes the version list and reopens ignored tasks
	// only when the duplicate set changed; resolved tasks stay closed.
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO cleanup_tasks (metadata_id, item_type, versions, best_version_id, status)
		VALUES (?, ?, ?, ?, 'pending')
		ON CONFLICT(metadata_id, item_type) DO UPDATE SET
			versions = excluded.versions,
			best_version_id = excluded.best_version_id,
			status = CASE
				WHEN cleanup_tasks.status = 'ignored' AND cleanup_tasks.versions != excluded.versions THEN 'pending'
				ELSE cleanup_tasks.status
			END`,
		rec.MetadataID, rec.ItemType, string(raw), bestID)
	return err
}

// pruneStale drops non-resolved tasks whose duplicates disappeared.
func (s *Service) pruneStale(ctx context.Context, seen map[string]bool) error {
	tasks, err := s.List(ctx, "")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if seen[taskKey(t.MetadataID, t.ItemType)] || t.Status == StatusResolved {
			continue
		}
		if _, err := s.conn.ExecContext(ctx,
			`DELETE FROM cleanup_tasks WHERE metadata_id = ? AND item_type = ?`,
			t.MetadataID, t.ItemType); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one task.
func (s *Service) Get(ctx context.Context, metadataID int64, itemType string) (*Task, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT metadata_id, item_type, versions, best_version_id, status, created_at
		FROM cleanup_tasks WHERE metadata_id = ? AND item_type = ?`, metadataID, itemType)
	t, err := s.scanTask(ctx, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// List returns tasks, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]*Task, error) {
	query := `
		SELECT metadata_id, item_type, versions, best_version_id, status, created_at
		FROM cleanup_tasks`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cleanup tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scanTask(ctx, rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Resolve keeps one version and deletes the others from the library.
// Deletion needs an admin access token obtained via credential login.
func (s *Service) Resolve(ctx context.Context, metadataID int64, itemType, keepID, accessToken string) error {
	t, err := s.Get(ctx, metadataID, itemType)
	if err != nil {
		return err
	}

	keepFound := false
	for _, v := range t.Versions {
		if v.LibraryItemID == keepID {
			keepFound = true
			break
		}
	}
	if !keepFound {
		return fmt.Errorf("version %s is not part of task %d/%s", keepID, metadataID, itemType)
	}

	for _, v := range t.Versions {
		if v.LibraryItemID == keepID {
			continue
		}
		if err := s.emby.DeleteItem(ctx, v.LibraryItemID, accessToken); err != nil {
			return fmt.Errorf("delete version %s: %w", v.LibraryItemID, err)
		}
		if err := s.media.RemoveLibraryItem(ctx, v.LibraryItemID); err != nil {
			s.logger.Warn().Err(err).Str("item", v.LibraryItemID).Msg("cache removal failed")
		}
		s.logger.Info().Str("item", v.LibraryItemID).Str("kept", keepID).Msg("duplicate version deleted")
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE cleanup_tasks SET status = 'resolved', best_version_id = ?
		WHERE metadata_id = ? AND item_type = ?`, keepID, metadataID, itemType)
	return err
}

// Ignore closes a task without touching the library.
func (s *Service) Ignore(ctx context.Context, metadataID int64, itemType string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE cleanup_tasks SET status = 'ignored'
		WHERE metadata_id = ? AND item_type = ?`, metadataID, itemType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Resubscribe asks the downloader for a quality-upgrade copy of the
// item and marks the task accordingly.
func (s *Service) Resubscribe(ctx context.Context, metadataID int64, itemType string) error {
	t, err := s.Get(ctx, metadataID, itemType)
	if err != nil {
		return err
	}

	mediaType := "电影"
	if itemType == metadata.TypeSeries {
		mediaType = "电视剧"
	}
	if err := s.subscriber.Subscribe(ctx, moviepilot.SubscribeRequest{
		Name:        t.Title,
		TMDBID:      int(metadataID),
		Type:        mediaType,
		BestVersion: 1,
	}); err != nil {
		return fmt.Errorf("resubscribe %s: %w", t.Title, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE cleanup_tasks SET status = 'resubscribed'
		WHERE metadata_id = ? AND item_type = ?`, metadataID, itemType)
	return err
}

// Delete removes a task row.
func (s *Service) Delete(ctx context.Context, metadataID int64, itemType string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM cleanup_tasks WHERE metadata_id = ? AND item_type = ?`, metadataID, itemType)
	return err
}

func (s *Service) scanTask(ctx context.Context, scan func(dest ...interface{}) error) (*Task, error) {
	var (
		t        Task
		versions string
		best     sql.NullString
	)
	if err := scan(&t.MetadataID, &t.ItemType, &versions, &best, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(versions), &t.Versions); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}
	t.BestVersionID = best.String

	if rec, err := s.media.Get(ctx, t.MetadataID, t.ItemType); err == nil {
		t.Title = rec.Title
	}
	return &t, nil
}

func taskKey(metadataID int64, itemType string) string {
	return fmt.Sprintf("%d:%s", metadataID, itemType)
}
