package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/moviepilot"
	"github.com/castbridge/castbridge/internal/watchlist"
	"github.com/castbridge/castbridge/internal/worker"
)

func (s *Server) handleWatchlistList(c echo.Context) error {
	entries, err := s.deps.Watchlist.Store().List(c.Request().Context())
	if err != nil {
		return internalError(c, err)
	}
	if entries == nil {
		entries = []*watchlist.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// handleWatchlistAdd tracks a series manually. The library item is
// looked up so the entry carries its real name.
func (s *Server) handleWatchlistAdd(c echo.Context) error {
	var body struct {
		LibrarySeriesID string `json:"library_series_id"`
		MetadataID      int64  `json:"metadata_id"`
	}
	if err := c.Bind(&body); err != nil || body.LibrarySeriesID == "" || body.MetadataID == 0 {
		return badRequest(c, "library_series_id and metadata_id are required")
	}

	ctx := c.Request().Context()
	item, err := s.deps.Emby.GetItem(ctx, body.LibrarySeriesID)
	if err != nil {
		return badRequest(c, "library item not found")
	}
	s.deps.Watchlist.Add(ctx, item, body.MetadataID)

	entry, err := s.deps.Watchlist.Store().Get(ctx, body.LibrarySeriesID)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleWatchlistDelete(c echo.Context) error {
	err := s.deps.Watchlist.Store().Delete(c.Request().Context(), c.Param("seriesID"))
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "watchlist entry not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type seriesBatch struct {
	LibrarySeriesIDs []string `json:"library_series_ids"`
}

func (s *Server) handleWatchlistForceEnd(c echo.Context) error {
	var body seriesBatch
	if err := c.Bind(&body); err != nil || len(body.LibrarySeriesIDs) == 0 {
		return badRequest(c, "library_series_ids is required")
	}
	if err := s.deps.Watchlist.ForceEnd(c.Request().Context(), body.LibrarySeriesIDs); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleWatchlistResubscribe(c echo.Context) error {
	var body seriesBatch
	if err := c.Bind(&body); err != nil || len(body.LibrarySeriesIDs) == 0 {
		return badRequest(c, "library_series_ids is required")
	}
	if err := s.deps.Watchlist.Resubscribe(c.Request().Context(), body.LibrarySeriesIDs); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleWatchlistSubscribeGaps(c echo.Context) error {
	count, err := s.deps.Watchlist.SubscribeGaps(c.Request().Context(), c.Param("seriesID"))
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "watchlist entry not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"subscribed_seasons": count})
}

func (s *Server) handleWatchlistSubscribeSeason(c echo.Context) error {
	var body struct {
		Season int `json:"season"`
	}
	if err := c.Bind(&body); err != nil || body.Season <= 0 {
		return badRequest(c, "season must be positive")
	}
	err := s.deps.Watchlist.SubscribeSeason(c.Request().Context(), c.Param("seriesID"), body.Season)
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "watchlist entry not found")
	}
	if errors.Is(err, moviepilot.ErrQuotaExhausted) {
		return quotaExhausted(c)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleActorList(c echo.Context) error {
	subs, err := s.deps.Actors.List(c.Request().Context())
	if err != nil {
		return internalError(c, err)
	}
	if subs == nil {
		subs = []*watchlist.ActorSubscription{}
	}
	return c.JSON(http.StatusOK, subs)
}

func (s *Server) handleActorCreate(c echo.Context) error {
	var body struct {
		PersonName       string                 `json:"person_name"`
		MetadataPersonID int64                  `json:"metadata_person_id"`
		Config           watchlist.FilterConfig `json:"config"`
	}
	if err := c.Bind(&body); err != nil || body.PersonName == "" || body.MetadataPersonID == 0 {
		return badRequest(c, "person_name and metadata_person_id are required")
	}

	sub, err := s.deps.Actors.Create(c.Request().Context(), body.PersonName, body.MetadataPersonID, body.Config)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleActorGet(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	sub, err := s.deps.Actors.Get(c.Request().Context(), id)
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "subscription not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleActorUpdate(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	var cfg watchlist.FilterConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, "invalid filter config")
	}
	err = s.deps.Actors.UpdateConfig(c.Request().Context(), id, cfg)
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "subscription not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleActorDelete(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	if err := s.deps.Actors.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, watchlist.ErrNotFound) {
			return notFound(c, "subscription not found")
		}
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleActorRefresh queues a single-subscription refresh.
func (s *Server) handleActorRefresh(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	sub, err := s.deps.Actors.Get(c.Request().Context(), id)
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "subscription not found")
	}
	if err != nil {
		return internalError(c, err)
	}

	s.deps.Worker.Submit(worker.Task{
		Name:      "检查演员: " + sub.PersonName,
		Processor: "actors",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return s.deps.Actors.Refresh(ctx, id)
		},
	})
	return c.JSON(http.StatusAccepted, map[string]string{"refreshing": sub.PersonName})
}

func (s *Server) handleActorTracked(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	media, err := s.deps.Actors.Tracked(c.Request().Context(), id)
	if err != nil {
		return internalError(c, err)
	}
	if media == nil {
		media = []watchlist.TrackedMedia{}
	}
	return c.JSON(http.StatusOK, media)
}

type trackedMediaRef struct {
	MetadataID int64  `json:"metadata_id"`
	ItemType   string `json:"item_type"`
	Status     string `json:"status,omitempty"`
}

func (s *Server) handleActorSubscribeMedia(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	var body trackedMediaRef
	if err := c.Bind(&body); err != nil || body.MetadataID == 0 || body.ItemType == "" {
		return badRequest(c, "metadata_id and item_type are required")
	}
	if err := s.deps.Actors.Subscribe(c.Request().Context(), id, body.MetadataID, body.ItemType); err != nil {
		if errors.Is(err, moviepilot.ErrQuotaExhausted) {
			return quotaExhausted(c)
		}
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleActorOverrideMedia(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid subscription id")
	}
	var body trackedMediaRef
	if err := c.Bind(&body); err != nil || body.MetadataID == 0 || body.ItemType == "" || body.Status == "" {
		return badRequest(c, "metadata_id, item_type and status are required")
	}
	err = s.deps.Actors.OverrideStatus(c.Request().Context(), id, body.MetadataID, body.ItemType, body.Status)
	if errors.Is(err, watchlist.ErrNotFound) {
		return notFound(c, "tracked media not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
