package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/worker"
)

func (s *Server) handleCollectionsList(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	cols, err := s.deps.Collections.Store().List(c.Request().Context(), activeOnly)
	if err != nil {
		return internalError(c, err)
	}
	if cols == nil {
		cols = []*collections.Collection{}
	}
	return c.JSON(http.StatusOK, cols)
}

func (s *Server) handleCollectionCreate(c echo.Context) error {
	var col collections.Collection
	if err := c.Bind(&col); err != nil {
		return badRequest(c, "invalid collection body")
	}
	if col.Name == "" || col.Type == "" {
		return badRequest(c, "name and type are required")
	}
	switch col.Type {
	case collections.TypeFilter, collections.TypeList, collections.TypeAI, collections.TypeAIGlobal:
	default:
		return badRequest(c, "unknown collection type: "+col.Type)
	}

	created, err := s.deps.Collections.Store().Create(c.Request().Context(), &col)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleCollectionGet(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid collection id")
	}
	col, err := s.deps.Collections.Store().Get(c.Request().Context(), id)
	if errors.Is(err, collections.ErrNotFound) {
		return notFound(c, "collection not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) handleCollectionUpdate(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid collection id")
	}
	var col collections.Collection
	if err := c.Bind(&col); err != nil {
		return badRequest(c, "invalid collection body")
	}
	col.ID = id

	err = s.deps.Collections.Store().Update(c.Request().Context(), &col)
	if errors.Is(err, collections.ErrNotFound) {
		return notFound(c, "collection not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return s.handleCollectionGet(c)
}

func (s *Server) handleCollectionDelete(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid collection id")
	}
	if err := s.deps.Collections.Store().Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, collections.ErrNotFound) {
			return notFound(c, "collection not found")
		}
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleCollectionSync runs one collection sync on the worker queue.
func (s *Server) handleCollectionSync(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid collection id")
	}
	col, err := s.deps.Collections.Store().Get(c.Request().Context(), id)
	if errors.Is(err, collections.ErrNotFound) {
		return notFound(c, "collection not found")
	}
	if err != nil {
		return internalError(c, err)
	}

	s.submitCollectionSync(col.ID, col.Name)
	return c.JSON(http.StatusAccepted, map[string]string{"syncing": col.Name})
}

func (s *Server) handleCollectionStatus(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid collection id")
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil || (body.Status != "active" && body.Status != "paused") {
		return badRequest(c, "status must be active or paused")
	}

	err = s.deps.Collections.Store().SetStatus(c.Request().Context(), id, body.Status)
	if errors.Is(err, collections.ErrNotFound) {
		return notFound(c, "collection not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleCollectionMediaOverride forces a subscription status on one of
// the collection's items.
func (s *Server) handleCollectionMediaOverride(c echo.Context) error {
	var body struct {
		MetadataID int64  `json:"metadata_id"`
		ItemType   string `json:"item_type"`
		Status     string `json:"status"`
	}
	if err := c.Bind(&body); err != nil || body.MetadataID == 0 || body.ItemType == "" {
		return badRequest(c, "metadata_id, item_type and status are required")
	}
	switch body.Status {
	case metadata.StatusNone, metadata.StatusWanted, metadata.StatusPendingRelease,
		metadata.StatusSubscribed, metadata.StatusIgnored, metadata.StatusPaused:
	default:
		return badRequest(c, "unknown status: "+body.Status)
	}

	err := s.deps.Media.SetSubscriptionStatus(c.Request().Context(), body.MetadataID, body.ItemType, body.Status)
	if errors.Is(err, metadata.ErrNotFound) {
		return notFound(c, "media record not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleCollectionMatchCorrection rebinds a list entry to a different
// metadata ID, optionally with a season number, then refreshes its
// library linkage.
func (s *Server) handleCollectionMatchCorrection(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid collection id")
	}
	var body struct {
		FromMetadataID int64  `json:"from_metadata_id"`
		ToMetadataID   int64  `json:"to_metadata_id"`
		ItemType       string `json:"item_type"`
		Season         *int   `json:"season,omitempty"`
		Title          string `json:"title,omitempty"`
	}
	if err := c.Bind(&body); err != nil || body.ToMetadataID == 0 || body.ItemType == "" {
		return badRequest(c, "to_metadata_id and item_type are required")
	}

	ctx := c.Request().Context()
	col, err := s.deps.Collections.Store().Get(ctx, id)
	if errors.Is(err, collections.ErrNotFound) {
		return notFound(c, "collection not found")
	}
	if err != nil {
		return internalError(c, err)
	}

	corrected := false
	for i := range col.Media {
		ref := &col.Media[i]
		if ref.MetadataID != body.FromMetadataID || ref.ItemType != body.ItemType {
			continue
		}
		ref.MetadataID = body.ToMetadataID
		ref.Season = body.Season
		if body.Title != "" {
			ref.Title = body.Title
		}
		ref.LibraryItemID = ""
		if rec, err := s.deps.Media.Get(ctx, body.ToMetadataID, body.ItemType); err == nil && len(rec.LibraryItemIDs) > 0 {
			ref.LibraryItemID = rec.LibraryItemIDs[0]
		}
		corrected = true
		break
	}
	if !corrected {
		return notFound(c, "entry not found in collection")
	}

	if err := s.deps.Collections.Store().SetSyncResult(ctx, col.ID, col.LibraryItemID, col.Media, col.InLibraryCount); err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

// submitCollectionSync queues a single-collection sync.
func (s *Server) submitCollectionSync(id int64, name string) {
	s.deps.Worker.Submit(worker.Task{
		Name:      "同步合集: " + name,
		Processor: "collections",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return s.deps.Collections.Sync(ctx, id)
		},
	})
}

func paramInt64(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}
