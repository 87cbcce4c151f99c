package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/cleanup"
	"github.com/castbridge/castbridge/internal/moviepilot"
)

func (s *Server) handleCleanupList(c echo.Context) error {
	tasks, err := s.deps.Cleanup.List(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return internalError(c, err)
	}
	if tasks == nil {
		tasks = []*cleanup.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// handleCleanupResolve deletes every version except the one kept. Item
// deletion needs a user-scoped token, so the admin account signs in
// first.
func (s *Server) handleCleanupResolve(c echo.Context) error {
	metadataID, itemType, err := cleanupParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var body struct {
		KeepID string `json:"keep_id"`
	}
	if err := c.Bind(&body); err != nil || body.KeepID == "" {
		return badRequest(c, "keep_id is required")
	}

	ctx := c.Request().Context()
	auth, err := s.deps.Emby.AuthenticateByName(ctx, s.deps.Config.Emby.AdminUser, s.deps.Config.Emby.AdminPass)
	if err != nil {
		return internalError(c, err)
	}

	err = s.deps.Cleanup.Resolve(ctx, metadataID, itemType, body.KeepID, auth.AccessToken)
	if errors.Is(err, cleanup.ErrNotFound) {
		return notFound(c, "cleanup task not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCleanupIgnore(c echo.Context) error {
	metadataID, itemType, err := cleanupParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	err = s.deps.Cleanup.Ignore(c.Request().Context(), metadataID, itemType)
	if errors.Is(err, cleanup.ErrNotFound) {
		return notFound(c, "cleanup task not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCleanupResubscribe(c echo.Context) error {
	metadataID, itemType, err := cleanupParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	err = s.deps.Cleanup.Resubscribe(c.Request().Context(), metadataID, itemType)
	if errors.Is(err, cleanup.ErrNotFound) {
		return notFound(c, "cleanup task not found")
	}
	if errors.Is(err, moviepilot.ErrQuotaExhausted) {
		return quotaExhausted(c)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func cleanupParams(c echo.Context) (int64, string, error) {
	metadataID, err := strconv.ParseInt(c.Param("metadataID"), 10, 64)
	if err != nil {
		return 0, "", errors.New("invalid metadata id")
	}
	itemType := c.Param("itemType")
	if itemType == "" {
		return 0, "", errors.New("missing item type")
	}
	return metadataID, itemType, nil
}
