package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/usertemplate"
)

func (s *Server) handleTemplatesList(c echo.Context) error {
	templates, err := s.deps.Templates.ListTemplates(c.Request().Context())
	if err != nil {
		return internalError(c, err)
	}
	if templates == nil {
		templates = []*usertemplate.Template{}
	}
	return c.JSON(http.StatusOK, templates)
}

func (s *Server) handleTemplateCreate(c echo.Context) error {
	var body struct {
		Name                  string `json:"name"`
		SourceUserID          string `json:"source_user_id"`
		MaxConcurrentStreams  int    `json:"max_concurrent_streams"`
		DefaultExpirationDays int    `json:"default_expiration_days"`
	}
	if err := c.Bind(&body); err != nil || body.Name == "" || body.SourceUserID == "" {
		return badRequest(c, "name and source_user_id are required")
	}

	tpl, err := s.deps.Templates.CreateTemplate(c.Request().Context(),
		body.Name, body.SourceUserID, body.MaxConcurrentStreams, body.DefaultExpirationDays)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, tpl)
}

func (s *Server) handleTemplateDelete(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid template id")
	}
	if err := s.deps.Templates.DeleteTemplate(c.Request().Context(), id); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTemplateSync(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return badRequest(c, "invalid template id")
	}
	var body struct {
		IncludeConfiguration bool `json:"include_configuration"`
	}
	_ = c.Bind(&body)

	pushed, err := s.deps.Templates.SyncTemplate(c.Request().Context(), id, body.IncludeConfiguration)
	if errors.Is(err, usertemplate.ErrNotFound) {
		return notFound(c, "template not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"pushed": pushed})
}

func (s *Server) handleInvitationsList(c echo.Context) error {
	invitations, err := s.deps.Templates.ListInvitations(c.Request().Context())
	if err != nil {
		return internalError(c, err)
	}
	if invitations == nil {
		invitations = []*usertemplate.Invitation{}
	}
	return c.JSON(http.StatusOK, invitations)
}

func (s *Server) handleInvitationCreate(c echo.Context) error {
	var body struct {
		TemplateID     int64 `json:"template_id"`
		ExpirationDays *int  `json:"expiration_days,omitempty"`
		ValidHours     int   `json:"valid_hours"`
	}
	if err := c.Bind(&body); err != nil || body.TemplateID == 0 {
		return badRequest(c, "template_id is required")
	}

	inv, err := s.deps.Templates.CreateInvitation(c.Request().Context(),
		body.TemplateID, body.ExpirationDays, time.Duration(body.ValidHours)*time.Hour)
	if errors.Is(err, usertemplate.ErrNotFound) {
		return notFound(c, "template not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (s *Server) handleInvitationRedeem(c echo.Context) error {
	var body struct {
		Username string `json:"username"`
	}
	if err := c.Bind(&body); err != nil || body.Username == "" {
		return badRequest(c, "username is required")
	}

	user, err := s.deps.Templates.Redeem(c.Request().Context(), c.Param("token"), body.Username)
	switch {
	case errors.Is(err, usertemplate.ErrNotFound):
		return notFound(c, "invitation not found")
	case errors.Is(err, usertemplate.ErrInvitationUsed):
		return c.JSON(http.StatusConflict, errorResponse{Error: "invitation already used"})
	case errors.Is(err, usertemplate.ErrInvitationExpired):
		return c.JSON(http.StatusGone, errorResponse{Error: "invitation expired"})
	case errors.Is(err, usertemplate.ErrNameTaken):
		return c.JSON(http.StatusConflict, errorResponse{Error: "username already exists"})
	case err != nil:
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, user)
}

func (s *Server) handleInvitationRevoke(c echo.Context) error {
	err := s.deps.Templates.RevokeInvitation(c.Request().Context(), c.Param("token"))
	if errors.Is(err, usertemplate.ErrNotFound) {
		return notFound(c, "no pending invitation for token")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
