package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/webhook"
)

// handleWebhook receives library server event notifications.
func (s *Server) handleWebhook(c echo.Context) error {
	var payload webhook.Payload
	if err := c.Bind(&payload); err != nil {
		return badRequest(c, "invalid webhook payload")
	}
	if payload.Event == "" {
		return badRequest(c, "missing Event field")
	}

	if err := s.deps.Webhook.Handle(c.Request().Context(), payload); err != nil {
		s.logger.Warn().Err(err).Str("event", payload.Event).Msg("webhook handling failed")
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
