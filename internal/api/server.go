// Package api exposes the control surface: task actions, collection
// and watchlist management, maintenance endpoints and the webhook
// receiver. The reverse proxy mounts last as the catch-all.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/cleanup"
	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/logger"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/proxy"
	"github.com/castbridge/castbridge/internal/scheduler"
	"github.com/castbridge/castbridge/internal/usertemplate"
	"github.com/castbridge/castbridge/internal/watchlist"
	"github.com/castbridge/castbridge/internal/webhook"
	"github.com/castbridge/castbridge/internal/websocket"
	"github.com/castbridge/castbridge/internal/worker"
)

// Deps carries every service the HTTP layer fronts.
type Deps struct {
	Conn        *sql.DB
	Config      *config.Config
	Hub         *websocket.Hub
	Logs        *logger.LogBroadcaster
	Worker      *worker.Worker
	Registry    *worker.Registry
	Scheduler   *scheduler.Scheduler
	Collections *collections.Service
	Watchlist   *watchlist.Service
	Actors      *watchlist.ActorService
	Cleanup     *cleanup.Service
	Templates   *usertemplate.Service
	Media       *metadata.Store
	Webhook     *webhook.Service
	Proxy       *proxy.Proxy
	Emby        *emby.Client
	Logger      zerolog.Logger
}

// Server is the echo front-end.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger zerolog.Logger
}

// NewServer builds the server and wires all routes.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
}

func (s *Server) setupRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/ws", s.deps.Hub.HandleWebSocket)
	e.POST("/webhook", s.handleWebhook)

	api := e.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/actions/:name", s.handleAction)
	api.POST("/trigger_stop_task", s.handleStopTask)
	api.GET("/tasks", s.handleTasks)

	cc := api.Group("/custom_collections")
	cc.GET("", s.handleCollectionsList)
	cc.POST("", s.handleCollectionCreate)
	cc.GET("/:id", s.handleCollectionGet)
	cc.PUT("/:id", s.handleCollectionUpdate)
	cc.DELETE("/:id", s.handleCollectionDelete)
	cc.POST("/:id/sync", s.handleCollectionSync)
	cc.POST("/:id/status", s.handleCollectionStatus)
	cc.POST("/:id/media_status", s.handleCollectionMediaOverride)
	cc.POST("/:id/match_correction", s.handleCollectionMatchCorrection)

	wl := api.Group("/watchlist")
	wl.GET("", s.handleWatchlistList)
	wl.POST("", s.handleWatchlistAdd)
	wl.DELETE("/:seriesID", s.handleWatchlistDelete)
	wl.POST("/batch/force_end", s.handleWatchlistForceEnd)
	wl.POST("/batch/resubscribe", s.handleWatchlistResubscribe)
	wl.POST("/:seriesID/subscribe_gaps", s.handleWatchlistSubscribeGaps)
	wl.POST("/:seriesID/subscribe_season", s.handleWatchlistSubscribeSeason)

	as := api.Group("/actor_subscriptions")
	as.GET("", s.handleActorList)
	as.POST("", s.handleActorCreate)
	as.GET("/:id", s.handleActorGet)
	as.PUT("/:id", s.handleActorUpdate)
	as.DELETE("/:id", s.handleActorDelete)
	as.POST("/:id/refresh", s.handleActorRefresh)
	as.GET("/:id/media", s.handleActorTracked)
	as.POST("/:id/media/subscribe", s.handleActorSubscribeMedia)
	as.POST("/:id/media/status", s.handleActorOverrideMedia)

	tpl := api.Group("/user_templates")
	tpl.GET("", s.handleTemplatesList)
	tpl.POST("", s.handleTemplateCreate)
	tpl.DELETE("/:id", s.handleTemplateDelete)
	tpl.POST("/:id/sync", s.handleTemplateSync)

	inv := api.Group("/invitations")
	inv.GET("", s.handleInvitationsList)
	inv.POST("", s.handleInvitationCreate)
	inv.POST("/:token/redeem", s.handleInvitationRedeem)
	inv.DELETE("/:token", s.handleInvitationRevoke)

	cl := api.Group("/cleanup_tasks")
	cl.GET("", s.handleCleanupList)
	cl.POST("/:metadataID/:itemType/resolve", s.handleCleanupResolve)
	cl.POST("/:metadataID/:itemType/ignore", s.handleCleanupIgnore)
	cl.POST("/:metadataID/:itemType/resubscribe", s.handleCleanupResubscribe)

	mt := api.Group("/maintenance")
	mt.GET("/export", s.handleExport)
	mt.POST("/import", s.handleImport)
	mt.POST("/fix_sequences", s.handleFixSequences)
	mt.POST("/clear_table", s.handleClearTable)
	mt.GET("/review_queue", s.handleReviewList)
	mt.DELETE("/review_queue/:itemID", s.handleReviewDelete)

	// Everything else belongs to the library server.
	if s.deps.Proxy != nil {
		s.deps.Proxy.Register(e)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router to tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func internalError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func quotaExhausted(c echo.Context) error {
	return c.JSON(http.StatusTooManyRequests, errorResponse{Error: "daily subscription quota exhausted"})
}
