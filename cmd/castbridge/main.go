package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/ai"
	"github.com/castbridge/castbridge/internal/api"
	"github.com/castbridge/castbridge/internal/cleanup"
	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/database"
	"github.com/castbridge/castbridge/internal/douban"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/logger"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/moviepilot"
	"github.com/castbridge/castbridge/internal/proxy"
	"github.com/castbridge/castbridge/internal/scheduler"
	"github.com/castbridge/castbridge/internal/sessions"
	"github.com/castbridge/castbridge/internal/startup"
	"github.com/castbridge/castbridge/internal/tmdb"
	"github.com/castbridge/castbridge/internal/usertemplate"
	"github.com/castbridge/castbridge/internal/watchlist"
	"github.com/castbridge/castbridge/internal/webhook"
	"github.com/castbridge/castbridge/internal/websocket"
	"github.com/castbridge/castbridge/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if flag.Arg(0) == "generate-nginx-config" {
		if err := writeNginxConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to render nginx config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	hub := websocket.NewHub()
	logStream := logger.NewLogBroadcaster(hub, 1000)

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Stream:     logStream,
	})
	defer log.Close()

	log.Info().Str("version", config.Version).Int("port", cfg.Server.Port).Msg("castbridge starting")

	if err := run(cfg, log.Logger, hub, logStream); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger, hub *websocket.Hub, logStream *logger.LogBroadcaster) error {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	conn := db.Conn()

	embyClient, err := emby.NewClient(emby.ClientConfig{
		URL:       cfg.Emby.URL,
		APIKey:    cfg.Emby.APIKey,
		Timeout:   cfg.Emby.TimeoutSeconds,
		UserAgent: cfg.Emby.UserAgent,
		Logger:    &log,
	})
	if err != nil {
		return err
	}
	tmdbClient, err := tmdb.NewClient(tmdb.ClientConfig{
		APIKey:   cfg.TMDB.APIKey,
		Language: cfg.TMDB.Language,
		Timeout:  cfg.TMDB.TimeoutSeconds,
		Logger:   &log,
	})
	if err != nil {
		return err
	}
	doubanClient := douban.NewClient(douban.ClientConfig{
		Cookie:  cfg.Douban.Cookie,
		Timeout: cfg.Douban.TimeoutSeconds,
		Logger:  &log,
	})
	aiClient := ai.NewClient(ai.ClientConfig{
		BaseURL:              cfg.AI.BaseURL,
		APIKey:               cfg.AI.APIKey,
		ChatModel:            cfg.AI.ChatModel,
		EmbeddingModel:       cfg.AI.EmbeddingModel,
		Timeout:              cfg.AI.TimeoutSeconds,
		RecommendTimeoutSecs: cfg.AI.RecommendTimeoutSecs,
		Logger:               &log,
	})

	var subscriber *moviepilot.Service
	if cfg.MoviePilot.URL != "" {
		mpClient, err := moviepilot.NewClient(moviepilot.ClientConfig{
			URL:      cfg.MoviePilot.URL,
			Username: cfg.MoviePilot.Username,
			Password: cfg.MoviePilot.Password,
			Timeout:  cfg.MoviePilot.TimeoutSeconds,
			Logger:   &log,
		})
		if err != nil {
			return err
		}
		subscriber = moviepilot.NewService(mpClient, conn, cfg.MoviePilot.DailyQuota, log)
	} else {
		subscriber = moviepilot.NewService(nil, conn, cfg.MoviePilot.DailyQuota, log)
		log.Info().Msg("downloader not configured, subscriptions are logged and skipped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The library server may still be booting when we come up.
	if err := startup.Retry(ctx, startup.DefaultRetryConfig(), log, "library server handshake", func() error {
		_, err := embyClient.GetSystemInfo(ctx)
		return err
	}); err != nil {
		log.Warn().Err(err).Msg("library server unreachable, continuing startup")
	}

	w := worker.New(log, func(st worker.Status) {
		_ = hub.Broadcast("task:status", st)
	})
	hub.SetStatusProvider(func() interface{} { return w.Status() })

	identityStore := identity.NewStore(conn, log)
	translator := identity.NewTranslator(conn, aiClient, ai.TranslationMode(cfg.AI.TranslationMode), log)
	mediaStore := metadata.NewStore(conn, log)
	sessionStore := sessions.NewStore(conn, log)

	watchStore := watchlist.NewStore(conn, log)
	watch := watchlist.NewService(watchStore, embyClient, tmdbClient, subscriber, log)
	actors := watchlist.NewActorService(conn, tmdbClient, mediaStore, subscriber, log)

	colStore := collections.NewStore(conn, log)
	matcher := collections.NewMatcher(tmdbClient, log)
	var fetcherArgv []string
	if cfg.Collections.FetcherPath != "" {
		fetcherArgv = []string{cfg.Collections.FetcherPath}
	}
	importer := collections.NewImporter(tmdbClient, doubanClient, aiClient, matcher, fetcherArgv, log)
	recommender := collections.NewRecommender(tmdbClient, aiClient, mediaStore, log)
	health := collections.NewHealthChecker(mediaStore, log)
	var covers *collections.CoverGenerator
	if cfg.Processing.EnableCovers {
		covers = collections.NewCoverGenerator(cfg.Collections.FontDir, log)
	}

	history := func(ctx context.Context, userID string, limit int) ([]collections.HistoryItem, error) {
		itemIDs, err := sessionStore.TopRated(ctx, userID, limit)
		if err != nil {
			return nil, err
		}
		var out []collections.HistoryItem
		for _, id := range itemIDs {
			rec, err := mediaStore.GetByLibraryItemID(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, collections.HistoryItem{
				MetadataID: rec.MetadataID,
				ItemType:   rec.ItemType,
				Title:      rec.Title,
				Year:       rec.ReleaseYear,
			})
		}
		return out, nil
	}
	colSvc := collections.NewService(colStore, mediaStore, embyClient, importer,
		recommender, health, covers, history, watchStore.AiringSet, log)

	processor := metadata.NewProcessor(metadata.ProcessorConfig{
		Emby:           embyClient,
		TMDB:           tmdbClient,
		Douban:         doubanClient,
		AI:             aiClient,
		Identities:     identityStore,
		Translator:     translator,
		Store:          mediaStore,
		ScoreThreshold: cfg.Processing.ScoreThreshold,
		Hooks: metadata.Hooks{
			OnSeriesProcessed: watch.Add,
			OnItemProcessed: colSvc.LiveMatch,
		},
		Logger: log,
	})

	suppressor := webhook.NewSuppressor(30 * time.Second)
	preflight := webhook.NewPreflight(embyClient, int64(cfg.Processing.PreflightPool), cfg.Processing.PreflightRetries, log)
	hooks := webhook.NewService(webhook.ServiceConfig{
		Emby:             embyClient,
		Store:            mediaStore,
		Processor:        processor,
		Sessions:         sessionStore,
		Worker:           w,
		Preflight:        preflight,
		Suppressor:       suppressor,
		RefreshWatchlist: watch.Refresh,
		Logger:           log,
	})
	defer hooks.Stop()

	cleaner := cleanup.NewService(conn, mediaStore, embyClient, subscriber, log)
	templates := usertemplate.NewService(conn, embyClient, suppressor, log)

	px, err := proxy.New(cfg.Emby.URL, conn, colSvc, mediaStore, embyClient, cfg.Proxy, log)
	if err != nil {
		return err
	}

	registry := worker.NewRegistry()
	registerActions(registry, processor, watch, actors, colSvc, cleaner)

	sched, err := scheduler.New(log)
	if err != nil {
		return err
	}
	if err := registerSchedule(sched, cfg, w, registry, sessionStore, log); err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Conn:        conn,
		Config:      cfg,
		Hub:         hub,
		Logs:        logStream,
		Worker:      w,
		Registry:    registry,
		Scheduler:   sched,
		Collections: colSvc,
		Watchlist:   watch,
		Actors:      actors,
		Cleanup:     cleaner,
		Templates:   templates,
		Media:       mediaStore,
		Webhook:     hooks,
		Proxy:       px,
		Emby:        embyClient,
		Logger:      log,
	})

	go hub.Run()
	go w.Run(ctx)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Address())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// registerActions populates the registry every chain and the actions
// API draw from.
func registerActions(registry *worker.Registry, processor *metadata.Processor,
	watch *watchlist.Service, actors *watchlist.ActorService,
	colSvc *collections.Service, cleaner *cleanup.Service) {

	registry.Register(worker.Action{
		Name:        "watchlist",
		DisplayName: "追剧检查",
		Processor:   "watchlist",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return watch.Scan(ctx, h.Stopped, h.Progress)
		},
	})
	registry.Register(worker.Action{
		Name:        "webhook-backlog",
		DisplayName: "媒体库补齐扫描",
		Processor:   "metadata",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return processor.ScanBacklog(ctx, h.Stopped, h.Progress)
		},
	})
	registry.Register(worker.Action{
		Name:        "actor-subscriptions",
		DisplayName: "演员订阅检查",
		Processor:   "actors",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return actors.RefreshAll(ctx, h.Stopped, h.Progress)
		},
	})
	registry.Register(worker.Action{
		Name:        "collections-sync",
		DisplayName: "合集同步",
		Processor:   "collections",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return colSvc.SyncAll(ctx, h.Stopped, h.Progress)
		},
	})
	registry.Register(worker.Action{
		Name:        "cleanup-scan",
		DisplayName: "重复版本扫描",
		Processor:   "cleanup",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return cleaner.Scan(ctx, h.Stopped, h.Progress)
		},
	})
}

// registerSchedule binds the cron surface: the two task chains, the
// weekly watchlist revival pass and the session GC.
func registerSchedule(sched *scheduler.Scheduler, cfg *config.Config, w *worker.Worker,
	registry *worker.Registry, sessionStore *sessions.Store, log zerolog.Logger) error {

	high := worker.NewChain("高频任务链", cfg.Tasks.HighFrequency.Sequence,
		cfg.Tasks.HighFrequency.MaxRuntimeMinutes, registry, log)
	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID:          "chain-high",
		Name:        "高频任务链",
		Description: "watchlist scan and library backlog processing",
		Cron:        cfg.Tasks.HighFrequency.Cron,
		Func: func(ctx context.Context) error {
			w.Submit(high.Task())
			return nil
		},
	}); err != nil {
		return err
	}

	low := worker.NewChain("低频任务链", cfg.Tasks.LowFrequency.Sequence,
		cfg.Tasks.LowFrequency.MaxRuntimeMinutes, registry, log)
	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID:          "chain-low",
		Name:        "低频任务链",
		Description: "actor subscriptions, collection sync and duplicate scan",
		Cron:        cfg.Tasks.LowFrequency.Cron,
		Func: func(ctx context.Context) error {
			w.Submit(low.Task())
			return nil
		},
	}); err != nil {
		return err
	}

	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID:          "watchlist-revival",
		Name:        "完结剧集复活检查",
		Description: "revives completed series when a new season is announced",
		Cron:        "0 5 * * 0",
		Func: func(ctx context.Context) error {
			if action, ok := registry.Get("watchlist"); ok {
				w.Submit(worker.Task{Name: action.DisplayName, Processor: action.Processor, Fn: action.Fn})
			}
			return nil
		},
	}); err != nil {
		return err
	}

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "session-gc",
		Name:        "会话清理",
		Description: "drops playback sessions idle for 15 minutes",
		Cron:        "*/15 * * * *",
		Func: func(ctx context.Context) error {
			_, err := sessionStore.GC(ctx)
			return err
		},
	})
}
