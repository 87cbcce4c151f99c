// Package webhook classifies Library Server events and dispatches
// debounced work to the task worker.
package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/sessions"
	"github.com/castbridge/castbridge/internal/worker"
)

// Payload is the inbound webhook body.
type Payload struct {
	Event        string         `json:"Event"`
	Item         *emby.Item     `json:"Item,omitempty"`
	User         *emby.User     `json:"User,omitempty"`
	UserData     *emby.UserData `json:"UserData,omitempty"`
	PlaybackInfo *PlaybackInfo  `json:"PlaybackInfo,omitempty"`
	Description  string         `json:"Description,omitempty"`
}

// PlaybackInfo carries playback-event progress fields.
type PlaybackInfo struct {
	PositionTicks      int64 `json:"PositionTicks"`
	PlayedToCompletion bool  `json:"PlayedToCompletion"`
}

// ServiceConfig wires a webhook service.
type ServiceConfig struct {
	Emby       *emby.Client
	Store      *metadata.Store
	Processor  *metadata.Processor
	Sessions   *sessions.Store
	Worker     *worker.Worker
	Preflight  *Preflight
	Suppressor *Suppressor
	// RefreshWatchlist is called for series that received new episodes.
	RefreshWatchlist func(ctx context.Context, seriesID string)
	Logger           zerolog.Logger

	// Debounce windows, defaulted when zero.
	NewItemWindow time.Duration
	UpdateWindow  time.Duration
}

// Service is the webhook event pipeline.
type Service struct {
	emby       *emby.Client
	store      *metadata.Store
	processor  *metadata.Processor
	sessions   *sessions.Store
	worker     *worker.Worker
	preflight  *Preflight
	suppressor *Suppressor

	newItems     *BatchDebouncer
	metaUpdates  *UpdateDebouncer
	imageUpdates *UpdateDebouncer

	refreshWatchlist func(ctx context.Context, seriesID string)
	logger           zerolog.Logger
}

// NewService creates the webhook pipeline.
func NewService(cfg ServiceConfig) *Service {
	if cfg.NewItemWindow <= 0 {
		cfg.NewItemWindow = 5 * time.Second
	}
	if cfg.UpdateWindow <= 0 {
		cfg.UpdateWindow = 15 * time.Second
	}

	s := &Service{
		emby:             cfg.Emby,
		store:            cfg.Store,
		processor:        cfg.Processor,
		sessions:         cfg.Sessions,
		worker:           cfg.Worker,
		preflight:        cfg.Preflight,
		suppressor:       cfg.Suppressor,
		refreshWatchlist: cfg.RefreshWatchlist,
		logger:           cfg.Logger.With().Str("component", "webhook").Logger(),
	}
	s.newItems = NewBatchDebouncer(cfg.NewItemWindow, s.dispatchBatches)
	s.metaUpdates = NewUpdateDebouncer(cfg.UpdateWindow, "", s.dispatchMetadataUpdate)
	s.imageUpdates = NewUpdateDebouncer(cfg.UpdateWindow, "Multiple image updates detected", s.dispatchImageUpdate)
	return s
}

// Suppressor exposes the recursion-suppression table for policy pushes.
func (s *Service) Suppressor() *Suppressor {
	return s.suppressor
}

// Stop cancels all pending debounce timers.
func (s *Service) Stop() {
	s.newItems.Stop()
	s.metaUpdates.Stop()
	s.imageUpdates.Stop()
}

// Handle routes one webhook event.
func (s *Service) Handle(ctx context.Context, p Payload) error {
	switch {
	case p.Event == "item.add" || p.Event == "library.new":
		return s.handleNewItem(ctx, p)
	case p.Event == "library.deleted":
		return s.handleDeleted(ctx, p)
	case p.Event == "metadata.update":
		return s.handleMetadataUpdate(p)
	case p.Event == "image.update":
		return s.handleImageUpdate(p)
	case p.Event == "user.policyupdated":
		return s.handlePolicyUpdated(p)
	case p.Event == "userdata.save" || strings.HasPrefix(p.Event, "playback.") ||
		strings.HasPrefix(p.Event, "item.rate") || strings.HasPrefix(p.Event, "item.markfavorite") ||
		strings.HasPrefix(p.Event, "item.markplayed"):
		return s.handleUserData(ctx, p)
	default:
		s.logger.Debug().Str("event", p.Event).Msg("ignoring event")
		return nil
	}
}

func (s *Service) handleNewItem(ctx context.Context, p Payload) error {
	if p.Item == nil || p.Item.ID == "" {
		return fmt.Errorf("webhook: %s event without item", p.Event)
	}
	item := *p.Item

	enqueue := func() {
		s.newItems.Add(NewItem{
			ID:         item.ID,
			Name:       item.Name,
			Type:       item.Type,
			SeriesID:   item.SeriesID,
			SeriesName: seriesName(&item),
		})
	}

	// Movies and episodes wait for their streams before entering the
	// batch window; everything else enqueues immediately.
	if (item.Type == metadata.TypeMovie || item.Type == metadata.TypeEpisode) && s.preflight != nil {
		go func() {
			s.preflight.Wait(context.Background(), item.ID)
			enqueue()
		}()
		return nil
	}
	enqueue()
	return nil
}

func (s *Service) handleDeleted(ctx context.Context, p Payload) error {
	if p.Item == nil || p.Item.ID == "" {
		return fmt.Errorf("webhook: delete event without item")
	}
	if err := s.store.DeleteAsset(ctx, p.Item.ID); err != nil {
		return err
	}
	if err := s.store.RemoveLibraryItem(ctx, p.Item.ID); err != nil {
		return err
	}
	return s.store.ClearProcessed(ctx, p.Item.ID)
}

func (s *Service) handleMetadataUpdate(p Payload) error {
	if p.Item == nil {
		return fmt.Errorf("webhook: metadata.update without item")
	}
	s.metaUpdates.Add(Update{ItemID: parentID(p.Item), Description: p.Description})
	return nil
}

func (s *Service) handleImageUpdate(p Payload) error {
	if p.Item == nil {
		return fmt.Errorf("webhook: image.update without item")
	}
	s.imageUpdates.Add(Update{ItemID: parentID(p.Item), Description: p.Description})
	return nil
}

func (s *Service) handlePolicyUpdated(p Payload) error {
	if p.User == nil {
		return nil
	}
	if s.suppressor != nil && s.suppressor.Consume(p.User.ID) {
		s.logger.Debug().Str("user", p.User.ID).Msg("own policy push, suppressed")
		return nil
	}
	s.logger.Info().Str("user", p.User.ID).Msg("external policy change observed")
	return nil
}

func (s *Service) handleUserData(ctx context.Context, p Payload) error {
	if p.User == nil || p.Item == nil {
		return fmt.Errorf("webhook: user-data event without user or item")
	}

	// All user state is recorded against the owning series for episodes.
	targetID := parentID(p.Item)

	var upd sessions.StateUpdate
	if p.Event == "userdata.save" && p.UserData != nil {
		upd.IsFavorite = &p.UserData.IsFavorite
		upd.IsPlayed = &p.UserData.Played
		upd.PlaybackPositionTicks = &p.UserData.PlaybackPositionTicks
	}

	if strings.HasPrefix(p.Event, "playback.") {
		now := time.Now()
		upd.LastPlayedAt = &now

		switch p.Event {
		case "playback.start", "playback.pause", "playback.unpause", "playback.progress":
			var ticks int64
			if p.PlaybackInfo != nil {
				ticks = p.PlaybackInfo.PositionTicks
			}
			if err := s.sessions.Heartbeat(ctx, p.User.ID, p.Item.ID, ticks); err != nil {
				return err
			}
		case "playback.stop":
			if err := s.sessions.EndSession(ctx, p.User.ID, p.Item.ID); err != nil {
				return err
			}
			if p.PlaybackInfo != nil && p.PlaybackInfo.PlayedToCompletion {
				played := true
				var zero int64
				upd.IsPlayed = &played
				upd.PlaybackPositionTicks = &zero
			}
		}
	}

	return s.sessions.ApplyState(ctx, p.User.ID, targetID, upd)
}

// dispatchBatches is the new-item window callback: unseen parents get
// the full pipeline, seen ones a light sync plus episode cast apply.
func (s *Service) dispatchBatches(batches []Batch) {
	ctx := context.Background()
	for _, b := range batches {
		batch := b
		seen, err := s.store.IsProcessed(ctx, batch.ParentID)
		if err != nil {
			s.logger.Error().Err(err).Str("item", batch.ParentID).Msg("processed lookup failed")
			continue
		}

		if !seen {
			s.worker.Submit(worker.Task{
				Name:      fmt.Sprintf("处理新入库: %s", batch.ParentName),
				Processor: "metadata",
				Fn: func(ctx context.Context, h *worker.Handle) error {
					_, err := s.processor.Process(ctx, batch.ParentID, false)
					return err
				},
			})
			continue
		}

		s.worker.Submit(worker.Task{
			Name:      fmt.Sprintf("同步更新: %s", batch.ParentName),
			Processor: "metadata",
			Fn: func(ctx context.Context, h *worker.Handle) error {
				if err := s.processor.LightSync(ctx, batch.ParentID); err != nil {
					return err
				}
				if batch.Type == metadata.TypeSeries {
					if len(batch.EpisodeIDs) > 0 {
						if err := s.processor.ApplyCastToEpisodes(ctx, batch.ParentID, batch.EpisodeIDs); err != nil {
							return err
						}
					}
					if s.refreshWatchlist != nil {
						s.refreshWatchlist(ctx, batch.ParentID)
					}
				}
				return nil
			},
		})
	}
}

func (s *Service) dispatchMetadataUpdate(u Update) {
	s.worker.Submit(worker.Task{
		Name:      fmt.Sprintf("元数据更新: %s", u.ItemID),
		Processor: "metadata",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			return s.processor.LightSync(ctx, u.ItemID)
		},
	})
}

func (s *Service) dispatchImageUpdate(u Update) {
	desc := u.Description
	s.worker.Submit(worker.Task{
		Name:      fmt.Sprintf("图片更新: %s", u.ItemID),
		Processor: "metadata",
		Fn: func(ctx context.Context, h *worker.Handle) error {
			s.logger.Info().Str("item", u.ItemID).Str("description", desc).Msg("image refresh")
			return s.emby.RefreshItem(ctx, u.ItemID)
		},
	})
}

// parentID resolves an episode to its owning series; other types map
// to themselves.
func parentID(item *emby.Item) string {
	if item.Type == metadata.TypeEpisode && item.SeriesID != "" {
		return item.SeriesID
	}
	return item.ID
}

func seriesName(item *emby.Item) string {
	if item.Type == metadata.TypeEpisode {
		return item.SeriesName
	}
	return ""
}
