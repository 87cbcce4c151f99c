package collections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/metadata"
)

// HealthChecker reconciles a list collection's subscription sources
// after each sync: absent items get subscribed, removed ones released.
type HealthChecker struct {
	media  *metadata.Store
	logger zerolog.Logger
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(media *metadata.Store, logger zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		media:  media,
		logger: logger.With().Str("component", "list-health").Logger(),
	}
}

// Check splits out-of-library items by release date: past or present
// becomes WANTED, future PENDING_RELEASE; each gains the collection as
// a subscription source. Items no longer on the list lose the source.
func (h *HealthChecker) Check(ctx context.Context, c *Collection, previous, current []MediaRef) {
	today := time.Now().Format("2006-01-02")
	src := metadata.SubscriptionSource{Type: "collection", ID: c.ID, Name: c.Name}

	inCurrent := make(map[string]bool, len(current))
	for _, ref := range current {
		inCurrent[refKey(ref.MetadataID, ref.ItemType)] = true

		rec, err := h.media.Get(ctx, ref.MetadataID, ref.ItemType)
		if err != nil {
			if !errors.Is(err, metadata.ErrNotFound) {
				h.logger.Warn().Err(err).Int64("metadataId", ref.MetadataID).Msg("health lookup failed")
			}
			continue
		}
		if rec.InLibrary || rec.SubscriptionStatus == metadata.StatusSubscribed {
			continue
		}

		status := metadata.StatusWanted
		if rec.ReleaseDate != "" && rec.ReleaseDate > today {
			status = metadata.StatusPendingRelease
		}
		if err := h.media.AddSubscriptionSource(ctx, ref.MetadataID, ref.ItemType, src, status); err != nil {
			h.logger.Warn().Err(err).Int64("metadataId", ref.MetadataID).Msg("source add failed")
		}
	}

	for _, ref := range previous {
		if inCurrent[refKey(ref.MetadataID, ref.ItemType)] {
			continue
		}
		err := h.media.RemoveSubscriptionSource(ctx, ref.MetadataID, ref.ItemType, "collection", c.ID)
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			h.logger.Warn().Err(err).Int64("metadataId", ref.MetadataID).Msg("source removal failed")
		}
	}
}

// Summary counts current subscription states for API display.
func (h *HealthChecker) Summary(ctx context.Context, media []MediaRef) (map[string]int, error) {
	out := map[string]int{}
	for _, ref := range media {
		rec, err := h.media.Get(ctx, ref.MetadataID, ref.ItemType)
		if errors.Is(err, metadata.ErrNotFound) {
			out["UNKNOWN"]++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("health summary: %w", err)
		}
		if rec.InLibrary {
			out["IN_LIBRARY"]++
		} else {
			out[rec.SubscriptionStatus]++
		}
	}
	return out, nil
}
