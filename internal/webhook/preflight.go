package webhook

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/castbridge/castbridge/internal/emby"
)

// Preflight polls a new item's media streams until they become
// readable, bounding concurrent API calls with a shared semaphore. The
// semaphore is held only around the call itself, never across the
// inter-poll sleep.
type Preflight struct {
	emby     *emby.Client
	sem      *semaphore.Weighted
	interval time.Duration
	jitter   time.Duration
	maxTries int
	logger   zerolog.Logger
}

// NewPreflight creates a preflight checker. bound is the maximum number
// of concurrent stream queries.
func NewPreflight(client *emby.Client, bound int64, maxTries int, logger zerolog.Logger) *Preflight {
	if bound <= 0 {
		bound = 5
	}
	if maxTries <= 0 {
		maxTries = 60
	}
	return &Preflight{
		emby:     client,
		sem:      semaphore.NewWeighted(bound),
		interval: 10 * time.Second,
		jitter:   2 * time.Second,
		maxTries: maxTries,
		logger:   logger.With().Str("component", "preflight").Logger(),
	}
}

// Wait blocks until the item's video stream reports a codec or width,
// the try budget runs out, or ctx is cancelled. The item is enqueued
// either way; the return value only records whether streams were seen.
func (p *Preflight) Wait(ctx context.Context, itemID string) bool {
	for try := 0; try < p.maxTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(p.nextDelay()):
			}
		}

		ready, err := p.check(ctx, itemID)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			p.logger.Debug().Err(err).Str("item", itemID).Int("try", try+1).Msg("stream probe failed")
			continue
		}
		if ready {
			return true
		}
	}

	p.logger.Warn().Str("item", itemID).Int("tries", p.maxTries).Msg("streams never became ready, enqueueing anyway")
	return false
}

func (p *Preflight) check(ctx context.Context, itemID string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)

	sources, err := p.emby.GetMediaStreams(ctx, itemID)
	if err != nil {
		return false, err
	}
	for _, src := range sources {
		for _, stream := range src.MediaStreams {
			if stream.Type == "Video" && (stream.Codec != "" || stream.Width > 0) {
				return true, nil
			}
		}
	}
	return false, nil
}

// nextDelay is interval ± jitter.
func (p *Preflight) nextDelay() time.Duration {
	if p.jitter <= 0 {
		return p.interval
	}
	offset := time.Duration(rand.Int63n(int64(2*p.jitter))) - p.jitter
	return p.interval + offset
}
