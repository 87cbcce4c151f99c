package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Action is a named, submittable unit of work available to chains and
// to the API's action endpoints.
type Action struct {
	Name        string // registry key
	DisplayName string
	Processor   string
	Fn          TaskFunc
}

// Registry maps action names to runnable actions.
type Registry struct {
	mu      sync.Mutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces an action.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	r.actions[a.Name] = a
	r.mu.Unlock()
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names lists the registered action names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	return out
}

// Chain is an ordered sequence of actions fired by cron with a shared
// wall-clock budget and a shared stop signal.
type Chain struct {
	Name              string
	Sequence          []string
	MaxRuntimeMinutes int

	registry *Registry
	logger   zerolog.Logger
}

// NewChain creates a chain over the given registry.
func NewChain(name string, sequence []string, maxRuntimeMinutes int, registry *Registry, logger zerolog.Logger) *Chain {
	return &Chain{
		Name:              name,
		Sequence:          sequence,
		MaxRuntimeMinutes: maxRuntimeMinutes,
		registry:          registry,
		logger:            logger.With().Str("component", "chain").Str("chain", name).Logger(),
	}
}

// Task wraps the chain as a single worker task. Stages run in order
// and share the chain's processor tag, so one stop signal unwinds the
// whole chain; the wall-clock budget is enforced between stages and
// inside stages through the handle's deadline.
func (c *Chain) Task() Task {
	return Task{
		Name:      c.Name,
		Processor: "chain:" + c.Name,
		Fn:        c.run,
	}
}

func (c *Chain) run(ctx context.Context, h *Handle) error {
	start := time.Now()
	if c.MaxRuntimeMinutes > 0 {
		h.deadline = start.Add(time.Duration(c.MaxRuntimeMinutes) * time.Minute)
	}

	for i, name := range c.Sequence {
		if h.Stopped() {
			return ErrInterrupted
		}
		if c.MaxRuntimeMinutes > 0 && time.Since(start) >= time.Duration(c.MaxRuntimeMinutes)*time.Minute {
			c.logger.Warn().Dur("elapsed", time.Since(start)).Msg("chain runtime budget exhausted")
			return nil
		}

		action, ok := c.registry.Get(name)
		if !ok {
			c.logger.Warn().Str("action", name).Msg("unknown action in chain, skipping")
			continue
		}

		h.Progress(float64(i)/float64(len(c.Sequence))*100,
			fmt.Sprintf("%s (%d/%d)", action.DisplayName, i+1, len(c.Sequence)))

		if err := action.Fn(ctx, h); err != nil {
			if isInterrupted(err) {
				return err
			}
			// One failed stage does not abort the chain.
			c.logger.Error().Err(err).Str("action", name).Msg("chain stage failed")
		}
	}
	return nil
}
