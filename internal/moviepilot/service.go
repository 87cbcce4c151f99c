package moviepilot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrQuotaExhausted is returned when the daily subscription quota is
// used up. API handlers map it to 429; internal callers skip and log.
var ErrQuotaExhausted = errors.New("moviepilot: daily subscription quota exhausted")

// Service wraps the client with the daily quota counter.
type Service struct {
	client     *Client
	conn       *sql.DB
	dailyQuota int
	logger     zerolog.Logger
}

// NewService creates a quota-aware subscription service. A nil client
// disables subscriptions entirely (requests are skipped and logged).
func NewService(client *Client, conn *sql.DB, dailyQuota int, logger zerolog.Logger) *Service {
	return &Service{
		client:     client,
		conn:       conn,
		dailyQuota: dailyQuota,
		logger:     logger.With().Str("component", "subscriber").Logger(),
	}
}

// Enabled reports whether a downloader is configured.
func (s *Service) Enabled() bool {
	return s.client != nil
}

// RemainingQuota returns how many subscriptions may still be submitted today.
func (s *Service) RemainingQuota(ctx context.Context) (int, error) {
	if s.dailyQuota <= 0 {
		return int(^uint(0) >> 1), nil // unlimited
	}

	used, err := s.usedToday(ctx)
	if err != nil {
		return 0, err
	}
	remaining := s.dailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Subscribe submits a subscription, consuming one quota unit on success.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) error {
	if s.client == nil {
		s.logger.Debug().Str("name", req.Name).Msg("downloader not configured, skipping subscription")
		return nil
	}

	if s.dailyQuota > 0 {
		used, err := s.usedToday(ctx)
		if err != nil {
			return err
		}
		if used >= s.dailyQuota {
			return ErrQuotaExhausted
		}
	}

	if err := s.client.Subscribe(ctx, req); err != nil {
		return err
	}

	return s.consume(ctx)
}

// TrySubscribe is the internal-caller variant: quota exhaustion and
// transport failures are logged and swallowed so batch work continues.
func (s *Service) TrySubscribe(ctx context.Context, req SubscribeRequest) bool {
	err := s.Subscribe(ctx, req)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrQuotaExhausted) {
		s.logger.Info().Str("name", req.Name).Msg("quota exhausted, skipping subscription")
	} else {
		s.logger.Warn().Err(err).Str("name", req.Name).Msg("subscription failed")
	}
	return false
}

func today() string {
	return time.Now().Format("2006-01-02")
}

func (s *Service) usedToday(ctx context.Context) (int, error) {
	var used int
	err := s.conn.QueryRowContext(ctx,
		`SELECT used FROM subscription_quota WHERE day = ?`, today()).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query quota: %w", err)
	}
	return used, nil
}

func (s *Service) consume(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO subscription_quota (day, used) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET used = used + 1`, today())
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	return nil
}
