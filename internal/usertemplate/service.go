// Package usertemplate manages user policy templates and invitations.
package usertemplate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/database"
	"github.com/castbridge/castbridge/internal/emby"
)

// Errors surfaced to the API layer.
var (
	ErrNotFound          = errors.New("usertemplate: not found")
	ErrInvitationExpired = errors.New("usertemplate: invitation expired")
	ErrInvitationUsed    = errors.New("usertemplate: invitation already used")
	ErrNameTaken         = errors.New("usertemplate: username already exists")
)

// Template snapshots a source user's policy for replay onto new users.
type Template struct {
	ID                    int64           `json:"id"`
	Name                  string          `json:"name"`
	SourceUserID          string          `json:"source_user_id"`
	Policy                json.RawMessage `json:"emby_policy"`
	Configuration         json.RawMessage `json:"emby_configuration,omitempty"`
	MaxConcurrentStreams  int             `json:"max_concurrent_streams"`
	DefaultExpirationDays int             `json:"default_expiration_days"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Invitation is a redeemable signup token bound to a template.
type Invitation struct {
	ID             int64      `json:"id"`
	Token          string     `json:"token"`
	TemplateID     int64      `json:"template_id"`
	ExpirationDays *int       `json:"expiration_days,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
}

// PolicyMarker stamps outgoing policy pushes so the webhook pipeline
// can discard the echo event.
type PolicyMarker interface {
	Mark(userID string)
}

// Service manages templates, invitations and user extensions.
type Service struct {
	conn   *sql.DB
	emby   *emby.Client
	marker PolicyMarker
	logger zerolog.Logger
}

// NewService creates the template service. marker may be nil.
func NewService(conn *sql.DB, embyClient *emby.Client, marker PolicyMarker, logger zerolog.Logger) *Service {
	return &Service{
		conn:   conn,
		emby:   embyClient,
		marker: marker,
		logger: logger.With().Str("component", "usertemplate").Logger(),
	}
}

// snapshot pulls the current policy and configuration of a user.
func (s *Service) snapshot(ctx context.Context, userID string) (policy, configuration json.RawMessage, err error) {
	doc, err := s.emby.GetUserDocument(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot user %s: %w", userID, err)
	}
	var fields struct {
		Policy        json.RawMessage `json:"Policy"`
		Configuration json.RawMessage `json:"Configuration"`
	}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, nil, fmt.Errorf("snapshot user %s: %w", userID, err)
	}
	if len(fields.Policy) == 0 {
		return nil, nil, fmt.Errorf("user %s has no policy document", userID)
	}
	return fields.Policy, fields.Configuration, nil
}

// CreateTemplate snapshots a source user into a new template.
func (s *Service) CreateTemplate(ctx context.Context, name, sourceUserID string, maxStreams, defaultExpirationDays int) (*Template, error) {
	policy, configuration, err := s.snapshot(ctx, sourceUserID)
	if err != nil {
		return nil, err
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO user_templates
			(name, source_user_id, emby_policy, emby_configuration, max_concurrent_streams, default_expiration_days)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, sourceUserID, string(policy), rawOrNull(configuration), maxStreams, defaultExpirationDays)
	if err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetTemplate(ctx, id)
}

// GetTemplate loads one template.
func (s *Service) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, name, source_user_id, emby_policy, emby_configuration,
			max_concurrent_streams, default_expiration_days, created_at
		FROM user_templates WHERE id = ?`, id)
	t, err := scanTemplate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTemplates returns all templates.
func (s *Service) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, source_user_id, emby_policy, emby_configuration,
			max_concurrent_streams, default_expiration_days, created_at
		FROM user_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template and cascades its invitations.
func (s *Service) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM user_templates WHERE id = ?`, id)
	return err
}

// SyncTemplate re-snapshots the source user and force-pushes the
// refreshed policy (and optionally configuration) to all bound users.
func (s *Service) SyncTemplate(ctx context.Context, id int64, includeConfiguration bool) (int, error) {
	tpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return 0, err
	}

	policy, configuration, err := s.snapshot(ctx, tpl.SourceUserID)
	if err != nil {
		return 0, err
	}
	if _, err := s.conn.ExecContext(ctx, `
		UPDATE user_templates SET emby_policy = ?, emby_configuration = ? WHERE id = ?`,
		string(policy), rawOrNull(configuration), id); err != nil {
		return 0, fmt.Errorf("update template snapshot: %w", err)
	}

	userIDs, err := s.boundUsers(ctx, id)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, userID := range userIDs {
		if err := s.pushPolicy(ctx, userID, policy, configuration, includeConfiguration); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("template push failed")
			continue
		}
		pushed++
	}
	return pushed, nil
}

func (s *Service) boundUsers(ctx context.Context, templateID int64) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT user_id FROM user_extensions WHERE template_id = ?`, templateID)
	if err != nil {
		return nil, fmt.Errorf("bound users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// pushPolicy applies a policy (and optionally configuration) to one
// user, marking the push so the policy-updated webhook echo is dropped.
func (s *Service) pushPolicy(ctx context.Context, userID string, policy, configuration json.RawMessage, includeConfiguration bool) error {
	if s.marker != nil {
		s.marker.Mark(userID)
	}
	if err := s.emby.SetUserPolicy(ctx, userID, policy); err != nil {
		return err
	}
	if includeConfiguration && len(configuration) > 0 {
		if err := s.emby.SetUserConfiguration(ctx, userID, configuration); err != nil {
			return err
		}
	}
	return nil
}

// CreateInvitation issues a token for a template. expirationDays, when
// nil, falls back to the template default at redemption time.
func (s *Service) CreateInvitation(ctx context.Context, templateID int64, expirationDays *int, validFor time.Duration) (*Invitation, error) {
	if _, err := s.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	if validFor <= 0 {
		validFor = 72 * time.Hour
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(validFor).UTC()
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO invitations (token, template_id, expiration_days, expires_at, status)
		VALUES (?, ?, ?, ?, 'pending')`,
		token, templateID, expirationDays, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("create invitation: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getInvitationByID(ctx, id)
}

// GetInvitation loads an invitation by token.
func (s *Service) GetInvitation(ctx context.Context, token string) (*Invitation, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, token, template_id, expiration_days, expires_at, status, created_at, used_at
		FROM invitations WHERE token = ?`, token)
	inv, err := scanInvitation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (s *Service) getInvitationByID(ctx context.Context, id int64) (*Invitation, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, token, template_id, expiration_days, expires_at, status, created_at, used_at
		FROM invitations WHERE id = ?`, id)
	inv, err := scanInvitation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// ListInvitations returns all invitations, newest first.
func (s *Service) ListInvitations(ctx context.Context) ([]*Invitation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, token, template_id, expiration_days, expires_at, status, created_at, used_at
		FROM invitations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var out []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Redeem consumes an invitation: it creates the library user, applies
// the template, records the extension row and marks the invitation
// used, all within one database transaction.
func (s *Service) Redeem(ctx context.Context, token, username string) (*emby.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	inv, err := s.GetInvitation(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Status != "pending" {
		return nil, ErrInvitationUsed
	}
	if time.Now().After(inv.ExpiresAt) {
		return nil, ErrInvitationExpired
	}

	tpl, err := s.GetTemplate(ctx, inv.TemplateID)
	if err != nil {
		return nil, err
	}

	existing, err := s.emby.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("name collision check: %w", err)
	}
	for _, u := range existing {
		if strings.EqualFold(u.Name, username) {
			return nil, ErrNameTaken
		}
	}

	var created *emby.User
	err = database.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		created, err = s.emby.CreateUser(ctx, username)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if err := s.pushPolicy(ctx, created.ID, tpl.Policy, tpl.Configuration, true); err != nil {
			return fmt.Errorf("apply template: %w", err)
		}

		days := tpl.DefaultExpirationDays
		if inv.ExpirationDays != nil {
			days = *inv.ExpirationDays
		}
		var expiration interface{}
		if days > 0 {
			expiration = time.Now().AddDate(0, 0, days).UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_extensions (user_id, status, expiration_date, template_id)
			VALUES (?, 'active', ?, ?)`,
			created.ID, expiration, tpl.ID); err != nil {
			return fmt.Errorf("record extension: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE invitations SET status = 'used', used_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending'`, inv.ID)
		if err != nil {
			return fmt.Errorf("mark invitation used: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInvitationUsed
		}
		return nil
	})
	if err != nil {
		// The library user may already exist when a later step failed.
		if created != nil {
			s.logger.Warn().Str("user", username).Msg("redemption rolled back after user creation")
		}
		return nil, err
	}

	s.logger.Info().Str("user", username).Str("template", tpl.Name).Msg("invitation redeemed")
	return created, nil
}

// RevokeInvitation cancels a pending invitation.
func (s *Service) RevokeInvitation(ctx context.Context, token string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE invitations SET status = 'revoked' WHERE token = ? AND status = 'pending'`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTemplate(scan func(dest ...interface{}) error) (*Template, error) {
	var (
		t             Template
		policy        string
		configuration sql.NullString
	)
	if err := scan(&t.ID, &t.Name, &t.SourceUserID, &policy, &configuration,
		&t.MaxConcurrentStreams, &t.DefaultExpirationDays, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Policy = json.RawMessage(policy)
	if configuration.Valid {
		t.Configuration = json.RawMessage(configuration.String)
	}
	return &t, nil
}

func scanInvitation(scan func(dest ...interface{}) error) (*Invitation, error) {
	var inv Invitation
	if err := scan(&inv.ID, &inv.Token, &inv.TemplateID, &inv.ExpirationDays,
		&inv.ExpiresAt, &inv.Status, &inv.CreatedAt, &inv.UsedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
