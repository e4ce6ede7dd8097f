// Package sessions persists session metadata, phase markers and the campaign
// rows recovery depends on.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablescribe/backend/internal/models"
)

// Repository handles session persistence over pgx.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new session.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	if s.Phase == "" {
		s.Phase = models.PhaseIdle
	}
	const q = `INSERT INTO sessions (session_id, guild_id, campaign_id, start_time, processing_phase)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, q, s.SessionID, s.GuildID, s.CampaignID, s.StartTime, s.Phase); err != nil {
		return fmt.Errorf("insert session %s: %w", s.SessionID, err)
	}
	return nil
}

// GetByID returns a session, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	const q = `SELECT session_id, guild_id, campaign_id, start_time, processing_phase,
		COALESCE(phase_started_at, 'epoch'::timestamptz)
		FROM sessions WHERE session_id = $1`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&s.SessionID, &s.GuildID, &s.CampaignID, &s.StartTime, &s.Phase, &s.PhaseStartedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// FindNearestByCapture returns the session whose start time is closest to the
// capture timestamp, provided the distance stays within the window. Used by
// orphan recovery when database linkage to a session is lost.
func (r *Repository) FindNearestByCapture(ctx context.Context, captureMillis int64, window time.Duration) (string, error) {
	const q = `SELECT session_id, start_time FROM sessions
		ORDER BY ABS(EXTRACT(EPOCH FROM (start_time - to_timestamp($1::double precision / 1000.0)))) ASC
		LIMIT 1`
	var sessionID string
	var start time.Time
	err := r.pool.QueryRow(ctx, q, captureMillis).Scan(&sessionID, &start)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	capture := time.UnixMilli(captureMillis)
	diff := capture.Sub(start)
	if diff < 0 {
		diff = -diff
	}
	if diff > window {
		return "", nil
	}
	return sessionID, nil
}

// SetPhase records pipeline progress for crash recovery. Written before each
// phase begins so a crash is resumable from the last completed phase.
func (r *Repository) SetPhase(ctx context.Context, sessionID string, phase models.Phase) error {
	const q = `UPDATE sessions SET processing_phase = $1, phase_started_at = NOW() WHERE session_id = $2`
	tag, err := r.pool.Exec(ctx, q, phase, sessionID)
	if err != nil {
		return fmt.Errorf("set phase %s=%s: %w", sessionID, phase, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessions: %s not found", sessionID)
	}
	return nil
}

// ResetPhase returns a session to IDLE after a successful recovery or an
// operator discard.
func (r *Repository) ResetPhase(ctx context.Context, sessionID string) error {
	const q = `UPDATE sessions SET processing_phase = $1, phase_started_at = NULL WHERE session_id = $2`
	if _, err := r.pool.Exec(ctx, q, models.PhaseIdle, sessionID); err != nil {
		return fmt.Errorf("reset phase %s: %w", sessionID, err)
	}
	return nil
}

// ListIncompletePhases returns sessions whose pipeline never reached DONE.
func (r *Repository) ListIncompletePhases(ctx context.Context) ([]models.Session, error) {
	const q = `SELECT session_id, guild_id, campaign_id, start_time, processing_phase,
		COALESCE(phase_started_at, 'epoch'::timestamptz)
		FROM sessions
		WHERE processing_phase NOT IN ($1, $2, '') AND processing_phase IS NOT NULL
		ORDER BY start_time ASC`
	rows, err := r.pool.Query(ctx, q, models.PhaseIdle, models.PhaseDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.SessionID, &s.GuildID, &s.CampaignID, &s.StartTime, &s.Phase, &s.PhaseStartedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// FindOrCreateCampaign returns the campaign with the given name under the
// guild, creating it on first use. The unique (guild_id, name) constraint
// guarantees no duplicates under concurrent callers.
func (r *Repository) FindOrCreateCampaign(ctx context.Context, guildID, name string) (*models.Campaign, error) {
	const q = `INSERT INTO campaigns (guild_id, name) VALUES ($1, $2)
		ON CONFLICT (guild_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, guild_id, name`
	var c models.Campaign
	if err := r.pool.QueryRow(ctx, q, guildID, name).Scan(&c.ID, &c.GuildID, &c.Name); err != nil {
		return nil, fmt.Errorf("find-or-create campaign %s/%s: %w", guildID, name, err)
	}
	return &c, nil
}
