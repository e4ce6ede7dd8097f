// Package recordings persists per-artifact lifecycle state. The repository is
// the single source of truth for recording status; updates are atomic per row
// and guarded by the lifecycle transition table.
package recordings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablescribe/backend/internal/models"
)

// ErrIllegalTransition is returned when an update would violate the lifecycle
// state machine.
var ErrIllegalTransition = errors.New("recordings: illegal status transition")

const recordingColumns = `filename, session_id, filepath, user_id, capture_timestamp, status,
	COALESCE(transcription_text, ''), COALESCE(error_log, ''), created_at, updated_at`

// Repository handles recording persistence over pgx.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new recording in PENDING state.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	const q = `INSERT INTO recordings (filename, session_id, filepath, user_id, capture_timestamp, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q,
		rec.Filename, rec.SessionID, rec.Filepath, rec.UserID, rec.CaptureTimestamp, rec.Status).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", rec.Filename, err)
	}
	return nil
}

// GetByFilename returns a recording, or nil when absent.
func (r *Repository) GetByFilename(ctx context.Context, filename string) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE filename = $1`
	rec, err := scanRecording(r.pool.QueryRow(ctx, q, filename))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListBySession returns all recordings for a session in capture order.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE session_id = $1 ORDER BY capture_timestamp ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecordings(rows)
}

// UpdateStatus advances a recording along the lifecycle. The update is
// guarded: it only applies while the row still holds the expected prior
// status, so concurrent writers cannot produce an illegal edge.
func (r *Repository) UpdateStatus(ctx context.Context, filename string, next models.Status) error {
	rec, err := r.GetByFilename(ctx, filename)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("recordings: %s not found", filename)
	}
	if !rec.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, rec.Status, next, filename)
	}
	const q = `UPDATE recordings SET status = $1, updated_at = NOW() WHERE filename = $2 AND status = $3`
	tag, err := r.pool.Exec(ctx, q, next, filename, rec.Status)
	if err != nil {
		return fmt.Errorf("update status %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrIllegalTransition, filename)
	}
	return nil
}

// SetTranscription stores transcript text and advances the status
// (TRANSCRIBED for the raw pass, PROCESSED after correction).
func (r *Repository) SetTranscription(ctx context.Context, filename, text string, next models.Status) error {
	rec, err := r.GetByFilename(ctx, filename)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("recordings: %s not found", filename)
	}
	if !rec.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, rec.Status, next, filename)
	}
	const q = `UPDATE recordings SET transcription_text = $1, status = $2, updated_at = NOW()
		WHERE filename = $3 AND status = $4`
	tag, err := r.pool.Exec(ctx, q, text, next, filename, rec.Status)
	if err != nil {
		return fmt.Errorf("set transcription %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrIllegalTransition, filename)
	}
	return nil
}

// MarkError moves a non-terminal recording to ERROR with the terminal failure
// reason.
func (r *Repository) MarkError(ctx context.Context, filename, reason string) error {
	const q = `UPDATE recordings SET status = $1, error_log = $2, updated_at = NOW()
		WHERE filename = $3 AND status NOT IN ($4, $5, $6)`
	tag, err := r.pool.Exec(ctx, q, models.StatusError, reason, filename,
		models.StatusProcessed, models.StatusError, models.StatusSkipped)
	if err != nil {
		return fmt.Errorf("mark error %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, filename)
	}
	return nil
}

// MarkSkipped excludes a non-terminal recording from processing (silence,
// sub-threshold size).
func (r *Repository) MarkSkipped(ctx context.Context, filename, reason string) error {
	const q = `UPDATE recordings SET status = $1, error_log = $2, updated_at = NOW()
		WHERE filename = $3 AND status NOT IN ($4, $5, $6)`
	tag, err := r.pool.Exec(ctx, q, models.StatusSkipped, reason, filename,
		models.StatusProcessed, models.StatusError, models.StatusSkipped)
	if err != nil {
		return fmt.Errorf("mark skipped %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, filename)
	}
	return nil
}

// ListStalled returns recordings claimed by a worker that never finished:
// every non-terminal status except PENDING, across all sessions.
func (r *Repository) ListStalled(ctx context.Context) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE status IN ($1, $2, $3, $4) ORDER BY session_id, capture_timestamp`
	rows, err := r.pool.Query(ctx, q,
		models.StatusSecured, models.StatusQueued, models.StatusProcessing, models.StatusTranscribed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecordings(rows)
}

// ResetUnfinished puts a session's non-terminal recordings back to PENDING so
// recovery can re-enqueue them, and returns the reset rows. This is the
// explicit reset operation exempt from the transition table.
func (r *Repository) ResetUnfinished(ctx context.Context, sessionID string) ([]models.Recording, error) {
	q := `UPDATE recordings SET status = $1, updated_at = NOW()
		WHERE session_id = $2 AND status NOT IN ($3, $4, $5)
		RETURNING ` + recordingColumns
	rows, err := r.pool.Query(ctx, q, models.StatusPending, sessionID,
		models.StatusProcessed, models.StatusError, models.StatusSkipped)
	if err != nil {
		return nil, fmt.Errorf("reset unfinished %s: %w", sessionID, err)
	}
	defer rows.Close()
	return collectRecordings(rows)
}

// PurgeSession removes all rows for a session. Recordings are never deleted
// except through this explicit full purge.
func (r *Repository) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM recordings WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("purge session %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.Filename, &rec.SessionID, &rec.Filepath, &rec.UserID,
		&rec.CaptureTimestamp, &rec.Status, &rec.TranscriptionText, &rec.ErrorLog,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecordings(rows pgx.Rows) ([]models.Recording, error) {
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}
