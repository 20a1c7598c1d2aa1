package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"deltran/internal/identity"
	"deltran/internal/window"
	"deltran/pkg/errors"
)

// WindowRepository implements window.Store.
type WindowRepository struct {
	db *sqlx.DB
}

func NewWindowRepository(db *sqlx.DB) *WindowRepository {
	return &WindowRepository{db: db}
}

func (r *WindowRepository) Create(ctx context.Context, w *window.Window) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clearing_windows (
			id, scheduled_open, scheduled_close, status, grace_expires_at,
			opened_at, closed_at, processing_at, settling_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, w.ID.String(), w.ScheduledOpen, w.ScheduledClose, string(w.Status), w.GraceExpiresAt,
		w.OpenedAt, w.ClosedAt, w.ProcessingAt, w.SettlingAt, w.CompletedAt)
	return errors.Wrap(err, "failed to create clearing window")
}

func (r *WindowRepository) Update(ctx context.Context, w *window.Window) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clearing_windows SET
			status = $1, opened_at = $2, closed_at = $3, processing_at = $4,
			settling_at = $5, completed_at = $6
		WHERE id = $7
	`, string(w.Status), w.OpenedAt, w.ClosedAt, w.ProcessingAt, w.SettlingAt, w.CompletedAt, w.ID.String())
	return errors.Wrap(err, "failed to update clearing window")
}

func (r *WindowRepository) FindByID(ctx context.Context, id identity.WindowID) (*window.Window, error) {
	return r.scanOne(ctx, `
		SELECT id, scheduled_open, scheduled_close, status, grace_expires_at,
			opened_at, closed_at, processing_at, settling_at, completed_at
		FROM clearing_windows WHERE id = $1
	`, id.String())
}

func (r *WindowRepository) FindByScheduledOpen(ctx context.Context, scheduledOpen time.Time) (*window.Window, error) {
	return r.scanOne(ctx, `
		SELECT id, scheduled_open, scheduled_close, status, grace_expires_at,
			opened_at, closed_at, processing_at, settling_at, completed_at
		FROM clearing_windows WHERE scheduled_open = $1
	`, scheduledOpen)
}

func (r *WindowRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*window.Window, error) {
	var w window.Window
	var status string
	err := r.db.QueryRowxContext(ctx, query, args...).Scan(
		&w.ID, &w.ScheduledOpen, &w.ScheduledClose, &status, &w.GraceExpiresAt,
		&w.OpenedAt, &w.ClosedAt, &w.ProcessingAt, &w.SettlingAt, &w.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrWindowNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find clearing window")
	}
	w.Status = window.Status(status)
	return &w, nil
}

func (r *WindowRepository) FindInStatus(ctx context.Context, status window.Status) ([]*window.Window, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, scheduled_open, scheduled_close, status, grace_expires_at,
			opened_at, closed_at, processing_at, settling_at, completed_at
		FROM clearing_windows WHERE status = $1
		ORDER BY scheduled_open ASC
	`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query clearing windows by status")
	}
	defer rows.Close()

	var out []*window.Window
	for rows.Next() {
		var w window.Window
		var statusCol string
		if err := rows.Scan(&w.ID, &w.ScheduledOpen, &w.ScheduledClose, &statusCol, &w.GraceExpiresAt,
			&w.OpenedAt, &w.ClosedAt, &w.ProcessingAt, &w.SettlingAt, &w.CompletedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan clearing window")
		}
		w.Status = window.Status(statusCol)
		out = append(out, &w)
	}
	return out, rows.Err()
}
