package window

import (
	"context"
	"time"

	"deltran/internal/identity"
	"deltran/pkg/errors"
)

// Store persists clearing windows and answers the scheduler's idempotency
// and recovery queries.
type Store interface {
	Create(ctx context.Context, w *Window) error
	Update(ctx context.Context, w *Window) error
	FindByID(ctx context.Context, id identity.WindowID) (*Window, error)
	// FindByScheduledOpen returns the window already created for a given
	// schedule instant, if any — the basis of the scheduler's idempotency
	// (re-entering a schedule instant never opens a duplicate window).
	FindByScheduledOpen(ctx context.Context, scheduledOpen time.Time) (*Window, error)
	FindInStatus(ctx context.Context, status Status) ([]*Window, error)
}

// FindAdmitting returns the window currently accepting new obligations —
// the Open window if one exists, otherwise a Closing window still inside
// its late-admission interval (spec.md §4.1). Obligation ingest uses this
// rather than reasoning about window status itself.
func FindAdmitting(ctx context.Context, store Store) (*Window, error) {
	open, err := store.FindInStatus(ctx, StatusOpen)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return open[0], nil
	}
	closing, err := store.FindInStatus(ctx, StatusClosing)
	if err != nil {
		return nil, err
	}
	if len(closing) > 0 {
		return closing[0], nil
	}
	return nil, errors.ErrWindowNotOpen
}
