// Package window implements the clearing window state machine, its
// idempotent cron-driven scheduler, and the per-window advisory lock that
// guarantees single-writer semantics across replicas during
// Processing/Settling (spec.md §4.1, §5).
package window

import (
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/errors"
)

// Status is a clearing window's lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusOpen      Status = "open"
	StatusClosing   Status = "closing"
	StatusProcessing Status = "processing"
	StatusSettling  Status = "settling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// order gives each status's position in the monotonic lifecycle.
// CanTransition does not consult it; backward transitions are rejected
// through allowed. Failed is not itself ordered against the others.
var order = map[Status]int{
	StatusScheduled:  0,
	StatusOpen:       1,
	StatusClosing:    2,
	StatusProcessing: 3,
	StatusSettling:   4,
	StatusCompleted:  5,
}

// allowed enumerates the legal forward transitions from spec.md §4.1's
// state diagram. Any → Failed is permitted unconditionally and checked
// separately.
var allowed = map[Status]Status{
	StatusScheduled:  StatusOpen,
	StatusOpen:       StatusClosing,
	StatusClosing:    StatusProcessing,
	StatusProcessing: StatusSettling,
	StatusSettling:   StatusCompleted,
}

// Window is a scheduled clearing session during which obligations are
// collected and then batch-netted.
type Window struct {
	ID             identity.WindowID `db:"id"`
	ScheduledOpen  time.Time         `db:"scheduled_open"`
	ScheduledClose time.Time         `db:"scheduled_close"`
	Status         Status            `db:"status"`
	GraceExpiresAt time.Time         `db:"grace_expires_at"`
	OpenedAt       *time.Time        `db:"opened_at"`
	ClosedAt       *time.Time        `db:"closed_at"`
	ProcessingAt   *time.Time        `db:"processing_at"`
	SettlingAt     *time.Time        `db:"settling_at"`
	CompletedAt    *time.Time        `db:"completed_at"`
	// Totals is gross obligation volume collected per currency, reported
	// for monitoring; it does not feed back into the netting decision.
	Totals map[money.Currency]money.Money `db:"-"`
}

// CanTransition reports whether moving from the window's current status to
// target is a legal forward transition, or a transition into Failed (legal
// from any non-terminal state).
func CanTransition(from, target Status) error {
	if target == StatusFailed {
		if from == StatusCompleted {
			return errors.ErrWindowBackwardTransition
		}
		return nil
	}
	next, ok := allowed[from]
	if !ok || next != target {
		return errors.ErrWindowBackwardTransition
	}
	return nil
}

// Advance moves the window to target, stamping the matching timestamp field,
// and enforces monotonic non-decreasing timestamps (spec.md §8 property 7:
// opened ≤ closed ≤ processing ≤ settling ≤ completed): a now earlier than
// any timestamp already stamped is rejected with ErrWindowBackwardTransition.
func (w *Window) Advance(target Status, now time.Time) error {
	if err := CanTransition(w.Status, target); err != nil {
		return err
	}
	for _, prev := range []*time.Time{w.OpenedAt, w.ClosedAt, w.ProcessingAt, w.SettlingAt, w.CompletedAt} {
		if prev != nil && now.Before(*prev) {
			return errors.ErrWindowBackwardTransition
		}
	}
	switch target {
	case StatusOpen:
		w.OpenedAt = &now
	case StatusClosing:
		w.ClosedAt = &now
	case StatusProcessing:
		w.ProcessingAt = &now
	case StatusSettling:
		w.SettlingAt = &now
	case StatusCompleted:
		w.CompletedAt = &now
	}
	w.Status = target
	return nil
}

// AdmitsObligation reports whether an obligation stamped at upstreamTS may
// still be attached to this window, per spec.md §4.1: during Open, anything
// goes; during Closing, only obligations whose upstream timestamp falls
// within [ScheduledOpen, ScheduledClose) are still admitted; from
// Processing onward the set is frozen.
func (w *Window) AdmitsObligation(upstreamTS time.Time) error {
	switch w.Status {
	case StatusOpen:
		return nil
	case StatusClosing:
		if upstreamTS.Before(w.ScheduledOpen) || !upstreamTS.Before(w.ScheduledClose) {
			return errors.ErrWindowClosedForLate
		}
		return nil
	case StatusProcessing, StatusSettling, StatusCompleted, StatusFailed:
		return errors.ErrWindowFrozen
	default:
		return errors.ErrWindowNotOpen
	}
}
