package window

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"deltran/internal/identity"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

// Scheduler opens new clearing windows on the configured cron schedule,
// drives Open→Closing→Processing transitions, and recovers windows left
// mid-Processing by a crashed replica (spec.md §4.1).
type Scheduler struct {
	store  Store
	lock   *AdvisoryLock
	cfg    config.WindowConfig
	log    logger.Logger
	sched  cron.Schedule
	holder string

	onProcess func(ctx context.Context, w *Window) error
}

// NewScheduler parses cfg.Schedule as a standard 5-field cron expression
// (the default "0 0,6,12,18 * * *" matches spec.md's four daily sessions).
// onProcess is invoked once a window enters Processing, under the window's
// advisory lock; it is expected to drive netting through to Settling.
func NewScheduler(store Store, lock *AdvisoryLock, cfg config.WindowConfig, holder string, log logger.Logger, onProcess func(ctx context.Context, w *Window) error) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("window scheduler: invalid cron schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{
		store:     store,
		lock:      lock,
		cfg:       cfg,
		log:       log,
		sched:     sched,
		holder:    holder,
		onProcess: onProcess,
	}, nil
}

// Run polls every interval, opening due windows, closing windows past their
// scheduled close, and promoting windows whose grace period has elapsed.
// It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	if err := s.ensureWindowOpened(ctx, now); err != nil {
		s.log.Error("window scheduler: ensure opened failed", map[string]interface{}{"error": err.Error()})
	}
	if err := s.advanceDueWindows(ctx, now); err != nil {
		s.log.Error("window scheduler: advance failed", map[string]interface{}{"error": err.Error()})
	}
	if err := s.recoverStuckProcessing(ctx); err != nil {
		s.log.Error("window scheduler: recovery failed", map[string]interface{}{"error": err.Error()})
	}
}

// ensureWindowOpened creates (idempotently) and opens the window for the
// most recent schedule instant that has passed. Re-entering the same
// instant never opens a duplicate window: FindByScheduledOpen is the
// dedup key.
func (s *Scheduler) ensureWindowOpened(ctx context.Context, now time.Time) error {
	due := s.sched.Next(now.Add(-s.cfg.Duration))
	if due.After(now) {
		return nil
	}

	existing, err := s.store.FindByScheduledOpen(ctx, due)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == StatusScheduled {
			if err := existing.Advance(StatusOpen, now); err != nil {
				return err
			}
			if err := s.store.Update(ctx, existing); err != nil {
				return err
			}
			s.log.Info("window opened", map[string]interface{}{"window_id": existing.ID.String()})
		}
		return nil
	}

	w := &Window{
		ID:             identity.NewWindowID(),
		ScheduledOpen:  due,
		ScheduledClose: due.Add(s.cfg.Duration),
		Status:         StatusScheduled,
		GraceExpiresAt: due.Add(s.cfg.Duration).Add(s.cfg.GracePeriod),
	}
	if err := s.store.Create(ctx, w); err != nil {
		return err
	}
	if err := w.Advance(StatusOpen, now); err != nil {
		return err
	}
	if err := s.store.Update(ctx, w); err != nil {
		return err
	}
	s.log.Info("window scheduled and opened", map[string]interface{}{
		"window_id":      w.ID.String(),
		"scheduled_open": w.ScheduledOpen,
	})
	return nil
}

// advanceDueWindows closes windows past their scheduled_close and promotes
// Closing windows whose grace period has elapsed into Processing, taking
// the advisory lock before running onProcess.
func (s *Scheduler) advanceDueWindows(ctx context.Context, now time.Time) error {
	openWindows, err := s.store.FindInStatus(ctx, StatusOpen)
	if err != nil {
		return err
	}
	for _, w := range openWindows {
		if !now.Before(w.ScheduledClose) {
			if err := w.Advance(StatusClosing, now); err != nil {
				return err
			}
			if err := s.store.Update(ctx, w); err != nil {
				return err
			}
			s.log.Info("window closing", map[string]interface{}{"window_id": w.ID.String()})
		}
	}

	closingWindows, err := s.store.FindInStatus(ctx, StatusClosing)
	if err != nil {
		return err
	}
	for _, w := range closingWindows {
		if !now.Before(w.GraceExpiresAt) {
			if err := s.beginProcessing(ctx, w, now); err != nil {
				s.log.Error("window processing failed", map[string]interface{}{
					"window_id": w.ID.String(),
					"error":     err.Error(),
				})
			}
		}
	}
	return nil
}

func (s *Scheduler) beginProcessing(ctx context.Context, w *Window, now time.Time) error {
	ok, err := s.lock.Acquire(ctx, w.ID, s.holder)
	if err != nil {
		return err
	}
	if !ok {
		// Another replica holds the lock; it will drive this window.
		return nil
	}
	defer s.lock.Release(ctx, w.ID, s.holder)

	if err := w.Advance(StatusProcessing, now); err != nil {
		return err
	}
	if err := s.store.Update(ctx, w); err != nil {
		return err
	}
	s.log.Info("window processing started", map[string]interface{}{"window_id": w.ID.String()})

	// Any error here aborts without advancing status beyond Processing;
	// the next tick retries (spec.md §4.1 failure model). The lock is
	// released by the defer above regardless of outcome.
	if err := s.onProcess(ctx, w); err != nil {
		return fmt.Errorf("window %s processing: %w", w.ID, err)
	}
	return nil
}

// recoverStuckProcessing re-attempts windows left in Processing by a
// replica that died mid-flight without ever reaching Settling. Recovery is
// driven by the Settlement Executor's durable checkpoints, not by rerunning
// the Netting Engine against a changed input (spec.md §4.1).
func (s *Scheduler) recoverStuckProcessing(ctx context.Context) error {
	stuck, err := s.store.FindInStatus(ctx, StatusProcessing)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, w := range stuck {
		if err := s.beginProcessing(ctx, w, now); err != nil {
			s.log.Warn("window recovery attempt failed", map[string]interface{}{
				"window_id": w.ID.String(),
				"error":     err.Error(),
			})
		}
	}
	return nil
}
