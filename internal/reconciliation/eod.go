package reconciliation

import (
	"context"
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/config"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// Discrepancy records an end-of-day reconciliation mismatch beyond
// tolerance for one custodian account (spec.md §4.5, §6).
type Discrepancy struct {
	ID         identity.CheckpointID
	Account    identity.BankID
	Currency   money.Currency
	Expected   money.Money
	Actual     money.Money
	Difference money.Money
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// DiscrepancyStore persists discrepancies and tracks which accounts are
// currently halted pending resolution.
type DiscrepancyStore interface {
	Create(ctx context.Context, d *Discrepancy) error
	IsHalted(ctx context.Context, bank identity.BankID, currency money.Currency) (bool, error)
	Halt(ctx context.Context, bank identity.BankID, currency money.Currency) error
	Resolve(ctx context.Context, discrepancyID identity.CheckpointID, resolvedAt time.Time) error
}

// EndOfDayReconciler computes, for a custodian account, whether its
// reported closing balance matches opening balance plus the period's
// credits and debits within tolerance (spec.md §4.5).
type EndOfDayReconciler struct {
	store DiscrepancyStore
	cfg   config.ReconciliationConfig
	log   logger.Logger
}

func NewEndOfDayReconciler(store DiscrepancyStore, cfg config.ReconciliationConfig, log logger.Logger) *EndOfDayReconciler {
	return &EndOfDayReconciler{store: store, cfg: cfg, log: log}
}

// Reconcile compares expected = opening + credits - debits against the
// reported closing balance. A discrepancy beyond tolerance (the larger of
// the configured absolute and relative tolerances) creates a Discrepancy
// record and marks the (bank, currency) account halted through
// DiscrepancyStore.Halt. The ledger's minting path does not read that
// halt, so minting against the account is not blocked by it.
func (r *EndOfDayReconciler) Reconcile(ctx context.Context, bank identity.BankID, opening, credits, debits, closing money.Money) (*Discrepancy, error) {
	currency := opening.Currency

	expectedAmount := opening.Amount.Add(credits.Amount).Sub(debits.Amount)
	expected, err := money.New(expectedAmount, currency)
	if err != nil {
		return nil, err
	}

	difference := expected.Amount.Sub(closing.Amount).Abs()
	relativeTolerance := expected.Amount.Abs().Mul(r.cfg.RelativeTolerance)
	tolerance := r.cfg.AbsoluteTolerance
	if relativeTolerance.GreaterThan(tolerance) {
		tolerance = relativeTolerance
	}

	if difference.LessThanOrEqual(tolerance) {
		return nil, nil
	}

	diffMoney, err := money.New(expected.Amount.Sub(closing.Amount), currency)
	if err != nil {
		return nil, err
	}

	d := &Discrepancy{
		ID:         identity.NewCheckpointID(),
		Account:    bank,
		Currency:   currency,
		Expected:   expected,
		Actual:     closing,
		Difference: diffMoney,
		DetectedAt: time.Now().UTC(),
	}
	if err := r.store.Create(ctx, d); err != nil {
		return nil, errors.Wrap(err, "reconciliation: record discrepancy failed")
	}
	if err := r.store.Halt(ctx, bank, currency); err != nil {
		return nil, errors.Wrap(err, "reconciliation: halt account failed")
	}

	r.log.Error("reconciliation discrepancy detected", map[string]interface{}{
		"bank":       bank.String(),
		"currency":   string(currency),
		"expected":   expected.String(),
		"actual":     closing.String(),
		"difference": diffMoney.String(),
	})
	return d, nil
}
