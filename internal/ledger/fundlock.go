package ledger

import (
	"context"
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
)

// FundLock is a temporary hold against a nostro account's available
// balance while a Settlement Instruction is in flight (spec.md §4.3 Phase
// 2). It is released on rollback, or consumed permanently at Phase 5
// finalize.
type FundLock struct {
	ID           identity.FundLockID  `db:"id"`
	BankID       identity.BankID      `db:"bank_id"`
	Currency     money.Currency       `db:"currency"`
	Amount       money.Money          `db:"-"`
	LockedAt     time.Time            `db:"locked_at"`
	ExpiresAt    time.Time            `db:"expires_at"`
	ReleasedAt   *time.Time           `db:"released_at"`
	SettlementID identity.SettlementID `db:"settlement_id"`
}

// IsExpired reports whether the lock's TTL has elapsed as of now, per
// spec.md §4.3 Phase 4's ErrFundLockExpired check before finalize.
func (f FundLock) IsExpired(now time.Time) bool {
	return f.ReleasedAt == nil && now.After(f.ExpiresAt)
}

type FundLockStore interface {
	Create(ctx context.Context, l *FundLock) error
	FindByID(ctx context.Context, id identity.FundLockID) (*FundLock, error)
	FindBySettlement(ctx context.Context, settlementID identity.SettlementID) (*FundLock, error)
	// FindExpiredUnreleased returns locks past expiry that were never
	// released, for the Settlement Executor's recovery sweep.
	FindExpiredUnreleased(ctx context.Context, asOf time.Time) ([]*FundLock, error)
	MarkReleased(ctx context.Context, id identity.FundLockID, releasedAt time.Time) error
}
