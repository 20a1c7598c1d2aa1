package ledger

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// Service performs every nostro-account and token-position mutation
// inside a single serializable transaction with row-level locking, the
// same pattern the teacher's ledger service uses for wallet postings
// (BeginTxx with sql.LevelSerializable, SELECT ... FOR UPDATE, deadlock
// avoidance via deterministic lock ordering).
type Service struct {
	db  *sqlx.DB
	log logger.Logger
}

func NewService(db *sqlx.DB, log logger.Logger) *Service {
	return &Service{db: db, log: log}
}

// LockFunds implements spec.md §4.3 Phase 2: insert a Fund Lock row and
// atomically decrement the nostro account's available balance, inside
// one serializable transaction with SELECT ... FOR UPDATE on the nostro
// row. Idempotent on settlementID — a retried call for the same
// settlement (the executor's in-window retry ladder reuses one lock
// across attempts, and the drain loop may re-invoke Run against the same
// instruction) returns the lock already on file instead of minting a
// second one, satisfying spec.md §8 Scenario D's "single fund lock
// created and released exactly once."
func (s *Service) LockFunds(ctx context.Context, settlementID identity.SettlementID, bank identity.BankID, amount money.Money, ttl time.Duration) (*FundLock, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errors.Wrap(err, "ledger: begin lock funds tx failed")
	}
	defer tx.Rollback()

	if existing, err := findOpenFundLock(ctx, tx, settlementID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, errors.Wrap(tx.Commit(), "ledger: lock funds idempotent commit failed")
	}

	var ledgerBalance, lockedBalance decimal.Decimal
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT ledger_balance, locked_balance, active
		FROM nostro_accounts
		WHERE bank_id = $1 AND currency = $2
		FOR UPDATE
	`, bank.String(), string(amount.Currency)).Scan(&ledgerBalance, &lockedBalance, &active)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNostroNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "ledger: nostro lock failed")
	}
	if !active {
		return nil, errors.ErrNostroInactive
	}
	available := ledgerBalance.Sub(lockedBalance)
	if available.LessThan(amount.Amount) {
		return nil, errors.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	lock := &FundLock{
		ID:           identity.NewFundLockID(),
		BankID:       bank,
		Currency:     amount.Currency,
		Amount:       amount,
		LockedAt:     now,
		ExpiresAt:    now.Add(ttl),
		SettlementID: settlementID,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fund_locks (id, bank_id, currency, amount, locked_at, expires_at, settlement_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, lock.ID.String(), lock.BankID.String(), string(lock.Currency), lock.Amount.Amount, lock.LockedAt, lock.ExpiresAt, lock.SettlementID.String()); err != nil {
		return nil, errors.Wrap(err, "ledger: insert fund lock failed")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE nostro_accounts
		SET locked_balance = locked_balance + $1
		WHERE bank_id = $2 AND currency = $3
	`, amount.Amount, bank.String(), string(amount.Currency)); err != nil {
		return nil, errors.Wrap(err, "ledger: increment locked_balance failed")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "ledger: lock funds commit failed")
	}
	return lock, nil
}

// findOpenFundLock looks up a not-yet-released fund lock for settlementID
// within the caller's transaction. A settlement only ever mints one lock
// across its lifetime: once released it is finalized or rolled back for
// good and a fresh LockFunds call for the same settlementID would be a
// bug, so only the unreleased lock is considered here.
func findOpenFundLock(ctx context.Context, tx *sqlx.Tx, settlementID identity.SettlementID) (*FundLock, error) {
	var l FundLock
	var currency string
	var amount decimal.Decimal
	err := tx.QueryRowxContext(ctx, `
		SELECT id, bank_id, currency, amount, locked_at, expires_at, settlement_id
		FROM fund_locks
		WHERE settlement_id = $1 AND released_at IS NULL
	`, settlementID.String()).Scan(&l.ID, &l.BankID, &currency, &amount, &l.LockedAt, &l.ExpiresAt, &l.SettlementID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "ledger: find open fund lock failed")
	}
	l.Currency = money.Currency(currency)
	l.Amount = money.MustNew(amount, l.Currency)
	return &l, nil
}

// ReleaseFundLock implements the rollback path of Phase 2: restore
// available_balance and mark the lock released without decrementing
// ledger_balance. Idempotent — releasing an already-released lock is a
// no-op, since a crashed replica may retry the rollback.
func (s *Service) ReleaseFundLock(ctx context.Context, lockID identity.FundLockID) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin release tx failed")
	}
	defer tx.Rollback()

	var bankID, currency string
	var amount decimal.Decimal
	var releasedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT bank_id, currency, amount, released_at FROM fund_locks WHERE id = $1 FOR UPDATE
	`, lockID.String()).Scan(&bankID, &currency, &amount, &releasedAt)
	if err != nil {
		return errors.Wrap(err, "ledger: find fund lock failed")
	}
	if releasedAt.Valid {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE nostro_accounts SET locked_balance = locked_balance - $1
		WHERE bank_id = $2 AND currency = $3
	`, amount, bankID, currency); err != nil {
		return errors.Wrap(err, "ledger: decrement locked_balance failed")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE fund_locks SET released_at = $1 WHERE id = $2`, now, lockID.String()); err != nil {
		return errors.Wrap(err, "ledger: mark fund lock released failed")
	}

	return errors.Wrap(tx.Commit(), "ledger: release commit failed")
}

// FinalizeFundLock implements Phase 5's permanent consumption of a lock:
// ledger_balance is decremented for good, locked_balance is released, and
// the lock row is marked released. This must only be called once per lock
// — callers guard with the Atomic Operation's checkpoint state.
func (s *Service) FinalizeFundLock(ctx context.Context, lockID identity.FundLockID) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin finalize tx failed")
	}
	defer tx.Rollback()

	var bankID, currency string
	var amount decimal.Decimal
	var releasedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT bank_id, currency, amount, released_at FROM fund_locks WHERE id = $1 FOR UPDATE
	`, lockID.String()).Scan(&bankID, &currency, &amount, &releasedAt)
	if err != nil {
		return errors.Wrap(err, "ledger: find fund lock failed")
	}
	if releasedAt.Valid {
		return errors.ErrAlreadyFinalized
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE nostro_accounts
		SET ledger_balance = ledger_balance - $1, locked_balance = locked_balance - $1
		WHERE bank_id = $2 AND currency = $3
	`, amount, bankID, currency); err != nil {
		return errors.Wrap(err, "ledger: finalize decrement failed")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE fund_locks SET released_at = $1 WHERE id = $2`, now, lockID.String()); err != nil {
		return errors.Wrap(err, "ledger: mark fund lock finalized failed")
	}

	return errors.Wrap(tx.Commit(), "ledger: finalize commit failed")
}

// LockMultiple acquires locks against more than one nostro account within
// a single transaction, always in ascending bank-id order — spec.md §5's
// deadlock-avoidance rule for the rare offsetting-correction path that
// touches more than one account at once. The caller-supplied fn runs with
// all rows locked; returning an error rolls back.
func (s *Service) LockMultiple(ctx context.Context, banks []identity.BankID, currency money.Currency, fn func(tx *sqlx.Tx) error) error {
	ordered := append([]identity.BankID{}, banks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin multi-lock tx failed")
	}
	defer tx.Rollback()

	for _, b := range ordered {
		if _, err := tx.ExecContext(ctx, `
			SELECT 1 FROM nostro_accounts WHERE bank_id = $1 AND currency = $2 FOR UPDATE
		`, b.String(), string(currency)); err != nil {
			return errors.Wrap(err, "ledger: multi-lock acquire failed")
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "ledger: multi-lock commit failed")
}

// appendTokenEvent writes one hash-chained journal entry inside the
// caller's transaction, reading the chain's current tail under the same
// transaction so concurrent mints/burns on the same (bank, currency)
// serialize correctly.
func (s *Service) appendTokenEvent(ctx context.Context, tx *sqlx.Tx, bank identity.BankID, currency money.Currency, eventType TokenEventType, amount money.Money) error {
	var prevHash string
	err := tx.QueryRowContext(ctx, `
		SELECT hash FROM token_events
		WHERE bank_id = $1 AND currency = $2
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, bank.String(), string(currency)).Scan(&prevHash)
	if err == sql.ErrNoRows {
		prevHash = genesisHash
	} else if err != nil {
		return errors.Wrap(err, "ledger: read token journal tail failed")
	}

	id := identity.NewCheckpointID()
	now := time.Now().UTC().Truncate(time.Microsecond)
	hash := ComputeTokenEventHash(prevHash, id, bank, currency, eventType, amount, now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_events (id, bank_id, currency, event_type, amount, previous_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id.String(), bank.String(), string(currency), string(eventType), amount.Amount, prevHash, hash, now)
	return errors.Wrap(err, "ledger: append token event failed")
}

// MintTokens implements the mint flow (spec.md §4.5): a confirmed inbound
// credit increases issued_amount and appends a mint event.
func (s *Service) MintTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin mint tx failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_positions (bank_id, currency, issued_amount, reserved_amount)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (bank_id, currency) DO UPDATE SET issued_amount = token_positions.issued_amount + $3
	`, bank.String(), string(amount.Currency), amount.Amount); err != nil {
		return errors.Wrap(err, "ledger: mint update failed")
	}
	if err := s.appendTokenEvent(ctx, tx, bank, amount.Currency, TokenEventMint, amount); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "ledger: mint commit failed")
}

// ReserveTokens implements obligation admission's reservation step: an
// amount equal to the obligation is reserved against the debtor's token
// position without changing issued_amount. Fails with
// ErrTokensNotReserved if the available (issued - reserved) balance is
// insufficient.
func (s *Service) ReserveTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin reserve tx failed")
	}
	defer tx.Rollback()

	var issued, reserved decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT issued_amount, reserved_amount FROM token_positions
		WHERE bank_id = $1 AND currency = $2 FOR UPDATE
	`, bank.String(), string(amount.Currency)).Scan(&issued, &reserved)
	if err != nil {
		return errors.Wrap(err, "ledger: read token position failed")
	}
	if issued.Sub(reserved).LessThan(amount.Amount) {
		return errors.ErrTokensNotReserved
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE token_positions SET reserved_amount = reserved_amount + $1
		WHERE bank_id = $2 AND currency = $3
	`, amount.Amount, bank.String(), string(amount.Currency)); err != nil {
		return errors.Wrap(err, "ledger: reserve update failed")
	}
	if err := s.appendTokenEvent(ctx, tx, bank, amount.Currency, TokenEventReserve, amount); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "ledger: reserve commit failed")
}

// ReleaseReservedTokens undoes a reservation (obligation cancelled before
// settlement) without touching issued_amount.
func (s *Service) ReleaseReservedTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin release-reserved tx failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE token_positions SET reserved_amount = reserved_amount - $1
		WHERE bank_id = $2 AND currency = $3
	`, amount.Amount, bank.String(), string(amount.Currency)); err != nil {
		return errors.Wrap(err, "ledger: release-reserved update failed")
	}
	if err := s.appendTokenEvent(ctx, tx, bank, amount.Currency, TokenEventRelease, amount); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "ledger: release-reserved commit failed")
}

// IsReservedAndBacked reports whether amount is both currently reserved
// and backed by issued tokens for bank/currency — the Phase 1 validation
// check that settlement may only proceed against tokens that are real
// (spec.md §4.3 Phase 1, §4.5 reservation).
func (s *Service) IsReservedAndBacked(ctx context.Context, bank identity.BankID, amount money.Money) (bool, error) {
	var issued, reserved decimal.Decimal
	err := s.db.QueryRowxContext(ctx, `
		SELECT issued_amount, reserved_amount FROM token_positions
		WHERE bank_id = $1 AND currency = $2
	`, bank.String(), string(amount.Currency)).Scan(&issued, &reserved)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "ledger: read token position failed")
	}
	return reserved.GreaterThanOrEqual(amount.Amount) && issued.GreaterThanOrEqual(reserved), nil
}

// BurnTokens implements Phase 5's token burn: issued_amount and
// reserved_amount are both decremented by the net-position amount,
// atomic with the rest of finalize because the caller runs it inside the
// same Atomic Operation's checkpoint sequence (not the same SQL
// transaction — finalize's atomicity is enforced by the checkpoint log,
// per spec.md §4.3).
func (s *Service) BurnTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "ledger: begin burn tx failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE token_positions
		SET issued_amount = issued_amount - $1, reserved_amount = reserved_amount - $1
		WHERE bank_id = $2 AND currency = $3
	`, amount.Amount, bank.String(), string(amount.Currency)); err != nil {
		return errors.Wrap(err, "ledger: burn update failed")
	}
	if err := s.appendTokenEvent(ctx, tx, bank, amount.Currency, TokenEventBurn, amount); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "ledger: burn commit failed")
}
