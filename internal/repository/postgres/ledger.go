package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/ledger"
	"deltran/internal/money"
	"deltran/pkg/errors"
)

// NostroRepository implements ledger.NostroStore. It mirrors the teacher's
// LedgerRepository file (internal/repository/postgres/ledger.go) in
// structure but serves nostro accounts rather than the wallet transaction
// ledger; the locking logic itself lives in internal/ledger.Service.
type NostroRepository struct {
	db *sqlx.DB
}

func NewNostroRepository(db *sqlx.DB) *NostroRepository {
	return &NostroRepository{db: db}
}

func (r *NostroRepository) Create(ctx context.Context, n *ledger.NostroAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nostro_accounts (bank_id, currency, ledger_balance, locked_balance, active)
		VALUES ($1, $2, $3, $4, $5)
	`, n.BankID.String(), string(n.Currency), n.LedgerBalance.Amount, n.LockedBalance.Amount, n.Active)
	return errors.Wrap(err, "failed to create nostro account")
}

func (r *NostroRepository) Find(ctx context.Context, bank identity.BankID, currency money.Currency) (*ledger.NostroAccount, error) {
	var n ledger.NostroAccount
	var ledgerBalance, lockedBalance decimal.Decimal
	err := r.db.QueryRowxContext(ctx, `
		SELECT bank_id, currency, ledger_balance, locked_balance, active
		FROM nostro_accounts WHERE bank_id = $1 AND currency = $2
	`, bank.String(), string(currency)).Scan(&n.BankID, &n.Currency, &ledgerBalance, &lockedBalance, &n.Active)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNostroNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find nostro account")
	}
	n.LedgerBalance = money.MustNew(ledgerBalance, n.Currency)
	n.LockedBalance = money.MustNew(lockedBalance, n.Currency)
	return &n, nil
}

// FindAll lists every nostro account, active or not; the EOD reconciliation
// batch (cmd/reconcile) walks this rather than requiring an operator to
// name every (bank, currency) pair up front.
func (r *NostroRepository) FindAll(ctx context.Context) ([]*ledger.NostroAccount, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT bank_id, currency, ledger_balance, locked_balance, active
		FROM nostro_accounts ORDER BY bank_id, currency
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nostro accounts")
	}
	defer rows.Close()

	var out []*ledger.NostroAccount
	for rows.Next() {
		var n ledger.NostroAccount
		var ledgerBalance, lockedBalance decimal.Decimal
		if err := rows.Scan(&n.BankID, &n.Currency, &ledgerBalance, &lockedBalance, &n.Active); err != nil {
			return nil, errors.Wrap(err, "failed to scan nostro account")
		}
		n.LedgerBalance = money.MustNew(ledgerBalance, n.Currency)
		n.LockedBalance = money.MustNew(lockedBalance, n.Currency)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// FundLockRepository implements ledger.FundLockStore.
type FundLockRepository struct {
	db *sqlx.DB
}

func NewFundLockRepository(db *sqlx.DB) *FundLockRepository {
	return &FundLockRepository{db: db}
}

func (r *FundLockRepository) Create(ctx context.Context, l *ledger.FundLock) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fund_locks (id, bank_id, currency, amount, locked_at, expires_at, released_at, settlement_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID.String(), l.BankID.String(), string(l.Currency), l.Amount.Amount, l.LockedAt, l.ExpiresAt, l.ReleasedAt, l.SettlementID.String())
	return errors.Wrap(err, "failed to create fund lock")
}

func (r *FundLockRepository) FindByID(ctx context.Context, id identity.FundLockID) (*ledger.FundLock, error) {
	return r.scanOne(ctx, `
		SELECT id, bank_id, currency, amount, locked_at, expires_at, released_at, settlement_id
		FROM fund_locks WHERE id = $1
	`, id.String())
}

func (r *FundLockRepository) FindBySettlement(ctx context.Context, settlementID identity.SettlementID) (*ledger.FundLock, error) {
	return r.scanOne(ctx, `
		SELECT id, bank_id, currency, amount, locked_at, expires_at, released_at, settlement_id
		FROM fund_locks WHERE settlement_id = $1
	`, settlementID.String())
}

func (r *FundLockRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*ledger.FundLock, error) {
	var l ledger.FundLock
	var amount decimal.Decimal
	var currency string
	err := r.db.QueryRowxContext(ctx, query, args...).Scan(
		&l.ID, &l.BankID, &currency, &amount, &l.LockedAt, &l.ExpiresAt, &l.ReleasedAt, &l.SettlementID,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrFundLockNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find fund lock")
	}
	l.Currency = money.Currency(currency)
	l.Amount = money.MustNew(amount, l.Currency)
	return &l, nil
}

func (r *FundLockRepository) FindExpiredUnreleased(ctx context.Context, asOf time.Time) ([]*ledger.FundLock, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, bank_id, currency, amount, locked_at, expires_at, released_at, settlement_id
		FROM fund_locks WHERE released_at IS NULL AND expires_at < $1
		ORDER BY expires_at ASC
	`, asOf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query expired fund locks")
	}
	defer rows.Close()

	var out []*ledger.FundLock
	for rows.Next() {
		var l ledger.FundLock
		var amount decimal.Decimal
		var currency string
		if err := rows.Scan(&l.ID, &l.BankID, &currency, &amount, &l.LockedAt, &l.ExpiresAt, &l.ReleasedAt, &l.SettlementID); err != nil {
			return nil, errors.Wrap(err, "failed to scan expired fund lock")
		}
		l.Currency = money.Currency(currency)
		l.Amount = money.MustNew(amount, l.Currency)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *FundLockRepository) MarkReleased(ctx context.Context, id identity.FundLockID, releasedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE fund_locks SET released_at = $1 WHERE id = $2`, releasedAt, id.String())
	return errors.Wrap(err, "failed to mark fund lock released")
}

// TokenRepository implements ledger.TokenStore.
type TokenRepository struct {
	db *sqlx.DB
}

func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func (r *TokenRepository) FindPosition(ctx context.Context, bank identity.BankID, currency money.Currency) (*ledger.TokenPosition, error) {
	var p ledger.TokenPosition
	var issued, reserved decimal.Decimal
	err := r.db.QueryRowxContext(ctx, `
		SELECT bank_id, currency, issued_amount, reserved_amount
		FROM token_positions WHERE bank_id = $1 AND currency = $2
	`, bank.String(), string(currency)).Scan(&p.BankID, &p.Currency, &issued, &reserved)
	if err == sql.ErrNoRows {
		return nil, errors.ErrTokenPositionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find token position")
	}
	p.IssuedAmount = money.MustNew(issued, p.Currency)
	p.ReservedAmount = money.MustNew(reserved, p.Currency)
	return &p, nil
}

func (r *TokenRepository) CreatePosition(ctx context.Context, p *ledger.TokenPosition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_positions (bank_id, currency, issued_amount, reserved_amount)
		VALUES ($1, $2, $3, $4)
	`, p.BankID.String(), string(p.Currency), p.IssuedAmount.Amount, p.ReservedAmount.Amount)
	return errors.Wrap(err, "failed to create token position")
}

func (r *TokenRepository) LastEventHash(ctx context.Context, bank identity.BankID, currency money.Currency) (string, error) {
	var hash string
	err := r.db.QueryRowxContext(ctx, `
		SELECT hash FROM token_events WHERE bank_id = $1 AND currency = $2
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, bank.String(), string(currency)).Scan(&hash)
	return hash, err
}

func (r *TokenRepository) AppendEvent(ctx context.Context, e *ledger.TokenEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_events (id, bank_id, currency, event_type, amount, previous_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID.String(), e.BankID.String(), string(e.Currency), string(e.EventType), e.Amount.Amount, e.PreviousHash, e.Hash, e.CreatedAt)
	return errors.Wrap(err, "failed to append token event")
}

func (r *TokenRepository) Events(ctx context.Context, bank identity.BankID, currency money.Currency) ([]*ledger.TokenEvent, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, bank_id, currency, event_type, amount, previous_hash, hash, created_at
		FROM token_events WHERE bank_id = $1 AND currency = $2
		ORDER BY created_at ASC, id ASC
	`, bank.String(), string(currency))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query token events")
	}
	defer rows.Close()

	var out []*ledger.TokenEvent
	for rows.Next() {
		var e ledger.TokenEvent
		var amount decimal.Decimal
		var currencyCol, eventType string
		if err := rows.Scan(&e.ID, &e.BankID, &currencyCol, &eventType, &amount, &e.PreviousHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan token event")
		}
		e.Currency = money.Currency(currencyCol)
		e.EventType = ledger.TokenEventType(eventType)
		e.Amount = money.MustNew(amount, e.Currency)
		out = append(out, &e)
	}
	return out, rows.Err()
}
