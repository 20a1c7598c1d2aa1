package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// connectTestDB mirrors the teacher's repository tests: it runs against a
// real Postgres instance when DATABASE_URL is set and skips otherwise,
// since the ledger service drives transactions and row locks directly and
// has no interface boundary a mock could stand in for.
func connectTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		t.Skip("Skipping integration test: database not available")
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedNostroAccount(t *testing.T, db *sqlx.DB, bank identity.BankID, currency money.Currency, ledgerBalance decimal.Decimal) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO nostro_accounts (bank_id, currency, ledger_balance, locked_balance, active)
		VALUES ($1, $2, $3, 0, true)
		ON CONFLICT (bank_id, currency) DO UPDATE SET ledger_balance = $3, locked_balance = 0, active = true
	`, bank.String(), string(currency), ledgerBalance)
	require.NoError(t, err)
}

func TestLockFundsDecrementsAvailableBalance(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	seedNostroAccount(t, db, bank, "USD", decimal.RequireFromString("1000.00"))
	amount := money.MustNew(decimal.RequireFromString("400.00"), "USD")

	lock, err := svc.LockFunds(ctx, identity.NewSettlementID(), bank, amount, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, bank, lock.BankID)

	var locked decimal.Decimal
	require.NoError(t, db.Get(&locked, `SELECT locked_balance FROM nostro_accounts WHERE bank_id = $1 AND currency = 'USD'`, bank.String()))
	require.True(t, locked.Equal(amount.Amount))
}

func TestLockFundsRejectsInsufficientBalance(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	seedNostroAccount(t, db, bank, "USD", decimal.RequireFromString("10.00"))
	amount := money.MustNew(decimal.RequireFromString("400.00"), "USD")

	_, err := svc.LockFunds(ctx, identity.NewSettlementID(), bank, amount, 10*time.Minute)
	require.ErrorIs(t, err, errors.ErrInsufficientBalance)
}

func TestLockFundsRejectsInactiveAccount(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	seedNostroAccount(t, db, bank, "USD", decimal.RequireFromString("1000.00"))
	_, err := db.Exec(`UPDATE nostro_accounts SET active = false WHERE bank_id = $1 AND currency = 'USD'`, bank.String())
	require.NoError(t, err)

	amount := money.MustNew(decimal.RequireFromString("100.00"), "USD")
	_, err = svc.LockFunds(ctx, identity.NewSettlementID(), bank, amount, 10*time.Minute)
	require.ErrorIs(t, err, errors.ErrNostroInactive)
}

func TestLockFundsIsIdempotentOnSettlementID(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	seedNostroAccount(t, db, bank, "USD", decimal.RequireFromString("1000.00"))
	amount := money.MustNew(decimal.RequireFromString("50.00"), "USD")
	settlementID := identity.NewSettlementID()

	first, err := svc.LockFunds(ctx, settlementID, bank, amount, 10*time.Minute)
	require.NoError(t, err)

	second, err := svc.LockFunds(ctx, settlementID, bank, amount, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var locked decimal.Decimal
	require.NoError(t, db.Get(&locked, `SELECT locked_balance FROM nostro_accounts WHERE bank_id = $1 AND currency = 'USD'`, bank.String()))
	require.True(t, locked.Equal(amount.Amount), "retried LockFunds call must not double-decrement available balance")
}

func TestReleaseFundLockIsIdempotent(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	seedNostroAccount(t, db, bank, "USD", decimal.RequireFromString("1000.00"))
	amount := money.MustNew(decimal.RequireFromString("100.00"), "USD")
	lock, err := svc.LockFunds(ctx, identity.NewSettlementID(), bank, amount, 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseFundLock(ctx, lock.ID))
	require.NoError(t, svc.ReleaseFundLock(ctx, lock.ID))

	var locked decimal.Decimal
	require.NoError(t, db.Get(&locked, `SELECT locked_balance FROM nostro_accounts WHERE bank_id = $1 AND currency = 'USD'`, bank.String()))
	require.True(t, locked.IsZero())
}

func TestReserveAndReleaseTokensRoundTrip(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	require.NoError(t, svc.MintTokens(ctx, bank, money.MustNew(decimal.RequireFromString("500.00"), "USD")))

	amount := money.MustNew(decimal.RequireFromString("200.00"), "USD")
	require.NoError(t, svc.ReserveTokens(ctx, bank, amount))

	backed, err := svc.IsReservedAndBacked(ctx, bank, amount)
	require.NoError(t, err)
	require.True(t, backed)

	require.NoError(t, svc.ReleaseReservedTokens(ctx, bank, amount))
	backed, err = svc.IsReservedAndBacked(ctx, bank, amount)
	require.NoError(t, err)
	require.False(t, backed)
}

func TestReserveTokensRejectsWhenUnbacked(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	require.NoError(t, svc.MintTokens(ctx, bank, money.MustNew(decimal.RequireFromString("50.00"), "USD")))

	amount := money.MustNew(decimal.RequireFromString("200.00"), "USD")
	err := svc.ReserveTokens(ctx, bank, amount)
	require.ErrorIs(t, err, errors.ErrTokensNotReserved)
}

func TestBurnTokensDecrementsIssuedAndReserved(t *testing.T) {
	db := connectTestDB(t)
	svc := NewService(db, logger.NewNop())
	ctx := context.Background()

	bank := identity.NewBankID()
	amount := money.MustNew(decimal.RequireFromString("300.00"), "USD")
	require.NoError(t, svc.MintTokens(ctx, bank, amount))
	require.NoError(t, svc.ReserveTokens(ctx, bank, amount))
	require.NoError(t, svc.BurnTokens(ctx, bank, amount))

	backed, err := svc.IsReservedAndBacked(ctx, bank, amount)
	require.NoError(t, err)
	require.False(t, backed)
}
