// ==============================================================================
// END-OF-DAY RECONCILIATION BATCH - cmd/reconcile/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"deltran/internal/money"
	"deltran/internal/reconciliation"
	"deltran/internal/repository/postgres"
	"deltran/pkg/config"
	"deltran/pkg/logger"
	"deltran/pkg/mailer"
)

func main() {
	cfg := config.Load()
	log := logger.New("reconcile")

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	fmt.Println("=========================================================")
	fmt.Printf("DELTRAN CLEARING - END-OF-DAY RECONCILIATION REPORT\n")
	fmt.Printf("Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Println("=========================================================")

	ctx := context.Background()

	nostroRepo := postgres.NewNostroRepository(db)
	discrepancyRepo := postgres.NewDiscrepancyRepository(db)
	reconciler := reconciliation.NewEndOfDayReconciler(discrepancyRepo, cfg.Reconciliation, log)

	accounts, err := nostroRepo.FindAll(ctx)
	if err != nil {
		log.Fatal("Failed to list nostro accounts", map[string]interface{}{"error": err.Error()})
	}

	fmt.Println("\n[1] Per-account reconciliation (settled instruction ledger vs running balance)")
	discrepancyCount := 0
	for _, account := range accounts {
		credits, debits, err := settledTotals(ctx, db, account.BankID.String(), string(account.Currency))
		if err != nil {
			log.Error("failed to sum settled instructions", map[string]interface{}{
				"bank": account.BankID.String(), "currency": string(account.Currency), "error": err.Error(),
			})
			continue
		}

		opening := money.Zero(account.Currency)
		creditMoney := money.MustNew(credits, account.Currency)
		debitMoney := money.MustNew(debits, account.Currency)

		discrepancy, err := reconciler.Reconcile(ctx, account.BankID, opening, creditMoney, debitMoney, account.LedgerBalance)
		if err != nil {
			log.Error("reconciliation failed", map[string]interface{}{
				"bank": account.BankID.String(), "currency": string(account.Currency), "error": err.Error(),
			})
			continue
		}

		if discrepancy == nil {
			fmt.Printf("    [PASS] %s %s: balance %s matches settled credits/debits\n",
				account.BankID.String(), account.Currency, account.LedgerBalance.String())
			continue
		}

		discrepancyCount++
		fmt.Printf("    [FAIL] %s %s: expected %s, actual %s, difference %s — account HALTED pending resolution\n",
			account.BankID.String(), account.Currency,
			discrepancy.Expected.String(), discrepancy.Actual.String(), discrepancy.Difference.String())
	}

	fmt.Println("\n[2] Negative balance check")
	if err := reportNegativeBalances(ctx, db); err != nil {
		log.Error("negative balance check failed", map[string]interface{}{"error": err.Error()})
	}

	fmt.Println("\n[3] Stuck instructions (past deadline, still executing)")
	if err := reportStuckInstructions(ctx, db); err != nil {
		log.Error("stuck instruction check failed", map[string]interface{}{"error": err.Error()})
	}

	fmt.Println("\n=========================================================")
	if discrepancyCount == 0 {
		fmt.Println("RECONCILIATION COMPLETE — no discrepancies")
	} else {
		fmt.Printf("RECONCILIATION COMPLETE — %d account(s) halted\n", discrepancyCount)
		alertOps(cfg, log, discrepancyCount)
	}
}

// alertOps pages operations by email when the batch halts at least one
// account; failure to send never fails the batch itself, since the
// halt has already been persisted and is the authoritative signal.
func alertOps(cfg *config.Config, log logger.Logger, haltedCount int) {
	if !cfg.OpsAlert.Enabled {
		return
	}
	m := mailer.New(mailer.Config{
		Host:     cfg.OpsAlert.SMTPHost,
		Port:     cfg.OpsAlert.SMTPPort,
		Username: cfg.OpsAlert.Username,
		Password: cfg.OpsAlert.Password,
		From:     cfg.OpsAlert.From,
		UseTLS:   cfg.OpsAlert.UseTLS,
	})
	body := fmt.Sprintf("<p>End-of-day reconciliation halted %d nostro account(s). See the batch report for details.</p>", haltedCount)
	if err := m.Send(cfg.OpsAlert.To, "deltran: reconciliation halt", body); err != nil {
		log.Error("failed to send ops alert email", map[string]interface{}{"error": err.Error()})
	}
}

// settledTotals sums the settlement instructions that have actually moved
// funds for a bank/currency pair: executed, reconciled, or closed are all
// post-movement states (spec.md §4.3); pending/validating/executing/failed
// instructions have not yet (or will never) move money and are excluded.
func settledTotals(ctx context.Context, db *sqlx.DB, bankID, currency string) (credits, debits decimal.Decimal, err error) {
	const settledStates = `('executed', 'reconciled', 'closed')`

	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM settlement_instructions
		WHERE creditor = $1 AND currency = $2 AND status IN `+settledStates,
		bankID, currency,
	).Scan(&credits)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM settlement_instructions
		WHERE debtor = $1 AND currency = $2 AND status IN `+settledStates,
		bankID, currency,
	).Scan(&debits)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return credits, debits, nil
}

func reportNegativeBalances(ctx context.Context, db *sqlx.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT bank_id, currency, ledger_balance FROM nostro_accounts
		WHERE ledger_balance < 0 OR (ledger_balance - locked_balance) < 0
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var bankID, currency string
		var balance decimal.Decimal
		if err := rows.Scan(&bankID, &currency, &balance); err != nil {
			return err
		}
		fmt.Printf("    [ALERT] nostro %s (%s) has negative balance: %s\n", bankID, currency, balance.String())
		found = true
	}
	if !found {
		fmt.Println("    [PASS] no negative nostro balances detected")
	}
	return rows.Err()
}

func reportStuckInstructions(ctx context.Context, db *sqlx.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, status, deadline, amount, currency FROM settlement_instructions
		WHERE status IN ('executing', 'validating') AND deadline < NOW()
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var id, status, currency string
		var deadline time.Time
		var amount decimal.Decimal
		if err := rows.Scan(&id, &status, &deadline, &amount, &currency); err != nil {
			return err
		}
		fmt.Printf("    [WARN] instruction %s stuck in %s past deadline %s (%s %s)\n",
			id, status, deadline.Format(time.RFC3339), amount.String(), currency)
		found = true
	}
	if !found {
		fmt.Println("    [PASS] no stuck instructions past deadline")
	}
	return rows.Err()
}
