// Package ledger implements nostro/vostro account balances, fund locks,
// and the token ledger's 1:1 backing invariant (spec.md §4.5, §5). It
// generalizes the teacher's wallet double-entry posting pattern —
// deterministic multi-row lock ordering, a single serializable
// transaction per mutation, and an append-only hash-chained journal —
// onto interbank nostro accounts and token mint/burn/reserve/release
// events instead of customer wallets.
package ledger

import (
	"context"

	"deltran/internal/identity"
	"deltran/internal/money"
)

// NostroAccount is one bank's settlement account in one currency.
// ledger_balance is the account's durable balance; available_balance
// (ledger_balance - locked_balance) is what Fund Locks may draw against.
type NostroAccount struct {
	BankID        identity.BankID `db:"bank_id"`
	Currency      money.Currency  `db:"currency"`
	LedgerBalance money.Money     `db:"-"`
	LockedBalance money.Money     `db:"-"`
	Active        bool            `db:"active"`
}

// Available returns the balance a new Fund Lock may draw against.
func (n NostroAccount) Available() (money.Money, error) {
	return n.LedgerBalance.Sub(n.LockedBalance)
}

// NostroStore persists nostro accounts. Row-level locking for mutation is
// the Service's responsibility, not the Store's: Find takes no row lock.
type NostroStore interface {
	Create(ctx context.Context, n *NostroAccount) error
	Find(ctx context.Context, bank identity.BankID, currency money.Currency) (*NostroAccount, error)
}
