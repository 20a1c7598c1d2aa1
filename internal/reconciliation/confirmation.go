// Package reconciliation implements the three-tier inbound confirmation
// matcher and end-of-day account reconciliation (spec.md §4.5).
package reconciliation

import (
	"context"
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
)

// CreditOrDebit is the bank-reported direction of a confirmation.
type CreditOrDebit string

const (
	Credit CreditOrDebit = "credit"
	Debit  CreditOrDebit = "debit"
)

// Confirmation is one inbound bank credit/debit notification (spec.md §6:
// at-least-once delivery, deduplicated by bank_reference).
type Confirmation struct {
	BankReference       string                  `db:"bank_reference"`
	EndToEndRef         *identity.EndToEndRef   `db:"end_to_end_reference"`
	Amount              money.Money             `db:"-"`
	BookingTimestamp    time.Time               `db:"booking_ts"`
	Indicator           CreditOrDebit           `db:"credit_or_debit_indicator"`
	MatchedInstructionID *identity.InstructionID `db:"matched_instruction_id"`
}

type ConfirmationStore interface {
	FindByBankReference(ctx context.Context, bankReference string) (*Confirmation, error)
	Create(ctx context.Context, c *Confirmation) error
	MarkMatched(ctx context.Context, bankReference string, instructionID identity.InstructionID) error
}

// InstructionSummary is the minimal instruction shape the matcher needs;
// it deliberately avoids importing the settlement package to keep the
// dependency direction one-way (settlement depends on reconciliation's
// match result, not the other way around).
type InstructionSummary struct {
	ID               identity.InstructionID
	EndToEndRef      identity.EndToEndRef
	Amount           money.Money
	BankReference    *string
	BookingTimestamp time.Time
	Pending          bool
}

// InstructionLookup is the read-only view onto settlement instructions
// the matcher needs for exact/high/medium matching.
type InstructionLookup interface {
	FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*InstructionSummary, error)
	// FindPendingCandidates returns pending instructions matching amount
	// and currency, for high/medium tier matching.
	FindPendingCandidates(ctx context.Context, amount money.Money) ([]*InstructionSummary, error)
}
