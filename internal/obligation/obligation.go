// Package obligation implements the obligation store: ingest of canonical
// payment obligations, their (window, currency, debtor, creditor, amount,
// status) persistence, and the Pending/Netted/Cancelled status lifecycle.
package obligation

import (
	"context"
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/errors"
)

// Status is the obligation lifecycle state (spec.md §3).
type Status string

const (
	StatusPending            Status = "pending"
	StatusNetted             Status = "netted"
	StatusCancelled          Status = "cancelled"
	StatusSettled            Status = "settled"
	StatusSettledWithRefund  Status = "settled_with_refund"
)

// Obligation is an immutable (amount, parties) payment obligation scoped to
// exactly one clearing window.
type Obligation struct {
	ID             identity.ObligationID  `db:"id"`
	WindowID       identity.WindowID      `db:"window_id"`
	DebtorBank     identity.BankID        `db:"debtor_bank"`
	CreditorBank   identity.BankID        `db:"creditor_bank"`
	Amount         money.Money            `db:"-"`
	Status         Status                 `db:"status"`
	EndToEndRef    identity.EndToEndRef   `db:"end_to_end_ref"`
	NetPositionID  *identity.NetPositionID `db:"net_position_id"`
	UpstreamStamp  time.Time              `db:"upstream_stamp"`
	CreatedAt      time.Time              `db:"created_at"`
}

// CanonicalDescriptor is the inbound shape the Gateway adapter hands to the
// core (spec.md §6): wire parsing (ISO 20022 pacs.008/pain.001) happens
// entirely upstream of this boundary.
type CanonicalDescriptor struct {
	DebtorBankID       identity.BankID
	CreditorBankID     identity.BankID
	Currency           money.Currency
	Amount             money.Money
	OriginatorRef      string
	ComplianceCleared  bool
	UpstreamTimestamp  time.Time
}

// Validate rejects the edge cases specified in spec.md §4.2: zero-amount and
// self-obligations never enter the graph, so they are refused at ingest.
func (d CanonicalDescriptor) Validate() error {
	if !d.Amount.IsPositive() {
		return errors.ErrObligationZeroAmount
	}
	if d.DebtorBankID == d.CreditorBankID {
		return errors.ErrObligationSelfPay
	}
	return nil
}

// Store persists obligations and drives their status transitions. Window
// manager and netting engine are the only two expected callers that mutate
// status; everything else reads.
type Store interface {
	Create(ctx context.Context, o *Obligation) error
	FindByID(ctx context.Context, id identity.ObligationID) (*Obligation, error)
	FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*Obligation, error)
	FindByWindow(ctx context.Context, windowID identity.WindowID) ([]*Obligation, error)
	// FindOpenForWindow returns obligations still eligible for admission to
	// the given window (status Pending), ordered by ID for deterministic
	// netting (spec.md §5).
	FindOpenForWindow(ctx context.Context, windowID identity.WindowID) ([]*Obligation, error)
	MarkNetted(ctx context.Context, ids []identity.ObligationID, netPositionID identity.NetPositionID) error
	MarkCancelled(ctx context.Context, id identity.ObligationID, reason string) error
	MarkSettled(ctx context.Context, ids []identity.ObligationID) error
	MarkSettledWithRefund(ctx context.Context, ids []identity.ObligationID) error
}
