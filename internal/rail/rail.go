// Package rail defines the external bank-rail adapter boundary (spec.md
// §6) and provides simulated implementations grounded in the teacher's
// blockchain connector shape: a local simulator standing in for a
// network the core cannot actually reach, producing the rail's own
// on-wire payload and confirming settlement the way a real rail would.
package rail

import (
	"context"

	"deltran/internal/identity"
	"deltran/internal/money"
)

// Status is a rail-reported transfer status (spec.md §6 poll_status).
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Payload is the canonical instruction data handed to a rail adapter; each
// implementation marshals it into its own wire format (ISO 20022
// pacs.008, MT103, or a rail-specific JSON body).
type Payload struct {
	EndToEndRef identity.EndToEndRef
	Debtor      identity.BankID
	Creditor    identity.BankID
	Amount      money.Money
}

// Rail is the adapter trait every external bank channel implements
// (spec.md §6). The end-to-end reference must flow through Initiate
// unchanged and be used as the rail's own idempotency key, so a retried
// Initiate call against the same reference never double-sends.
type Rail interface {
	Name() string
	Initiate(ctx context.Context, payload Payload) (railReference string, err error)
	PollStatus(ctx context.Context, railReference string) (Status, error)
	Cancel(ctx context.Context, railReference string) error
	QueryBalance(ctx context.Context, bank identity.BankID, currency money.Currency) (money.Money, error)
}
