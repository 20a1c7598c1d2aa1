package orchestrator

import (
	"context"
	"time"

	"deltran/internal/identity"
	"deltran/internal/obligation"
	"deltran/internal/settlement"
)

// RefundAdmitter is the obligation admission surface a refund needs:
// narrower than obligation.Service so this package doesn't have to mock
// the whole admission service in tests.
type RefundAdmitter interface {
	Admit(ctx context.Context, ref identity.EndToEndRef, d obligation.CanonicalDescriptor) (*obligation.Obligation, error)
}

// RefundPublisher implements settlement.RefundEmitter: a business-reject
// (scenario E, spec.md §8) reverses the failed instruction's debtor and
// creditor for the full instructed amount and admits it as a fresh
// obligation, to be netted into the next open window.
type RefundPublisher struct {
	admitter RefundAdmitter
}

func NewRefundPublisher(admitter RefundAdmitter) *RefundPublisher {
	return &RefundPublisher{admitter: admitter}
}

func (p *RefundPublisher) EmitRefund(ctx context.Context, instr *settlement.Instruction) error {
	descriptor := obligation.CanonicalDescriptor{
		DebtorBankID:      instr.Creditor,
		CreditorBankID:    instr.Debtor,
		Currency:          instr.Amount.Currency,
		Amount:            instr.Amount,
		OriginatorRef:     "refund:" + instr.EndToEndRef.String(),
		ComplianceCleared: true,
		UpstreamTimestamp: time.Now().UTC(),
	}
	_, err := p.admitter.Admit(ctx, identity.NewEndToEndRef(), descriptor)
	return err
}
