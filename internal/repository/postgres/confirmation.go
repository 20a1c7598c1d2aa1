package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/reconciliation"
	"deltran/pkg/errors"
)

// ConfirmationRepository implements reconciliation.ConfirmationStore.
type ConfirmationRepository struct {
	db *sqlx.DB
}

func NewConfirmationRepository(db *sqlx.DB) *ConfirmationRepository {
	return &ConfirmationRepository{db: db}
}

func (r *ConfirmationRepository) Create(ctx context.Context, c *reconciliation.Confirmation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bank_confirmations (
			bank_reference, end_to_end_reference, amount, currency,
			booking_ts, credit_or_debit_indicator, matched_instruction_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.BankReference, nullEndToEndRef(c.EndToEndRef), c.Amount.Amount, string(c.Amount.Currency),
		c.BookingTimestamp, string(c.Indicator), nullInstructionID(c.MatchedInstructionID))
	return errors.Wrap(err, "failed to create bank confirmation")
}

func nullEndToEndRef(ref *identity.EndToEndRef) interface{} {
	if ref == nil {
		return nil
	}
	return ref.String()
}

func nullInstructionID(id *identity.InstructionID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func (r *ConfirmationRepository) FindByBankReference(ctx context.Context, bankReference string) (*reconciliation.Confirmation, error) {
	var c reconciliation.Confirmation
	var amount decimal.Decimal
	var currency, indicator string
	var endToEndRef, matchedInstructionID sql.NullString

	err := r.db.QueryRowxContext(ctx, `
		SELECT bank_reference, end_to_end_reference, amount, currency,
			booking_ts, credit_or_debit_indicator, matched_instruction_id
		FROM bank_confirmations WHERE bank_reference = $1
	`, bankReference).Scan(&c.BankReference, &endToEndRef, &amount, &currency,
		&c.BookingTimestamp, &indicator, &matchedInstructionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find bank confirmation")
	}
	c.Amount = money.MustNew(amount, money.Currency(currency))
	c.Indicator = reconciliation.CreditOrDebit(indicator)
	if endToEndRef.Valid {
		ref, parseErr := identity.ParseEndToEndRef(endToEndRef.String)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "failed to parse confirmation end_to_end_reference")
		}
		c.EndToEndRef = &ref
	}
	if matchedInstructionID.Valid {
		id, parseErr := identity.ParseInstructionID(matchedInstructionID.String)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "failed to parse confirmation matched_instruction_id")
		}
		c.MatchedInstructionID = &id
	}
	return &c, nil
}

func (r *ConfirmationRepository) MarkMatched(ctx context.Context, bankReference string, instructionID identity.InstructionID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bank_confirmations SET matched_instruction_id = $1 WHERE bank_reference = $2
	`, instructionID.String(), bankReference)
	return errors.Wrap(err, "failed to mark bank confirmation matched")
}

// InstructionLookupRepository implements reconciliation.InstructionLookup
// directly against settlement_instructions, avoiding a dependency on the
// settlement package's own repository (reconciliation only ever needs the
// narrow InstructionSummary projection).
type InstructionLookupRepository struct {
	db *sqlx.DB
}

func NewInstructionLookupRepository(db *sqlx.DB) *InstructionLookupRepository {
	return &InstructionLookupRepository{db: db}
}

func (r *InstructionLookupRepository) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*reconciliation.InstructionSummary, error) {
	var s reconciliation.InstructionSummary
	var amount decimal.Decimal
	var currency, status string
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, end_to_end_reference, amount, currency, bank_reference, status, created_at
		FROM settlement_instructions WHERE end_to_end_reference = $1
	`, ref.String()).Scan(&s.ID, &s.EndToEndRef, &amount, &currency, &s.BankReference, &status, &s.BookingTimestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find settlement instruction by end-to-end reference")
	}
	s.Amount = money.MustNew(amount, money.Currency(currency))
	s.Pending = status == "pending" || status == "executing"
	return &s, nil
}

func (r *InstructionLookupRepository) FindPendingCandidates(ctx context.Context, amount money.Money) ([]*reconciliation.InstructionSummary, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, end_to_end_reference, amount, currency, bank_reference, status, created_at
		FROM settlement_instructions
		WHERE currency = $1 AND amount = $2 AND status IN ('pending', 'executing')
		ORDER BY id ASC
	`, string(amount.Currency), amount.Amount)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending settlement instructions")
	}
	defer rows.Close()

	var out []*reconciliation.InstructionSummary
	for rows.Next() {
		var s reconciliation.InstructionSummary
		var rowAmount decimal.Decimal
		var currency, status string
		if err := rows.Scan(&s.ID, &s.EndToEndRef, &rowAmount, &currency, &s.BankReference, &status, &s.BookingTimestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan settlement instruction candidate")
		}
		s.Amount = money.MustNew(rowAmount, money.Currency(currency))
		s.Pending = true
		out = append(out, &s)
	}
	return out, rows.Err()
}

// DiscrepancyRepository implements reconciliation.DiscrepancyStore.
type DiscrepancyRepository struct {
	db *sqlx.DB
}

func NewDiscrepancyRepository(db *sqlx.DB) *DiscrepancyRepository {
	return &DiscrepancyRepository{db: db}
}

func (r *DiscrepancyRepository) Create(ctx context.Context, d *reconciliation.Discrepancy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_discrepancies (
			id, bank_id, currency, expected_amount, actual_amount, difference_amount,
			detected_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID.String(), d.Account.String(), string(d.Currency), d.Expected.Amount, d.Actual.Amount,
		d.Difference.Amount, d.DetectedAt, d.ResolvedAt)
	return errors.Wrap(err, "failed to create reconciliation discrepancy")
}

func (r *DiscrepancyRepository) IsHalted(ctx context.Context, bank identity.BankID, currency money.Currency) (bool, error) {
	var halted bool
	err := r.db.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reconciliation_halts WHERE bank_id = $1 AND currency = $2
		)
	`, bank.String(), string(currency)).Scan(&halted)
	if err != nil {
		return false, errors.Wrap(err, "failed to check reconciliation halt")
	}
	return halted, nil
}

func (r *DiscrepancyRepository) Halt(ctx context.Context, bank identity.BankID, currency money.Currency) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_halts (bank_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (bank_id, currency) DO NOTHING
	`, bank.String(), string(currency))
	return errors.Wrap(err, "failed to halt account pending reconciliation")
}

func (r *DiscrepancyRepository) Resolve(ctx context.Context, discrepancyID identity.CheckpointID, resolvedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_discrepancies SET resolved_at = $1 WHERE id = $2
	`, resolvedAt, discrepancyID.String())
	return errors.Wrap(err, "failed to resolve reconciliation discrepancy")
}
