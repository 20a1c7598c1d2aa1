package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/settlement"
	"deltran/pkg/errors"
)

// InstructionRepository implements settlement.InstructionStore, grounded
// on the teacher's internal/repository/postgres/settlement.go raw-SQL
// CRUD idiom and generalized from a blockchain settlement row to the
// interbank instruction lifecycle (spec.md §4.3/§4.4).
type InstructionRepository struct {
	db *sqlx.DB
}

func NewInstructionRepository(db *sqlx.DB) *InstructionRepository {
	return &InstructionRepository{db: db}
}

const selectInstructionColumns = `
	id, window_id, net_position_id, debtor, creditor, amount, currency,
	status, end_to_end_reference, rail_reference, bank_reference,
	priority, deadline, retry_count, created_at
`

func (r *InstructionRepository) Create(ctx context.Context, i *settlement.Instruction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settlement_instructions (
			id, window_id, net_position_id, debtor, creditor, amount, currency,
			status, end_to_end_reference, rail_reference, bank_reference,
			priority, deadline, retry_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, i.ID.String(), i.WindowID.String(), i.NetPositionID.String(), i.Debtor.String(), i.Creditor.String(),
		i.Amount.Amount, string(i.Amount.Currency), string(i.Status), i.EndToEndRef.String(),
		i.RailReference, i.BankReference, i.Priority, i.Deadline, i.RetryCount, i.CreatedAt)
	return errors.Wrap(err, "failed to create settlement instruction")
}

func (r *InstructionRepository) Update(ctx context.Context, i *settlement.Instruction) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE settlement_instructions SET
			status = $1, rail_reference = $2, bank_reference = $3, retry_count = $4
		WHERE id = $5
	`, string(i.Status), i.RailReference, i.BankReference, i.RetryCount, i.ID.String())
	return errors.Wrap(err, "failed to update settlement instruction")
}

func (r *InstructionRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*settlement.Instruction, error) {
	var i settlement.Instruction
	var amount decimal.Decimal
	var currency, status string

	err := r.db.QueryRowxContext(ctx, query, args...).Scan(
		&i.ID, &i.WindowID, &i.NetPositionID, &i.Debtor, &i.Creditor, &amount, &currency,
		&status, &i.EndToEndRef, &i.RailReference, &i.BankReference, &i.Priority, &i.Deadline, &i.RetryCount, &i.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrInstructionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find settlement instruction")
	}
	i.Status = settlement.Status(status)
	i.Amount = money.MustNew(amount, money.Currency(currency))
	return &i, nil
}

func (r *InstructionRepository) FindByID(ctx context.Context, id identity.InstructionID) (*settlement.Instruction, error) {
	return r.scanOne(ctx, `SELECT `+selectInstructionColumns+` FROM settlement_instructions WHERE id = $1`, id.String())
}

func (r *InstructionRepository) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*settlement.Instruction, error) {
	return r.scanOne(ctx, `SELECT `+selectInstructionColumns+` FROM settlement_instructions WHERE end_to_end_reference = $1`, ref.String())
}

func (r *InstructionRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*settlement.Instruction, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query settlement instructions")
	}
	defer rows.Close()

	var out []*settlement.Instruction
	for rows.Next() {
		var i settlement.Instruction
		var amount decimal.Decimal
		var currency, status string
		if err := rows.Scan(&i.ID, &i.WindowID, &i.NetPositionID, &i.Debtor, &i.Creditor, &amount, &currency,
			&status, &i.EndToEndRef, &i.RailReference, &i.BankReference, &i.Priority, &i.Deadline, &i.RetryCount, &i.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan settlement instruction")
		}
		i.Status = settlement.Status(status)
		i.Amount = money.MustNew(amount, money.Currency(currency))
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (r *InstructionRepository) FindPendingForWindow(ctx context.Context, windowID identity.WindowID) ([]*settlement.Instruction, error) {
	return r.queryMany(ctx, `
		SELECT `+selectInstructionColumns+` FROM settlement_instructions
		WHERE window_id = $1 AND status = $2
		ORDER BY priority DESC, id ASC
	`, windowID.String(), string(settlement.StatusPending))
}

func (r *InstructionRepository) FindRetryEligible(ctx context.Context, asOf time.Time) ([]*settlement.Instruction, error) {
	return r.queryMany(ctx, `
		SELECT `+selectInstructionColumns+` FROM settlement_instructions
		WHERE status = $1 AND deadline > $2
		ORDER BY priority DESC, id ASC
	`, string(settlement.StatusRetryNextWindow), asOf)
}

// OperationRepository implements settlement.OperationStore.
type OperationRepository struct {
	db *sqlx.DB
}

func NewOperationRepository(db *sqlx.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) Create(ctx context.Context, op *settlement.AtomicOperation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO atomic_operations (id, instruction_id, state, started_at, committed_at, rolled_back_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, op.ID.String(), op.InstructionID.String(), string(op.State), op.StartedAt, op.CommittedAt, op.RolledBackAt)
	return errors.Wrap(err, "failed to create atomic operation")
}

func (r *OperationRepository) Update(ctx context.Context, op *settlement.AtomicOperation) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE atomic_operations SET state = $1, committed_at = $2, rolled_back_at = $3
		WHERE id = $4
	`, string(op.State), op.CommittedAt, op.RolledBackAt, op.ID.String())
	return errors.Wrap(err, "failed to update atomic operation")
}

func (r *OperationRepository) FindByInstructionID(ctx context.Context, id identity.InstructionID) (*settlement.AtomicOperation, error) {
	var op settlement.AtomicOperation
	var state string
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, instruction_id, state, started_at, committed_at, rolled_back_at
		FROM atomic_operations WHERE instruction_id = $1
		ORDER BY started_at DESC LIMIT 1
	`, id.String()).Scan(&op.ID, &op.InstructionID, &state, &op.StartedAt, &op.CommittedAt, &op.RolledBackAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find atomic operation")
	}
	op.State = settlement.OperationState(state)
	return &op, nil
}

// CheckpointRepository implements settlement.CheckpointStore. Checkpoint
// Data is a small string map (fund lock id, rail reference to cancel,
// etc.) and is persisted as jsonb, matching the teacher's audit log
// columns (internal/repository/postgres/audit.go old_values/new_values).
type CheckpointRepository struct {
	db *sqlx.DB
}

func NewCheckpointRepository(db *sqlx.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

func (r *CheckpointRepository) Append(ctx context.Context, cp *settlement.Checkpoint) error {
	data, err := json.Marshal(cp.Data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal checkpoint data")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (operation_id, seq, name, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.OperationID.String(), cp.Seq, string(cp.Name), data, cp.CreatedAt)
	return errors.Wrap(err, "failed to append checkpoint")
}

func (r *CheckpointRepository) List(ctx context.Context, operationID identity.SettlementID) ([]*settlement.Checkpoint, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT operation_id, seq, name, data, created_at
		FROM checkpoints WHERE operation_id = $1
		ORDER BY seq ASC
	`, operationID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query checkpoints")
	}
	defer rows.Close()

	var out []*settlement.Checkpoint
	for rows.Next() {
		var cp settlement.Checkpoint
		var name string
		var data []byte
		if err := rows.Scan(&cp.OperationID, &cp.Seq, &name, &data, &cp.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		cp.Name = settlement.CheckpointName(name)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &cp.Data); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal checkpoint data")
			}
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}
