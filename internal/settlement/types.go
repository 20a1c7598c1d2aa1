// Package settlement implements the Settlement Executor's atomic
// five-phase flow (Validate, Lock funds, Initiate, Await confirmation,
// Finalize), checkpointed so a crashed replica can resume or roll back
// cleanly (spec.md §4.3). It generalizes the teacher's settlement
// service — a repository-backed service orchestrating an external
// connector under retry/recovery, tested against mocked collaborators —
// onto the interbank domain.
package settlement

import (
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
)

// Status is a Settlement Instruction's lifecycle state (spec.md §4.3).
type Status string

const (
	StatusPending         Status = "pending"
	StatusValidating      Status = "validating"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusReconciled      Status = "reconciled"
	StatusClosed          Status = "closed"
	StatusFailed          Status = "failed"
	StatusRetryNextWindow Status = "retry_in_next_window"
	StatusRefunded        Status = "refunded"
)

// Instruction is one debtor→creditor transfer emitted from a net
// position, carried through the rail and reconciled against bank
// confirmations.
type Instruction struct {
	ID              identity.InstructionID   `db:"id"`
	WindowID        identity.WindowID        `db:"window_id"`
	NetPositionID   identity.NetPositionID   `db:"net_position_id"`
	Debtor          identity.BankID          `db:"debtor"`
	Creditor        identity.BankID          `db:"creditor"`
	Amount          money.Money              `db:"-"`
	Status          Status                   `db:"status"`
	EndToEndRef     identity.EndToEndRef     `db:"end_to_end_reference"`
	RailReference   *string                  `db:"rail_reference"`
	BankReference   *string                  `db:"bank_reference"`
	Priority        int                      `db:"priority"`
	Deadline        time.Time                `db:"deadline"`
	RetryCount      int                      `db:"retry_count"`
	CreatedAt       time.Time                `db:"created_at"`
	ConstituentObligationIDs []identity.ObligationID `db:"-"`
}

// CheckpointName enumerates the checkpoints recorded across the five
// phases. Rollback walks these in reverse, each with its own inverse
// action (spec.md §4.3).
type CheckpointName string

const (
	CheckpointFundsLocked      CheckpointName = "funds_locked"
	CheckpointTransferInitiated CheckpointName = "transfer_initiated"
	CheckpointTransferConfirmed CheckpointName = "transfer_confirmed"
)

// Checkpoint is one durable step within an Atomic Operation. Data carries
// whatever the inverse action needs (e.g. the Fund Lock id, or the rail
// reference to cancel).
type Checkpoint struct {
	OperationID identity.SettlementID `db:"operation_id"`
	Seq         int                   `db:"seq"`
	Name        CheckpointName        `db:"name"`
	Data        map[string]string     `db:"-"`
	CreatedAt   time.Time             `db:"created_at"`
}

// OperationState is an Atomic Operation's own state, distinct from the
// Instruction's status: an operation that commits moves the instruction
// forward; one that rolls back leaves the instruction eligible for retry.
type OperationState string

const (
	OperationStarted    OperationState = "started"
	OperationCommitted   OperationState = "committed"
	OperationRolledBack  OperationState = "rolled_back"
)

// AtomicOperation wraps one Instruction's five-phase execution attempt.
type AtomicOperation struct {
	ID           identity.SettlementID  `db:"id"`
	InstructionID identity.InstructionID `db:"instruction_id"`
	State        OperationState         `db:"state"`
	StartedAt    time.Time              `db:"started_at"`
	CommittedAt  *time.Time             `db:"committed_at"`
	RolledBackAt *time.Time             `db:"rolled_back_at"`
}
