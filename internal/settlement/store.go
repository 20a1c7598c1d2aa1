package settlement

import (
	"context"
	"time"

	"deltran/internal/identity"
)

type InstructionStore interface {
	Create(ctx context.Context, i *Instruction) error
	Update(ctx context.Context, i *Instruction) error
	FindByID(ctx context.Context, id identity.InstructionID) (*Instruction, error)
	FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*Instruction, error)
	FindPendingForWindow(ctx context.Context, windowID identity.WindowID) ([]*Instruction, error)
	FindRetryEligible(ctx context.Context, asOf time.Time) ([]*Instruction, error)
}

type OperationStore interface {
	Create(ctx context.Context, op *AtomicOperation) error
	Update(ctx context.Context, op *AtomicOperation) error
	FindByInstructionID(ctx context.Context, id identity.InstructionID) (*AtomicOperation, error)
}

type CheckpointStore interface {
	Append(ctx context.Context, cp *Checkpoint) error
	List(ctx context.Context, operationID identity.SettlementID) ([]*Checkpoint, error)
}
