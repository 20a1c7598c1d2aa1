// Package event implements at-least-once domain event publication with
// consumer-side dedup, following the teacher's notification service's
// event-type-plus-payload shape (internal/notification/service.go) but
// generalized from user notifications to the fixed domain event taxonomy
// of spec.md §6.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is one of the fixed domain event names from spec.md §6. Consumers
// dedup on ID, not Type, so redelivery of the same event is always safe.
type Type string

const (
	TypeObligationAccepted  Type = "obligation.accepted"
	TypeObligationNetted    Type = "obligation.netted"
	TypeObligationCancelled Type = "obligation.cancelled"

	TypeWindowOpened    Type = "window.opened"
	TypeWindowClosed    Type = "window.closed"
	TypeWindowSettling  Type = "window.settling"
	TypeWindowCompleted Type = "window.completed"

	TypeInstructionEmitted   Type = "instruction.emitted"
	TypeInstructionExecuting Type = "instruction.executing"
	TypeInstructionSettled   Type = "instruction.settled"
	TypeInstructionFailed    Type = "instruction.failed"
	TypeInstructionRefunded  Type = "instruction.refunded"

	TypeTokenMinted   Type = "token.minted"
	TypeTokenBurned   Type = "token.burned"
	TypeTokenReserved Type = "token.reserved"
	TypeTokenReleased Type = "token.released"

	TypeReconciliationDiscrepancy Type = "reconciliation.discrepancy"
)

// Event is one published domain event. Payload is kept as a plain map
// rather than a typed union so new event types never require a schema
// migration of the bus itself — individual publishers are responsible for
// the shape of their own Payload.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      Type                   `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

func newEvent(t Type, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
