// Package identity defines the typed identifiers used across the clearing
// and settlement core, plus the 128-bit end-to-end reference stamped on
// every outbound settlement instruction (spec.md §3, GLOSSARY).
package identity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// BankID identifies a settling bank by its stable opaque identifier.
type BankID uuid.UUID

func NewBankID() BankID         { return BankID(uuid.New()) }
func (b BankID) String() string { return uuid.UUID(b).String() }
func (b BankID) IsNil() bool    { return uuid.UUID(b) == uuid.Nil }
func (b BankID) Value() (driver.Value, error) { return uuid.UUID(b).String(), nil }
func (b *BankID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(b)) }
func (b BankID) MarshalJSON() ([]byte, error)  { return json.Marshal(b.String()) }
func (b *BankID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*b = BankID(id)
	return nil
}

// ParseBankID parses a bank id's canonical string form, used when the
// Gateway adapter decodes an inbound obligation or confirmation request.
func ParseBankID(s string) (BankID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return BankID{}, err
	}
	return BankID(id), nil
}

// WindowID identifies a clearing window.
type WindowID uuid.UUID

func NewWindowID() WindowID         { return WindowID(uuid.New()) }
func (w WindowID) String() string   { return uuid.UUID(w).String() }
func (w WindowID) Value() (driver.Value, error) { return uuid.UUID(w).String(), nil }
func (w *WindowID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(w)) }
func (w WindowID) MarshalJSON() ([]byte, error)  { return json.Marshal(w.String()) }
func (w *WindowID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*w = WindowID(id)
	return nil
}

// ParseWindowID parses a window id's canonical string form, used when
// reconstructing one from a net position's window_id foreign key.
func ParseWindowID(s string) (WindowID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WindowID{}, err
	}
	return WindowID(id), nil
}

// ObligationID identifies a single incoming payment obligation.
type ObligationID uuid.UUID

func NewObligationID() ObligationID   { return ObligationID(uuid.New()) }
func (o ObligationID) String() string { return uuid.UUID(o).String() }
func (o ObligationID) Value() (driver.Value, error) { return uuid.UUID(o).String(), nil }
func (o *ObligationID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(o)) }
func (o ObligationID) MarshalJSON() ([]byte, error)  { return json.Marshal(o.String()) }
func (o *ObligationID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*o = ObligationID(id)
	return nil
}

// ParseObligationID parses an obligation id's canonical string form, used
// when reconstructing one from a net position's constituent obligation list.
func ParseObligationID(s string) (ObligationID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ObligationID{}, err
	}
	return ObligationID(id), nil
}

// NetPositionID identifies a net position row emitted by the netting engine.
type NetPositionID uuid.UUID

func NewNetPositionID() NetPositionID { return NetPositionID(uuid.New()) }
func (n NetPositionID) String() string { return uuid.UUID(n).String() }
func (n NetPositionID) Value() (driver.Value, error) { return uuid.UUID(n).String(), nil }
func (n *NetPositionID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(n)) }
func (n NetPositionID) MarshalJSON() ([]byte, error)  { return json.Marshal(n.String()) }
func (n *NetPositionID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*n = NetPositionID(id)
	return nil
}

// ParseNetPositionID parses a net position id's canonical string form, used
// when reconstructing an obligation's net_position_id foreign key from a
// repository scan.
func ParseNetPositionID(s string) (NetPositionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NetPositionID{}, err
	}
	return NetPositionID(id), nil
}

// InstructionID identifies a settlement instruction.
type InstructionID uuid.UUID

func NewInstructionID() InstructionID  { return InstructionID(uuid.New()) }
func (i InstructionID) String() string { return uuid.UUID(i).String() }
func (i InstructionID) Value() (driver.Value, error) { return uuid.UUID(i).String(), nil }
func (i *InstructionID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(i)) }
func (i InstructionID) MarshalJSON() ([]byte, error)  { return json.Marshal(i.String()) }
func (i *InstructionID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*i = InstructionID(id)
	return nil
}

// ParseInstructionID parses an instruction id's canonical string form,
// used when reconstructing one from a bank confirmation's matched
// instruction foreign key.
func ParseInstructionID(s string) (InstructionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return InstructionID{}, err
	}
	return InstructionID(id), nil
}

// SettlementID identifies an atomic operation's settlement (one per
// instruction; the name matches spec.md's Atomic Operation.settlement_id).
type SettlementID uuid.UUID

func NewSettlementID() SettlementID   { return SettlementID(uuid.New()) }
func (s SettlementID) String() string { return uuid.UUID(s).String() }
func (s SettlementID) Value() (driver.Value, error) { return uuid.UUID(s).String(), nil }
func (s *SettlementID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(s)) }
func (s SettlementID) MarshalJSON() ([]byte, error)  { return json.Marshal(s.String()) }
func (s *SettlementID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*s = SettlementID(id)
	return nil
}

// FundLockID identifies a Fund Lock row.
type FundLockID uuid.UUID

func NewFundLockID() FundLockID      { return FundLockID(uuid.New()) }
func (f FundLockID) String() string  { return uuid.UUID(f).String() }
func (f FundLockID) Value() (driver.Value, error) { return uuid.UUID(f).String(), nil }
func (f *FundLockID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(f)) }
func (f FundLockID) MarshalJSON() ([]byte, error)  { return json.Marshal(f.String()) }
func (f *FundLockID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*f = FundLockID(id)
	return nil
}

// ParseFundLockID parses a fund lock id's canonical string form, used
// when reconstructing one from checkpoint data during rollback.
func ParseFundLockID(s string) (FundLockID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return FundLockID{}, err
	}
	return FundLockID(id), nil
}

// CheckpointID identifies a single checkpoint within an Atomic Operation.
type CheckpointID uuid.UUID

func NewCheckpointID() CheckpointID   { return CheckpointID(uuid.New()) }
func (c CheckpointID) String() string { return uuid.UUID(c).String() }
func (c CheckpointID) Value() (driver.Value, error) { return uuid.UUID(c).String(), nil }
func (c *CheckpointID) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(c)) }
func (c CheckpointID) MarshalJSON() ([]byte, error)  { return json.Marshal(c.String()) }
func (c *CheckpointID) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*c = CheckpointID(id)
	return nil
}

// EndToEndRef is the 128-bit unique identifier stamped on an outbound
// instruction and echoed in bank confirmations; the primary key for
// reconciliation matching (GLOSSARY). It is stamped once, before
// transmission, and never changed afterward.
type EndToEndRef uuid.UUID

// NewEndToEndRef generates a fresh reference. The gateway and refund
// admission stamp one on each new obligation, the window orchestrator on
// each instruction it builds, and the settlement executor at Phase 3 only
// on an instruction that does not carry one yet.
func NewEndToEndRef() EndToEndRef    { return EndToEndRef(uuid.New()) }
func (e EndToEndRef) String() string { return uuid.UUID(e).String() }
func (e EndToEndRef) IsNil() bool    { return uuid.UUID(e) == uuid.Nil }
func (e EndToEndRef) Value() (driver.Value, error) { return uuid.UUID(e).String(), nil }
func (e *EndToEndRef) Scan(src interface{}) error   { return scanUUID(src, (*uuid.UUID)(e)) }
func (e EndToEndRef) MarshalJSON() ([]byte, error)  { return json.Marshal(e.String()) }
func (e *EndToEndRef) UnmarshalJSON(data []byte) error {
	id, err := unmarshalUUIDJSON(data)
	if err != nil {
		return err
	}
	*e = EndToEndRef(id)
	return nil
}

// ParseEndToEndRef parses a canonical string form, used for the reference
// carried by an inbound bank confirmation and when reading stored
// confirmations back.
func ParseEndToEndRef(s string) (EndToEndRef, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return EndToEndRef{}, err
	}
	return EndToEndRef(id), nil
}

// unmarshalUUIDJSON backs every typed ID's json.Unmarshaler implementation
// so each of the nine ID types decodes from its canonical string form
// rather than falling back to the default array-of-bytes encoding a bare
// `type X uuid.UUID` would otherwise get.
func unmarshalUUIDJSON(data []byte) (uuid.UUID, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(s)
}

// scanUUID backs every typed ID's sql.Scanner implementation so each of the
// nine ID types above doesn't repeat the same type switch.
func scanUUID(src interface{}, dst *uuid.UUID) error {
	if src == nil {
		*dst = uuid.Nil
		return nil
	}
	switch v := src.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	case []byte:
		id, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	default:
		return fmt.Errorf("identity: cannot scan %T into uuid", src)
	}
}
