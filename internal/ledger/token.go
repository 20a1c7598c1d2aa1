package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"deltran/internal/identity"
	"deltran/internal/money"
)

// TokenEventType is the kind of mutation recorded in the append-only
// token journal (spec.md §6 published events: token.minted/burned/
// reserved/released).
type TokenEventType string

const (
	TokenEventMint    TokenEventType = "mint"
	TokenEventBurn    TokenEventType = "burn"
	TokenEventReserve TokenEventType = "reserve"
	TokenEventRelease TokenEventType = "release"
)

// TokenPosition tracks, per (bank, currency): issued_amount (tokens
// actually minted against confirmed custodian funds) and reserved_amount
// (tokens earmarked against pending obligations, which count against
// available balance but not against issued_amount per spec.md §4.5).
type TokenPosition struct {
	BankID         identity.BankID `db:"bank_id"`
	Currency       money.Currency  `db:"currency"`
	IssuedAmount   money.Money     `db:"-"`
	ReservedAmount money.Money     `db:"-"`
}

// Available is the portion of issued tokens not already reserved.
func (t TokenPosition) Available() (money.Money, error) {
	return t.IssuedAmount.Sub(t.ReservedAmount)
}

// TokenEvent is one append-only entry in a bank/currency's token journal,
// hash-chained the same way the teacher chains wallet ledger entries —
// each entry's hash covers the previous entry's hash, so the chain can be
// replayed and verified independently of the mutable TokenPosition row.
type TokenEvent struct {
	ID           identity.CheckpointID `db:"id"`
	BankID       identity.BankID       `db:"bank_id"`
	Currency     money.Currency        `db:"currency"`
	EventType    TokenEventType        `db:"event_type"`
	Amount       money.Money           `db:"-"`
	PreviousHash string                `db:"previous_hash"`
	Hash         string                `db:"hash"`
	CreatedAt    time.Time             `db:"created_at"`
}

// genesisHash seeds a fresh (bank, currency) journal's hash chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeTokenEventHash reproduces the hash the journal stores for an
// entry, so VerifyTokenChain can detect tampering or corruption without
// trusting the stored hash column.
func ComputeTokenEventHash(previousHash string, id identity.CheckpointID, bank identity.BankID, currency money.Currency, eventType TokenEventType, amount money.Money, createdAt time.Time) string {
	data := fmt.Sprintf("%s%s%s%s%s%s%s",
		previousHash,
		id.String(),
		bank.String(),
		string(currency),
		string(eventType),
		amount.Amount.String(),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	h := sha256.New()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

type TokenStore interface {
	FindPosition(ctx context.Context, bank identity.BankID, currency money.Currency) (*TokenPosition, error)
	CreatePosition(ctx context.Context, p *TokenPosition) error
	LastEventHash(ctx context.Context, bank identity.BankID, currency money.Currency) (string, error)
	AppendEvent(ctx context.Context, e *TokenEvent) error
	Events(ctx context.Context, bank identity.BankID, currency money.Currency) ([]*TokenEvent, error)
}

// VerifyTokenChain replays a bank/currency's token journal and confirms
// every entry's stored hash matches its recomputed hash and chains from
// the previous entry, mirroring the teacher's VerifyChainIntegrity check
// on wallet ledgers.
func VerifyTokenChain(ctx context.Context, store TokenStore, bank identity.BankID, currency money.Currency) (bool, error) {
	events, err := store.Events(ctx, bank, currency)
	if err != nil {
		return false, err
	}
	prev := genesisHash
	for _, e := range events {
		if e.PreviousHash != prev {
			return false, fmt.Errorf("token chain broken at event %s: expected previous hash %s, got %s", e.ID, prev, e.PreviousHash)
		}
		want := ComputeTokenEventHash(e.PreviousHash, e.ID, e.BankID, e.Currency, e.EventType, e.Amount, e.CreatedAt)
		if want != e.Hash {
			return false, fmt.Errorf("token chain integrity failure at event %s", e.ID)
		}
		prev = e.Hash
	}
	return true, nil
}
