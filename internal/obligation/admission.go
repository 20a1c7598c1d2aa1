package obligation

import (
	"context"

	"deltran/internal/event"
	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/window"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// TokenReserver is the narrow view onto the ledger service admission needs:
// reserving debtor tokens for the obligation amount, and releasing the
// reservation if admission fails after the reservation succeeds (e.g. the
// obligation record itself cannot be persisted).
type TokenReserver interface {
	ReserveTokens(ctx context.Context, bank identity.BankID, amount money.Money) error
	ReleaseReservedTokens(ctx context.Context, bank identity.BankID, amount money.Money) error
}

// Publisher is the narrow event-bus view admission needs.
type Publisher interface {
	Publish(ctx context.Context, t event.Type, payload map[string]interface{}) (event.Event, error)
}

// WindowLookup resolves the currently open window. Windows are
// currency-agnostic (spec.md §3): every obligation admitted during a given
// cycle attaches to the same window regardless of currency; the Netting
// Engine is what partitions a window's obligations by currency.
type WindowLookup interface {
	FindOpenWindow(ctx context.Context) (*window.Window, error)
}

// Service ingests canonical obligation descriptors: it validates shape,
// enforces end-to-end-reference idempotency, reserves the debtor's tokens
// (spec.md §4.5 "Reservation"), and persists the obligation before
// publishing obligation.accepted. Token reservation happening before
// obligation persistence (rather than after) mirrors the teacher ledger's
// own lock-before-mutate ordering in internal/ledger/service.go
// PostTransaction, generalized from a single atomic DB transaction to a
// two-step reserve-then-create sequence since reservation and obligation
// persistence are different aggregates here.
type Service struct {
	store    Store
	windows  WindowLookup
	tokens   TokenReserver
	events   Publisher
	log      logger.Logger
}

func NewService(store Store, windows WindowLookup, tokens TokenReserver, events Publisher, log logger.Logger) *Service {
	return &Service{store: store, windows: windows, tokens: tokens, events: events, log: log}
}

// Admit validates, reserves, and persists one inbound canonical obligation.
// Re-admitting a descriptor with an end-to-end reference already on file
// returns ErrObligationDuplicate without reserving tokens a second time,
// satisfying spec.md §8's instruction-idempotency property one layer up
// from settlement instructions themselves.
func (s *Service) Admit(ctx context.Context, ref identity.EndToEndRef, d CanonicalDescriptor) (*Obligation, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !d.ComplianceCleared {
		return nil, errors.ErrComplianceNotCleared
	}

	if existing, err := s.store.FindByEndToEndRef(ctx, ref); err != nil {
		return nil, errors.Wrap(err, "obligation: duplicate lookup failed")
	} else if existing != nil {
		return nil, errors.ErrObligationDuplicate
	}

	win, err := s.windows.FindOpenWindow(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "obligation: open window lookup failed")
	}
	if err := win.AdmitsObligation(d.UpstreamTimestamp); err != nil {
		return nil, err
	}

	if err := s.tokens.ReserveTokens(ctx, d.DebtorBankID, d.Amount); err != nil {
		return nil, errors.Wrap(err, "obligation: token reservation failed")
	}

	o := &Obligation{
		ID:            identity.NewObligationID(),
		WindowID:      win.ID,
		DebtorBank:    d.DebtorBankID,
		CreditorBank:  d.CreditorBankID,
		Amount:        d.Amount,
		Status:        StatusPending,
		EndToEndRef:   ref,
		UpstreamStamp: d.UpstreamTimestamp,
	}
	if err := s.store.Create(ctx, o); err != nil {
		if releaseErr := s.tokens.ReleaseReservedTokens(ctx, d.DebtorBankID, d.Amount); releaseErr != nil {
			s.log.Error("obligation: failed to release reservation after failed create", map[string]interface{}{
				"debtor_bank": d.DebtorBankID.String(),
				"error":       releaseErr.Error(),
			})
		}
		return nil, errors.Wrap(err, "obligation: persist failed")
	}

	if _, err := s.events.Publish(ctx, event.TypeObligationAccepted, map[string]interface{}{
		"obligation_id": o.ID.String(),
		"window_id":     o.WindowID.String(),
		"debtor_bank":   o.DebtorBank.String(),
		"creditor_bank": o.CreditorBank.String(),
		"amount":        o.Amount.String(),
	}); err != nil {
		s.log.Error("obligation: event publish failed", map[string]interface{}{"obligation_id": o.ID.String(), "error": err.Error()})
	}

	return o, nil
}
