package rail

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/errors"
	"deltran/pkg/iso20022"
)

// SimulatedRail stands in for a real bank channel the core cannot reach
// from this environment, mirroring the teacher's AegisNet blockchain
// simulator: it accepts an instruction, produces a rail reference in its
// own on-wire format, and reports processing on the first status poll and
// completed from the second poll on. format names the wire convention this rail would really
// speak ("pacs.008", "mt103", or a modern local-rail JSON body).
type SimulatedRail struct {
	mu       sync.Mutex
	name     string
	format   string
	statuses map[string]Status
	wire     map[string]string
}

func NewSimulatedRail(name, format string) *SimulatedRail {
	return &SimulatedRail{
		name:     name,
		format:   format,
		statuses: make(map[string]Status),
		wire:     make(map[string]string),
	}
}

func (r *SimulatedRail) Name() string { return r.name }

// Initiate keys the rail reference off the end-to-end reference, so a
// retried call with the same reference returns the same rail reference
// instead of creating a second transfer (spec.md §4.3 Phase 3
// idempotency requirement). When this rail speaks pacs.008 the payload is
// also marshaled into the real ISO 20022 credit-transfer shape and kept
// alongside the reference, the way a real gateway would log the wire
// message it actually sent.
func (r *SimulatedRail) Initiate(_ context.Context, payload Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := fmt.Sprintf("%s:%s:%s", r.format, r.name, payload.EndToEndRef.String())
	if _, ok := r.statuses[ref]; !ok {
		r.statuses[ref] = StatusProcessing
		if r.format == "pacs.008" {
			amount, _ := payload.Amount.Amount.Float64()
			if doc, err := iso20022.GeneratePacs008(
				payload.EndToEndRef.String(), payload.Debtor.String(), payload.Creditor.String(),
				amount, string(payload.Amount.Currency),
			); err == nil {
				r.wire[ref] = doc
			}
		}
	}
	return ref, nil
}

// WireMessage returns the marshaled on-wire document recorded for a rail
// reference, if this rail's format produces one. Present for operational
// inspection/replay tooling; settlement itself never needs to read it back.
func (r *SimulatedRail) WireMessage(railReference string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.wire[railReference]
	return doc, ok
}

// PollStatus reports a new transfer as processing on its first poll and
// completed on every later poll, a simplification standing in for a
// rail's real settlement latency.
func (r *SimulatedRail) PollStatus(_ context.Context, railReference string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.statuses[railReference]
	if !ok {
		return "", errors.Wrap(errors.New("unknown rail reference"), "simulated rail: poll failed")
	}
	if status == StatusProcessing {
		r.statuses[railReference] = StatusCompleted
		return StatusProcessing, nil
	}
	return status, nil
}

func (r *SimulatedRail) Cancel(_ context.Context, railReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.statuses[railReference]
	if !ok {
		return errors.Wrap(errors.New("unknown rail reference"), "simulated rail: cancel failed")
	}
	if status == StatusCompleted {
		return errors.New("simulated rail: cannot cancel a completed transfer")
	}
	r.statuses[railReference] = StatusCancelled
	return nil
}

// QueryBalance reports an always-sufficient simulated balance; the core's
// own nostro accounting, not the rail, is the source of truth for funds
// availability (spec.md §4.3 Phase 1/2).
func (r *SimulatedRail) QueryBalance(_ context.Context, _ identity.BankID, currency money.Currency) (money.Money, error) {
	return money.New(decimalMax, currency)
}

var decimalMax = decimal.RequireFromString("999999999999999999.00000000")
