// Package orchestrator wires the Window Manager's tick to the Netting
// Engine and Settlement Executor: it is the glue the scheduler's onProcess
// callback invokes once a window reaches Processing (spec.md §4.1 → §4.2
// → §4.3), not a domain package in its own right.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/netting"
	"deltran/internal/obligation"
	"deltran/internal/settlement"
	"deltran/internal/window"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

// ObligationSource is the read/write surface the orchestrator needs from
// the obligation store when a window is processed.
type ObligationSource interface {
	FindOpenForWindow(ctx context.Context, windowID identity.WindowID) ([]*obligation.Obligation, error)
	MarkNetted(ctx context.Context, ids []identity.ObligationID, netPositionID identity.NetPositionID) error
}

// TokenConsolidator is the narrow ledger view the orchestrator needs to
// bring each bank's gross per-obligation token reservation down to its net
// position once netting has run (spec.md §4.5: "On net-position emission,
// reservations for merged obligations are consolidated to the net
// amount").
type TokenConsolidator interface {
	ReleaseReservedTokens(ctx context.Context, bank identity.BankID, amount money.Money) error
}

// WindowProcessor runs the Netting Engine against a window's frozen
// obligation set, persists the resulting net positions and the settlement
// instructions they generate, then advances the window to Settling.
type WindowProcessor struct {
	obligations   ObligationSource
	netPositions  netting.Store
	instructions  settlement.InstructionStore
	windows       window.Store
	engine        *netting.Engine
	tokens        TokenConsolidator
	cfg           config.SettlementConfig
	log           logger.Logger
}

func NewWindowProcessor(
	obligations ObligationSource,
	netPositions netting.Store,
	instructions settlement.InstructionStore,
	windows window.Store,
	engine *netting.Engine,
	tokens TokenConsolidator,
	cfg config.SettlementConfig,
	log logger.Logger,
) *WindowProcessor {
	return &WindowProcessor{
		obligations:  obligations,
		netPositions: netPositions,
		instructions: instructions,
		windows:      windows,
		engine:       engine,
		tokens:       tokens,
		cfg:          cfg,
		log:          log,
	}
}

// Process is the window.Scheduler onProcess callback: freeze the
// obligation set, net it per currency, persist positions, emit one
// Settlement Instruction per surviving net position, then hand the window
// to Settling for the executor fleet to drain.
func (p *WindowProcessor) Process(ctx context.Context, w *window.Window) error {
	obls, err := p.obligations.FindOpenForWindow(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("orchestrator: load obligations: %w", err)
	}
	if len(obls) == 0 {
		p.log.Info("window has no obligations to net", map[string]interface{}{"window_id": w.ID.String()})
		return p.advanceToSettling(ctx, w)
	}

	result, err := p.engine.Run(ctx, w.ID, obls)
	if err != nil {
		return fmt.Errorf("orchestrator: netting run: %w", err)
	}

	var allPositions []*netting.NetPosition
	for _, cr := range result.ByCurrency {
		allPositions = append(allPositions, cr.Positions...)
	}
	sort.Slice(allPositions, func(i, j int) bool { return allPositions[i].ID.String() < allPositions[j].ID.String() })

	if err := p.netPositions.SavePositions(ctx, w.ID, allPositions); err != nil {
		return fmt.Errorf("orchestrator: save net positions: %w", err)
	}

	for _, pos := range allPositions {
		if err := p.obligations.MarkNetted(ctx, pos.ConstituentObligationIDs, pos.ID); err != nil {
			return fmt.Errorf("orchestrator: mark obligations netted: %w", err)
		}
		instr := p.buildInstruction(w, pos)
		if err := p.instructions.Create(ctx, instr); err != nil {
			return fmt.Errorf("orchestrator: create settlement instruction: %w", err)
		}
	}

	if err := p.consolidateReservations(ctx, obls, allPositions); err != nil {
		return fmt.Errorf("orchestrator: consolidate token reservations: %w", err)
	}

	p.log.Info("window netted", map[string]interface{}{
		"window_id":      w.ID.String(),
		"obligations":    len(obls),
		"net_positions":  len(allPositions),
	})

	return p.advanceToSettling(ctx, w)
}

// buildInstruction derives debtor/creditor from the net position's
// direction and sets the instruction's priority with priorityFor (spec.md
// §5 priority note).
func (p *WindowProcessor) buildInstruction(w *window.Window, pos *netting.NetPosition) *settlement.Instruction {
	debtor, creditor := pos.BankA, pos.BankB
	if pos.Direction == netting.DirectionBToA {
		debtor, creditor = pos.BankB, pos.BankA
	}
	return &settlement.Instruction{
		ID:                       identity.NewInstructionID(),
		WindowID:                 w.ID,
		NetPositionID:            pos.ID,
		Debtor:                   debtor,
		Creditor:                 creditor,
		Amount:                   pos.NetAmount,
		Status:                   settlement.StatusPending,
		EndToEndRef:              identity.NewEndToEndRef(),
		Priority:                 priorityFor(pos),
		Deadline:                 w.ScheduledClose.Add(p.cfg.StuckSweepThreshold),
		CreatedAt:                time.Now().UTC(),
		ConstituentObligationIDs: pos.ConstituentObligationIDs,
	}
}

// bankCurrency keys a bank's per-currency token position for the
// consolidation pass below.
type bankCurrency struct {
	bank     identity.BankID
	currency money.Currency
}

// consolidateReservations brings each bank's gross, per-obligation token
// reservation down to what the window's net positions actually require
// (spec.md §4.5: "On net-position emission, reservations for merged
// obligations are consolidated to the net amount"). Every admitted
// obligation reserved its full face amount against its debtor bank
// (internal/obligation/admission.go Admit); once obligations are netted,
// only the net debtor of each currency pair still owes anything, so the
// surplus — gross minus net owed — is released back for reuse in the next
// window.
func (p *WindowProcessor) consolidateReservations(ctx context.Context, obls []*obligation.Obligation, positions []*netting.NetPosition) error {
	gross := make(map[bankCurrency]decimal.Decimal)
	for _, o := range obls {
		key := bankCurrency{bank: o.DebtorBank, currency: o.Amount.Currency}
		gross[key] = gross[key].Add(o.Amount.Amount)
	}

	netOwed := make(map[bankCurrency]decimal.Decimal)
	for _, pos := range positions {
		debtor := pos.BankA
		if pos.Direction == netting.DirectionBToA {
			debtor = pos.BankB
		}
		key := bankCurrency{bank: debtor, currency: pos.Currency}
		netOwed[key] = netOwed[key].Add(pos.NetAmount.Amount)
	}

	for key, grossAmount := range gross {
		surplus := grossAmount.Sub(netOwed[key])
		if !surplus.IsPositive() {
			continue
		}
		if err := p.tokens.ReleaseReservedTokens(ctx, key.bank, money.MustNew(surplus, key.currency)); err != nil {
			return fmt.Errorf("release consolidated reservation for %s/%s: %w", key.bank.String(), key.currency, err)
		}
	}
	return nil
}

// priorityFor gives a net position built from a single obligation priority
// 100 and one built from n obligations 100/n, floored at 1; the net amount
// does not enter into it.
func priorityFor(pos *netting.NetPosition) int {
	n := len(pos.ConstituentObligationIDs)
	if n <= 1 {
		return 100
	}
	priority := 100 / n
	if priority < 1 {
		return 1
	}
	return priority
}

func (p *WindowProcessor) advanceToSettling(ctx context.Context, w *window.Window) error {
	if err := w.Advance(window.StatusSettling, time.Now().UTC()); err != nil {
		return fmt.Errorf("orchestrator: advance to settling: %w", err)
	}
	return p.windows.Update(ctx, w)
}
