package reconciliation

import (
	"context"

	"deltran/internal/identity"
	"deltran/pkg/config"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// Tier is the confirmation match confidence (spec.md §4.5).
type Tier string

const (
	TierExact  Tier = "exact"
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierNone   Tier = "none"
)

// Matcher implements the three-tier confirmation match. Exact and High
// tier matches are safe to auto-finalize; Medium is flagged for human
// review; no match records an unmatched-confirmation exception.
type Matcher struct {
	confirmations ConfirmationStore
	instructions  InstructionLookup
	cfg           config.ReconciliationConfig
	log           logger.Logger
}

func NewMatcher(confirmations ConfirmationStore, instructions InstructionLookup, cfg config.ReconciliationConfig, log logger.Logger) *Matcher {
	return &Matcher{confirmations: confirmations, instructions: instructions, cfg: cfg, log: log}
}

// Match runs the three-tier algorithm against one inbound confirmation.
// It never discards a confirmation: every call either records a match or
// an unmatched-confirmation exception before returning.
func (m *Matcher) Match(ctx context.Context, conf *Confirmation) (Tier, *identity.InstructionID, error) {
	existing, err := m.confirmations.FindByBankReference(ctx, conf.BankReference)
	if err != nil {
		return TierNone, nil, errors.Wrap(err, "reconciliation: lookup confirmation failed")
	}
	if existing != nil {
		return TierNone, nil, errors.ErrDuplicateConfirmation
	}

	if err := m.confirmations.Create(ctx, conf); err != nil {
		return TierNone, nil, errors.Wrap(err, "reconciliation: persist confirmation failed")
	}

	// Tier 1: exact end-to-end reference match.
	if conf.EndToEndRef != nil && !conf.EndToEndRef.IsNil() {
		instr, err := m.instructions.FindByEndToEndRef(ctx, *conf.EndToEndRef)
		if err != nil {
			return TierNone, nil, errors.Wrap(err, "reconciliation: exact lookup failed")
		}
		if instr != nil {
			if err := m.confirmations.MarkMatched(ctx, conf.BankReference, instr.ID); err != nil {
				return TierNone, nil, errors.Wrap(err, "reconciliation: mark matched failed")
			}
			return TierExact, &instr.ID, nil
		}
	}

	// Tier 2/3: candidate instructions matching amount + currency.
	candidates, err := m.instructions.FindPendingCandidates(ctx, conf.Amount)
	if err != nil {
		return TierNone, nil, errors.Wrap(err, "reconciliation: candidate lookup failed")
	}

	// High: bank-provided reference (carried as the instruction's own
	// rail/bank reference) plus amount + currency match, unambiguous.
	var highMatches []*InstructionSummary
	for _, c := range candidates {
		if c.BankReference == nil || *c.BankReference != conf.BankReference {
			continue
		}
		if !c.Amount.Amount.Equal(conf.Amount.Amount) || c.Amount.Currency != conf.Amount.Currency {
			continue
		}
		highMatches = append(highMatches, c)
	}
	if len(highMatches) == 1 {
		if err := m.confirmations.MarkMatched(ctx, conf.BankReference, highMatches[0].ID); err != nil {
			return TierNone, nil, errors.Wrap(err, "reconciliation: mark matched failed")
		}
		return TierHigh, &highMatches[0].ID, nil
	}
	if len(highMatches) > 1 {
		m.log.Warn("reconciliation: ambiguous high-tier match", map[string]interface{}{"bank_reference": conf.BankReference})
		return TierNone, nil, errors.ErrAmbiguousMatch
	}

	// Medium: amount + currency match within the booking-date window,
	// flagged for human review — never auto-finalized.
	var mediumMatches []*InstructionSummary
	for _, c := range candidates {
		if !c.Amount.Amount.Equal(conf.Amount.Amount) || c.Amount.Currency != conf.Amount.Currency {
			continue
		}
		diff := c.BookingTimestamp.Sub(conf.BookingTimestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff <= m.cfg.MediumMatchWindow {
			mediumMatches = append(mediumMatches, c)
		}
	}
	if len(mediumMatches) >= 1 {
		m.log.Info("reconciliation: medium-tier match flagged for review", map[string]interface{}{
			"bank_reference": conf.BankReference,
			"candidates":     len(mediumMatches),
		})
		return TierMedium, nil, nil
	}

	m.log.Warn("reconciliation: unmatched confirmation", map[string]interface{}{"bank_reference": conf.BankReference})
	return TierNone, nil, errors.ErrUnmatchedConfirmation
}
