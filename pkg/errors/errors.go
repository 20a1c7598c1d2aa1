// Package errors provides common, reusable error values and helpers for the
// clearing and settlement core.
package errors

import (
	"errors"
	"fmt"
)

// Common errors, grouped by the taxonomy in the core's error handling design:
// transient, business, configuration, invariant-violation, and reconciliation
// exceptions. Callers classify on these sentinels with errors.Is.
var (
	// Money & identity
	ErrMoneyOverflow     = errors.New("money: amount exceeds fixed-point precision")
	ErrCurrencyMismatch  = errors.New("money: currency mismatch in arithmetic")
	ErrNonPositiveAmount = errors.New("money: amount must be positive")

	// Obligation store
	ErrObligationNotFound   = errors.New("obligation not found")
	ErrObligationZeroAmount = errors.New("obligation rejected: zero amount")
	ErrObligationSelfPay    = errors.New("obligation rejected: debtor equals creditor")
	ErrObligationDuplicate  = errors.New("obligation rejected: duplicate end-to-end reference")
	ErrObligationImmutable  = errors.New("obligation: amount/parties are immutable once created")

	// Window manager
	ErrWindowNotFound           = errors.New("clearing window not found")
	ErrWindowNotOpen            = errors.New("clearing window is not open for obligations")
	ErrWindowClosedForLate      = errors.New("clearing window: obligation timestamp outside open interval")
	ErrWindowFrozen             = errors.New("clearing window: obligation set is frozen")
	ErrWindowLockHeld           = errors.New("clearing window: advisory lock held by another replica")
	ErrWindowBackwardTransition = errors.New("clearing window: illegal backward state transition")

	// Netting engine
	ErrNettingCurrencyMix  = errors.New("netting: cannot net obligations across currencies")
	ErrNettingConservation = errors.New("netting: money conservation invariant violated")
	ErrNetPositionNotFound = errors.New("net position not found")

	// Settlement executor
	ErrInstructionNotFound  = errors.New("settlement instruction not found")
	ErrInsufficientBalance  = errors.New("nostro account: insufficient available balance")
	ErrNostroNotFound       = errors.New("nostro account not found")
	ErrNostroInactive       = errors.New("nostro account is not active")
	ErrTokensNotReserved    = errors.New("settlement: tokens are not reserved or not backed")
	ErrComplianceNotCleared = errors.New("settlement: compliance clearance missing")
	ErrFundLockExpired      = errors.New("fund lock: expired before finalize")
	ErrFundLockNotFound     = errors.New("fund lock not found")
	ErrAlreadyFinalized     = errors.New("atomic operation: already finalized, cannot roll back")
	ErrTokenPositionNotFound = errors.New("token position not found")

	// Retry / rail classification
	ErrRailUnavailable    = errors.New("bank rail: channel unavailable")
	ErrRailBusinessReject = errors.New("bank rail: business rejection")
	ErrRailConfiguration  = errors.New("bank rail: unsupported currency or unconfigured corridor")
	ErrWindowExhausted    = errors.New("retry: all rails and retries exhausted for window")

	// Reconciliation & token ledger
	ErrTokenBackingViolation = errors.New("token ledger: 1:1 backing invariant violated")
	ErrDuplicateConfirmation = errors.New("confirmation: duplicate bank reference")
	ErrAmbiguousMatch        = errors.New("confirmation: ambiguous match across instructions")
	ErrUnmatchedConfirmation = errors.New("confirmation: no matching instruction")
	ErrReconciliationHeld    = errors.New("reconciliation: account halted pending discrepancy resolution")

	// Generic
	ErrDuplicateRequest = errors.New("duplicate request")
)

// New returns a new error with the given text.
func New(text string) error {
	return errors.New(text)
}

// Wrap wraps an error with additional context. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is re-exports the standard library's errors.Is for call sites that import
// this package under the name "errors".
func Is(err, target error) bool {
	return errors.Is(err, target)
}
