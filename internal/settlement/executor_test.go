package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"deltran/internal/identity"
	"deltran/internal/ledger"
	"deltran/internal/money"
	"deltran/internal/rail"
	"deltran/internal/retry"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

type mockInstructionStore struct{ mock.Mock }

func (m *mockInstructionStore) Create(ctx context.Context, i *Instruction) error {
	return m.Called(ctx, i).Error(0)
}
func (m *mockInstructionStore) Update(ctx context.Context, i *Instruction) error {
	return m.Called(ctx, i).Error(0)
}
func (m *mockInstructionStore) FindByID(ctx context.Context, id identity.InstructionID) (*Instruction, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*Instruction), args.Error(1)
}
func (m *mockInstructionStore) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*Instruction, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(*Instruction), args.Error(1)
}
func (m *mockInstructionStore) FindPendingForWindow(ctx context.Context, windowID identity.WindowID) ([]*Instruction, error) {
	args := m.Called(ctx, windowID)
	return args.Get(0).([]*Instruction), args.Error(1)
}
func (m *mockInstructionStore) FindRetryEligible(ctx context.Context, asOf time.Time) ([]*Instruction, error) {
	args := m.Called(ctx, asOf)
	return args.Get(0).([]*Instruction), args.Error(1)
}

type mockOperationStore struct{ mock.Mock }

func (m *mockOperationStore) Create(ctx context.Context, op *AtomicOperation) error {
	return m.Called(ctx, op).Error(0)
}
func (m *mockOperationStore) Update(ctx context.Context, op *AtomicOperation) error {
	return m.Called(ctx, op).Error(0)
}
func (m *mockOperationStore) FindByInstructionID(ctx context.Context, id identity.InstructionID) (*AtomicOperation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AtomicOperation), args.Error(1)
}

type mockCheckpointStore struct{ mock.Mock }

func (m *mockCheckpointStore) Append(ctx context.Context, cp *Checkpoint) error {
	return m.Called(ctx, cp).Error(0)
}
func (m *mockCheckpointStore) List(ctx context.Context, operationID identity.SettlementID) ([]*Checkpoint, error) {
	args := m.Called(ctx, operationID)
	return args.Get(0).([]*Checkpoint), args.Error(1)
}

type mockFundsLedger struct{ mock.Mock }

func (m *mockFundsLedger) LockFunds(ctx context.Context, settlementID identity.SettlementID, bank identity.BankID, amount money.Money, ttl time.Duration) (*ledger.FundLock, error) {
	args := m.Called(ctx, settlementID, bank, amount, ttl)
	return args.Get(0).(*ledger.FundLock), args.Error(1)
}
func (m *mockFundsLedger) ReleaseFundLock(ctx context.Context, lockID identity.FundLockID) error {
	return m.Called(ctx, lockID).Error(0)
}
func (m *mockFundsLedger) FinalizeFundLock(ctx context.Context, lockID identity.FundLockID) error {
	return m.Called(ctx, lockID).Error(0)
}
func (m *mockFundsLedger) IsReservedAndBacked(ctx context.Context, bank identity.BankID, amount money.Money) (bool, error) {
	args := m.Called(ctx, bank, amount)
	return args.Bool(0), args.Error(1)
}
func (m *mockFundsLedger) BurnTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	return m.Called(ctx, bank, amount).Error(0)
}

type mockObligationMarker struct{ mock.Mock }

func (m *mockObligationMarker) MarkSettled(ctx context.Context, ids []identity.ObligationID) error {
	return m.Called(ctx, ids).Error(0)
}
func (m *mockObligationMarker) MarkSettledWithRefund(ctx context.Context, ids []identity.ObligationID) error {
	return m.Called(ctx, ids).Error(0)
}

type mockSelector struct{ mock.Mock }

func (m *mockSelector) Select(ctx context.Context, corridor retry.Corridor) (rail.Rail, []rail.Rail, error) {
	args := m.Called(ctx, corridor)
	var chosen rail.Rail
	if args.Get(0) != nil {
		chosen = args.Get(0).(rail.Rail)
	}
	var fallbacks []rail.Rail
	if args.Get(1) != nil {
		fallbacks = args.Get(1).([]rail.Rail)
	}
	return chosen, fallbacks, args.Error(2)
}

type mockCompliance struct{ mock.Mock }

func (m *mockCompliance) AllCleared(ctx context.Context, ids []identity.ObligationID) (bool, error) {
	args := m.Called(ctx, ids)
	return args.Bool(0), args.Error(1)
}

type mockRefundEmitter struct{ mock.Mock }

func (m *mockRefundEmitter) EmitRefund(ctx context.Context, instr *Instruction) error {
	return m.Called(ctx, instr).Error(0)
}

func testConfig() config.SettlementConfig {
	return config.SettlementConfig{
		FundLockTTL:              10 * time.Minute,
		ConfirmationTimeout:      50 * time.Millisecond,
		ConfirmationPollInterval: 5 * time.Millisecond,
		RailInitiateTimeout:      30 * time.Second,
	}
}

func newTestInstruction() *Instruction {
	return &Instruction{
		ID:                       identity.NewInstructionID(),
		WindowID:                 identity.NewWindowID(),
		NetPositionID:            identity.NewNetPositionID(),
		Debtor:                   identity.NewBankID(),
		Creditor:                 identity.NewBankID(),
		Amount:                   money.MustNew(decimal.RequireFromString("100.00000000"), "USD"),
		Status:                   StatusPending,
		ConstituentObligationIDs: []identity.ObligationID{identity.NewObligationID()},
	}
}

func TestExecutorRunHappyPath(t *testing.T) {
	instr := newTestInstruction()
	lock := &ledger.FundLock{ID: identity.NewFundLockID(), BankID: instr.Debtor, Currency: instr.Amount.Currency, Amount: instr.Amount}
	simRail := rail.NewSimulatedRail("test-rail", "json")

	instructions := new(mockInstructionStore)
	operations := new(mockOperationStore)
	checkpoints := new(mockCheckpointStore)
	funds := new(mockFundsLedger)
	obligations := new(mockObligationMarker)
	selector := new(mockSelector)
	compliance := new(mockCompliance)
	refunds := new(mockRefundEmitter)

	operations.On("FindByInstructionID", mock.Anything, instr.ID).Return(nil, nil)
	operations.On("Create", mock.Anything, mock.Anything).Return(nil)
	operations.On("Update", mock.Anything, mock.MatchedBy(func(op *AtomicOperation) bool { return op.State == OperationCommitted })).Return(nil)

	instructions.On("Update", mock.Anything, mock.Anything).Return(nil)

	funds.On("IsReservedAndBacked", mock.Anything, instr.Debtor, instr.Amount).Return(true, nil)
	compliance.On("AllCleared", mock.Anything, instr.ConstituentObligationIDs).Return(true, nil)

	funds.On("LockFunds", mock.Anything, mock.Anything, instr.Debtor, instr.Amount, 10*time.Minute).Return(lock, nil)
	checkpoints.On("Append", mock.Anything, mock.MatchedBy(func(cp *Checkpoint) bool { return cp.Name == CheckpointFundsLocked })).Return(nil)

	selector.On("Select", mock.Anything, mock.Anything).Return(simRail, []rail.Rail{}, nil)
	checkpoints.On("Append", mock.Anything, mock.MatchedBy(func(cp *Checkpoint) bool { return cp.Name == CheckpointTransferInitiated })).Return(nil)
	checkpoints.On("Append", mock.Anything, mock.MatchedBy(func(cp *Checkpoint) bool { return cp.Name == CheckpointTransferConfirmed })).Return(nil)

	funds.On("BurnTokens", mock.Anything, instr.Debtor, instr.Amount).Return(nil)
	funds.On("FinalizeFundLock", mock.Anything, lock.ID).Return(nil)
	obligations.On("MarkSettled", mock.Anything, instr.ConstituentObligationIDs).Return(nil)

	ex := NewExecutor(instructions, operations, checkpoints, funds, obligations, selector, compliance, refunds, nil, retry.NewBackoff(config.RetryConfig{BaseBackoff: time.Second, BackoffFactor: 2, MaxAttempts: 3, RetryWindow: 5 * time.Minute}), testConfig(), logger.NewNop())

	err := ex.Run(context.Background(), instr)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, instr.Status)
	require.NotNil(t, instr.RailReference)
	require.NotNil(t, instr.BankReference)
}

func TestExecutorRunBusinessFailureRollsBackAndRefunds(t *testing.T) {
	instr := newTestInstruction()

	instructions := new(mockInstructionStore)
	operations := new(mockOperationStore)
	checkpoints := new(mockCheckpointStore)
	funds := new(mockFundsLedger)
	obligations := new(mockObligationMarker)
	selector := new(mockSelector)
	compliance := new(mockCompliance)
	refunds := new(mockRefundEmitter)

	operations.On("FindByInstructionID", mock.Anything, instr.ID).Return(nil, nil)
	operations.On("Create", mock.Anything, mock.Anything).Return(nil)

	instructions.On("Update", mock.Anything, mock.Anything).Return(nil)

	funds.On("IsReservedAndBacked", mock.Anything, instr.Debtor, instr.Amount).Return(false, nil)
	obligations.On("MarkSettledWithRefund", mock.Anything, instr.ConstituentObligationIDs).Return(nil)
	refunds.On("EmitRefund", mock.Anything, instr).Return(nil)

	ex := NewExecutor(instructions, operations, checkpoints, funds, obligations, selector, compliance, refunds, nil, retry.NewBackoff(config.RetryConfig{BaseBackoff: time.Second, BackoffFactor: 2, MaxAttempts: 3, RetryWindow: 5 * time.Minute}), testConfig(), logger.NewNop())

	err := ex.Run(context.Background(), instr)
	require.Error(t, err)
	require.Equal(t, StatusRefunded, instr.Status)
	obligations.AssertCalled(t, "MarkSettledWithRefund", mock.Anything, instr.ConstituentObligationIDs)
	refunds.AssertCalled(t, "EmitRefund", mock.Anything, instr)
}

// mockHealthRecorder captures rail health feedback so tests can assert the
// executor actually reports outcomes back to the tracker the Selector
// scores against (spec.md §4.4 health-scored fallback promotion).
type mockHealthRecorder struct{ mock.Mock }

func (m *mockHealthRecorder) RecordResult(ctx context.Context, railName string, success bool, latency time.Duration) error {
	return m.Called(ctx, railName, success, latency).Error(0)
}

// TestExecutorRunRetriesTransientFailureWithinWindow exercises spec.md §8
// Scenario D: a rail returns a transient failure twice, then succeeds on
// the third attempt. The instruction must reach Executed with a single
// fund lock minted and finalized once, one end-to-end reference carried
// through all three rail invocations, and every outcome reported to the
// health tracker (three initiates plus the one confirmation poll).
func TestExecutorRunRetriesTransientFailureWithinWindow(t *testing.T) {
	instr := newTestInstruction()
	lock := &ledger.FundLock{ID: identity.NewFundLockID(), BankID: instr.Debtor, Currency: instr.Amount.Currency, Amount: instr.Amount}

	instructions := new(mockInstructionStore)
	operations := new(mockOperationStore)
	checkpoints := new(mockCheckpointStore)
	funds := new(mockFundsLedger)
	obligations := new(mockObligationMarker)
	selector := new(mockSelector)
	compliance := new(mockCompliance)
	refunds := new(mockRefundEmitter)
	health := new(mockHealthRecorder)

	operations.On("FindByInstructionID", mock.Anything, instr.ID).Return(nil, nil)
	operations.On("Create", mock.Anything, mock.Anything).Return(nil)
	operations.On("Update", mock.Anything, mock.MatchedBy(func(op *AtomicOperation) bool { return op.State == OperationCommitted })).Return(nil)

	instructions.On("Update", mock.Anything, mock.Anything).Return(nil)

	funds.On("IsReservedAndBacked", mock.Anything, instr.Debtor, instr.Amount).Return(true, nil)
	compliance.On("AllCleared", mock.Anything, instr.ConstituentObligationIDs).Return(true, nil)

	funds.On("LockFunds", mock.Anything, mock.Anything, instr.Debtor, instr.Amount, 10*time.Minute).Return(lock, nil).Once()
	checkpoints.On("Append", mock.Anything, mock.MatchedBy(func(cp *Checkpoint) bool { return cp.Name == CheckpointFundsLocked })).Return(nil)
	checkpoints.On("Append", mock.Anything, mock.MatchedBy(func(cp *Checkpoint) bool { return cp.Name == CheckpointTransferInitiated })).Return(nil)
	checkpoints.On("Append", mock.Anything, mock.MatchedBy(func(cp *Checkpoint) bool { return cp.Name == CheckpointTransferConfirmed })).Return(nil)

	failing := &recordingRail{name: "flaky-rail", failUntilAttempt: 3}
	selector.On("Select", mock.Anything, mock.Anything).Return(failing, []rail.Rail{}, nil)
	health.On("RecordResult", mock.Anything, "flaky-rail", mock.Anything, mock.Anything).Return(nil)

	funds.On("BurnTokens", mock.Anything, instr.Debtor, instr.Amount).Return(nil)
	funds.On("FinalizeFundLock", mock.Anything, lock.ID).Return(nil).Once()
	obligations.On("MarkSettled", mock.Anything, instr.ConstituentObligationIDs).Return(nil)

	fastBackoff := retry.NewBackoff(config.RetryConfig{
		BaseBackoff: time.Millisecond, BackoffFactor: 2, JitterFraction: decimal.Zero,
		MaxAttempts: 3, RetryWindow: 5 * time.Minute,
	})
	ex := NewExecutor(instructions, operations, checkpoints, funds, obligations, selector, compliance, refunds, health, fastBackoff, testConfig(), logger.NewNop())

	err := ex.Run(context.Background(), instr)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, instr.Status)
	require.Equal(t, 3, failing.attempts)

	funds.AssertNumberOfCalls(t, "LockFunds", 1)
	funds.AssertNumberOfCalls(t, "FinalizeFundLock", 1)
	funds.AssertNotCalled(t, "ReleaseFundLock", mock.Anything, mock.Anything)
	health.AssertNumberOfCalls(t, "RecordResult", 4)
}

// recordingRail fails Initiate with a plain (transient-classified) error
// on every attempt before failUntilAttempt, then succeeds — standing in
// for a flaky rail connector across Executor's in-window retry ladder.
type recordingRail struct {
	name             string
	failUntilAttempt int
	attempts         int
	lastRef          string
}

func (r *recordingRail) Name() string { return r.name }

func (r *recordingRail) Initiate(ctx context.Context, payload rail.Payload) (string, error) {
	r.attempts++
	if r.attempts < r.failUntilAttempt {
		return "", errors.New("rail: connector timeout")
	}
	r.lastRef = "rail-ref-" + payload.EndToEndRef.String()
	return r.lastRef, nil
}

func (r *recordingRail) PollStatus(ctx context.Context, railReference string) (rail.Status, error) {
	return rail.StatusCompleted, nil
}

func (r *recordingRail) Cancel(ctx context.Context, railReference string) error {
	return nil
}

func (r *recordingRail) QueryBalance(ctx context.Context, bank identity.BankID, currency money.Currency) (money.Money, error) {
	return money.Money{}, nil
}

