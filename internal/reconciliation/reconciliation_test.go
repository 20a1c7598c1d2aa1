package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

type mockConfirmationStore struct{ mock.Mock }

func (m *mockConfirmationStore) FindByBankReference(ctx context.Context, ref string) (*Confirmation, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Confirmation), args.Error(1)
}
func (m *mockConfirmationStore) Create(ctx context.Context, c *Confirmation) error {
	return m.Called(ctx, c).Error(0)
}
func (m *mockConfirmationStore) MarkMatched(ctx context.Context, ref string, id identity.InstructionID) error {
	return m.Called(ctx, ref, id).Error(0)
}

type mockInstructionLookup struct{ mock.Mock }

func (m *mockInstructionLookup) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*InstructionSummary, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*InstructionSummary), args.Error(1)
}
func (m *mockInstructionLookup) FindPendingCandidates(ctx context.Context, amount money.Money) ([]*InstructionSummary, error) {
	args := m.Called(ctx, amount)
	return args.Get(0).([]*InstructionSummary), args.Error(1)
}

func reconCfg() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		MediumMatchWindow: 30 * time.Minute,
		AbsoluteTolerance: decimal.RequireFromString("0.01"),
		RelativeTolerance: decimal.RequireFromString("0.0001"),
	}
}

func TestMatchExactTier(t *testing.T) {
	confirmations := new(mockConfirmationStore)
	instructions := new(mockInstructionLookup)

	ref := identity.NewEndToEndRef()
	instrID := identity.NewInstructionID()
	amount := money.MustNew(decimal.RequireFromString("50.00000000"), "USD")

	conf := &Confirmation{BankReference: "BR1", EndToEndRef: &ref, Amount: amount, Indicator: Credit}

	confirmations.On("FindByBankReference", mock.Anything, "BR1").Return(nil, nil)
	confirmations.On("Create", mock.Anything, conf).Return(nil)
	instructions.On("FindByEndToEndRef", mock.Anything, ref).Return(&InstructionSummary{ID: instrID, EndToEndRef: ref, Amount: amount}, nil)
	confirmations.On("MarkMatched", mock.Anything, "BR1", instrID).Return(nil)

	m := NewMatcher(confirmations, instructions, reconCfg(), logger.NewNop())
	tier, matchedID, err := m.Match(context.Background(), conf)
	require.NoError(t, err)
	require.Equal(t, TierExact, tier)
	require.Equal(t, instrID, *matchedID)
}

func TestMatchUnmatchedRecordsException(t *testing.T) {
	confirmations := new(mockConfirmationStore)
	instructions := new(mockInstructionLookup)

	amount := money.MustNew(decimal.RequireFromString("75.00000000"), "EUR")
	conf := &Confirmation{BankReference: "BR2", Amount: amount, Indicator: Credit}

	confirmations.On("FindByBankReference", mock.Anything, "BR2").Return(nil, nil)
	confirmations.On("Create", mock.Anything, conf).Return(nil)
	instructions.On("FindPendingCandidates", mock.Anything, amount).Return([]*InstructionSummary{}, nil)

	m := NewMatcher(confirmations, instructions, reconCfg(), logger.NewNop())
	tier, matchedID, err := m.Match(context.Background(), conf)
	require.Error(t, err)
	require.Equal(t, TierNone, tier)
	require.Nil(t, matchedID)
}

func TestMatchHighTierRejectsAmountMismatch(t *testing.T) {
	confirmations := new(mockConfirmationStore)
	instructions := new(mockInstructionLookup)

	now := time.Now().UTC()
	amount := money.MustNew(decimal.RequireFromString("50.00000000"), "USD")
	wrongAmount := money.MustNew(decimal.RequireFromString("999.00000000"), "USD")
	conf := &Confirmation{BankReference: "BR3", Amount: amount, BookingTimestamp: now, Indicator: Credit}

	bankRef := "BR3"
	stale := &InstructionSummary{ID: identity.NewInstructionID(), Amount: wrongAmount, BankReference: &bankRef, BookingTimestamp: now}

	confirmations.On("FindByBankReference", mock.Anything, "BR3").Return(nil, nil)
	confirmations.On("Create", mock.Anything, conf).Return(nil)
	instructions.On("FindPendingCandidates", mock.Anything, amount).Return([]*InstructionSummary{stale}, nil)

	m := NewMatcher(confirmations, instructions, reconCfg(), logger.NewNop())
	tier, matchedID, err := m.Match(context.Background(), conf)
	require.Error(t, err)
	require.Equal(t, TierNone, tier)
	require.Nil(t, matchedID)
	confirmations.AssertNotCalled(t, "MarkMatched", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatchMediumTierRequiresBookingWindow(t *testing.T) {
	confirmations := new(mockConfirmationStore)
	instructions := new(mockInstructionLookup)

	now := time.Now().UTC()
	amount := money.MustNew(decimal.RequireFromString("75.00000000"), "EUR")
	conf := &Confirmation{BankReference: "BR4", Amount: amount, BookingTimestamp: now, Indicator: Credit}

	outsideWindow := &InstructionSummary{ID: identity.NewInstructionID(), Amount: amount, BookingTimestamp: now.Add(-45 * time.Minute)}

	confirmations.On("FindByBankReference", mock.Anything, "BR4").Return(nil, nil)
	confirmations.On("Create", mock.Anything, conf).Return(nil)
	instructions.On("FindPendingCandidates", mock.Anything, amount).Return([]*InstructionSummary{outsideWindow}, nil)

	m := NewMatcher(confirmations, instructions, reconCfg(), logger.NewNop())
	tier, matchedID, err := m.Match(context.Background(), conf)
	require.Error(t, err)
	require.Equal(t, TierNone, tier)
	require.Nil(t, matchedID)
}

func TestMatchMediumTierWithinBookingWindowFlagsForReview(t *testing.T) {
	confirmations := new(mockConfirmationStore)
	instructions := new(mockInstructionLookup)

	now := time.Now().UTC()
	amount := money.MustNew(decimal.RequireFromString("75.00000000"), "EUR")
	conf := &Confirmation{BankReference: "BR5", Amount: amount, BookingTimestamp: now, Indicator: Credit}

	withinWindow := &InstructionSummary{ID: identity.NewInstructionID(), Amount: amount, BookingTimestamp: now.Add(-10 * time.Minute)}

	confirmations.On("FindByBankReference", mock.Anything, "BR5").Return(nil, nil)
	confirmations.On("Create", mock.Anything, conf).Return(nil)
	instructions.On("FindPendingCandidates", mock.Anything, amount).Return([]*InstructionSummary{withinWindow}, nil)

	m := NewMatcher(confirmations, instructions, reconCfg(), logger.NewNop())
	tier, matchedID, err := m.Match(context.Background(), conf)
	require.NoError(t, err)
	require.Equal(t, TierMedium, tier)
	require.Nil(t, matchedID)
}

type mockDiscrepancyStore struct{ mock.Mock }

func (m *mockDiscrepancyStore) Create(ctx context.Context, d *Discrepancy) error {
	return m.Called(ctx, d).Error(0)
}
func (m *mockDiscrepancyStore) IsHalted(ctx context.Context, bank identity.BankID, currency money.Currency) (bool, error) {
	args := m.Called(ctx, bank, currency)
	return args.Bool(0), args.Error(1)
}
func (m *mockDiscrepancyStore) Halt(ctx context.Context, bank identity.BankID, currency money.Currency) error {
	return m.Called(ctx, bank, currency).Error(0)
}
func (m *mockDiscrepancyStore) Resolve(ctx context.Context, id identity.CheckpointID, resolvedAt time.Time) error {
	return m.Called(ctx, id, resolvedAt).Error(0)
}

func TestEODReconcileWithinTolerancePasses(t *testing.T) {
	store := new(mockDiscrepancyStore)
	bank := identity.NewBankID()

	opening := money.MustNew(decimal.RequireFromString("1000.00000000"), "USD")
	credits := money.MustNew(decimal.RequireFromString("200.00000000"), "USD")
	debits := money.MustNew(decimal.RequireFromString("100.00000000"), "USD")
	closing := money.MustNew(decimal.RequireFromString("1100.00500000"), "USD") // within the 0.01 absolute tolerance

	r := NewEndOfDayReconciler(store, reconCfg(), logger.NewNop())
	d, err := r.Reconcile(context.Background(), bank, opening, credits, debits, closing)
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestEODReconcileBeyondToleranceHalts(t *testing.T) {
	store := new(mockDiscrepancyStore)
	bank := identity.NewBankID()

	opening := money.MustNew(decimal.RequireFromString("1000.00000000"), "USD")
	credits := money.MustNew(decimal.RequireFromString("200.00000000"), "USD")
	debits := money.MustNew(decimal.RequireFromString("100.00000000"), "USD")
	closing := money.MustNew(decimal.RequireFromString("1050.00000000"), "USD") // 50 off

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	store.On("Halt", mock.Anything, bank, money.Currency("USD")).Return(nil)

	r := NewEndOfDayReconciler(store, reconCfg(), logger.NewNop())
	d, err := r.Reconcile(context.Background(), bank, opening, credits, debits, closing)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.True(t, d.Difference.Amount.Equal(decimal.RequireFromString("50.00000000")))
}
