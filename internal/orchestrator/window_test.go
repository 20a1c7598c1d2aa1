package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/netting"
	"deltran/internal/obligation"
	"deltran/internal/settlement"
	"deltran/internal/window"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

type mockNetPositionStore struct{ mock.Mock }

func (m *mockNetPositionStore) SavePositions(ctx context.Context, windowID identity.WindowID, positions []*netting.NetPosition) error {
	return m.Called(ctx, windowID, positions).Error(0)
}
func (m *mockNetPositionStore) FindByWindow(ctx context.Context, windowID identity.WindowID) ([]*netting.NetPosition, error) {
	args := m.Called(ctx, windowID)
	return args.Get(0).([]*netting.NetPosition), args.Error(1)
}
func (m *mockNetPositionStore) FindByID(ctx context.Context, id identity.NetPositionID) (*netting.NetPosition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*netting.NetPosition), args.Error(1)
}

type mockInstructionStore struct{ mock.Mock }

func (m *mockInstructionStore) Create(ctx context.Context, i *settlement.Instruction) error {
	return m.Called(ctx, i).Error(0)
}
func (m *mockInstructionStore) Update(ctx context.Context, i *settlement.Instruction) error {
	return m.Called(ctx, i).Error(0)
}
func (m *mockInstructionStore) FindByID(ctx context.Context, id identity.InstructionID) (*settlement.Instruction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.Instruction), args.Error(1)
}
func (m *mockInstructionStore) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*settlement.Instruction, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.Instruction), args.Error(1)
}
func (m *mockInstructionStore) FindPendingForWindow(ctx context.Context, windowID identity.WindowID) ([]*settlement.Instruction, error) {
	args := m.Called(ctx, windowID)
	return args.Get(0).([]*settlement.Instruction), args.Error(1)
}
func (m *mockInstructionStore) FindRetryEligible(ctx context.Context, asOf time.Time) ([]*settlement.Instruction, error) {
	args := m.Called(ctx, asOf)
	return args.Get(0).([]*settlement.Instruction), args.Error(1)
}

type mockWindowStore struct{ mock.Mock }

func (m *mockWindowStore) Create(ctx context.Context, w *window.Window) error {
	return m.Called(ctx, w).Error(0)
}
func (m *mockWindowStore) Update(ctx context.Context, w *window.Window) error {
	return m.Called(ctx, w).Error(0)
}
func (m *mockWindowStore) FindByID(ctx context.Context, id identity.WindowID) (*window.Window, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*window.Window), args.Error(1)
}
func (m *mockWindowStore) FindByScheduledOpen(ctx context.Context, scheduledOpen time.Time) (*window.Window, error) {
	args := m.Called(ctx, scheduledOpen)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*window.Window), args.Error(1)
}
func (m *mockWindowStore) FindInStatus(ctx context.Context, status window.Status) ([]*window.Window, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]*window.Window), args.Error(1)
}

type mockTokenConsolidator struct{ mock.Mock }

func (m *mockTokenConsolidator) ReleaseReservedTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	return m.Called(ctx, bank, amount).Error(0)
}

func testSettlementConfig() config.SettlementConfig {
	return config.SettlementConfig{
		FundLockTTL:              10 * time.Minute,
		ConfirmationTimeout:      5 * time.Minute,
		ConfirmationPollInterval: 2 * time.Second,
		RailInitiateTimeout:      30 * time.Second,
		StuckSweepInterval:       time.Hour,
		StuckSweepThreshold:      time.Hour,
	}
}

func processingWindow() *window.Window {
	now := time.Now().UTC()
	return &window.Window{
		ID:             identity.NewWindowID(),
		Status:         window.StatusProcessing,
		ScheduledOpen:  now.Add(-6 * time.Hour),
		ScheduledClose: now,
		GraceExpiresAt: now.Add(30 * time.Minute),
	}
}

func bilateralObligation(win identity.WindowID, debtor, creditor identity.BankID, amount string) *obligation.Obligation {
	return &obligation.Obligation{
		ID:           identity.NewObligationID(),
		WindowID:     win,
		DebtorBank:   debtor,
		CreditorBank: creditor,
		Amount:       money.MustNew(decimal.RequireFromString(amount), "USD"),
		Status:       obligation.StatusPending,
	}
}

func TestWindowProcessorNetsAndAdvancesToSettling(t *testing.T) {
	obligations := new(mockObligationStore)
	positions := new(mockNetPositionStore)
	instructions := new(mockInstructionStore)
	windows := new(mockWindowStore)
	tokens := new(mockTokenConsolidator)
	engine := netting.NewEngine(config.NettingConfig{MinExpectedEfficiency: decimal.RequireFromString("0.40")}, logger.NewNop())

	win := processingWindow()
	bankA, bankB := identity.NewBankID(), identity.NewBankID()
	obls := []*obligation.Obligation{
		bilateralObligation(win.ID, bankA, bankB, "300.00"),
		bilateralObligation(win.ID, bankB, bankA, "100.00"),
	}

	obligations.On("FindOpenForWindow", mock.Anything, win.ID).Return(obls, nil)
	positions.On("SavePositions", mock.Anything, win.ID, mock.Anything).Return(nil)
	obligations.On("MarkNetted", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	instructions.On("Create", mock.Anything, mock.AnythingOfType("*settlement.Instruction")).Return(nil)
	windows.On("Update", mock.Anything, mock.MatchedBy(func(w *window.Window) bool { return w.Status == window.StatusSettling })).Return(nil)

	// Net position is bankA owes bankB 200.00 (300 - 100). Gross
	// reservations were 300 for bankA and 100 for bankB; consolidation
	// should release bankA's surplus of 100 down to its 200 net debt, and
	// bankB's entire 100 since it owes nothing after netting.
	tokens.On("ReleaseReservedTokens", mock.Anything, bankA, mock.MatchedBy(func(a money.Money) bool {
		return a.Amount.Equal(decimal.RequireFromString("100.00")) && a.Currency == "USD"
	})).Return(nil)
	tokens.On("ReleaseReservedTokens", mock.Anything, bankB, mock.MatchedBy(func(a money.Money) bool {
		return a.Amount.Equal(decimal.RequireFromString("100.00")) && a.Currency == "USD"
	})).Return(nil)

	proc := NewWindowProcessor(obligations, positions, instructions, windows, engine, tokens, testSettlementConfig(), logger.NewNop())
	err := proc.Process(context.Background(), win)
	require.NoError(t, err)

	positions.AssertExpectations(t)
	instructions.AssertExpectations(t)
	windows.AssertExpectations(t)
	tokens.AssertExpectations(t)
}

func TestWindowProcessorAdvancesEvenWithNoObligations(t *testing.T) {
	obligations := new(mockObligationStore)
	positions := new(mockNetPositionStore)
	instructions := new(mockInstructionStore)
	windows := new(mockWindowStore)
	tokens := new(mockTokenConsolidator)
	engine := netting.NewEngine(config.NettingConfig{MinExpectedEfficiency: decimal.RequireFromString("0.40")}, logger.NewNop())

	win := processingWindow()
	obligations.On("FindOpenForWindow", mock.Anything, win.ID).Return([]*obligation.Obligation{}, nil)
	windows.On("Update", mock.Anything, mock.MatchedBy(func(w *window.Window) bool { return w.Status == window.StatusSettling })).Return(nil)

	proc := NewWindowProcessor(obligations, positions, instructions, windows, engine, tokens, testSettlementConfig(), logger.NewNop())
	err := proc.Process(context.Background(), win)
	require.NoError(t, err)

	positions.AssertNotCalled(t, "SavePositions", mock.Anything, mock.Anything, mock.Anything)
	instructions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	tokens.AssertNotCalled(t, "ReleaseReservedTokens", mock.Anything, mock.Anything, mock.Anything)
}

func TestPriorityForScalesDownWithConstituentCount(t *testing.T) {
	single := &netting.NetPosition{ConstituentObligationIDs: []identity.ObligationID{identity.NewObligationID()}}
	require.Equal(t, 100, priorityFor(single))

	many := &netting.NetPosition{ConstituentObligationIDs: make([]identity.ObligationID, 50)}
	require.Equal(t, 2, priorityFor(many))
}
