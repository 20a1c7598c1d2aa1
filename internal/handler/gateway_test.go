package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"deltran/internal/event"
	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/obligation"
	"deltran/internal/reconciliation"
	"deltran/internal/settlement"
	"deltran/internal/window"
	"deltran/pkg/config"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
	"deltran/pkg/validator"
)

// --- obligation.Store / window.Store / settlement.InstructionStore mocks ---

type mockObligationStore struct{ mock.Mock }

func (m *mockObligationStore) Create(ctx context.Context, o *obligation.Obligation) error {
	return m.Called(ctx, o).Error(0)
}
func (m *mockObligationStore) FindByID(ctx context.Context, id identity.ObligationID) (*obligation.Obligation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*obligation.Obligation), args.Error(1)
}
func (m *mockObligationStore) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*obligation.Obligation, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*obligation.Obligation), args.Error(1)
}
func (m *mockObligationStore) FindByWindow(ctx context.Context, windowID identity.WindowID) ([]*obligation.Obligation, error) {
	args := m.Called(ctx, windowID)
	return args.Get(0).([]*obligation.Obligation), args.Error(1)
}
func (m *mockObligationStore) FindOpenForWindow(ctx context.Context, windowID identity.WindowID) ([]*obligation.Obligation, error) {
	args := m.Called(ctx, windowID)
	return args.Get(0).([]*obligation.Obligation), args.Error(1)
}
func (m *mockObligationStore) MarkNetted(ctx context.Context, ids []identity.ObligationID, netPositionID identity.NetPositionID) error {
	return m.Called(ctx, ids, netPositionID).Error(0)
}
func (m *mockObligationStore) MarkCancelled(ctx context.Context, id identity.ObligationID, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}
func (m *mockObligationStore) MarkSettled(ctx context.Context, ids []identity.ObligationID) error {
	return m.Called(ctx, ids).Error(0)
}
func (m *mockObligationStore) MarkSettledWithRefund(ctx context.Context, ids []identity.ObligationID) error {
	return m.Called(ctx, ids).Error(0)
}

type mockWindowLookup struct{ mock.Mock }

func (m *mockWindowLookup) FindOpenWindow(ctx context.Context) (*window.Window, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*window.Window), args.Error(1)
}

type mockTokenReserver struct{ mock.Mock }

func (m *mockTokenReserver) ReserveTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	return m.Called(ctx, bank, amount).Error(0)
}
func (m *mockTokenReserver) ReleaseReservedTokens(ctx context.Context, bank identity.BankID, amount money.Money) error {
	return m.Called(ctx, bank, amount).Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, t event.Type, payload map[string]interface{}) (event.Event, error) {
	args := m.Called(ctx, t, payload)
	return event.Event{}, args.Error(1)
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

// --- reconciliation.ConfirmationStore / InstructionLookup mocks ---

type mockConfirmationStore struct{ mock.Mock }

func (m *mockConfirmationStore) FindByBankReference(ctx context.Context, bankReference string) (*reconciliation.Confirmation, error) {
	args := m.Called(ctx, bankReference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reconciliation.Confirmation), args.Error(1)
}
func (m *mockConfirmationStore) Create(ctx context.Context, c *reconciliation.Confirmation) error {
	return m.Called(ctx, c).Error(0)
}
func (m *mockConfirmationStore) MarkMatched(ctx context.Context, bankReference string, instructionID identity.InstructionID) error {
	return m.Called(ctx, bankReference, instructionID).Error(0)
}

type mockInstructionLookup struct{ mock.Mock }

func (m *mockInstructionLookup) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*reconciliation.InstructionSummary, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reconciliation.InstructionSummary), args.Error(1)
}
func (m *mockInstructionLookup) FindPendingCandidates(ctx context.Context, amount money.Money) ([]*reconciliation.InstructionSummary, error) {
	args := m.Called(ctx, amount)
	return args.Get(0).([]*reconciliation.InstructionSummary), args.Error(1)
}

// --- fixtures ---

func openTestWindow() *window.Window {
	now := time.Now().UTC()
	return &window.Window{
		ID:             identity.NewWindowID(),
		Status:         window.StatusOpen,
		ScheduledOpen:  now.Add(-time.Hour),
		ScheduledClose: now.Add(time.Hour),
		GraceExpiresAt: now.Add(90 * time.Minute),
	}
}

func newTestHandler(t *testing.T) (*GatewayHandler, *mockObligationStore, *mockWindowLookup, *mockTokenReserver, *mockPublisher, *mockWindowStore, *mockInstructionStore, *mockConfirmationStore, *mockInstructionLookup) {
	t.Helper()
	store := new(mockObligationStore)
	windows := new(mockWindowLookup)
	tokens := new(mockTokenReserver)
	pub := new(mockPublisher)
	admission := obligation.NewService(store, windows, tokens, pub, logger.NewNop())

	windowStore := new(mockWindowStore)
	instructionStore := new(mockInstructionStore)
	confirmationStore := new(mockConfirmationStore)
	instructionLookup := new(mockInstructionLookup)
	matcher := reconciliation.NewMatcher(confirmationStore, instructionLookup, config.ReconciliationConfig{
		MediumMatchWindow: 30 * time.Minute,
		AbsoluteTolerance: decimal.RequireFromString("0.01"),
		RelativeTolerance: decimal.RequireFromString("0.0001"),
	}, logger.NewNop())

	h := NewGatewayHandler(admission, store, instructionStore, windowStore, matcher, validator.New(), nil, logger.NewNop())
	return h, store, windows, tokens, pub, windowStore, instructionStore, confirmationStore, instructionLookup
}

func validObligationBody(debtor, creditor identity.BankID) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"debtor_bank_id":     debtor.String(),
		"creditor_bank_id":   creditor.String(),
		"currency":           "USD",
		"amount":             "100.00",
		"originator_ref":     "ref-1",
		"compliance_cleared": true,
	})
	return body
}

// --- SubmitObligation ---

func TestSubmitObligationHappyPath(t *testing.T) {
	h, store, windows, tokens, pub, _, _, _, _ := newTestHandler(t)

	debtor, creditor := identity.NewBankID(), identity.NewBankID()
	win := openTestWindow()

	store.On("FindByEndToEndRef", mock.Anything, mock.Anything).Return(nil, nil)
	windows.On("FindOpenWindow", mock.Anything).Return(win, nil)
	tokens.On("ReserveTokens", mock.Anything, debtor, mock.Anything).Return(nil)
	store.On("Create", mock.Anything, mock.AnythingOfType("*obligation.Obligation")).Return(nil)
	pub.On("Publish", mock.Anything, event.TypeObligationAccepted, mock.Anything).Return(event.Event{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/obligations", bytes.NewReader(validObligationBody(debtor, creditor)))
	rec := httptest.NewRecorder()
	h.SubmitObligation(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var out obligation.Obligation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, obligation.StatusPending, out.Status)
}

func TestSubmitObligationRejectsMalformedJSON(t *testing.T) {
	h, _, _, _, _, _, _, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/obligations", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.SubmitObligation(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitObligationRejectsFailedStructValidation(t *testing.T) {
	h, _, _, _, _, _, _, _, _ := newTestHandler(t)

	body, _ := json.Marshal(map[string]interface{}{
		"debtor_bank_id":   identity.NewBankID().String(),
		"creditor_bank_id": identity.NewBankID().String(),
		"currency":         "US",
		"amount":           "0",
		"originator_ref":   "",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/obligations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SubmitObligation(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "errors")
}

func TestSubmitObligationRejectsSelfPay(t *testing.T) {
	h, store, windows, _, _, _, _, _, _ := newTestHandler(t)

	same := identity.NewBankID()
	win := openTestWindow()
	store.On("FindByEndToEndRef", mock.Anything, mock.Anything).Return(nil, nil)
	windows.On("FindOpenWindow", mock.Anything).Return(win, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/obligations", bytes.NewReader(validObligationBody(same, same)))
	rec := httptest.NewRecorder()
	h.SubmitObligation(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, errors.ErrObligationSelfPay.Error(), out["error"])
}

func TestSubmitObligationRejectsDuplicate(t *testing.T) {
	h, store, _, _, _, _, _, _, _ := newTestHandler(t)

	debtor, creditor := identity.NewBankID(), identity.NewBankID()
	existing := &obligation.Obligation{ID: identity.NewObligationID()}
	store.On("FindByEndToEndRef", mock.Anything, mock.Anything).Return(existing, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/obligations", bytes.NewReader(validObligationBody(debtor, creditor)))
	rec := httptest.NewRecorder()
	h.SubmitObligation(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

// --- GetObligation / GetInstruction / GetWindow (nil cache, always falls through to store) ---

func TestGetObligationFound(t *testing.T) {
	h, store, _, _, _, _, _, _, _ := newTestHandler(t)

	obl := &obligation.Obligation{ID: identity.NewObligationID(), Status: obligation.StatusPending}
	store.On("FindByID", mock.Anything, obl.ID).Return(obl, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/obligations/"+obl.ID.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": obl.ID.String()})
	rec := httptest.NewRecorder()
	h.GetObligation(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetObligationNotFound(t *testing.T) {
	h, store, _, _, _, _, _, _, _ := newTestHandler(t)

	id := identity.NewObligationID()
	store.On("FindByID", mock.Anything, id).Return(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/obligations/"+id.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": id.String()})
	rec := httptest.NewRecorder()
	h.GetObligation(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetObligationInvalidID(t *testing.T) {
	h, _, _, _, _, _, _, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/obligations/not-a-uuid", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "not-a-uuid"})
	rec := httptest.NewRecorder()
	h.GetObligation(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetInstructionFound(t *testing.T) {
	h, _, _, _, _, _, instructions, _, _ := newTestHandler(t)

	instr := &settlement.Instruction{ID: identity.NewInstructionID(), Status: settlement.StatusPending}
	instructions.On("FindByID", mock.Anything, instr.ID).Return(instr, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instructions/"+instr.ID.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": instr.ID.String()})
	rec := httptest.NewRecorder()
	h.GetInstruction(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetWindowFound(t *testing.T) {
	h, _, _, _, _, windowStore, _, _, _ := newTestHandler(t)

	win := openTestWindow()
	windowStore.On("FindByID", mock.Anything, win.ID).Return(win, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/windows/"+win.ID.String(), nil)
	req = mux.SetURLVars(req, map[string]string{"id": win.ID.String()})
	rec := httptest.NewRecorder()
	h.GetWindow(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

// --- SubmitConfirmation ---

func confirmationBody(ref *identity.EndToEndRef, bankRef string) []byte {
	payload := map[string]interface{}{
		"bank_reference":           bankRef,
		"amount":                   "100.00",
		"currency":                 "USD",
		"booking_timestamp":        time.Now().UTC().Format(time.RFC3339),
		"credit_or_debit_indicator": "credit",
	}
	if ref != nil {
		payload["end_to_end_ref"] = ref.String()
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestSubmitConfirmationExactMatch(t *testing.T) {
	h, _, _, _, _, _, _, confirmations, lookups := newTestHandler(t)

	ref := identity.NewEndToEndRef()
	instr := &reconciliation.InstructionSummary{ID: identity.NewInstructionID(), EndToEndRef: ref}

	confirmations.On("FindByBankReference", mock.Anything, "bank-ref-1").Return(nil, nil)
	confirmations.On("Create", mock.Anything, mock.AnythingOfType("*reconciliation.Confirmation")).Return(nil)
	lookups.On("FindByEndToEndRef", mock.Anything, ref).Return(instr, nil)
	confirmations.On("MarkMatched", mock.Anything, "bank-ref-1", instr.ID).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations", bytes.NewReader(confirmationBody(&ref, "bank-ref-1")))
	rec := httptest.NewRecorder()
	h.SubmitConfirmation(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, string(reconciliation.TierExact), out["tier"])
}

func TestSubmitConfirmationDuplicateRejected(t *testing.T) {
	h, _, _, _, _, _, _, confirmations, _ := newTestHandler(t)

	existing := &reconciliation.Confirmation{BankReference: "bank-ref-2"}
	confirmations.On("FindByBankReference", mock.Anything, "bank-ref-2").Return(existing, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations", bytes.NewReader(confirmationBody(nil, "bank-ref-2")))
	rec := httptest.NewRecorder()
	h.SubmitConfirmation(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitConfirmationUnmatchedAccepted(t *testing.T) {
	h, _, _, _, _, _, _, confirmations, lookups := newTestHandler(t)

	confirmations.On("FindByBankReference", mock.Anything, "bank-ref-3").Return(nil, nil)
	confirmations.On("Create", mock.Anything, mock.AnythingOfType("*reconciliation.Confirmation")).Return(nil)
	lookups.On("FindPendingCandidates", mock.Anything, mock.Anything).Return([]*reconciliation.InstructionSummary{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations", bytes.NewReader(confirmationBody(nil, "bank-ref-3")))
	rec := httptest.NewRecorder()
	h.SubmitConfirmation(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
}
