package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/obligation"
	"deltran/internal/reconciliation"
	"deltran/internal/settlement"
	"deltran/internal/window"
	"deltran/pkg/cache"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
	"deltran/pkg/validator"
)

// statusCacheTTL bounds how stale a polled obligation/instruction/window
// status can be; short enough that a bank polling right after submission
// still sees the state change within one window's granularity.
const statusCacheTTL = 5 * time.Second

// GatewayHandler is the thin inbound adapter spec.md §6 describes: it
// parses canonical obligation descriptors and confirmation notifications
// off the wire and hands them to the core unchanged. ISO 20022 wire
// parsing itself is explicitly out of scope (SPEC_FULL.md Non-goals); this
// handler accepts the canonical JSON shape directly, the way the
// teacher's handler/payment.go accepts its own request DTOs.
type GatewayHandler struct {
	admission    *obligation.Service
	obligations  obligation.Store
	instructions settlement.InstructionStore
	windows      window.Store
	matcher      *reconciliation.Matcher
	validator    *validator.Validator
	cache        *cache.RedisCache
	logger       logger.Logger
}

func NewGatewayHandler(
	admission *obligation.Service,
	obligations obligation.Store,
	instructions settlement.InstructionStore,
	windows window.Store,
	matcher *reconciliation.Matcher,
	val *validator.Validator,
	queryCache *cache.RedisCache,
	log logger.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		admission:    admission,
		obligations:  obligations,
		instructions: instructions,
		windows:      windows,
		matcher:      matcher,
		validator:    val,
		cache:        queryCache,
		logger:       log,
	}
}

// submitObligationRequest is the canonical descriptor shape spec.md §6
// names: debtor bank, creditor bank, currency, amount, originator
// reference, compliance-cleared flag. Wire parsing upstream (pacs.008,
// pain.001) flattens into this before it ever reaches the gateway.
type submitObligationRequest struct {
	DebtorBankID      string          `json:"debtor_bank_id" validate:"required,uuid"`
	CreditorBankID    string          `json:"creditor_bank_id" validate:"required,uuid"`
	Currency          string          `json:"currency" validate:"required,len=3"`
	Amount            decimal.Decimal `json:"amount" validate:"required,gt=0"`
	OriginatorRef     string          `json:"originator_ref" validate:"required"`
	ComplianceCleared bool            `json:"compliance_cleared"`
}

// SubmitObligation admits one inbound obligation into the currently open
// clearing window (spec.md §4.2 admission).
func (h *GatewayHandler) SubmitObligation(w http.ResponseWriter, r *http.Request) {
	var req submitObligationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	debtor, err := identity.ParseBankID(req.DebtorBankID)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid debtor_bank_id")
		return
	}
	creditor, err := identity.ParseBankID(req.CreditorBankID)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid creditor_bank_id")
		return
	}

	amount, err := money.New(req.Amount, money.Currency(req.Currency))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid amount/currency")
		return
	}

	descriptor := obligation.CanonicalDescriptor{
		DebtorBankID:      debtor,
		CreditorBankID:    creditor,
		Currency:          money.Currency(req.Currency),
		Amount:            amount,
		OriginatorRef:     validator.Sanitize(req.OriginatorRef),
		ComplianceCleared: req.ComplianceCleared,
		UpstreamTimestamp: time.Now().UTC(),
	}

	ref := identity.NewEndToEndRef()
	obl, err := h.admission.Admit(r.Context(), ref, descriptor)
	if err != nil {
		switch err {
		case errors.ErrObligationZeroAmount, errors.ErrObligationSelfPay, errors.ErrComplianceNotCleared:
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.ErrObligationDuplicate:
			h.respondError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("obligation admission failed", map[string]interface{}{"error": err.Error()})
			h.respondError(w, http.StatusInternalServerError, "obligation admission failed")
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, obl)
}

// GetObligation returns one obligation's current state. A bank polling
// right after submission hits a short-lived read cache rather than the
// database directly, since status polling is the dominant read pattern
// on this endpoint.
func (h *GatewayHandler) GetObligation(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseObligationID(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid obligation id")
		return
	}

	cacheKey := "gateway:obligation:" + id.String()
	var obl obligation.Obligation
	if h.cache != nil && h.cache.Get(r.Context(), cacheKey, &obl) == nil {
		h.respondJSON(w, http.StatusOK, &obl)
		return
	}

	found, err := h.obligations.FindByID(r.Context(), id)
	if err != nil || found == nil {
		h.respondError(w, http.StatusNotFound, "obligation not found")
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), cacheKey, found, statusCacheTTL)
	}
	h.respondJSON(w, http.StatusOK, found)
}

// GetInstruction returns one settlement instruction's current state.
func (h *GatewayHandler) GetInstruction(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseInstructionID(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid instruction id")
		return
	}

	cacheKey := "gateway:instruction:" + id.String()
	var instr settlement.Instruction
	if h.cache != nil && h.cache.Get(r.Context(), cacheKey, &instr) == nil {
		h.respondJSON(w, http.StatusOK, &instr)
		return
	}

	found, err := h.instructions.FindByID(r.Context(), id)
	if err != nil || found == nil {
		h.respondError(w, http.StatusNotFound, "instruction not found")
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), cacheKey, found, statusCacheTTL)
	}
	h.respondJSON(w, http.StatusOK, found)
}

// GetWindow returns one clearing window's current state.
func (h *GatewayHandler) GetWindow(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseWindowID(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid window id")
		return
	}

	cacheKey := "gateway:window:" + id.String()
	var win window.Window
	if h.cache != nil && h.cache.Get(r.Context(), cacheKey, &win) == nil {
		h.respondJSON(w, http.StatusOK, &win)
		return
	}

	found, err := h.windows.FindByID(r.Context(), id)
	if err != nil || found == nil {
		h.respondError(w, http.StatusNotFound, "window not found")
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), cacheKey, found, statusCacheTTL)
	}
	h.respondJSON(w, http.StatusOK, found)
}

// submitConfirmationRequest is the inbound bank credit/debit notification
// shape spec.md §6 names. end_to_end_ref is optional: a confirmation that
// omits it falls through to high/medium tier matching on bank_reference
// plus amount/currency.
type submitConfirmationRequest struct {
	BankReference    string          `json:"bank_reference" validate:"required"`
	EndToEndRef      string          `json:"end_to_end_ref"`
	Amount           decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency         string          `json:"currency" validate:"required,len=3"`
	BookingTimestamp time.Time       `json:"booking_timestamp" validate:"required"`
	Indicator        string          `json:"credit_or_debit_indicator" validate:"required,oneof=credit debit"`
}

// SubmitConfirmation ingests one bank confirmation and runs the
// three-tier reconciliation match (spec.md §4.5).
func (h *GatewayHandler) SubmitConfirmation(w http.ResponseWriter, r *http.Request) {
	var req submitConfirmationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	amount, err := money.New(req.Amount, money.Currency(req.Currency))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid amount/currency")
		return
	}

	conf := &reconciliation.Confirmation{
		BankReference:    req.BankReference,
		Amount:           amount,
		BookingTimestamp: req.BookingTimestamp,
		Indicator:        reconciliation.CreditOrDebit(req.Indicator),
	}
	if req.EndToEndRef != "" {
		ref, err := identity.ParseEndToEndRef(req.EndToEndRef)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid end_to_end_ref")
			return
		}
		conf.EndToEndRef = &ref
	}

	tier, instructionID, err := h.matcher.Match(r.Context(), conf)
	if err != nil {
		switch err {
		case errors.ErrDuplicateConfirmation:
			h.respondError(w, http.StatusConflict, err.Error())
		case errors.ErrUnmatchedConfirmation, errors.ErrAmbiguousMatch:
			h.respondJSON(w, http.StatusAccepted, map[string]interface{}{"tier": tier, "matched_instruction_id": nil})
		default:
			h.logger.Error("confirmation matching failed", map[string]interface{}{"error": err.Error()})
			h.respondError(w, http.StatusInternalServerError, "confirmation matching failed")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tier": tier, "matched_instruction_id": instructionID})
}

func (h *GatewayHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (h *GatewayHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
