/**
 * @description
 * This file defines the HTTP handlers for the linked-account-service's API
 * endpoints. Handlers are responsible for parsing requests, calling the
 * appropriate service method, and writing the response.
 *
 * @dependencies
 * - Chi router for URL parameter handling.
 * - The service's internal packages for app logic and middleware.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/linked-account-service/internal/app"
	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/pkg/middleware"
)

const (
	maxBodyBytes             = 1 << 20
	defaultSecurityEventPage = 20
	maxSecurityEventPage     = 100
)

// SecurityEventReader lists a user's recent security events.
type SecurityEventReader interface {
	ListRecentSecurityEvents(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error)
}

// Handler holds the dependencies for the API handlers.
type Handler struct {
	accounts      *app.AccountService
	verifications *app.VerificationService
	events        SecurityEventReader
	logger        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(accounts *app.AccountService, verifications *app.VerificationService, events SecurityEventReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accounts:      accounts,
		verifications: verifications,
		events:        events,
		logger:        logger.With("component", "api"),
	}
}

// AccountRequest defines the JSON body for creating or patching a linked
// account. The primary and verified flags are not accepted.
type AccountRequest struct {
	BankName          *string `json:"bank_name"`
	Country           *string `json:"bank_country"`
	Currency          *string `json:"bank_currency"`
	AccountHolderName *string `json:"account_holder_name"`
	AccountNumber     *string `json:"account_number"`
	RoutingNumber     *string `json:"routing_number"`
	SwiftCode         *string `json:"swift_code"`
	IBAN              *string `json:"iban"`
	AccountType       *string `json:"account_type"`
}

func (req AccountRequest) fields() domain.AccountFields {
	f := domain.AccountFields{
		BankName:          req.BankName,
		Country:           req.Country,
		Currency:          req.Currency,
		AccountHolderName: req.AccountHolderName,
		AccountNumber:     req.AccountNumber,
		RoutingNumber:     req.RoutingNumber,
		SwiftCode:         req.SwiftCode,
		IBAN:              req.IBAN,
	}
	if req.AccountType != nil {
		t := domain.AccountType(*req.AccountType)
		f.Type = &t
	}
	return f
}

// AccountResponse is the caller view of a linked account. The full account
// number and IBAN are never returned.
type AccountResponse struct {
	*domain.BankAccount
	AccountNumberMasked string `json:"account_number_masked"`
	AccountNumberLast4  string `json:"account_number_last4"`
	IBANMasked          string `json:"iban_masked,omitempty"`
}

func toAccountResponse(a *domain.BankAccount) AccountResponse {
	resp := AccountResponse{
		BankAccount:         a,
		AccountNumberMasked: a.MaskedAccountNumber(),
		AccountNumberLast4:  a.Last4(),
	}
	if a.IBAN != nil && len(*a.IBAN) > 6 {
		iban := *a.IBAN
		resp.IBANMasked = iban[:2] + strings.Repeat("*", len(iban)-6) + iban[len(iban)-4:]
	}
	return resp
}

// SubmitVerificationRequest carries the two guessed amounts as decimal
// strings ("0.37") or JSON numbers.
type SubmitVerificationRequest struct {
	Amount1 json.Number `json:"amount_1"`
	Amount2 json.Number `json:"amount_2"`
}

// AttemptResponse is one ledger entry with amounts rendered in the account currency.
type AttemptResponse struct {
	ID            string `json:"id"`
	AttemptNumber int    `json:"attempt_number"`
	Amount1       string `json:"amount_1"`
	Amount2       string `json:"amount_2"`
	CreatedAt     string `json:"created_at"`
}

// ListAccounts handles listing all linked accounts of the authenticated user.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for i := range accounts {
		resp = append(resp, toAccountResponse(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": resp})
}

// CreateAccount handles linking a new bank account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req AccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), userID, req.fields())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

// GetAccount handles fetching one linked account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	account, err := h.accounts.GetAccount(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// UpdateAccount handles a partial update of a linked account.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req AccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accounts.UpdateAccount(r.Context(), userID, chi.URLParam(r, "id"), req.fields())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// DeleteAccount handles unlinking an account.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if err := h.accounts.DeleteAccount(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPrimaryAccount handles designating the primary account.
func (h *Handler) SetPrimaryAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	account, err := h.accounts.SetPrimaryAccount(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// InitiateVerification handles starting a micro-deposit verification.
func (h *Handler) InitiateVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.verifications.InitiateVerification(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetVerificationStatus handles fetching the latest verification of an account.
func (h *Handler) GetVerificationStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	summary, err := h.verifications.GetVerificationStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verification": summary})
}

// SubmitVerification handles a guess of the two deposit amounts.
func (h *Handler) SubmitVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req SubmitVerificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.verifications.SubmitVerificationAmounts(r.Context(), userID, chi.URLParam(r, "id"), req.Amount1.String(), req.Amount2.String())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListVerificationAttempts handles reading the attempt ledger.
func (h *Handler) ListVerificationAttempts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	ledger, err := h.verifications.ListAttempts(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	attempts := make([]AttemptResponse, 0, len(ledger.Attempts))
	for _, a := range ledger.Attempts {
		attempts = append(attempts, AttemptResponse{
			ID:            a.ID,
			AttemptNumber: a.AttemptNumber,
			Amount1:       domain.FormatMinorUnits(a.Amount1, ledger.Currency),
			Amount2:       domain.FormatMinorUnits(a.Amount2, ledger.Currency),
			CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verification_id": ledger.VerificationID,
		"currency":        ledger.Currency,
		"attempts":        attempts,
	})
}

// ListSecurityEvents handles listing the caller's recent security events.
func (h *Handler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit := defaultSecurityEventPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, h.logger, domain.NewValidationError("limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxSecurityEventPage)
	}

	events, err := h.events.ListRecentSecurityEvents(r.Context(), userID, limit)
	if err != nil {
		writeError(w, h.logger, domain.NewInfrastructureError("list security events", err))
		return
	}
	if events == nil {
		events = []domain.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListBanks handles listing supported banks, optionally for one region.
func (h *Handler) ListBanks(w http.ResponseWriter, r *http.Request) {
	region := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("region")))
	switch region {
	case "", domain.RegionUS, domain.RegionUK, domain.RegionEU:
	default:
		writeError(w, h.logger, domain.NewValidationError("region", "region must be one of US, UK, EU"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": domain.SupportedBanks(region)})
}

// ListCurrencies handles listing supported settlement currencies.
func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"currencies": domain.SupportedCurrencies()})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserIDFromContext(r.Context())
	if userID == "" {
		writeMessage(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, h.logger, domain.NewValidationError("body", "request body is required"))
			return false
		}
		writeError(w, h.logger, domain.NewValidationError("body", "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; nothing more can be reported to the client.
		slog.Default().Error("failed to encode response", "error", err)
	}
}
