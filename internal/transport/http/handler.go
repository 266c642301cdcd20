package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/service"
)

type Handler struct {
	svc service.LedgerService
}

func NewHandler(svc service.LedgerService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /accounts", h.CreateAccount)
	mux.HandleFunc("DELETE /accounts/{id}", h.CloseAccount)
	mux.HandleFunc("GET /accounts/{id}/balance", h.Balance)
	mux.HandleFunc("GET /accounts/{id}/entries", h.Entries)
	mux.HandleFunc("POST /credit", h.Credit)
	mux.HandleFunc("POST /debit", h.Debit)
	mux.HandleFunc("POST /transfer", h.Transfer)
	mux.HandleFunc("POST /adjust", h.Adjust)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string `json:"account_id"`
		InitialGrant int64  `json:"initial_grant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	acct, err := h.svc.CreateAccount(r.Context(), req.ID, req.InitialGrant)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, acct)
}

func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseAccount(r.Context(), r.PathValue("id")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.Balance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int64{"balance": bal})
}

func (h *Handler) Entries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Entries(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req model.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.Credit(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var req model.DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.Debit(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req model.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.Transfer(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req model.AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.Adjust(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// respondServiceError maps the ledger error taxonomy to status codes.
// InsufficientFunds carries the shortfall so the caller can prompt a
// purchase; unexpected errors surface as a generic try-again with the
// detail logged for diagnosis.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "insufficient_funds",
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"shortfall": insufficient.Required - insufficient.Available,
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		h.respondError(w, http.StatusUnprocessableEntity, "insufficient_funds")
	case errors.Is(err, ledger.ErrAccountNotFound):
		h.respondError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, ledger.ErrAccountExists):
		h.respondError(w, http.StatusConflict, "account_exists")
	case errors.Is(err, ledger.ErrAccountClosed):
		h.respondError(w, http.StatusConflict, "account_closed")
	case errors.Is(err, ledger.ErrInvalidArgument):
		h.respondError(w, http.StatusBadRequest, "invalid_argument")
	case errors.Is(err, ledger.ErrLockTimeout):
		h.respondError(w, http.StatusServiceUnavailable, "busy_try_again")
	default:
		slog.Error("ledger request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error_try_again")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
