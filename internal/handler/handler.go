package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/honeynil/sms-billing/internal/infrastructure/auth"
	"github.com/honeynil/sms-billing/internal/models"
	service "github.com/honeynil/sms-billing/internal/services"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
)

type Handler struct {
	service service.BillingService
}

func NewHandler(s service.BillingService) *Handler {
	return &Handler{service: s}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, envelope{Error: err.Error()})
}

// fail maps a service error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkgerrors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, pkgerrors.ErrTransactionNotFound),
		errors.Is(err, pkgerrors.ErrPurchaseNotFound),
		errors.Is(err, pkgerrors.ErrBalanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, pkgerrors.ErrDuplicateReference):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		err = pkgerrors.ErrInternal
	}
	h.writeError(w, status, err)
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/pricing/quote", h.QuotePrice).Methods("GET")
	r.HandleFunc("/packages", h.ListPackages).Methods("GET")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/purchases", h.InitiatePurchase).Methods("POST")
	r.HandleFunc("/transactions/sync", h.SyncPendingTransactions).Methods("POST")
	r.HandleFunc("/transactions/{id}/progress", h.GetTransactionProgress).Methods("GET")
	r.HandleFunc("/transactions/{id}/cancel", h.CancelTransaction).Methods("POST")
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/usage", h.ConsumeCredits).Methods("POST")
}

func (h *Handler) QuotePrice(w http.ResponseWriter, r *http.Request) {
	credits, err := strconv.ParseInt(r.URL.Query().Get("credits"), 10, 64)
	if err != nil {
		h.fail(w, r, pkgerrors.ErrInvalidQuantity)
		return
	}
	q, err := h.service.QuotePrice(r.Context(), credits)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: q})
}

type packageView struct {
	models.Package
	Savings decimal.Decimal `json:"savings_percentage"`
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.service.ListPackages(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]packageView, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, packageView{Package: p, Savings: p.Savings()})
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func (h *Handler) InitiatePurchase(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("tenant not authenticated"))
		return
	}

	var req service.InitiatePurchaseInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.service.InitiatePurchase(r.Context(), tenantID, req)
	if err != nil {
		if res != nil && errors.Is(err, pkgerrors.ErrGatewayUnavailable) {
			h.writeJSON(w, http.StatusBadGateway, envelope{Data: res, Message: res.Message, Error: err.Error()})
			return
		}
		h.fail(w, r, err)
		return
	}
	if !res.Accepted {
		h.writeJSON(w, http.StatusOK, envelope{Data: res, Message: res.Message})
		return
	}
	h.writeJSON(w, http.StatusCreated, envelope{Success: true, Data: res, Message: "Payment initiated. Confirm the prompt on your phone."})
}

func (h *Handler) GetTransactionProgress(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("tenant not authenticated"))
		return
	}
	p, err := h.service.GetTransactionProgress(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: p})
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("tenant not authenticated"))
		return
	}
	tx, err := h.service.CancelTransaction(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: tx, Message: "Transaction cancelled"})
}

func (h *Handler) SyncPendingTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("tenant not authenticated"))
		return
	}
	sum, err := h.service.SyncPendingTransactions(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: sum})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("tenant not authenticated"))
		return
	}
	b, err := h.service.GetBalance(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: b})
}

func (h *Handler) ConsumeCredits(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("tenant not authenticated"))
		return
	}
	var req struct {
		Credits   int64  `json:"credits"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := h.service.ConsumeCredits(r.Context(), tenantID, req.Credits, req.Reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: b})
}
