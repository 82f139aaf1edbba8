package handler

import (
	"log/slog"
	"net/http"

	"tollgate/internal/config"
	billingSvc "tollgate/internal/domain/services/billing"
	"tollgate/internal/httputil"
)

// BillingHandler exposes the caller's balance and charge ledger
type BillingHandler struct {
	balanceService billingSvc.BalanceService
	logger         *slog.Logger
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(balanceService billingSvc.BalanceService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{balanceService: balanceService, logger: logger}
}

// GetBalance returns the caller's prepaid balance
// GET /api/users/me/balance
func (h *BillingHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.balanceService.GetBalance(r.Context(), httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, balance)
}

// ListCharges returns the caller's most recent charges
// GET /api/users/me/charges?limit=50
func (h *BillingHandler) ListCharges(w http.ResponseWriter, r *http.Request) {
	limit := QueryInt(r, "limit", config.DefaultPageSize, 1, config.MaxPageSize)

	charges, err := h.balanceService.ListCharges(r.Context(), httputil.GetUserID(r), limit)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, charges)
}
