package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"tollgate/internal/domain"
	"tollgate/internal/httputil"
)

// handleError converts domain errors to HTTP responses
func handleError(w http.ResponseWriter, err error) {
	var (
		conflictErr *domain.ConflictError
		balanceErr  *domain.InsufficientBalanceError
		upstreamErr *domain.UpstreamError
	)

	switch {
	case errors.As(err, &balanceErr):
		httputil.RespondErrorWithExtras(w, http.StatusPaymentRequired, balanceErr.Error(), map[string]interface{}{
			"required":  balanceErr.Required,
			"available": balanceErr.Available,
			"currency":  balanceErr.Currency,
		})
	case errors.As(err, &upstreamErr):
		httputil.RespondErrorWithExtras(w, http.StatusBadGateway, upstreamErr.Error(), map[string]interface{}{
			"upstream_status": upstreamErr.Status,
		})
	case errors.Is(err, domain.ErrValidation):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httputil.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		httputil.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		httputil.RespondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &conflictErr):
		httputil.RespondErrorWithExtras(w, http.StatusConflict, conflictErr.Error(), map[string]interface{}{
			"resource_type": conflictErr.ResourceType,
			"resource_id":   conflictErr.ResourceID,
		})
	default:
		slog.Error("unhandled error", "error", err)
		httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}
