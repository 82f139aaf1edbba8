package handler

import (
	"log/slog"
	"net/http"

	"tollgate/internal/capabilities"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/httputil"
)

// ModelsHandler serves the model catalog and live price quotes
type ModelsHandler struct {
	catalog *capabilities.Registry
	oracle  llmSvc.PricingOracle
	logger  *slog.Logger
}

// NewModelsHandler creates a new models handler
func NewModelsHandler(catalog *capabilities.Registry, oracle llmSvc.PricingOracle, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{catalog: catalog, oracle: oracle, logger: logger}
}

// ListModels returns the static model catalog
// GET /api/models
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, h.catalog.ListModels())
}

// GetQuote returns the current price and exchange rate for a model.
// Model ids contain slashes, so the id is the rest of the path.
// GET /api/quotes/{model...}
func (h *ModelsHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	model, ok := PathParam(w, r, "model", "Model")
	if !ok {
		return
	}

	quote, err := h.oracle.Quote(r.Context(), model)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, quote)
}
