package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/auth"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/services"
)

// ApplyFieldsRequest for POST /api/locations/{lid}/apply-fields
type ApplyFieldsRequest struct {
	ResultID string   `json:"result_id" validate:"required,uuid"`
	Fields   []string `json:"fields" validate:"required,min=1,dive,required"`
}

// LocationHandler serves location patching from scraped results.
type LocationHandler struct {
	service services.ConsolidationService
	logger  *zap.Logger
}

// NewLocationHandler creates a new location handler.
func NewLocationHandler(service services.ConsolidationService, logger *zap.Logger) *LocationHandler {
	return &LocationHandler{
		service: service,
		logger:  logger.Named("location-handler"),
	}
}

// RegisterRoutes registers the location routes on the given mux.
func (h *LocationHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/locations/{lid}/apply-fields", authMiddleware.RequireAuth(h.ApplyFields))
}

// ApplyFields handles POST /api/locations/{lid}/apply-fields
func (h *LocationHandler) ApplyFields(w http.ResponseWriter, r *http.Request) {
	locationID, ok := ParseLocationID(w, r, h.logger)
	if !ok {
		return
	}
	req, ok := decodeRequest[ApplyFieldsRequest](w, r, h.logger)
	if !ok {
		return
	}

	actor, _ := models.GetActor(r.Context())
	location, err := h.service.ApplyFields(r.Context(), actor, uuid.MustParse(req.ResultID), locationID, req.Fields)
	if err != nil {
		writeServiceError(w, h.logger, "apply_fields", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: location}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
