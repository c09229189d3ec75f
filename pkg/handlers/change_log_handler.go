package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/auth"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/services"
)

// ChangeLogListResponse for GET /api/change-log
type ChangeLogListResponse struct {
	Entries []*models.ChangeLogEntry `json:"entries"`
	Total   int                      `json:"total"`
}

// ChangeLogHandler serves change log queries.
type ChangeLogHandler struct {
	service services.ConsolidationService
	logger  *zap.Logger
}

// NewChangeLogHandler creates a new change log handler.
func NewChangeLogHandler(service services.ConsolidationService, logger *zap.Logger) *ChangeLogHandler {
	return &ChangeLogHandler{
		service: service,
		logger:  logger.Named("change-log-handler"),
	}
}

// RegisterRoutes registers the change log routes on the given mux.
func (h *ChangeLogHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/change-log", authMiddleware.RequireAuth(h.List))
}

// List handles GET /api/change-log?limit&action_type&entity_type&entity_id
func (h *ChangeLogHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filters := models.ChangeLogFilters{
		ActionType: models.ActionType(query.Get("action_type")),
		EntityType: query.Get("entity_type"),
	}

	if raw := query.Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_entity_id", "Invalid entity ID format"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		filters.EntityID = &id
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "Limit must be an integer"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		filters.Limit = limit
	}

	entries, err := h.service.GetChangeLog(r.Context(), filters)
	if err != nil {
		writeServiceError(w, h.logger, "get_change_log", err)
		return
	}
	if entries == nil {
		entries = []*models.ChangeLogEntry{}
	}

	response := ChangeLogListResponse{Entries: entries, Total: len(entries)}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
