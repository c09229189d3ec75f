package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/auth"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/services"
)

// PlanMergeRequest for POST /api/merges/plan
type PlanMergeRequest struct {
	SourceID      string            `json:"source_id" validate:"required,uuid"`
	DestinationID string            `json:"destination_id" validate:"required,uuid"`
	Kind          string            `json:"kind" validate:"required,oneof=account location"`
	Resolutions   map[string]string `json:"resolutions,omitempty"`
}

// ExecuteMergeRequest for POST /api/merges/execute. Exactly one of PlanID
// (a cached plan) or Plan (a full plan) is set.
type ExecuteMergeRequest struct {
	PlanID string            `json:"plan_id,omitempty" validate:"omitempty,uuid"`
	Plan   *models.MergePlan `json:"plan,omitempty"`
}

// MergeHandler serves merge planning and execution.
type MergeHandler struct {
	service services.ConsolidationService
	logger  *zap.Logger
}

// NewMergeHandler creates a new merge handler.
func NewMergeHandler(service services.ConsolidationService, logger *zap.Logger) *MergeHandler {
	return &MergeHandler{
		service: service,
		logger:  logger.Named("merge-handler"),
	}
}

// RegisterRoutes registers the merge routes on the given mux.
func (h *MergeHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/merges/plan", authMiddleware.RequireAuth(h.Plan))
	mux.HandleFunc("GET /api/merges/plans/{plan_id}", authMiddleware.RequireAuth(h.GetPlan))
	mux.HandleFunc("POST /api/merges/execute", authMiddleware.RequireAuth(h.Execute))
}

// Plan handles POST /api/merges/plan
func (h *MergeHandler) Plan(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest[PlanMergeRequest](w, r, h.logger)
	if !ok {
		return
	}

	plan, err := h.service.PlanMerge(r.Context(), models.PlanRequest{
		SourceID:      uuid.MustParse(req.SourceID),
		DestinationID: uuid.MustParse(req.DestinationID),
		Kind:          models.MergeKind(req.Kind),
		Resolutions:   req.Resolutions,
	})
	if err != nil {
		writeServiceError(w, h.logger, "plan_merge", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: plan}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetPlan handles GET /api/merges/plans/{plan_id}
func (h *MergeHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := ParsePlanID(w, r, h.logger)
	if !ok {
		return
	}

	plan, err := h.service.GetPlan(r.Context(), planID)
	if err != nil {
		writeServiceError(w, h.logger, "get_plan", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: plan}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Execute handles POST /api/merges/execute
func (h *MergeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest[ExecuteMergeRequest](w, r, h.logger)
	if !ok {
		return
	}
	if (req.PlanID == "") == (req.Plan == nil) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Exactly one of plan_id or plan is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	actor, _ := models.GetActor(r.Context())

	var result *models.MergeResult
	var err error
	if req.Plan != nil {
		result, err = h.service.ExecuteMerge(r.Context(), actor, req.Plan)
	} else {
		result, err = h.service.ExecutePlan(r.Context(), actor, uuid.MustParse(req.PlanID))
	}
	if err != nil {
		writeServiceError(w, h.logger, "execute_merge", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
