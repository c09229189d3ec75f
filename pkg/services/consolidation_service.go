package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/audit"
	"github.com/ekaya-inc/accounts-engine/pkg/metrics"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// ConsolidationService is the entry point for the consolidation core. Every
// method maps to exactly one core operation.
type ConsolidationService interface {
	// PlanMerge computes a plan and, when a plan cache is configured,
	// keeps it for later execution by id.
	PlanMerge(ctx context.Context, req models.PlanRequest) (*models.MergePlan, error)

	// GetPlan returns a cached plan.
	GetPlan(ctx context.Context, planID uuid.UUID) (*models.MergePlan, error)

	// ExecuteMerge applies a plan supplied by the caller.
	ExecuteMerge(ctx context.Context, actor models.Actor, plan *models.MergePlan) (*models.MergeResult, error)

	// ExecutePlan applies a cached plan.
	ExecutePlan(ctx context.Context, actor models.Actor, planID uuid.UUID) (*models.MergeResult, error)

	// ApplyFields patches selected location fields from a candidate record.
	ApplyFields(ctx context.Context, actor models.Actor, candidateID, locationID uuid.UUID, fields []string) (*models.Location, error)

	// GetChangeLog queries the ledger.
	GetChangeLog(ctx context.Context, filters models.ChangeLogFilters) ([]*models.ChangeLogEntry, error)
}

type consolidationService struct {
	planner  MergePlanner
	executor MergeExecutor
	patcher  FieldPatchService
	ledger   ChangeLogService
	plans    PlanCache
	auditor  *audit.SecurityAuditor
	logger   *zap.Logger
}

// NewConsolidationService wires the core components. plans may be nil, in
// which case plans can only be executed by value.
func NewConsolidationService(
	planner MergePlanner,
	executor MergeExecutor,
	patcher FieldPatchService,
	ledger ChangeLogService,
	plans PlanCache,
	logger *zap.Logger,
) ConsolidationService {
	return &consolidationService{
		planner:  planner,
		executor: executor,
		patcher:  patcher,
		ledger:   ledger,
		plans:    plans,
		auditor:  audit.NewSecurityAuditor(logger),
		logger:   logger.Named("consolidation"),
	}
}

var _ ConsolidationService = (*consolidationService)(nil)

func (s *consolidationService) PlanMerge(ctx context.Context, req models.PlanRequest) (plan *models.MergePlan, err error) {
	defer observe("plan_merge", time.Now(), &err)

	plan, err = s.planner.PlanMerge(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.plans != nil {
		if err := s.plans.Put(ctx, plan); err != nil {
			s.logger.Warn("Failed to cache merge plan (continuing)",
				zap.String("plan_id", plan.ID.String()),
				zap.Error(err))
		}
	}
	return plan, nil
}

func (s *consolidationService) GetPlan(ctx context.Context, planID uuid.UUID) (*models.MergePlan, error) {
	const op = "GetPlan"

	if s.plans == nil {
		return nil, apperrors.NotFound(op, "plan %s not found: plan cache is not configured, submit the plan itself", planID)
	}
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, apperrors.PartialFailure(op, err)
	}
	if plan == nil {
		return nil, apperrors.NotFound(op, "plan %s not found or expired", planID)
	}
	return plan, nil
}

func (s *consolidationService) ExecuteMerge(ctx context.Context, actor models.Actor, plan *models.MergePlan) (result *models.MergeResult, err error) {
	defer observe("execute_merge", time.Now(), &err)

	result, err = s.executor.ExecuteMerge(ctx, actor, plan)
	if err != nil {
		if plan != nil {
			s.auditRefusal(ctx, actor, "execute_merge", plan.DestinationID, err)
		}
		return nil, err
	}
	s.auditor.LogAdminMutation(ctx, actor, "execute_merge", result.DestinationID)
	s.forgetPlan(ctx, plan.ID)
	return result, nil
}

func (s *consolidationService) ExecutePlan(ctx context.Context, actor models.Actor, planID uuid.UUID) (*models.MergeResult, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return s.ExecuteMerge(ctx, actor, plan)
}

func (s *consolidationService) ApplyFields(ctx context.Context, actor models.Actor, candidateID, locationID uuid.UUID, fields []string) (location *models.Location, err error) {
	defer observe("apply_fields", time.Now(), &err)

	location, err = s.patcher.ApplyFields(ctx, actor, candidateID, locationID, fields)
	if err != nil {
		s.auditRefusal(ctx, actor, "apply_fields", locationID, err)
		return nil, err
	}
	s.auditor.LogAdminMutation(ctx, actor, "apply_fields", locationID)
	return location, nil
}

func (s *consolidationService) GetChangeLog(ctx context.Context, filters models.ChangeLogFilters) (entries []*models.ChangeLogEntry, err error) {
	defer observe("get_change_log", time.Now(), &err)
	return s.ledger.Query(ctx, filters)
}

func (s *consolidationService) auditRefusal(ctx context.Context, actor models.Actor, op string, entityID uuid.UUID, err error) {
	if errors.Is(err, apperrors.ErrForbidden) {
		s.auditor.LogForbiddenMutation(ctx, actor, op, entityID)
	}
}

func (s *consolidationService) forgetPlan(ctx context.Context, planID uuid.UUID) {
	if s.plans == nil {
		return
	}
	if err := s.plans.Delete(ctx, planID); err != nil {
		s.logger.Warn("Failed to evict executed plan", zap.String("plan_id", planID.String()), zap.Error(err))
	}
}

func observe(operation string, start time.Time, err *error) {
	metrics.RecordOperation(operation, Outcome(*err), time.Since(start).Seconds())
}

// Outcome labels an operation result by its error kind.
func Outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return "validation"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperrors.ErrAuditWriteFailure):
		return "audit_write_failure"
	case errors.Is(err, apperrors.ErrPartialFailure):
		return "partial_failure"
	default:
		return metrics.OutcomeError
	}
}
