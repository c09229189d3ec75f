package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/repositories"
	"github.com/ekaya-inc/accounts-engine/pkg/tracing"
)

// ChangeLogService is the append-only ledger of mutations. There is no
// update or delete operation.
type ChangeLogService interface {
	// Record appends one entry on the caller's querier, normally the
	// transaction of the mutation being described. Any failure is returned
	// as an audit write failure so the enclosing transaction rolls back.
	Record(ctx context.Context, q database.Querier, actor models.Actor, draft *models.ChangeLogDraft) (*models.ChangeLogEntry, error)

	// Query returns entries matching the filters, newest first.
	Query(ctx context.Context, filters models.ChangeLogFilters) ([]*models.ChangeLogEntry, error)
}

type changeLogService struct {
	reader       database.Querier
	repo         repositories.ChangeLogRepository
	defaultLimit int
	logger       *zap.Logger
}

// NewChangeLogService creates a ledger service. Queries run on reader.
func NewChangeLogService(reader database.Querier, repo repositories.ChangeLogRepository, defaultLimit int, logger *zap.Logger) ChangeLogService {
	return &changeLogService{
		reader:       reader,
		repo:         repo,
		defaultLimit: defaultLimit,
		logger:       logger.Named("change-log"),
	}
}

var _ ChangeLogService = (*changeLogService)(nil)

func (s *changeLogService) Record(ctx context.Context, q database.Querier, actor models.Actor, draft *models.ChangeLogDraft) (*models.ChangeLogEntry, error) {
	const op = "ChangeLog.Record"

	if err := validateDraft(actor, draft); err != nil {
		return nil, apperrors.AuditWriteFailure(op, err)
	}

	entry := &models.ChangeLogEntry{
		ID:          uuid.New(),
		ActionType:  draft.Details.Action(),
		EntityType:  draft.EntityType,
		EntityID:    draft.EntityID,
		EntityName:  draft.EntityName,
		ActorID:     actor.ID,
		Description: draft.Description,
		Details:     draft.Details,
		RelatedIDs:  draft.RelatedIDs,
	}

	if err := s.repo.Insert(ctx, q, entry); err != nil {
		s.logger.Error("Failed to write change log entry",
			zap.String("action_type", entry.ActionType.String()),
			zap.String("entity_id", entry.EntityID.String()),
			zap.Error(err))
		return nil, apperrors.AuditWriteFailure(op, err)
	}

	s.logger.Debug("Recorded change log entry",
		zap.Int64("sequence", entry.Sequence),
		zap.String("action_type", entry.ActionType.String()),
		zap.String("entity_id", entry.EntityID.String()))
	return entry, nil
}

func validateDraft(actor models.Actor, draft *models.ChangeLogDraft) error {
	switch {
	case draft == nil:
		return errors.New("missing change log draft")
	case draft.Details == nil:
		return errors.New("missing change details")
	case !draft.Details.Action().IsValid():
		return fmt.Errorf("unknown action type %q", draft.Details.Action())
	case draft.EntityType == "" || draft.EntityID == uuid.Nil:
		return errors.New("missing entity reference")
	case actor.ID == "":
		return errors.New("missing actor id")
	}
	return nil
}

func (s *changeLogService) Query(ctx context.Context, filters models.ChangeLogFilters) (entries []*models.ChangeLogEntry, err error) {
	const op = "GetChangeLog"

	ctx, span := tracing.StartSpan(ctx, "services.ChangeLog.Query",
		attribute.String("action_type", filters.ActionType.String()),
		attribute.String("entity_type", filters.EntityType))
	defer func() { tracing.End(span, err) }()

	if filters.ActionType != "" && !filters.ActionType.IsValid() {
		return nil, apperrors.Validation(op, "unknown action type %q", filters.ActionType)
	}
	if filters.Limit < 0 {
		return nil, apperrors.Validation(op, "limit must not be negative")
	}
	if filters.Limit == 0 && s.defaultLimit > 0 {
		filters.Limit = s.defaultLimit
	}

	entries, err = s.repo.List(ctx, s.reader, filters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}
