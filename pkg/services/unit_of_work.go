package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/config"
	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/events"
	"github.com/ekaya-inc/accounts-engine/pkg/metrics"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/retry"
	"github.com/ekaya-inc/accounts-engine/pkg/tracing"
)

const publishTimeout = 5 * time.Second

// MutationFunc performs the mutation on the transaction and describes it.
// Returning an error rolls back everything the function wrote.
type MutationFunc func(ctx context.Context, q database.Querier) (*models.ChangeLogDraft, error)

// UnitOfWork runs one mutation and its change log entry in a single
// transaction.
type UnitOfWork interface {
	// Run executes fn in a transaction, records the entry it describes in the
	// same transaction, commits, and publishes the committed entry. Transient
	// database failures restart the whole unit in a fresh transaction.
	Run(ctx context.Context, actor models.Actor, op string, fn MutationFunc) (*models.ChangeLogEntry, error)
}

type unitOfWork struct {
	tx        database.Transactor
	ledger    ChangeLogService
	publisher events.Publisher
	retry     *retry.Config
	logger    *zap.Logger
}

// NewUnitOfWork creates a UnitOfWork. A nil retry config uses retry.DefaultConfig.
func NewUnitOfWork(tx database.Transactor, ledger ChangeLogService, publisher events.Publisher, retryCfg *retry.Config, logger *zap.Logger) UnitOfWork {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	return &unitOfWork{
		tx:        tx,
		ledger:    ledger,
		publisher: publisher,
		retry:     retryCfg,
		logger:    logger.Named("unit-of-work"),
	}
}

var _ UnitOfWork = (*unitOfWork)(nil)

// RetryConfig builds the transaction retry policy from configuration.
func RetryConfig(cfg config.UnitOfWorkConfig) *retry.Config {
	rc := retry.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		rc.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxDelay = cfg.MaxBackoff
	}
	return rc
}

func (u *unitOfWork) Run(ctx context.Context, actor models.Actor, op string, fn MutationFunc) (entry *models.ChangeLogEntry, err error) {
	ctx, span := tracing.StartSpan(ctx, "services.UnitOfWork.Run",
		attribute.String("operation", op),
		attribute.String("actor_id", actor.ID))
	defer func() { tracing.End(span, err) }()

	attempt := 0
	err = retry.DoWhen(ctx, u.retry, database.IsTransient, func() error {
		attempt++
		if attempt > 1 {
			metrics.UnitOfWorkRetries.WithLabelValues(op).Inc()
			u.logger.Warn("Retrying unit of work after transient database error",
				zap.String("operation", op),
				zap.Int("attempt", attempt))
		}

		return u.tx.InTx(ctx, func(q database.Querier) error {
			draft, err := fn(ctx, q)
			if err != nil {
				return err
			}
			if draft == nil {
				return errors.New("mutation produced no change log draft")
			}
			recorded, err := u.ledger.Record(ctx, q, actor, draft)
			if err != nil {
				return err
			}
			entry = recorded
			return nil
		})
	})
	if err != nil {
		return nil, classifyMutationError(op, err)
	}

	metrics.ChangeLogEntriesTotal.WithLabelValues(entry.ActionType.String()).Inc()
	u.publish(ctx, entry)
	return entry, nil
}

// publish is best effort; the entry is already committed.
func (u *unitOfWork) publish(ctx context.Context, entry *models.ChangeLogEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := u.publisher.PublishChange(ctx, entry); err != nil {
		u.logger.Warn("Change feed publish failed (entry is committed)",
			zap.Int64("sequence", entry.Sequence),
			zap.String("action_type", entry.ActionType.String()),
			zap.Error(err))
	}
}

// classifyMutationError keeps taxonomy errors and turns anything else into
// a partial failure: the transaction was rolled back and nothing persisted.
func classifyMutationError(op string, err error) error {
	if apperrors.IsClassified(err) {
		return err
	}
	return apperrors.PartialFailure(op, err)
}
