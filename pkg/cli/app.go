package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/config"
	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/events"
	"github.com/ekaya-inc/accounts-engine/pkg/logging"
	"github.com/ekaya-inc/accounts-engine/pkg/repositories"
	"github.com/ekaya-inc/accounts-engine/pkg/services"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *database.DB
	redis     *redis.Client
	publisher events.Publisher
}

// loadConfig reads configuration and builds the logger.
func loadConfig(version string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(version)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// connectDatabase opens the pgx pool described by cfg.
func connectDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	connStr := cfg.Database.ConnectionString()
	logger.Info("Connecting to database",
		zap.String("connection", logging.SanitizeConnectionString(connStr)))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
		LockTimeout:    cfg.Database.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %s", logging.SanitizeError(err))
	}
	return db, nil
}

// newApp loads configuration and connects every backing service. Redis and
// Kafka are optional and stay disabled when unconfigured.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, logger, err := loadConfig(version)
	if err != nil {
		return nil, err
	}

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}

	a.redis, err = database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.redis == nil {
		logger.Info("Plan cache disabled (no Redis host)")
	}

	a.publisher = events.NewPublisher(cfg.Kafka, logger)
	return a, nil
}

// migrate applies pending migrations.
func (a *app) migrate() error {
	sqlDB := a.db.SQLDB()
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, a.logger)
}

// consolidation wires repositories and services into the core facade.
func (a *app) consolidation() (services.ConsolidationService, services.ChangeLogService) {
	accounts := repositories.NewAccountRepository()
	locations := repositories.NewLocationRepository()
	agreements := repositories.NewAgreementRepository()
	history := repositories.NewHistoryRepository()
	candidates := repositories.NewCandidateRepository()

	ledger := services.NewChangeLogService(a.db, repositories.NewChangeLogRepository(), a.cfg.ChangeLog.DefaultLimit, a.logger)
	uow := services.NewUnitOfWork(a.db, ledger, a.publisher, services.RetryConfig(a.cfg.UnitOfWork), a.logger)

	planner := services.NewMergePlanner(a.db, accounts, locations, agreements, history, a.cfg.Matching, a.logger)
	executor := services.NewMergeExecutor(uow, accounts, locations, agreements, history, candidates, a.logger)
	patcher := services.NewFieldPatchService(uow, locations, candidates, a.logger)

	var plans services.PlanCache
	if a.redis != nil {
		plans = services.NewRedisPlanCache(a.redis, a.cfg.Redis.PlanTTL, a.logger)
	}

	return services.NewConsolidationService(planner, executor, patcher, ledger, plans, a.logger), ledger
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Failed to close change feed publisher", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
