package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/metrics"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

const planKeyPrefix = "accounts:merge-plan:"

// PlanCache keeps computed plans so a caller can review a plan and execute
// it later by id.
type PlanCache interface {
	Put(ctx context.Context, plan *models.MergePlan) error
	// Get returns nil, nil when the plan is unknown or expired.
	Get(ctx context.Context, id uuid.UUID) (*models.MergePlan, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type redisPlanCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPlanCache creates a PlanCache storing JSON plans with a TTL.
func NewRedisPlanCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) PlanCache {
	return &redisPlanCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("plan-cache"),
	}
}

var _ PlanCache = (*redisPlanCache)(nil)

func planKey(id uuid.UUID) string {
	return planKeyPrefix + id.String()
}

func (c *redisPlanCache) Put(ctx context.Context, plan *models.MergePlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := c.client.Set(ctx, planKey(plan.ID), data, c.ttl).Err(); err != nil {
		metrics.PlanCacheOperations.WithLabelValues("put", metrics.OutcomeError).Inc()
		return fmt.Errorf("failed to cache plan %s: %w", plan.ID, err)
	}
	metrics.PlanCacheOperations.WithLabelValues("put", metrics.OutcomeSuccess).Inc()
	return nil
}

func (c *redisPlanCache) Get(ctx context.Context, id uuid.UUID) (*models.MergePlan, error) {
	data, err := c.client.Get(ctx, planKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.PlanCacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.PlanCacheOperations.WithLabelValues("get", metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to read plan %s: %w", id, err)
	}

	var plan models.MergePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		c.logger.Warn("Discarding undecodable cached plan", zap.String("plan_id", id.String()), zap.Error(err))
		metrics.PlanCacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	metrics.PlanCacheOperations.WithLabelValues("get", "hit").Inc()
	return &plan, nil
}

func (c *redisPlanCache) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.client.Del(ctx, planKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete plan %s: %w", id, err)
	}
	return nil
}
