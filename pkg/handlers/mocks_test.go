package handlers

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/auth"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/services"
)

// mockConsolidationService records calls and returns canned results.
type mockConsolidationService struct {
	plan    *models.MergePlan
	result  *models.MergeResult
	loc     *models.Location
	entries []*models.ChangeLogEntry
	err     error

	planReq     models.PlanRequest
	actor       models.Actor
	executed    *models.MergePlan
	executedID  uuid.UUID
	candidateID uuid.UUID
	locationID  uuid.UUID
	fields      []string
	filters     models.ChangeLogFilters
}

var _ services.ConsolidationService = (*mockConsolidationService)(nil)

func (m *mockConsolidationService) PlanMerge(ctx context.Context, req models.PlanRequest) (*models.MergePlan, error) {
	m.planReq = req
	return m.plan, m.err
}

func (m *mockConsolidationService) GetPlan(ctx context.Context, planID uuid.UUID) (*models.MergePlan, error) {
	m.executedID = planID
	return m.plan, m.err
}

func (m *mockConsolidationService) ExecuteMerge(ctx context.Context, actor models.Actor, plan *models.MergePlan) (*models.MergeResult, error) {
	m.actor = actor
	m.executed = plan
	return m.result, m.err
}

func (m *mockConsolidationService) ExecutePlan(ctx context.Context, actor models.Actor, planID uuid.UUID) (*models.MergeResult, error) {
	m.actor = actor
	m.executedID = planID
	return m.result, m.err
}

func (m *mockConsolidationService) ApplyFields(ctx context.Context, actor models.Actor, candidateID, locationID uuid.UUID, fields []string) (*models.Location, error) {
	m.actor = actor
	m.candidateID = candidateID
	m.locationID = locationID
	m.fields = fields
	return m.loc, m.err
}

func (m *mockConsolidationService) GetChangeLog(ctx context.Context, filters models.ChangeLogFilters) ([]*models.ChangeLogEntry, error) {
	m.filters = filters
	return m.entries, m.err
}

// testAuthMiddleware accepts unsigned tokens; "admin" is the admin role.
func testAuthMiddleware(t *testing.T) *auth.Middleware {
	t.Helper()
	client, err := auth.NewJWKSClient(t.Context(), &auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)
	return auth.NewMiddleware(auth.NewAuthService(client, "admin", zap.NewNop()), zap.NewNop())
}
