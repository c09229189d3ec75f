package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/testhelpers"
)

func newChangeLogMux(t *testing.T, svc *mockConsolidationService) *http.ServeMux {
	mux := http.NewServeMux()
	NewChangeLogHandler(svc, zap.NewNop()).RegisterRoutes(mux, testAuthMiddleware(t))
	return mux
}

func TestChangeLogHandler_ListPassesFilters(t *testing.T) {
	entityID := uuid.New()
	svc := &mockConsolidationService{entries: []*models.ChangeLogEntry{{ID: uuid.New(), Sequence: 7, ActionType: models.ActionMergeAccount}}}

	rec := doJSON(t, newChangeLogMux(t, svc), http.MethodGet,
		"/api/change-log?limit=5&action_type=merge_account&entity_type=account&entity_id="+entityID.String(),
		testhelpers.GenerateTestJWTWithBearer("viewer-1"), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, svc.filters.Limit)
	assert.Equal(t, models.ActionMergeAccount, svc.filters.ActionType)
	assert.Equal(t, "account", svc.filters.EntityType)
	require.NotNil(t, svc.filters.EntityID)
	assert.Equal(t, entityID, *svc.filters.EntityID)

	var resp struct {
		Data ChangeLogListResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, int64(7), resp.Data.Entries[0].Sequence)
}

func TestChangeLogHandler_EmptyListIsArray(t *testing.T) {
	rec := doJSON(t, newChangeLogMux(t, &mockConsolidationService{}), http.MethodGet, "/api/change-log",
		testhelpers.GenerateTestJWTWithBearer("viewer-1"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestChangeLogHandler_BadQuery(t *testing.T) {
	token := testhelpers.GenerateTestJWTWithBearer("viewer-1")
	mux := newChangeLogMux(t, &mockConsolidationService{})

	rec := doJSON(t, mux, http.MethodGet, "/api/change-log?entity_id=123", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_entity_id", decodeError(t, rec)["error"])

	rec = doJSON(t, mux, http.MethodGet, "/api/change-log?limit=ten", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decodeError(t, rec)["error"])
}
