package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperrors.Validation("op", "x"), http.StatusBadRequest},
		{apperrors.NotFound("op", "x"), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", apperrors.Conflict("op", "x")), http.StatusConflict},
		{apperrors.Forbidden("op", "x"), http.StatusForbidden},
		{apperrors.AuditWriteFailure("op", errors.New("x")), http.StatusServiceUnavailable},
		{apperrors.PartialFailure("op", errors.New("x")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := StatusForError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestWriteJSON_SetsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	assert.NoError(t, WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1}))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
}
