package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// setupTestLogger creates a test logger with an observer to capture log entries.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	return zap.New(core), recorded
}

func decodeEvent(t *testing.T, entry observer.LoggedEntry) SecurityEvent {
	t.Helper()
	raw, ok := entry.ContextMap()["event_json"].(string)
	require.True(t, ok, "event_json field missing")
	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	return event
}

func TestNewSecurityAuditor(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)
	require.NotNil(t, auditor)

	auditor.LogAuthenticationFailure("10.0.0.1", "/api/change-log", "missing authorization")
	require.Equal(t, 1, recorded.Len())
	assert.Equal(t, "security_audit", recorded.All()[0].LoggerName)
}

func TestLogAuthenticationFailure(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	auditor.LogAuthenticationFailure("192.168.1.100", "/api/merges/execute", "token validation failed: token is expired")

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.WarnLevel, logs[0].Level)
	assert.Equal(t, "Authentication failed", logs[0].Message)

	event := decodeEvent(t, logs[0])
	assert.Equal(t, EventAuthenticationFailure, event.EventType)
	assert.Equal(t, "192.168.1.100", event.ClientIP)
	assert.Equal(t, "warning", event.Severity)
	assert.Empty(t, event.ActorID)
	assert.Nil(t, event.EntityID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestLogForbiddenMutation(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	actor := models.Actor{ID: "viewer@example.com", Source: models.SourceManual}
	locationID := uuid.New()
	ctx := WithClientIP(context.Background(), "10.1.2.3")

	auditor.LogForbiddenMutation(ctx, actor, "apply_fields", locationID)

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.WarnLevel, logs[0].Level)
	assert.Equal(t, "apply_fields", logs[0].ContextMap()["operation"])

	event := decodeEvent(t, logs[0])
	assert.Equal(t, EventForbiddenMutation, event.EventType)
	assert.Equal(t, "viewer@example.com", event.ActorID)
	assert.Equal(t, "manual", event.Source)
	assert.Equal(t, "10.1.2.3", event.ClientIP)
	require.NotNil(t, event.EntityID)
	assert.Equal(t, locationID, *event.EntityID)
}

func TestLogAdminMutation(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		wantIP string
	}{
		{"with client ip", WithClientIP(context.Background(), "172.16.0.9"), "172.16.0.9"},
		{"without client ip", context.Background(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, recorded := setupTestLogger(t)
			auditor := NewSecurityAuditor(logger)
			accountID := uuid.New()

			auditor.LogAdminMutation(tt.ctx, models.Actor{ID: "ops", Source: models.SourceCLI}, "execute_merge", accountID)

			logs := recorded.All()
			require.Len(t, logs, 1)
			assert.Equal(t, zapcore.InfoLevel, logs[0].Level)

			event := decodeEvent(t, logs[0])
			assert.Equal(t, EventAdminMutation, event.EventType)
			assert.Equal(t, "cli", event.Source)
			assert.Equal(t, tt.wantIP, event.ClientIP)
			assert.Equal(t, "info", event.Severity)
			assert.Equal(t, accountID, *event.EntityID)
		})
	}
}

func TestClientIPFromContext_Empty(t *testing.T) {
	assert.Equal(t, "", ClientIPFromContext(context.Background()))
}
