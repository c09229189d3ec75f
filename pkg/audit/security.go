// Package audit provides security audit logging for SIEM consumption.
// Events are written as structured JSON through a dedicated logger namespace
// so they can be filtered apart from application logs. This is separate from
// the change log, which records what changed; security events record who was
// refused and who exercised admin rights.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAuthenticationFailure is logged when a request carries no usable token.
	EventAuthenticationFailure SecurityEventType = "authentication_failure"
	// EventForbiddenMutation is logged when an actor without the admin
	// capability attempts a merge or field patch.
	EventForbiddenMutation SecurityEventType = "forbidden_mutation"
	// EventAdminMutation is logged for every committed admin mutation.
	EventAdminMutation SecurityEventType = "admin_mutation"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	ActorID   string            `json:"actor_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Operation string            `json:"operation,omitempty"`
	EntityID  *uuid.UUID        `json:"entity_id,omitempty"`
	Details   any               `json:"details,omitempty"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor under the "security_audit" logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogAuthenticationFailure records a rejected request. reason must not
// contain the token itself.
func (a *SecurityAuditor) LogAuthenticationFailure(clientIP, path, reason string) {
	a.emit(zapcore.WarnLevel, "Authentication failed", SecurityEvent{
		EventType: EventAuthenticationFailure,
		ClientIP:  clientIP,
		Details:   map[string]string{"path": path, "reason": reason},
		Severity:  "warning",
	})
}

// LogForbiddenMutation records an admin operation refused for lack of the
// admin capability. The client IP is taken from ctx when present.
func (a *SecurityAuditor) LogForbiddenMutation(ctx context.Context, actor models.Actor, operation string, entityID uuid.UUID) {
	a.emit(zapcore.WarnLevel, "Admin mutation refused", SecurityEvent{
		EventType: EventForbiddenMutation,
		ActorID:   actor.ID,
		Source:    actor.Source.String(),
		ClientIP:  ClientIPFromContext(ctx),
		Operation: operation,
		EntityID:  &entityID,
		Severity:  "warning",
	})
}

// LogAdminMutation records a committed admin operation on entityID.
func (a *SecurityAuditor) LogAdminMutation(ctx context.Context, actor models.Actor, operation string, entityID uuid.UUID) {
	a.emit(zapcore.InfoLevel, "Admin mutation committed", SecurityEvent{
		EventType: EventAdminMutation,
		ActorID:   actor.ID,
		Source:    actor.Source.String(),
		ClientIP:  ClientIPFromContext(ctx),
		Operation: operation,
		EntityID:  &entityID,
		Severity:  "info",
	})
}

func (a *SecurityAuditor) emit(level zapcore.Level, msg string, event SecurityEvent) {
	event.Timestamp = time.Now().UTC()

	// Marshaling these known types cannot fail.
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("actor_id", event.ActorID),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	}
	if event.Operation != "" {
		fields = append(fields, zap.String("operation", event.Operation))
	}
	if ce := a.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

type clientIPKey struct{}

// WithClientIP stores the caller's address for events logged further down the call chain.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
