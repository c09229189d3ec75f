package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/accounts-engine/pkg/audit"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/testhelpers"
)

func newUnverifiedMiddleware(t *testing.T) *Middleware {
	t.Helper()
	client, err := NewJWKSClient(t.Context(), &JWKSConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}
	return NewMiddleware(NewAuthService(client, "admin", zap.NewNop()), zap.NewNop())
}

func TestMiddleware_RequireAuth_SetsActor(t *testing.T) {
	m := newUnverifiedMiddleware(t)

	var actor models.Actor
	var found bool
	handler := m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		actor, found = models.GetActor(r.Context())
		if _, ok := GetClaims(r.Context()); !ok {
			t.Error("expected claims in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/merges/execute", nil)
	req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer("ops-1", "admin"))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !found || actor.ID != "ops-1" || !actor.CanAdminMutate {
		t.Errorf("unexpected actor %+v", actor)
	}
}

func TestMiddleware_RequireAuth_NonAdminStillAuthenticated(t *testing.T) {
	m := newUnverifiedMiddleware(t)

	var actor models.Actor
	handler := m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = models.GetActor(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/change-log", nil)
	req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer("viewer-1", "viewer"))
	handler(httptest.NewRecorder(), req)

	if actor.ID != "viewer-1" || actor.CanAdminMutate {
		t.Errorf("unexpected actor %+v", actor)
	}
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	m := newUnverifiedMiddleware(t)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"garbage", "Bearer not-a-token"},
		{"no subject", testhelpers.GenerateTestJWTWithBearer("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := m.RequireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodGet, "/api/change-log", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			if called {
				t.Error("handler must not run")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] != "unauthorized" {
				t.Errorf("unexpected body %v (%v)", body, err)
			}
		})
	}
}

func TestMiddleware_RequireAuth_AuditsFailuresAndClientIP(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	client, err := NewJWKSClient(t.Context(), &JWKSConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewJWKSClient failed: %v", err)
	}
	m := NewMiddleware(NewAuthService(client, "admin", zap.NewNop()), zap.New(core))

	var gotIP string
	handler := m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotIP = audit.ClientIPFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/change-log", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	handler(httptest.NewRecorder(), req)

	failures := recorded.FilterMessage("Authentication failed").All()
	if len(failures) != 1 {
		t.Fatalf("expected 1 audited failure, got %d", len(failures))
	}
	if ip := failures[0].ContextMap()["client_ip"]; ip != "203.0.113.7" {
		t.Errorf("client_ip = %v, want 203.0.113.7", ip)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/change-log", nil)
	req.RemoteAddr = "203.0.113.8:40000"
	req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer("ops-1"))
	handler(httptest.NewRecorder(), req)

	if gotIP != "203.0.113.8" {
		t.Errorf("client ip in context = %q, want 203.0.113.8", gotIP)
	}
}
