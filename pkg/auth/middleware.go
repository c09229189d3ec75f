package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/audit"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// Middleware authenticates API requests.
type Middleware struct {
	authService AuthService
	auditor     *audit.SecurityAuditor
	logger      *zap.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		auditor:     audit.NewSecurityAuditor(logger),
		logger:      logger,
	}
}

// RequireAuth validates the bearer token and stores the claims and the
// resolved Actor in the request context. Whether the actor may mutate is
// decided by the core, not here.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r)

		claims, err := m.authService.ValidateRequest(r)
		if err != nil {
			m.auditor.LogAuthenticationFailure(clientIP, r.URL.Path, err.Error())
			m.unauthorized(w, "Authentication required")
			return
		}

		actor, err := m.authService.ResolveActor(claims)
		if err != nil {
			m.auditor.LogAuthenticationFailure(clientIP, r.URL.Path, err.Error())
			m.unauthorized(w, "Token has no subject")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		ctx = audit.WithClientIP(ctx, clientIP)
		ctx = models.WithActor(ctx, actor)
		next(w, r.WithContext(ctx))
	}
}

// clientIP returns the host part of the peer address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
