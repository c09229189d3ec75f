package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingSubject       = errors.New("missing subject in token")
)

// AuthService authenticates requests and resolves the caller's Actor.
type AuthService interface {
	// ValidateRequest reads the bearer token from the Authorization header
	// and returns its validated claims.
	ValidateRequest(r *http.Request) (*Claims, error)

	// ResolveActor maps claims to an Actor. The admin mutation capability
	// is granted by the configured admin role.
	ResolveActor(claims *Claims) (models.Actor, error)
}

type authService struct {
	validator TokenValidator
	adminRole string
	logger    *zap.Logger
}

var _ AuthService = (*authService)(nil)

// NewAuthService creates an AuthService.
func NewAuthService(validator TokenValidator, adminRole string, logger *zap.Logger) AuthService {
	return &authService{
		validator: validator,
		adminRole: adminRole,
		logger:    logger.Named("auth"),
	}
}

func (s *authService) ValidateRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		s.logger.Debug("No bearer token in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, ErrMissingAuthorization
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		s.logger.Debug("Invalid Authorization header format", zap.String("path", r.URL.Path))
		return nil, ErrInvalidAuthFormat
	}

	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		s.logger.Debug("JWT validation failed", zap.Error(err), zap.String("path", r.URL.Path))
		return nil, err
	}
	return claims, nil
}

func (s *authService) ResolveActor(claims *Claims) (models.Actor, error) {
	if claims == nil || claims.Subject == "" {
		return models.Actor{}, ErrMissingSubject
	}
	return models.Actor{
		ID:             claims.Subject,
		Source:         models.SourceManual,
		CanAdminMutate: claims.HasRole(s.adminRole),
	}, nil
}
