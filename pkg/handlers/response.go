package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/logging"
)

// ApiResponse wraps successful payloads.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// StatusForError maps a core error kind to an HTTP status and error code.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperrors.ErrAuditWriteFailure):
		return http.StatusServiceUnavailable, "audit_write_failure"
	case errors.Is(err, apperrors.ErrPartialFailure):
		return http.StatusInternalServerError, "retry"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError writes the response for an error returned by the core.
// Caller-facing kinds expose their message; failures that need a retry do
// not leak internals.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status, code := StatusForError(err)

	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Core operation failed",
			zap.String("operation", op),
			zap.String("error", logging.SanitizeError(err)))
		message = "The operation did not complete; retry later"
	} else {
		logger.Debug("Core operation rejected", zap.String("operation", op), zap.Error(err))
	}

	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}
