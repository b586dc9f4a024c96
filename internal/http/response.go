package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/marketplace/internal/logger"
	"github.com/fjod/go_cart/marketplace/internal/service"
	"go.uber.org/zap"
)

// retryAfterSeconds is advertised on 503 answers.
const retryAfterSeconds = "5"

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondJSON(w http.ResponseWriter, log *zap.Logger, status int, message string, data interface{}) {
	writeJSON(w, log, status, Response{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, log *zap.Logger, status int, code, message string) {
	writeJSON(w, log, status, Response{Success: false, Message: message, Code: code})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("failed to encode response", zap.Error(err))
	}
}

// handleServiceError converts a service error into its HTTP status. Internal
// details never leave the process.
func handleServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	log = logger.WithTrace(r.Context(), log).With(zap.String("request_id", getRequestID(r.Context())))

	var se *service.Error
	if !errors.As(err, &se) {
		log.Error("unexpected error", zap.Error(err))
		respondError(w, log, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status := statusFor(se.Kind)
	if se.Kind == service.KindInternal {
		log.Error(se.Message, zap.Error(se.Err))
		respondError(w, log, status, "internal_error", "internal server error")
		return
	}
	if service.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	respondError(w, log, status, se.Code, se.Message)
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	case service.KindIntegrity:
		return http.StatusUnprocessableEntity
	case service.KindDeclined:
		return http.StatusPaymentRequired
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
