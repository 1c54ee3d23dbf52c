package server

import (
	"errors"
	"net/http"

	"cashpoint/internal/coordinator"
	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func statusFor(err error) int {
	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, kiosk.ErrInvalidHeartbeat):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, kiosk.ErrUnknownKiosk):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrKioskMismatch), errors.Is(err, coordinator.ErrUnverified):
		return http.StatusForbidden
	case errors.Is(err, coordinator.ErrLateReport),
		errors.Is(err, coordinator.ErrFinalized),
		errors.Is(err, coordinator.ErrNotAuthorized),
		errors.Is(err, coordinator.ErrNotDispensing),
		errors.Is(err, coordinator.ErrPINExpired),
		errors.Is(err, coordinator.ErrPaymentRefTaken),
		errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError is the single place domain errors become HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var verr *coordinator.ValidationError
	if errors.As(err, &verr) {
		resp = errorResponse{Error: verr.Message, Field: verr.Field}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-Id")),
			zap.Error(err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
