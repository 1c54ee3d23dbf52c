package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"cashpoint/internal/hmacauth"
	"cashpoint/internal/kiosk"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type pinRequest struct {
	WithdrawalID string `json:"withdrawalId"`
	PIN          string `json:"pin"`
}

type pinResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Handler exposes the agent: signed authorization delivery from the
// coordinator, and the local keypad endpoint.
func (a *Agent) Handler(verifier *hmacauth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.With(verifier.Middleware).Post("/authorizations", a.handleAuthorization)
	r.Post("/pin", a.handlePIN)
	r.Get("/status", a.handleStatus)
	return r
}

func (a *Agent) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	var auth kiosk.Authorization
	if err := json.NewDecoder(r.Body).Decode(&auth); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if auth.WithdrawalID == uuid.Nil || auth.PIN == "" {
		http.Error(w, "withdrawalId and pin are required", http.StatusBadRequest)
		return
	}
	if err := a.Accept(auth); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Agent) handlePIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.WithdrawalID)
	if err != nil {
		http.Error(w, "invalid withdrawalId", http.StatusBadRequest)
		return
	}

	outcome, err := a.EnterPIN(r.Context(), id, req.PIN)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrUnknownWithdrawal):
			status = http.StatusNotFound
		case errors.Is(err, ErrWrongPIN):
			status = http.StatusUnauthorized
		case errors.Is(err, ErrLockedOut), errors.Is(err, ErrAlreadyUsed):
			status = http.StatusForbidden
		case errors.Is(err, ErrExpired):
			status = http.StatusGone
		}
		writeJSON(w, status, pinResponse{Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pinResponse{Success: outcome.Success, Reason: outcome.Reason})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	s := a.dispenser.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kioskId":         a.cfg.KioskID,
		"connected":       s.Connected,
		"inventoryCount":  s.InventoryUnits,
		"mechanismStatus": s.Mechanism,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
