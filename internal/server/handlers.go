package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cashpoint/internal/coordinator"
	"cashpoint/internal/identity"
	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"
	"cashpoint/internal/paynet"
	"cashpoint/internal/pin"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// accountResponse reports the spendable balance; reserved funds are already
// excluded from it.
type accountResponse struct {
	AccountID string `json:"accountId"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
}

func accountView(a ledger.Account) accountResponse {
	return accountResponse{
		AccountID: a.ID,
		Balance:   a.Balance.StringFixed(2),
		Reserved:  a.Reserved.StringFixed(2),
	}
}

type withdrawalResponse struct {
	WithdrawalID     string     `json:"withdrawalId"`
	PaymentReference string     `json:"paymentReference"`
	AccountID        string     `json:"accountId"`
	Amount           string     `json:"amount"`
	Units            int        `json:"units"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	Retryable        bool       `json:"retryable"`
	KioskID          string     `json:"kioskId,omitempty"`
	PIN              string     `json:"pin,omitempty"`
	PINExpiresAt     *time.Time `json:"pinExpiresAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	FinalizedAt      *time.Time `json:"finalizedAt,omitempty"`
}

func withdrawalView(s coordinator.Snapshot) withdrawalResponse {
	return withdrawalResponse{
		WithdrawalID:     s.ID.String(),
		PaymentReference: s.PaymentRef,
		AccountID:        s.AccountID,
		Amount:           s.Amount.StringFixed(2),
		Units:            s.Units,
		Status:           string(s.Status),
		Reason:           string(s.Reason),
		Retryable:        s.Retryable,
		KioskID:          s.KioskID,
		PINExpiresAt:     s.PINExpiresAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		FinalizedAt:      s.FinalizedAt,
	}
}

// ownerView adds the live PIN. Only the fetch by withdrawal id returns it;
// the id is known to the client that created the withdrawal, whereas a
// payment reference may be public.
func ownerView(s coordinator.Snapshot) withdrawalResponse {
	v := withdrawalView(s)
	v.PIN = s.PIN
	return v
}

func withdrawalID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "withdrawalID"))
	if err != nil {
		return uuid.Nil, &coordinator.ValidationError{Field: "withdrawalId", Message: "must be a uuid"}
	}
	return id, nil
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var proof identity.Proof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		badRequest(w, "invalid json payload")
		return
	}
	acct, created, err := s.coord.OpenAccount(r.Context(), proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, accountView(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.coord.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView(acct))
}

type grantRequest struct {
	GrantID string `json:"grantId"`
	Amount  string `json:"amount"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json payload")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(w, "amount must be a decimal string")
		return
	}
	acct, applied, err := s.coord.GrantFunds(r.Context(), ledger.Grant{
		ID:        req.GrantID,
		AccountID: chi.URLParam(r, "accountID"),
		Amount:    amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if applied {
		code = http.StatusCreated
	}
	writeJSON(w, code, accountView(acct))
}

type createWithdrawalRequest struct {
	AccountID        string `json:"accountId"`
	Amount           string `json:"amount"`
	PaymentReference string `json:"paymentReference"`
}

func validateCreateWithdrawal(req createWithdrawalRequest) error {
	if req.AccountID == "" {
		return errors.New("accountId is required")
	}
	if req.Amount == "" {
		return errors.New("amount is required")
	}
	if req.PaymentReference == "" {
		return errors.New("paymentReference is required")
	}
	return nil
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json payload")
		return
	}
	if err := validateCreateWithdrawal(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(w, "amount must be a decimal string")
		return
	}

	rec, created, err := s.coord.CreateWithdrawal(r.Context(), coordinator.CreateRequest{
		AccountID:  req.AccountID,
		Amount:     amount,
		PaymentRef: req.PaymentReference,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, withdrawalView(coordinator.SnapshotOf(rec)))
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.coord.GetWithdrawalStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ownerView(snap))
}

// handleFindWithdrawal serves ?accountId=&paymentReference= lookups.
func (s *Server) handleFindWithdrawal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := strings.TrimSpace(q.Get("paymentReference"))
	accountID := strings.TrimSpace(q.Get("accountId"))
	if ref == "" || accountID == "" {
		badRequest(w, "accountId and paymentReference are required")
		return
	}
	snap, err := s.coord.GetWithdrawalByPaymentRef(r.Context(), accountID, ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(snap))
}

// handleListWithdrawals is the operator listing by ?status=.
func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := ledger.Status(q.Get("status"))
	if status == "" {
		badRequest(w, "status is required")
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	snaps, err := s.coord.ListWithdrawals(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]withdrawalResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, withdrawalView(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.coord.ForceFail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("withdrawal cancelled by operator",
		zap.String("withdrawal_id", id.String()),
		zap.String("request_id", r.Header.Get("X-Request-Id")),
	)
	writeJSON(w, http.StatusOK, withdrawalView(snap))
}

type paymentCallbackRequest struct {
	PaymentReference string `json:"paymentReference"`
	Status           string `json:"status"`
}

func (s *Server) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json payload")
		return
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		badRequest(w, "paymentReference is required")
		return
	}

	snap, err := s.coord.HandlePaymentCallback(r.Context(), req.PaymentReference, paynet.Status(req.Status))
	if errors.Is(err, ledger.ErrNotFound) {
		// the gateway would only retry an unmatched reference forever
		s.dlq.write(req, err)
		s.metrics.IncAnomaly("unmatched_payment_callback")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "dead_lettered"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(snap))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb kiosk.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		badRequest(w, "invalid json payload")
		return
	}
	h, err := s.coord.ReportKioskHeartbeat(r.Context(), hb)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kioskView(h))
}

type ackRequest struct {
	KioskID string `json:"kioskId"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" {
		badRequest(w, "kioskId is required")
		return
	}
	snap, err := s.coord.AcknowledgeDispense(r.Context(), id, req.KioskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(snap))
}

type reportRequest struct {
	KioskID   string    `json:"kioskId"`
	Success   *bool     `json:"success"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json payload")
		return
	}
	// success must be explicit, never inferred from a missing field
	if req.KioskID == "" || req.Success == nil {
		badRequest(w, "kioskId and success are required")
		return
	}
	snap, err := s.coord.ReportKioskOutcome(r.Context(), coordinator.OutcomeReport{
		WithdrawalID: id,
		KioskID:      req.KioskID,
		Success:      *req.Success,
		Detail:       req.Reason,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(snap))
}

type redeemRequest struct {
	KioskID string `json:"kioskId"`
	PIN     string `json:"pin"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	id, err := withdrawalID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || req.PIN == "" {
		badRequest(w, "kioskId and pin are required")
		return
	}
	result, err := s.coord.RedeemPIN(r.Context(), id, req.KioskID, req.PIN)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	switch result {
	case pin.Invalid:
		code = http.StatusForbidden
	case pin.Expired:
		code = http.StatusGone
	}
	writeJSON(w, code, map[string]string{"result": string(result)})
}

type kioskResponse struct {
	KioskID           string    `json:"kioskId"`
	Online            bool      `json:"online"`
	HardwareConnected bool      `json:"hardwareConnected"`
	InventoryUnits    int       `json:"inventoryCount"`
	MechanismStatus   string    `json:"mechanismStatus"`
	LastSeen          time.Time `json:"lastSeen"`
}

func kioskView(h kiosk.Health) kioskResponse {
	return kioskResponse{
		KioskID:           h.KioskID,
		Online:            h.Online,
		HardwareConnected: h.HardwareConnected,
		InventoryUnits:    h.InventoryUnits,
		MechanismStatus:   h.MechanismStatus,
		LastSeen:          h.LastSeen,
	}
}

func (s *Server) handleListKiosks(w http.ResponseWriter, r *http.Request) {
	list, err := s.coord.ListKiosks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]kioskResponse, 0, len(list))
	for _, h := range list {
		out = append(out, kioskView(h))
	}
	writeJSON(w, http.StatusOK, out)
}
