package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusAuthorized Status = "authorized"
	StatusDispensing Status = "dispensing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Reason is the coarse, user-visible failure category of a withdrawal.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonPaymentFailed     Reason = "payment_failed"
	ReasonKioskUnavailable  Reason = "kiosk_unavailable"
	ReasonDispenseFailed    Reason = "dispense_failed"
	ReasonPINExpired        Reason = "pin_expired"
	ReasonCancelled         Reason = "cancelled"
)

// Retryable reports whether the client may simply start a new withdrawal.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonKioskUnavailable, ReasonDispenseFailed, ReasonPINExpired:
		return true
	}
	return false
}

type Account struct {
	ID        string
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Grant is an initial credit to an account. Each grant id applies once.
type Grant struct {
	ID        string
	AccountID string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationReleased ReservationState = "released"
	ReservationSettled  ReservationState = "settled"
)

// Reservation is a balance hold tied 1:1 to a withdrawal.
type Reservation struct {
	WithdrawalID uuid.UUID
	AccountID    string
	Amount       decimal.Decimal
	State        ReservationState
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

type Withdrawal struct {
	ID            uuid.UUID
	PaymentRef    string
	AccountID     string
	Amount        decimal.Decimal
	Units         int
	KioskID       string
	PIN           string
	PINExpiresAt  *time.Time
	Status        Status
	Reason        Reason
	AuthAttempts  int
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	ConfirmedAt   *time.Time
	AuthorizedAt  *time.Time
	DispensingAt  *time.Time
	FinalizedAt   *time.Time
	UpdatedAt     time.Time
	Version       int64
}

// ClearAuthorization erases the PIN so it can never be redeemed again.
func (w *Withdrawal) ClearAuthorization() {
	w.PIN = ""
	w.PINExpiresAt = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
