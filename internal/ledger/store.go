package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNoTransition is returned by a Mutation to leave the record untouched.
	ErrNoTransition = errors.New("no transition")
)

// Effect is the balance action applied in the same atomic step as a
// withdrawal update.
type Effect int

const (
	EffectNone Effect = iota
	// EffectReserve debits the account and records a held reservation.
	EffectReserve
	// EffectRelease returns a held reservation to the account.
	EffectRelease
	// EffectSettle converts a held reservation into a permanent debit.
	EffectSettle
)

func (e Effect) String() string {
	switch e {
	case EffectReserve:
		return "reserve"
	case EffectRelease:
		return "release"
	case EffectSettle:
		return "settle"
	default:
		return "none"
	}
}

// Mutation edits a copy of the stored withdrawal. Returning ErrNoTransition
// (or any error) aborts the write; UpdateWithdrawal then returns the
// unchanged record alongside the error.
type Mutation func(w *Withdrawal) (Effect, error)

// Store abstracts ledger persistence.
type Store interface {
	// CreateWithdrawal inserts w unless its payment reference already exists,
	// in which case the existing record is returned with created=false.
	CreateWithdrawal(ctx context.Context, w Withdrawal) (rec Withdrawal, created bool, err error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error)
	GetWithdrawalByPaymentRef(ctx context.Context, ref string) (Withdrawal, error)
	// ListWithdrawals returns withdrawals in status, oldest first; limit <= 0
	// means no limit.
	ListWithdrawals(ctx context.Context, status Status, limit int) ([]Withdrawal, error)
	// ListUnresolvedTerminal returns terminal withdrawals whose reservation is
	// still held.
	ListUnresolvedTerminal(ctx context.Context) ([]Withdrawal, error)
	// UpdateWithdrawal applies fn with optimistic compare-and-set on the
	// record version and applies the returned Effect atomically with it.
	UpdateWithdrawal(ctx context.Context, id uuid.UUID, fn Mutation) (Withdrawal, error)

	GetAccount(ctx context.Context, id string) (Account, error)
	// ApplyGrant credits an account, creating it if needed. A grant id that
	// was already applied is a no-op.
	ApplyGrant(ctx context.Context, g Grant) (Account, bool, error)
	GetReservation(ctx context.Context, withdrawalID uuid.UUID) (Reservation, error)

	Ping(ctx context.Context) error
}

const maxCASAttempts = 5

// applyEffect computes the account and reservation after an effect. It is
// shared by the stores so the balance arithmetic lives in one place.
func applyEffect(effect Effect, w Withdrawal, acct *Account, res *Reservation, now time.Time) (bool, error) {
	switch effect {
	case EffectReserve:
		if res.State != "" {
			// already reserved for this withdrawal
			return false, nil
		}
		if acct.Balance.LessThan(w.Amount) {
			return false, ErrInsufficientFunds
		}
		acct.Balance = acct.Balance.Sub(w.Amount)
		acct.Reserved = acct.Reserved.Add(w.Amount)
		*res = Reservation{
			WithdrawalID: w.ID,
			AccountID:    w.AccountID,
			Amount:       w.Amount,
			State:        ReservationHeld,
			CreatedAt:    now,
		}
	case EffectRelease:
		if res.State != ReservationHeld {
			return false, nil
		}
		acct.Balance = acct.Balance.Add(res.Amount)
		acct.Reserved = acct.Reserved.Sub(res.Amount)
		res.State = ReservationReleased
		res.ResolvedAt = timePtr(now)
	case EffectSettle:
		if res.State != ReservationHeld {
			return false, nil
		}
		acct.Reserved = acct.Reserved.Sub(res.Amount)
		res.State = ReservationSettled
		res.ResolvedAt = timePtr(now)
	default:
		return false, nil
	}
	acct.UpdatedAt = now
	return true, nil
}
