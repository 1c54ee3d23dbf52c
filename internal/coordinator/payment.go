package coordinator

import (
	"context"
	"errors"
	"strings"

	"cashpoint/internal/ledger"
	"cashpoint/internal/monitor"
	"cashpoint/internal/paynet"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandlePaymentEvent is the monitor's terminal event handler.
func (c *Coordinator) HandlePaymentEvent(ctx context.Context, ev monitor.Event) {
	var err error
	switch ev.Outcome {
	case monitor.OutcomeConfirmed:
		_, err = c.confirmPayment(ctx, ev.WithdrawalID)
	case monitor.OutcomeRejected, monitor.OutcomeTimedOut:
		_, err = c.failPayment(ctx, ev.WithdrawalID, string(ev.Outcome))
	}
	if err != nil {
		c.logger.Error("payment event not applied",
			zap.String("withdrawal_id", ev.WithdrawalID.String()),
			zap.String("outcome", string(ev.Outcome)),
			zap.Error(err),
		)
	}
}

// HandlePaymentCallback applies a status pushed by the payment gateway.
// It shares the idempotent path with the monitor; a pending status is a no-op.
func (c *Coordinator) HandlePaymentCallback(ctx context.Context, paymentRef string, status paynet.Status) (Snapshot, error) {
	w, err := c.store.GetWithdrawalByPaymentRef(ctx, strings.TrimSpace(paymentRef))
	if err != nil {
		return Snapshot{}, err
	}
	switch status {
	case paynet.StatusConfirmed:
		w, err = c.confirmPayment(ctx, w.ID)
	case paynet.StatusRejected:
		w, err = c.failPayment(ctx, w.ID, "callback_rejected")
	case paynet.StatusPending:
	default:
		return Snapshot{}, invalid("status", "unknown payment status")
	}
	if err != nil {
		return snapshot(w), err
	}
	return snapshot(w), nil
}

// confirmPayment moves pending to confirmed and reserves the amount in the
// same write. A short balance fails the withdrawal instead.
func (c *Coordinator) confirmPayment(ctx context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	w, applied, err := c.transition(ctx, id, "payment_confirmed", func(w *ledger.Withdrawal) (ledger.Effect, error) {
		if w.Status != ledger.StatusPending {
			return ledger.EffectNone, ledger.ErrNoTransition
		}
		now := c.now()
		w.Status = ledger.StatusConfirmed
		w.ConfirmedAt = &now
		return ledger.EffectReserve, nil
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		w, _, err = c.transition(ctx, id, "payment_confirmed", func(w *ledger.Withdrawal) (ledger.Effect, error) {
			if w.Status != ledger.StatusPending {
				return ledger.EffectNone, ledger.ErrNoTransition
			}
			finalize(w, ledger.StatusFailed, ledger.ReasonInsufficientFunds, c.now())
			return ledger.EffectNone, nil
		})
		return w, err
	}
	if err != nil || !applied {
		return w, err
	}

	authorized, err := c.authorize(ctx, w.ID)
	if err != nil {
		// the payment stands; authorization is retried by the run loop
		c.logger.Warn("authorization after confirmation failed",
			zap.String("withdrawal_id", id.String()),
			zap.Error(err),
		)
		if authorized.ID == uuid.Nil {
			return w, nil
		}
	}
	return authorized, nil
}

func (c *Coordinator) failPayment(ctx context.Context, id uuid.UUID, trigger string) (ledger.Withdrawal, error) {
	w, _, err := c.transition(ctx, id, "payment_"+trigger, func(w *ledger.Withdrawal) (ledger.Effect, error) {
		if w.Status != ledger.StatusPending {
			return ledger.EffectNone, ledger.ErrNoTransition
		}
		finalize(w, ledger.StatusFailed, ledger.ReasonPaymentFailed, c.now())
		return ledger.EffectNone, nil
	})
	return w, err
}
