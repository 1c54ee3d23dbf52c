package coordinator

import (
	"context"
	"errors"
	"time"

	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"
	"cashpoint/internal/pin"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AcknowledgeDispense is sent by a kiosk after local PIN validation and
// before it actuates. Only an accepted ack permits dispensing.
func (c *Coordinator) AcknowledgeDispense(ctx context.Context, id uuid.UUID, kioskID string) (Snapshot, error) {
	var expired bool
	w, _, err := c.transition(ctx, id, "dispense_ack", func(w *ledger.Withdrawal) (ledger.Effect, error) {
		expired = false
		switch {
		case w.Status == ledger.StatusDispensing && w.KioskID == kioskID:
			return ledger.EffectNone, ledger.ErrNoTransition
		case w.Status.Terminal():
			return ledger.EffectNone, ErrLateReport
		case w.Status != ledger.StatusAuthorized:
			return ledger.EffectNone, ErrNotAuthorized
		case w.KioskID != kioskID:
			return ledger.EffectNone, ErrKioskMismatch
		}
		now := c.now()
		if w.PINExpiresAt == nil || !now.Before(*w.PINExpiresAt) {
			// expire now rather than wait for the sweep
			expired = true
			finalize(w, ledger.StatusExpired, ledger.ReasonPINExpired, now)
			return ledger.EffectRelease, nil
		}
		w.Status = ledger.StatusDispensing
		w.DispensingAt = &now
		w.ClearAuthorization()
		return ledger.EffectNone, nil
	})
	if err != nil {
		c.reportAnomaly(err, id, kioskID, "ack")
		return snapshot(w), err
	}
	if expired {
		return snapshot(w), ErrPINExpired
	}
	return snapshot(w), nil
}

type OutcomeReport struct {
	WithdrawalID uuid.UUID
	KioskID      string
	Success      bool
	Detail       string
	Timestamp    time.Time
}

// ReportKioskOutcome finalizes a dispensing withdrawal. Repeating the report
// that finalized it is accepted; any other report on a terminal withdrawal
// is rejected as late.
func (c *Coordinator) ReportKioskOutcome(ctx context.Context, r OutcomeReport) (Snapshot, error) {
	w, _, err := c.transition(ctx, r.WithdrawalID, "kiosk_outcome", func(w *ledger.Withdrawal) (ledger.Effect, error) {
		if w.Status.Terminal() {
			if w.KioskID == r.KioskID && sameOutcome(*w, r.Success) {
				return ledger.EffectNone, ledger.ErrNoTransition
			}
			return ledger.EffectNone, ErrLateReport
		}
		if w.KioskID != r.KioskID {
			return ledger.EffectNone, ErrKioskMismatch
		}
		if w.Status != ledger.StatusDispensing {
			return ledger.EffectNone, ErrNotDispensing
		}
		now := c.now()
		if r.Success {
			finalize(w, ledger.StatusCompleted, ledger.ReasonNone, now)
			return ledger.EffectSettle, nil
		}
		finalize(w, ledger.StatusFailed, ledger.ReasonDispenseFailed, now)
		return ledger.EffectRelease, nil
	})
	if err != nil {
		c.reportAnomaly(err, r.WithdrawalID, r.KioskID, "outcome")
		return snapshot(w), err
	}
	if !r.Success {
		c.logger.Warn("kiosk dispense failed",
			zap.String("withdrawal_id", r.WithdrawalID.String()),
			zap.String("kiosk_id", r.KioskID),
			zap.String("detail", r.Detail),
		)
	}
	return snapshot(w), nil
}

func sameOutcome(w ledger.Withdrawal, success bool) bool {
	if success {
		return w.Status == ledger.StatusCompleted
	}
	return w.Status == ledger.StatusFailed && w.Reason == ledger.ReasonDispenseFailed
}

func (c *Coordinator) reportAnomaly(err error, id uuid.UUID, kioskID, kind string) {
	fields := []zap.Field{
		zap.String("withdrawal_id", id.String()),
		zap.String("kiosk_id", kioskID),
		zap.String("report", kind),
	}
	switch {
	case errors.Is(err, ErrLateReport):
		c.metrics.IncAnomaly("late_report_after_terminal")
		c.logger.Warn("late_report_after_terminal", fields...)
	case errors.Is(err, ErrKioskMismatch):
		c.metrics.IncAnomaly("kiosk_mismatch")
		c.logger.Warn("kiosk_mismatch", fields...)
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotDispensing):
		c.metrics.IncAnomaly("out_of_order_report")
		c.logger.Warn("out_of_order_report", append(fields, zap.Error(err))...)
	}
}

// ReportKioskHeartbeat records kiosk health and, when the kiosk can take
// work, wakes the run loop to retry waiting withdrawals.
func (c *Coordinator) ReportKioskHeartbeat(ctx context.Context, hb kiosk.Heartbeat) (kiosk.Health, error) {
	h, err := c.kiosks.Record(ctx, hb)
	if err != nil {
		return kiosk.Health{}, err
	}
	if kiosk.Eligible(h, 1) {
		c.Kick()
	}
	return h, nil
}

// RedeemPIN is the cloud-side check for kiosks that do not hold the PIN.
// It never changes the withdrawal.
func (c *Coordinator) RedeemPIN(ctx context.Context, id uuid.UUID, kioskID, code string) (pin.Result, error) {
	w, err := c.store.GetWithdrawal(ctx, id)
	if err != nil {
		return pin.Invalid, err
	}
	result := c.pins.Redeem(w, kioskID, code)
	if result != pin.Valid {
		c.logger.Info("pin redeem refused",
			zap.String("withdrawal_id", id.String()),
			zap.String("kiosk_id", kioskID),
			zap.String("result", string(result)),
		)
	}
	return result, nil
}
