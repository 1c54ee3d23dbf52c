package coordinator

import (
	"context"
	"time"

	"cashpoint/internal/ledger"

	"go.uber.org/zap"
)

// SweepExpired moves authorized withdrawals past their PIN expiry to expired
// and releases their reservations. Safe to run concurrently with itself.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	authorized, err := c.store.ListWithdrawals(ctx, ledger.StatusAuthorized, 0)
	if err != nil {
		return 0, err
	}
	now := c.now()
	expired := 0
	for _, w := range authorized {
		if w.PINExpiresAt == nil || now.Before(*w.PINExpiresAt) {
			continue
		}
		_, applied, err := c.transition(ctx, w.ID, "pin_expired", func(w *ledger.Withdrawal) (ledger.Effect, error) {
			if w.Status != ledger.StatusAuthorized || w.PINExpiresAt == nil || c.now().Before(*w.PINExpiresAt) {
				return ledger.EffectNone, ledger.ErrNoTransition
			}
			finalize(w, ledger.StatusExpired, ledger.ReasonPINExpired, c.now())
			return ledger.EffectRelease, nil
		})
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

// Run drives the periodic sweep and authorization retries until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := c.SweepExpired(ctx); err != nil {
				c.logger.Error("expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("expired authorizations swept", zap.Int("count", n))
			}
			if err := c.RetryConfirmed(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("authorization retry failed", zap.Error(err))
			}
		case <-c.kick:
			if err := c.RetryConfirmed(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("authorization retry failed", zap.Error(err))
			}
		}
	}
}

type RecoveryReport struct {
	Rewatched  int
	Reconciled int
}

// Recover rebuilds in-memory state after a restart. Pending withdrawals are
// watched again and any terminal withdrawal still holding a reservation is
// settled or released. Confirmed withdrawals are left to the run loop.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	pending, err := c.store.ListWithdrawals(ctx, ledger.StatusPending, 0)
	if err != nil {
		return report, err
	}
	for _, w := range pending {
		if c.watcher.Watch(w.ID, w.PaymentRef, w.CreatedAt.Add(c.policy.PaymentWindow)) {
			report.Rewatched++
		}
	}

	n, err := c.reconcile(ctx)
	report.Reconciled = n
	if err != nil {
		return report, err
	}

	c.logger.Info("recovery finished",
		zap.Int("rewatched", report.Rewatched),
		zap.Int("reconciled", report.Reconciled),
	)
	return report, nil
}

// reconcile settles or releases reservations left held on terminal
// withdrawals by a crash between two writes.
func (c *Coordinator) reconcile(ctx context.Context) (int, error) {
	stuck, err := c.store.ListUnresolvedTerminal(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, w := range stuck {
		status := w.Status
		effect := ledger.EffectRelease
		if status == ledger.StatusCompleted {
			effect = ledger.EffectSettle
		}
		_, applied, err := c.transition(ctx, w.ID, "reconcile", func(cur *ledger.Withdrawal) (ledger.Effect, error) {
			if cur.Status != status {
				return ledger.EffectNone, ledger.ErrNoTransition
			}
			return effect, nil
		})
		if err != nil {
			return n, err
		}
		if !applied {
			continue
		}
		c.metrics.IncAnomaly("held_reservation_on_terminal")
		c.logger.Warn("held reservation on terminal withdrawal reconciled",
			zap.String("withdrawal_id", w.ID.String()),
			zap.String("status", string(status)),
			zap.String("effect", effect.String()),
		)
		n++
	}
	return n, nil
}
