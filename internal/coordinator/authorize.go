package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// authorize hands a confirmed withdrawal to a live kiosk. The PIN is
// delivered before the authorized write, so a withdrawal no kiosk accepted
// stays confirmed. It fails with its reservation released only once
// MaxAuthorizationWait has passed.
func (c *Coordinator) authorize(ctx context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	if _, busy := c.authorizing.LoadOrStore(id, struct{}{}); busy {
		return c.store.GetWithdrawal(ctx, id)
	}
	defer c.authorizing.Delete(id)

	w, err := c.store.GetWithdrawal(ctx, id)
	if err != nil || w.Status != ledger.StatusConfirmed {
		return w, err
	}

	refused := make(map[string]bool)
	for {
		target, err := c.kiosks.Select(ctx, w.Units, c.deliverable(refused))
		if errors.Is(err, kiosk.ErrNoKioskAvailable) {
			return c.awaitKiosk(ctx, w)
		}
		if err != nil {
			return w, err
		}

		code, expiresAt, err := c.pins.Mint(w.ID)
		if err != nil {
			return w, err
		}
		auth := kiosk.Authorization{
			WithdrawalID: w.ID,
			KioskID:      target.KioskID,
			PIN:          code,
			Amount:       w.Amount,
			Units:        w.Units,
			ExpiresAt:    expiresAt,
		}
		if err := c.deliver(ctx, auth); err != nil {
			if ctx.Err() != nil {
				return w, ctx.Err()
			}
			c.logger.Warn("kiosk refused authorization, selecting another",
				zap.String("withdrawal_id", w.ID.String()),
				zap.String("kiosk_id", target.KioskID),
				zap.Error(err),
			)
			refused[target.KioskID] = true
			continue
		}

		updated, _, err := c.transition(ctx, id, "authorize", func(w *ledger.Withdrawal) (ledger.Effect, error) {
			if w.Status != ledger.StatusConfirmed {
				return ledger.EffectNone, ledger.ErrNoTransition
			}
			now := c.now()
			w.Status = ledger.StatusAuthorized
			w.KioskID = auth.KioskID
			w.PIN = auth.PIN
			w.PINExpiresAt = &expiresAt
			w.AuthorizedAt = &now
			w.DeliveredAt = &now
			w.AuthAttempts++
			return ledger.EffectNone, nil
		})
		return updated, err
	}
}

// deliverable rules out kiosks the dispatcher cannot reach and kiosks that
// already refused this withdrawal.
func (c *Coordinator) deliverable(refused map[string]bool) func(string) bool {
	reach, _ := c.dispatcher.(kiosk.Reachability)
	return func(kioskID string) bool {
		if refused[kioskID] {
			return false
		}
		return reach == nil || reach.Reachable(kioskID)
	}
}

func (c *Coordinator) awaitKiosk(ctx context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	since := w.CreatedAt
	if w.ConfirmedAt != nil {
		since = *w.ConfirmedAt
	}
	if c.now().Sub(since) < c.policy.MaxAuthorizationWait {
		c.logger.Info("no kiosk available, withdrawal stays confirmed",
			zap.String("withdrawal_id", w.ID.String()),
			zap.Int("units", w.Units),
		)
		return w, nil
	}
	updated, _, err := c.transition(ctx, w.ID, "authorization_wait_exhausted", func(w *ledger.Withdrawal) (ledger.Effect, error) {
		if w.Status != ledger.StatusConfirmed {
			return ledger.EffectNone, ledger.ErrNoTransition
		}
		finalize(w, ledger.StatusFailed, ledger.ReasonKioskUnavailable, c.now())
		return ledger.EffectRelease, nil
	})
	return updated, err
}

// deliver pushes one authorization with bounded retries.
func (c *Coordinator) deliver(ctx context.Context, auth kiosk.Authorization) error {
	backoff := c.policy.DeliveryInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.policy.DeliveryAttempts; attempt++ {
		lastErr = c.dispatcher.Deliver(ctx, auth)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("authorization delivery failed",
			zap.String("withdrawal_id", auth.WithdrawalID.String()),
			zap.String("kiosk_id", auth.KioskID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == c.policy.DeliveryAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= time.Duration(c.policy.DeliveryBackoffMultiplier)
		if backoff > c.policy.DeliveryMaxBackoff {
			backoff = c.policy.DeliveryMaxBackoff
		}
	}
	return fmt.Errorf("deliver authorization: %w", lastErr)
}

// RetryConfirmed attempts authorization for every confirmed withdrawal.
func (c *Coordinator) RetryConfirmed(ctx context.Context) error {
	confirmed, err := c.store.ListWithdrawals(ctx, ledger.StatusConfirmed, 0)
	if err != nil {
		return err
	}
	for _, w := range confirmed {
		if _, err := c.authorize(ctx, w.ID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("authorization retry failed",
				zap.String("withdrawal_id", w.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}
