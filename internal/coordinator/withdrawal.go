package coordinator

import (
	"context"
	"errors"
	"strings"

	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateRequest struct {
	AccountID  string
	Amount     decimal.Decimal
	PaymentRef string
}

// CreateWithdrawal records a withdrawal for a payment and starts watching
// the payment. A payment reference seen before returns the existing record
// with created=false. A short balance is recorded as failed.
func (c *Coordinator) CreateWithdrawal(ctx context.Context, req CreateRequest) (ledger.Withdrawal, bool, error) {
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.PaymentRef == "" {
		c.metrics.IncWithdrawal("invalid")
		return ledger.Withdrawal{}, false, invalid("paymentReference", "is required")
	}

	existing, err := c.store.GetWithdrawalByPaymentRef(ctx, req.PaymentRef)
	if err == nil {
		if err := c.replayed(existing, req); err != nil {
			return ledger.Withdrawal{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Withdrawal{}, false, err
	}

	units, err := c.validateAmount(req.Amount)
	if err != nil {
		c.metrics.IncWithdrawal("invalid")
		return ledger.Withdrawal{}, false, err
	}
	if req.AccountID == "" {
		c.metrics.IncWithdrawal("invalid")
		return ledger.Withdrawal{}, false, invalid("accountId", "is required")
	}
	acct, err := c.store.GetAccount(ctx, req.AccountID)
	if errors.Is(err, ledger.ErrNotFound) {
		c.metrics.IncWithdrawal("invalid")
		return ledger.Withdrawal{}, false, invalid("accountId", "unknown account")
	}
	if err != nil {
		return ledger.Withdrawal{}, false, err
	}

	now := c.now()
	w := ledger.Withdrawal{
		ID:         uuid.New(),
		PaymentRef: req.PaymentRef,
		AccountID:  acct.ID,
		Amount:     req.Amount,
		Units:      units,
		Status:     ledger.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if acct.Balance.LessThan(req.Amount) {
		finalize(&w, ledger.StatusFailed, ledger.ReasonInsufficientFunds, now)
	}

	rec, created, err := c.store.CreateWithdrawal(ctx, w)
	if err != nil {
		return ledger.Withdrawal{}, false, err
	}
	if !created {
		if err := c.replayed(rec, req); err != nil {
			return ledger.Withdrawal{}, false, err
		}
		return rec, false, nil
	}

	if rec.Status == ledger.StatusFailed {
		c.metrics.IncWithdrawal("insufficient_funds")
		c.logger.Info("withdrawal refused for insufficient funds",
			zap.String("withdrawal_id", rec.ID.String()),
			zap.String("account_id", rec.AccountID),
			zap.String("amount", rec.Amount.StringFixed(2)),
			zap.String("balance", acct.Balance.StringFixed(2)),
		)
		return rec, true, nil
	}

	c.metrics.IncWithdrawal("created")
	c.watcher.Watch(rec.ID, rec.PaymentRef, rec.CreatedAt.Add(c.policy.PaymentWindow))
	c.logger.Info("withdrawal created",
		zap.String("withdrawal_id", rec.ID.String()),
		zap.String("account_id", rec.AccountID),
		zap.String("payment_ref", rec.PaymentRef),
		zap.String("amount", rec.Amount.StringFixed(2)),
		zap.Int("units", rec.Units),
	)
	return rec, true, nil
}

// replayed handles a create for a known payment reference. Only the owning
// account gets the existing withdrawal back.
func (c *Coordinator) replayed(existing ledger.Withdrawal, req CreateRequest) error {
	c.metrics.IncWithdrawal("duplicate")
	fields := []zap.Field{
		zap.String("withdrawal_id", existing.ID.String()),
		zap.String("payment_ref", existing.PaymentRef),
	}
	if existing.AccountID != req.AccountID {
		c.logger.Warn("payment reference claimed by another account",
			append(fields, zap.String("account_id", req.AccountID))...)
		return ErrPaymentRefTaken
	}
	if !existing.Amount.Equal(req.Amount) {
		c.logger.Warn("payment reference reused with a different amount", fields...)
		return nil
	}
	c.logger.Info("idempotent replay", fields...)
	return nil
}

func (c *Coordinator) validateAmount(amount decimal.Decimal) (int, error) {
	if !amount.IsPositive() {
		return 0, invalid("amount", "must be positive")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return 0, invalid("amount", "at most two decimal places")
	}
	if amount.GreaterThan(c.policy.MaxAmount) {
		return 0, invalid("amount", "exceeds maximum of "+c.policy.MaxAmount.StringFixed(2))
	}
	if !amount.Mod(c.policy.Denomination).IsZero() {
		return 0, invalid("amount", "must be a multiple of "+c.policy.Denomination.StringFixed(2))
	}
	return int(amount.Div(c.policy.Denomination).IntPart()), nil
}

func (c *Coordinator) GetWithdrawalStatus(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	w, err := c.store.GetWithdrawal(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot(w), nil
}

// GetWithdrawalByPaymentRef looks a withdrawal up for its owner. Another
// account's reference reads as not found.
func (c *Coordinator) GetWithdrawalByPaymentRef(ctx context.Context, accountID, ref string) (Snapshot, error) {
	w, err := c.store.GetWithdrawalByPaymentRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		return Snapshot{}, err
	}
	if w.AccountID != strings.TrimSpace(accountID) {
		return Snapshot{}, ledger.ErrNotFound
	}
	return snapshot(w), nil
}

func (c *Coordinator) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return c.store.GetAccount(ctx, id)
}

// ForceFail is the operator cancel. Any held reservation is released.
func (c *Coordinator) ForceFail(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	w, _, err := c.transition(ctx, id, "operator_cancel", func(w *ledger.Withdrawal) (ledger.Effect, error) {
		if w.Status.Terminal() {
			return ledger.EffectNone, ErrFinalized
		}
		effect := ledger.EffectRelease
		if w.Status == ledger.StatusPending {
			effect = ledger.EffectNone
		}
		finalize(w, ledger.StatusFailed, ledger.ReasonCancelled, c.now())
		return effect, nil
	})
	if err != nil {
		return snapshot(w), err
	}
	return snapshot(w), nil
}

// ListWithdrawals returns withdrawals in the given status, oldest first.
func (c *Coordinator) ListWithdrawals(ctx context.Context, status ledger.Status, limit int) ([]Snapshot, error) {
	ws, err := c.store.ListWithdrawals(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(ws))
	for _, w := range ws {
		out = append(out, snapshot(w))
	}
	return out, nil
}

func (c *Coordinator) ListKiosks(ctx context.Context) ([]kiosk.Health, error) {
	return c.kiosks.List(ctx)
}
