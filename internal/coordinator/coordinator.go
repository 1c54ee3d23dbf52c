package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cashpoint/internal/identity"
	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"
	"cashpoint/internal/metrics"
	"cashpoint/internal/pin"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrKioskMismatch = errors.New("kiosk does not hold this authorization")
	ErrNotAuthorized = errors.New("withdrawal is not awaiting dispense")
	ErrNotDispensing = errors.New("withdrawal is not dispensing")
	ErrPINExpired    = errors.New("pin expired")
	// ErrLateReport is returned for kiosk reports on a finalized withdrawal.
	ErrLateReport = errors.New("withdrawal already finalized")
	ErrFinalized  = errors.New("withdrawal is terminal")
	ErrUnverified = errors.New("identity not verified")
	// ErrPaymentRefTaken is a payment reference already bound to another
	// account's withdrawal.
	ErrPaymentRefTaken = errors.New("payment reference belongs to another account")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// PaymentWatcher is the part of the payment monitor the coordinator drives.
type PaymentWatcher interface {
	Watch(withdrawalID uuid.UUID, paymentRef string, deadline time.Time) bool
	Cancel(withdrawalID uuid.UUID)
}

type Policy struct {
	PaymentWindow        time.Duration
	MaxAuthorizationWait time.Duration
	SweepInterval        time.Duration
	// Denomination is the value of one dispensed unit.
	Denomination decimal.Decimal
	MaxAmount    decimal.Decimal
	InitialGrant decimal.Decimal

	DeliveryAttempts          int
	DeliveryInitialBackoff    time.Duration
	DeliveryMaxBackoff        time.Duration
	DeliveryBackoffMultiplier int
}

func DefaultPolicy() Policy {
	return Policy{
		PaymentWindow:             30 * time.Minute,
		MaxAuthorizationWait:      15 * time.Minute,
		SweepInterval:             15 * time.Second,
		Denomination:              decimal.New(25, -2),
		MaxAmount:                 decimal.NewFromInt(500),
		InitialGrant:              decimal.Zero,
		DeliveryAttempts:          3,
		DeliveryInitialBackoff:    500 * time.Millisecond,
		DeliveryMaxBackoff:        5 * time.Second,
		DeliveryBackoffMultiplier: 2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PaymentWindow <= 0 {
		p.PaymentWindow = d.PaymentWindow
	}
	if p.MaxAuthorizationWait <= 0 {
		p.MaxAuthorizationWait = d.MaxAuthorizationWait
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = d.SweepInterval
	}
	if !p.Denomination.IsPositive() {
		p.Denomination = d.Denomination
	}
	if !p.MaxAmount.IsPositive() {
		p.MaxAmount = d.MaxAmount
	}
	if p.InitialGrant.IsNegative() {
		p.InitialGrant = decimal.Zero
	}
	if p.DeliveryAttempts <= 0 {
		p.DeliveryAttempts = d.DeliveryAttempts
	}
	if p.DeliveryInitialBackoff <= 0 {
		p.DeliveryInitialBackoff = d.DeliveryInitialBackoff
	}
	if p.DeliveryMaxBackoff <= 0 {
		p.DeliveryMaxBackoff = d.DeliveryMaxBackoff
	}
	if p.DeliveryBackoffMultiplier < 1 {
		p.DeliveryBackoffMultiplier = d.DeliveryBackoffMultiplier
	}
	return p
}

type Deps struct {
	Store      ledger.Store
	Kiosks     *kiosk.Registry
	Dispatcher kiosk.Dispatcher
	PINs       *pin.Authority
	Verifier   identity.Verifier
	Watcher    PaymentWatcher
	Logger     *zap.Logger
	Metrics    *metrics.Registry
}

// Coordinator owns every withdrawal status transition and, through the
// store, every balance mutation.
type Coordinator struct {
	store      ledger.Store
	kiosks     *kiosk.Registry
	dispatcher kiosk.Dispatcher
	pins       *pin.Authority
	verifier   identity.Verifier
	watcher    PaymentWatcher
	policy     Policy
	logger     *zap.Logger
	metrics    *metrics.Registry
	now        func() time.Time

	kick chan struct{}
	wg   sync.WaitGroup
	// withdrawal ids with an authorization under way
	authorizing sync.Map
}

func New(deps Deps, policy Policy) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher := deps.Watcher
	if watcher == nil {
		watcher = noopWatcher{}
	}
	pins := deps.PINs
	if pins == nil {
		pins = pin.NewAuthority(pin.DefaultWindow, pin.DefaultDigits)
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = identity.StaticVerifier{}
	}
	return &Coordinator{
		store:      deps.Store,
		kiosks:     deps.Kiosks,
		dispatcher: deps.Dispatcher,
		pins:       pins,
		verifier:   verifier,
		watcher:    watcher,
		policy:     policy.withDefaults(),
		logger:     logger.Named("coordinator"),
		metrics:    deps.Metrics,
		now:        time.Now,
		kick:       make(chan struct{}, 1),
	}
}

func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Snapshot is the client view of a withdrawal. The PIN is present only while
// the withdrawal is authorized.
type Snapshot struct {
	ID           uuid.UUID
	PaymentRef   string
	AccountID    string
	Amount       decimal.Decimal
	Units        int
	Status       ledger.Status
	Reason       ledger.Reason
	Retryable    bool
	KioskID      string
	PIN          string
	PINExpiresAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinalizedAt  *time.Time
}

// SnapshotOf converts a stored withdrawal to its client view.
func SnapshotOf(w ledger.Withdrawal) Snapshot {
	return snapshot(w)
}

func snapshot(w ledger.Withdrawal) Snapshot {
	s := Snapshot{
		ID:          w.ID,
		PaymentRef:  w.PaymentRef,
		AccountID:   w.AccountID,
		Amount:      w.Amount,
		Units:       w.Units,
		Status:      w.Status,
		Reason:      w.Reason,
		Retryable:   w.Status.Terminal() && w.Reason.Retryable(),
		KioskID:     w.KioskID,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		FinalizedAt: w.FinalizedAt,
	}
	if w.Status == ledger.StatusAuthorized {
		s.PIN = w.PIN
		s.PINExpiresAt = w.PINExpiresAt
	}
	return s
}

// transition runs fn as one compare-and-set update. A Mutation returning
// ledger.ErrNoTransition yields applied=false with a nil error.
func (c *Coordinator) transition(ctx context.Context, id uuid.UUID, trigger string, fn ledger.Mutation) (ledger.Withdrawal, bool, error) {
	var from ledger.Status
	updated, err := c.store.UpdateWithdrawal(ctx, id, func(w *ledger.Withdrawal) (ledger.Effect, error) {
		from = w.Status
		return fn(w)
	})
	if errors.Is(err, ledger.ErrNoTransition) {
		c.logger.Debug("idempotent replay",
			zap.String("withdrawal_id", id.String()),
			zap.String("trigger", trigger),
			zap.String("status", string(updated.Status)),
		)
		return updated, false, nil
	}
	if err != nil {
		return updated, false, err
	}

	if from != updated.Status {
		c.metrics.IncTransition(string(from), string(updated.Status))
		c.logger.Info("withdrawal transition",
			zap.String("withdrawal_id", id.String()),
			zap.String("trigger", trigger),
			zap.String("from", string(from)),
			zap.String("to", string(updated.Status)),
			zap.String("reason", string(updated.Reason)),
			zap.String("kiosk_id", updated.KioskID),
		)
	}
	if updated.Status != ledger.StatusPending {
		c.watcher.Cancel(id)
	}
	return updated, true, nil
}

// finalize marks w terminal and erases its PIN.
func finalize(w *ledger.Withdrawal, status ledger.Status, reason ledger.Reason, now time.Time) {
	w.Status = status
	w.Reason = reason
	w.FinalizedAt = &now
	w.ClearAuthorization()
}

// Kick asks the run loop to retry confirmed withdrawals soon.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Wait blocks until background deliveries started by Recover finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

type noopWatcher struct{}

func (noopWatcher) Watch(uuid.UUID, string, time.Time) bool { return false }
func (noopWatcher) Cancel(uuid.UUID)                        {}
