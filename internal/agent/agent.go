package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"cashpoint/internal/kiosk"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownWithdrawal = errors.New("no authorization for withdrawal")
	ErrWrongKiosk        = errors.New("authorization is for another kiosk")
	ErrWrongPIN          = errors.New("wrong pin")
	ErrLockedOut         = errors.New("too many wrong pin attempts")
	ErrExpired           = errors.New("authorization expired")
	ErrAlreadyUsed       = errors.New("authorization already used")
)

type entryState int

const (
	stateWaiting entryState = iota
	stateInFlight
	stateUsed
	stateLocked
)

type entry struct {
	auth     kiosk.Authorization
	attempts int
	state    entryState
}

type Config struct {
	KioskID           string
	MaxPINAttempts    int
	HeartbeatInterval time.Duration
}

// Agent runs on the kiosk. It holds delivered authorizations, checks PINs
// locally, acks the coordinator before dispensing and reports every outcome
// at least once.
type Agent struct {
	cfg       Config
	coord     Coordinator
	dispenser Dispenser
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	outbox  []Report

	// one dispense in flight per kiosk
	dispenseMu sync.Mutex
}

func New(cfg Config, coord Coordinator, dispenser Dispenser, logger *zap.Logger) *Agent {
	if cfg.MaxPINAttempts <= 0 {
		cfg.MaxPINAttempts = 3
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:       cfg,
		coord:     coord,
		dispenser: dispenser,
		logger:    logger.Named("agent").With(zap.String("kiosk_id", cfg.KioskID)),
		now:       time.Now,
		entries:   make(map[uuid.UUID]*entry),
	}
}

// Accept stores a delivered authorization. Redelivery of a known withdrawal
// is a no-op unless it carries a freshly minted PIN and the old one has not
// been used yet.
func (a *Agent) Accept(auth kiosk.Authorization) error {
	if auth.KioskID != a.cfg.KioskID {
		return ErrWrongKiosk
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[auth.WithdrawalID]; ok {
		if e.state != stateWaiting || e.auth.PIN == auth.PIN {
			a.logger.Debug("duplicate delivery", zap.String("withdrawal_id", auth.WithdrawalID.String()))
			return nil
		}
		a.logger.Info("authorization replaced",
			zap.String("withdrawal_id", auth.WithdrawalID.String()),
			zap.Time("expires_at", auth.ExpiresAt),
		)
		a.entries[auth.WithdrawalID] = &entry{auth: auth}
		return nil
	}
	a.entries[auth.WithdrawalID] = &entry{auth: auth}
	a.logger.Info("authorization received",
		zap.String("withdrawal_id", auth.WithdrawalID.String()),
		zap.Int("units", auth.Units),
		zap.Time("expires_at", auth.ExpiresAt),
	)
	return nil
}

// EnterPIN validates a PIN typed at the kiosk and, if the coordinator
// accepts the ack, dispenses.
func (a *Agent) EnterPIN(ctx context.Context, withdrawalID uuid.UUID, code string) (Outcome, error) {
	a.dispenseMu.Lock()
	defer a.dispenseMu.Unlock()

	auth, err := a.checkPIN(withdrawalID, code)
	if err != nil {
		return Outcome{}, err
	}

	if err := a.coord.Acknowledge(ctx, withdrawalID, a.cfg.KioskID); err != nil {
		if errors.Is(err, ErrRejected) {
			a.setState(withdrawalID, stateUsed)
		} else {
			// transient: let the customer try again
			a.setState(withdrawalID, stateWaiting)
		}
		a.logger.Warn("dispense ack refused",
			zap.String("withdrawal_id", withdrawalID.String()),
			zap.Error(err),
		)
		return Outcome{}, fmt.Errorf("acknowledge: %w", err)
	}
	a.setState(withdrawalID, stateUsed)

	outcome := a.dispenser.Dispense(ctx, auth.Units)
	a.logger.Info("dispense finished",
		zap.String("withdrawal_id", withdrawalID.String()),
		zap.Bool("success", outcome.Success),
		zap.String("reason", outcome.Reason),
	)

	a.report(ctx, Report{
		WithdrawalID: withdrawalID,
		KioskID:      a.cfg.KioskID,
		Success:      outcome.Success,
		Reason:       outcome.Reason,
		Timestamp:    a.now(),
	})
	return outcome, nil
}

func (a *Agent) checkPIN(withdrawalID uuid.UUID, code string) (kiosk.Authorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[withdrawalID]
	if !ok {
		return kiosk.Authorization{}, ErrUnknownWithdrawal
	}
	switch e.state {
	case stateLocked:
		return kiosk.Authorization{}, ErrLockedOut
	case stateUsed, stateInFlight:
		return kiosk.Authorization{}, ErrAlreadyUsed
	}
	if !a.now().Before(e.auth.ExpiresAt) {
		return kiosk.Authorization{}, ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(e.auth.PIN), []byte(code)) != 1 {
		e.attempts++
		if e.attempts >= a.cfg.MaxPINAttempts {
			e.state = stateLocked
			a.logger.Warn("pin attempts exhausted", zap.String("withdrawal_id", withdrawalID.String()))
			return kiosk.Authorization{}, ErrLockedOut
		}
		return kiosk.Authorization{}, ErrWrongPIN
	}
	e.state = stateInFlight
	return e.auth, nil
}

func (a *Agent) setState(withdrawalID uuid.UUID, s entryState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[withdrawalID]; ok {
		e.state = s
	}
}

func (a *Agent) report(ctx context.Context, r Report) {
	err := a.coord.Report(ctx, r)
	if err == nil {
		return
	}
	if errors.Is(err, ErrRejected) {
		a.logger.Warn("outcome report rejected",
			zap.String("withdrawal_id", r.WithdrawalID.String()),
			zap.Error(err),
		)
		return
	}
	a.logger.Warn("outcome report queued for retry",
		zap.String("withdrawal_id", r.WithdrawalID.String()),
		zap.Error(err),
	)
	a.mu.Lock()
	a.outbox = append(a.outbox, r)
	a.mu.Unlock()
}

// FlushReports resends queued outcome reports and returns how many remain.
func (a *Agent) FlushReports(ctx context.Context) int {
	a.mu.Lock()
	pending := a.outbox
	a.outbox = nil
	a.mu.Unlock()

	var keep []Report
	for _, r := range pending {
		err := a.coord.Report(ctx, r)
		if err != nil && !errors.Is(err, ErrRejected) {
			keep = append(keep, r)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbox = append(keep, a.outbox...)
	return len(a.outbox)
}

func (a *Agent) SendHeartbeat(ctx context.Context) error {
	status := a.dispenser.Status(ctx)
	return a.coord.Heartbeat(ctx, kiosk.Heartbeat{
		KioskID:           a.cfg.KioskID,
		HardwareConnected: status.Connected,
		InventoryUnits:    status.InventoryUnits,
		MechanismStatus:   status.Mechanism,
		Timestamp:         a.now(),
	})
}

// prune drops authorizations that can no longer be used.
func (a *Agent) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-time.Hour)
	for id, e := range a.entries {
		if e.state != stateInFlight && e.auth.ExpiresAt.Before(cutoff) {
			delete(a.entries, id)
		}
	}
}

// Run sends heartbeats and flushes queued reports until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := a.SendHeartbeat(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", zap.Error(err))
		}
		if n := a.FlushReports(ctx); n > 0 {
			a.logger.Info("outcome reports still queued", zap.Int("count", n))
		}
		a.prune()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
