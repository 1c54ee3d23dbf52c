package monitor

import (
	"context"
	"sync"
	"time"

	"cashpoint/internal/metrics"
	"cashpoint/internal/paynet"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Event is the single terminal result of a payment watch.
type Event struct {
	WithdrawalID uuid.UUID
	PaymentRef   string
	Outcome      Outcome
	At           time.Time
}

// Handler receives terminal events. It must be safe to call concurrently.
type Handler func(ctx context.Context, ev Event)

type Config struct {
	PollInterval      time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	// MaxOutage bounds how long an uninterrupted run of network errors may
	// postpone the deadline before the watch gives up.
	MaxOutage time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		MaxOutage:         time.Hour,
	}
}

// Monitor runs one polling goroutine per watched withdrawal. It keeps no
// state that cannot be rebuilt from pending withdrawal records.
type Monitor struct {
	network paynet.Network
	handler Handler
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	watches map[uuid.UUID]*watch
	wg      sync.WaitGroup
}

type watch struct {
	cancel context.CancelFunc
}

func New(network paynet.Network, handler Handler, cfg Config, logger *zap.Logger, m *metrics.Registry) *Monitor {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if cfg.MaxOutage <= 0 {
		cfg.MaxOutage = defaults.MaxOutage
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base, stop := context.WithCancel(context.Background())
	return &Monitor{
		network: network,
		handler: handler,
		cfg:     cfg,
		logger:  logger.Named("monitor"),
		metrics: m,
		now:     time.Now,
		base:    base,
		stop:    stop,
		watches: make(map[uuid.UUID]*watch),
	}
}

// Watch starts polling paymentRef until a terminal answer or deadline. It
// returns false if the withdrawal is already watched or the monitor closed.
func (m *Monitor) Watch(withdrawalID uuid.UUID, paymentRef string, deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.base.Err() != nil {
		return false
	}
	if _, ok := m.watches[withdrawalID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.base)
	w := &watch{cancel: cancel}
	m.watches[withdrawalID] = w
	m.metrics.SetActiveWatches(len(m.watches))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.finish(withdrawalID, w)
		m.run(ctx, withdrawalID, paymentRef, deadline)
	}()

	m.logger.Debug("watch started",
		zap.String("withdrawal_id", withdrawalID.String()),
		zap.String("payment_ref", paymentRef),
		zap.Time("deadline", deadline),
	)
	return true
}

// Cancel tears down the watch; no event is emitted afterwards.
func (m *Monitor) Cancel(withdrawalID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[withdrawalID]; ok {
		w.cancel()
		delete(m.watches, withdrawalID)
		m.metrics.SetActiveWatches(len(m.watches))
	}
}

func (m *Monitor) Watching(withdrawalID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[withdrawalID]
	return ok
}

func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Close cancels every watch and waits for the goroutines to exit.
func (m *Monitor) Close() {
	m.stop()
	m.wg.Wait()
}

func (m *Monitor) finish(withdrawalID uuid.UUID, w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.watches[withdrawalID]; ok && current == w {
		delete(m.watches, withdrawalID)
		m.metrics.SetActiveWatches(len(m.watches))
	}
	w.cancel()
}

func (m *Monitor) run(ctx context.Context, withdrawalID uuid.UUID, paymentRef string, deadline time.Time) {
	backoff := m.cfg.InitialBackoff
	var (
		outage      time.Duration
		outageStart time.Time
	)

	for {
		status, err := m.network.PaymentStatus(ctx, paymentRef)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			now := m.now()
			if outageStart.IsZero() {
				outageStart = now
			}
			if now.Sub(outageStart) > m.cfg.MaxOutage {
				m.logger.Warn("payment network unreachable beyond max outage",
					zap.String("withdrawal_id", withdrawalID.String()),
					zap.Error(err),
				)
				m.emit(ctx, withdrawalID, paymentRef, OutcomeTimedOut)
				return
			}
			m.logger.Debug("payment status poll failed",
				zap.String("withdrawal_id", withdrawalID.String()),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= time.Duration(m.cfg.BackoffMultiplier)
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
			continue
		}

		if !outageStart.IsZero() {
			outage += m.now().Sub(outageStart)
			outageStart = time.Time{}
		}
		backoff = m.cfg.InitialBackoff

		switch status {
		case paynet.StatusConfirmed:
			m.emit(ctx, withdrawalID, paymentRef, OutcomeConfirmed)
			return
		case paynet.StatusRejected:
			m.emit(ctx, withdrawalID, paymentRef, OutcomeRejected)
			return
		}

		// network outages do not consume the deadline
		if !m.now().Before(deadline.Add(outage)) {
			m.emit(ctx, withdrawalID, paymentRef, OutcomeTimedOut)
			return
		}

		if !sleep(ctx, m.cfg.PollInterval) {
			return
		}
	}
}

func (m *Monitor) emit(ctx context.Context, withdrawalID uuid.UUID, paymentRef string, outcome Outcome) {
	if ctx.Err() != nil {
		return
	}
	m.metrics.IncPaymentEvent(string(outcome))
	m.logger.Info("payment watch finished",
		zap.String("withdrawal_id", withdrawalID.String()),
		zap.String("outcome", string(outcome)),
	)
	if m.handler == nil {
		return
	}
	// handler cancels this watch, so it must not run on the watch context
	m.handler(m.base, Event{
		WithdrawalID: withdrawalID,
		PaymentRef:   paymentRef,
		Outcome:      outcome,
		At:           m.now(),
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
