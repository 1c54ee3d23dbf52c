package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cashpoint/internal/hmacauth"
	"cashpoint/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Authorization is the dispense grant pushed to a kiosk. Kiosks must treat a
// repeated WithdrawalID as the same grant.
type Authorization struct {
	WithdrawalID uuid.UUID       `json:"withdrawalId"`
	KioskID      string          `json:"kioskId"`
	PIN          string          `json:"pin"`
	Amount       decimal.Decimal `json:"amount"`
	Units        int             `json:"units"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// Dispatcher delivers authorizations. A nil error means the kiosk accepted
// the grant; callers retry on error.
type Dispatcher interface {
	Deliver(ctx context.Context, auth Authorization) error
}

// Reachability is implemented by dispatchers that know ahead of a delivery
// whether a kiosk can be reached at all.
type Reachability interface {
	Reachable(kioskID string) bool
}

type HTTPDispatcherConfig struct {
	// Endpoints maps kiosk id to the base URL of its agent.
	Endpoints map[string]string
	Secret    string
	Timeout   time.Duration
	// BreakerFailures consecutive failures open a kiosk's breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// HTTPDispatcher posts signed authorizations to kiosk agents, with one
// circuit breaker per kiosk so a dead kiosk fails fast.
type HTTPDispatcher struct {
	cfg     HTTPDispatcherConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPDispatcher(cfg HTTPDispatcherConfig, logger *zap.Logger, m *metrics.Registry) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("dispatch"),
		metrics:  m,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *HTTPDispatcher) Deliver(ctx context.Context, auth Authorization) error {
	base, ok := d.cfg.Endpoints[auth.KioskID]
	if !ok {
		d.metrics.IncDelivery("unknown_kiosk")
		return fmt.Errorf("%w: %s has no endpoint", ErrUnknownKiosk, auth.KioskID)
	}

	_, err := d.breaker(auth.KioskID).Execute(func() (interface{}, error) {
		return nil, d.post(ctx, strings.TrimRight(base, "/")+"/authorizations", auth)
	})
	switch {
	case err == nil:
		d.metrics.IncDelivery("ok")
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		d.metrics.IncDelivery("breaker_open")
	default:
		d.metrics.IncDelivery("error")
	}
	if err != nil {
		return fmt.Errorf("deliver %s to %s: %w", auth.WithdrawalID, auth.KioskID, err)
	}
	return nil
}

// Reachable reports whether the kiosk has an endpoint and its breaker is not
// open.
func (d *HTTPDispatcher) Reachable(kioskID string) bool {
	if _, ok := d.cfg.Endpoints[kioskID]; !ok {
		return false
	}
	d.mu.Lock()
	cb, ok := d.breakers[kioskID]
	d.mu.Unlock()
	return !ok || cb.State() != gobreaker.StateOpen
}

func (d *HTTPDispatcher) post(ctx context.Context, url string, auth Authorization) error {
	body, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	hmacauth.SignRequest(req, d.cfg.Secret, body, d.now())

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kiosk responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (d *HTTPDispatcher) breaker(kioskID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[kioskID]; ok {
		return cb
	}
	failures := d.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    kioskID,
		Timeout: d.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("kiosk breaker state changed",
				zap.String("kiosk_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	d.breakers[kioskID] = cb
	return cb
}

// FakeDispatcher records deliveries in memory. Failures queued with FailNext
// are returned before any delivery succeeds.
type FakeDispatcher struct {
	mu          sync.Mutex
	delivered   []Authorization
	failures    int
	err         error
	unreachable map[string]bool
}

func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{unreachable: make(map[string]bool)}
}

// SetUnreachable marks kiosks as having no route from the coordinator.
func (f *FakeDispatcher) SetUnreachable(kioskIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range kioskIDs {
		f.unreachable[id] = true
	}
}

func (f *FakeDispatcher) Reachable(kioskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unreachable[kioskID]
}

func (f *FakeDispatcher) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.err = err
}

func (f *FakeDispatcher) Deliver(_ context.Context, auth Authorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[auth.KioskID] {
		return fmt.Errorf("%w: %s is unreachable", ErrUnknownKiosk, auth.KioskID)
	}
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.delivered = append(f.delivered, auth)
	return nil
}

func (f *FakeDispatcher) Delivered() []Authorization {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Authorization, len(f.delivered))
	copy(out, f.delivered)
	return out
}
