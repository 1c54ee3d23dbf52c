package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cashpoint/internal/identity"
	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"
	"cashpoint/internal/monitor"
	"cashpoint/internal/paynet"
	"cashpoint/internal/pin"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeWatcher struct {
	mu        sync.Mutex
	watched   map[uuid.UUID]time.Time
	watches   int
	cancelled map[uuid.UUID]bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		watched:   make(map[uuid.UUID]time.Time),
		cancelled: make(map[uuid.UUID]bool),
	}
}

func (f *fakeWatcher) Watch(id uuid.UUID, _ string, deadline time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watched[id]; ok {
		return false
	}
	f.watched[id] = deadline
	f.watches++
	return true
}

func (f *fakeWatcher) Cancel(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watched[id]; ok {
		delete(f.watched, id)
		f.cancelled[id] = true
	}
}

func (f *fakeWatcher) isWatching(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.watched[id]
	return ok
}

type harness struct {
	c          *Coordinator
	store      *ledger.MemoryStore
	kiosks     *kiosk.Registry
	dispatcher *kiosk.FakeDispatcher
	watcher    *fakeWatcher
	clock      *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	store := ledger.NewMemoryStore()
	registry := kiosk.NewRegistry(kiosk.NewMemoryHealthStore(), time.Minute, nil, nil)
	dispatcher := kiosk.NewFakeDispatcher()
	watcher := newFakeWatcher()

	c := New(Deps{
		Store:      store,
		Kiosks:     registry,
		Dispatcher: dispatcher,
		PINs:       pin.NewAuthority(10*time.Minute, 6).WithClock(clock.Now),
		Verifier:   identity.StaticVerifier{Accept: true},
		Watcher:    watcher,
	}, Policy{
		InitialGrant:           decimal.RequireFromString("50.00"),
		DeliveryInitialBackoff: time.Millisecond,
		DeliveryMaxBackoff:     time.Millisecond,
	})
	c.now = clock.Now

	return &harness{
		c:          c,
		store:      store,
		kiosks:     registry,
		dispatcher: dispatcher,
		watcher:    watcher,
		clock:      clock,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (h *harness) openAccount(t *testing.T, id string) {
	t.Helper()
	_, created, err := h.c.OpenAccount(context.Background(), identity.Proof{
		NullifierHash: id,
		Proof:         "proof",
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (h *harness) heartbeat(t *testing.T, id string, units int) {
	t.Helper()
	_, err := h.c.ReportKioskHeartbeat(context.Background(), kiosk.Heartbeat{
		KioskID:           id,
		HardwareConnected: true,
		InventoryUnits:    units,
		MechanismStatus:   kiosk.MechanismOK,
	})
	require.NoError(t, err)
}

func (h *harness) create(t *testing.T, account, amount, ref string) ledger.Withdrawal {
	t.Helper()
	w, _, err := h.c.CreateWithdrawal(context.Background(), CreateRequest{
		AccountID:  account,
		Amount:     dec(amount),
		PaymentRef: ref,
	})
	require.NoError(t, err)
	return w
}

func (h *harness) confirm(id uuid.UUID) {
	h.c.HandlePaymentEvent(context.Background(), monitor.Event{WithdrawalID: id, Outcome: monitor.OutcomeConfirmed})
}

func (h *harness) balance(t *testing.T, account string) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), account)
	require.NoError(t, err)
	return acct.Balance, acct.Reserved
}

func (h *harness) status(t *testing.T, id uuid.UUID) Snapshot {
	t.Helper()
	s, err := h.c.GetWithdrawalStatus(context.Background(), id)
	require.NoError(t, err)
	return s
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s got %s", want, got.StringFixed(2))
}

func TestWithdrawalCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	assert.Equal(t, ledger.StatusPending, w.Status)
	assert.Equal(t, 80, w.Units)
	assert.True(t, h.watcher.isWatching(w.ID))

	h.confirm(w.ID)
	s := h.status(t, w.ID)
	require.Equal(t, ledger.StatusAuthorized, s.Status)
	assert.Equal(t, "k1", s.KioskID)
	assert.Len(t, s.PIN, 6)
	assert.False(t, h.watcher.isWatching(w.ID))

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "30.00", balance)
	assertMoney(t, "20.00", reserved)

	delivered := h.dispatcher.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, s.PIN, delivered[0].PIN)
	assert.Equal(t, 80, delivered[0].Units)

	result, err := h.c.RedeemPIN(ctx, w.ID, "k1", s.PIN)
	require.NoError(t, err)
	assert.Equal(t, pin.Valid, result)

	s, err = h.c.AcknowledgeDispense(ctx, w.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDispensing, s.Status)
	assert.Empty(t, s.PIN)

	s, err = h.c.ReportKioskOutcome(ctx, OutcomeReport{WithdrawalID: w.ID, KioskID: "k1", Success: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, s.Status)
	assert.NotNil(t, s.FinalizedAt)

	balance, reserved = h.balance(t, "alice")
	assertMoney(t, "30.00", balance)
	assertMoney(t, "0", reserved)

	res, err := h.store.GetReservation(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationSettled, res.State)

	// a retried success report is an idempotent replay
	_, err = h.c.ReportKioskOutcome(ctx, OutcomeReport{WithdrawalID: w.ID, KioskID: "k1", Success: true})
	assert.NoError(t, err)
	_, err = h.c.ReportKioskOutcome(ctx, OutcomeReport{WithdrawalID: w.ID, KioskID: "k1", Success: false})
	assert.ErrorIs(t, err, ErrLateReport)
}

func TestExpiredPINRejectedBeforeSweepAndLateReportDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)
	s := h.status(t, w.ID)
	require.Equal(t, ledger.StatusAuthorized, s.Status)

	h.clock.Advance(11 * time.Minute)

	result, err := h.c.RedeemPIN(ctx, w.ID, "k1", s.PIN)
	require.NoError(t, err)
	assert.Equal(t, pin.Expired, result)
	assert.Equal(t, ledger.StatusAuthorized, h.status(t, w.ID).Status)

	n, err := h.c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s = h.status(t, w.ID)
	assert.Equal(t, ledger.StatusExpired, s.Status)
	assert.Equal(t, ledger.ReasonPINExpired, s.Reason)
	assert.True(t, s.Retryable)
	assert.Empty(t, s.PIN)

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)

	_, err = h.c.ReportKioskOutcome(ctx, OutcomeReport{WithdrawalID: w.ID, KioskID: "k1", Success: true})
	assert.ErrorIs(t, err, ErrLateReport)
	assert.Equal(t, ledger.StatusExpired, h.status(t, w.ID).Status)
	balance, _ = h.balance(t, "alice")
	assertMoney(t, "50.00", balance)

	// sweeping again changes nothing
	n, err = h.c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAckAfterExpiryExpiresImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)
	h.clock.Advance(10 * time.Minute)

	s, err := h.c.AcknowledgeDispense(ctx, w.ID, "k1")
	assert.ErrorIs(t, err, ErrPINExpired)
	assert.Equal(t, ledger.StatusExpired, s.Status)
	balance, _ := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
}

func TestDuplicatePaymentRefReturnsExisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")

	first, created, err := h.c.CreateWithdrawal(ctx, CreateRequest{AccountID: "alice", Amount: dec("20.00"), PaymentRef: "pay-1"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.c.CreateWithdrawal(ctx, CreateRequest{AccountID: "alice", Amount: dec("20.00"), PaymentRef: "pay-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// different parameters still resolve to the original withdrawal
	third, created, err := h.c.CreateWithdrawal(ctx, CreateRequest{AccountID: "alice", Amount: dec("5.00"), PaymentRef: " pay-1 "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, third.ID)

	// another account never learns the withdrawal behind a reference
	h.openAccount(t, "mallory")
	_, _, err = h.c.CreateWithdrawal(ctx, CreateRequest{AccountID: "mallory", Amount: dec("20.00"), PaymentRef: "pay-1"})
	assert.ErrorIs(t, err, ErrPaymentRefTaken)
	_, err = h.c.GetWithdrawalByPaymentRef(ctx, "mallory", "pay-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	snap, err := h.c.GetWithdrawalByPaymentRef(ctx, "alice", "pay-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, snap.ID)

	assert.Equal(t, 1, h.watcher.watches)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")

	cases := []struct {
		name    string
		account string
		amount  string
		ref     string
		field   string
	}{
		{"zero amount", "alice", "0", "r1", "amount"},
		{"negative", "alice", "-1.00", "r2", "amount"},
		{"sub cent", "alice", "1.005", "r3", "amount"},
		{"not a unit multiple", "alice", "1.10", "r4", "amount"},
		{"above max", "alice", "1000.00", "r5", "amount"},
		{"unknown account", "bob", "1.00", "r6", "accountId"},
		{"missing ref", "alice", "1.00", "", "paymentReference"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.c.CreateWithdrawal(context.Background(), CreateRequest{
				AccountID:  tc.account,
				Amount:     dec(tc.amount),
				PaymentRef: tc.ref,
			})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)

			_, err = h.store.GetWithdrawalByPaymentRef(context.Background(), tc.ref)
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestInsufficientFundsAtCreate(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")

	w := h.create(t, "alice", "60.00", "pay-1")
	assert.Equal(t, ledger.StatusFailed, w.Status)
	assert.Equal(t, ledger.ReasonInsufficientFunds, w.Reason)
	assert.False(t, h.watcher.isWatching(w.ID))

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestInsufficientFundsAtConfirmation(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 1000)

	a := h.create(t, "alice", "40.00", "pay-a")
	b := h.create(t, "alice", "40.00", "pay-b")

	h.confirm(a.ID)
	h.confirm(b.ID)

	assert.Equal(t, ledger.StatusAuthorized, h.status(t, a.ID).Status)
	sb := h.status(t, b.ID)
	assert.Equal(t, ledger.StatusFailed, sb.Status)
	assert.Equal(t, ledger.ReasonInsufficientFunds, sb.Reason)
	assert.False(t, sb.Retryable)

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "10.00", balance)
	assertMoney(t, "40.00", reserved)

	_, err := h.store.GetReservation(context.Background(), b.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPaymentRejectedHasNoBalanceImpact(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.c.HandlePaymentEvent(context.Background(), monitor.Event{WithdrawalID: w.ID, Outcome: monitor.OutcomeTimedOut})

	s := h.status(t, w.ID)
	assert.Equal(t, ledger.StatusFailed, s.Status)
	assert.Equal(t, ledger.ReasonPaymentFailed, s.Reason)

	// a late confirmation cannot revive it
	h.confirm(w.ID)
	assert.Equal(t, ledger.StatusFailed, h.status(t, w.ID).Status)
	assert.Empty(t, h.dispatcher.Delivered())

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestPaymentCallbackConfirms(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	w := h.create(t, "alice", "20.00", "pay-1")

	s, err := h.c.HandlePaymentCallback(context.Background(), "pay-1", paynet.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, s.Status)

	s, err = h.c.HandlePaymentCallback(context.Background(), "pay-1", paynet.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAuthorized, s.Status)
	assert.False(t, h.watcher.isWatching(w.ID))

	// replay from the gateway
	s, err = h.c.HandlePaymentCallback(context.Background(), "pay-1", paynet.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAuthorized, s.Status)
	assert.Len(t, h.dispatcher.Delivered(), 1)

	_, err = h.c.HandlePaymentCallback(context.Background(), "nope", paynet.StatusConfirmed)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDispenseFailureReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)
	_, err := h.c.AcknowledgeDispense(ctx, w.ID, "k1")
	require.NoError(t, err)

	s, err := h.c.ReportKioskOutcome(ctx, OutcomeReport{WithdrawalID: w.ID, KioskID: "k1", Success: false, Detail: "jam"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, s.Status)
	assert.Equal(t, ledger.ReasonDispenseFailed, s.Reason)
	assert.True(t, s.Retryable)

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestKioskMismatchRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	h.heartbeat(t, "k2", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)
	require.Equal(t, "k1", h.status(t, w.ID).KioskID)

	_, err := h.c.AcknowledgeDispense(ctx, w.ID, "k2")
	assert.ErrorIs(t, err, ErrKioskMismatch)
	result, err := h.c.RedeemPIN(ctx, w.ID, "k2", h.status(t, w.ID).PIN)
	require.NoError(t, err)
	assert.Equal(t, pin.Invalid, result)

	_, err = h.c.ReportKioskOutcome(ctx, OutcomeReport{WithdrawalID: w.ID, KioskID: "k1", Success: true})
	assert.ErrorIs(t, err, ErrNotDispensing)
	assert.Equal(t, ledger.StatusAuthorized, h.status(t, w.ID).Status)
}

func TestAckIsIdempotentForHoldingKiosk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	_, err := h.c.AcknowledgeDispense(ctx, w.ID, "k1")
	require.NoError(t, err)
	s, err := h.c.AcknowledgeDispense(ctx, w.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDispensing, s.Status)
}

func TestNoKioskWaitsThenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)
	assert.Equal(t, ledger.StatusConfirmed, h.status(t, w.ID).Status)
	balance, _ := h.balance(t, "alice")
	assertMoney(t, "30.00", balance)

	h.clock.Advance(16 * time.Minute)
	require.NoError(t, h.c.RetryConfirmed(ctx))

	s := h.status(t, w.ID)
	assert.Equal(t, ledger.StatusFailed, s.Status)
	assert.Equal(t, ledger.ReasonKioskUnavailable, s.Reason)
	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestHeartbeatKicksWaitingWithdrawal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 10)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)
	require.Equal(t, ledger.StatusConfirmed, h.status(t, w.ID).Status)

	// drain any earlier kick
	select {
	case <-h.c.kick:
	default:
	}

	h.heartbeat(t, "k1", 400)
	select {
	case <-h.c.kick:
	default:
		t.Fatalf("expected heartbeat to kick the run loop")
	}

	require.NoError(t, h.c.RetryConfirmed(ctx))
	assert.Equal(t, ledger.StatusAuthorized, h.status(t, w.ID).Status)
}

func TestRunLoopAuthorizesAfterHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	h.heartbeat(t, "k1", 400)
	require.Eventually(t, func() bool {
		s, err := h.c.GetWithdrawalStatus(context.Background(), w.ID)
		return err == nil && s.Status == ledger.StatusAuthorized
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDeliveryBudgetExhaustedStaysConfirmedUntilWait(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	h.dispatcher.FailNext(3, assert.AnError)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	s := h.status(t, w.ID)
	assert.Equal(t, ledger.StatusConfirmed, s.Status)
	assert.Empty(t, s.PIN)
	assert.Empty(t, s.KioskID)
	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "30.00", balance)
	assertMoney(t, "20.00", reserved)

	h.clock.Advance(16 * time.Minute)
	h.heartbeat(t, "k1", 400)
	h.dispatcher.FailNext(3, assert.AnError)
	require.NoError(t, h.c.RetryConfirmed(ctx))

	s = h.status(t, w.ID)
	assert.Equal(t, ledger.StatusFailed, s.Status)
	assert.Equal(t, ledger.ReasonKioskUnavailable, s.Reason)
	assert.Empty(t, s.PIN)
	balance, reserved = h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestDeliveryFailureMovesToNextKiosk(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	h.heartbeat(t, "k2", 400)
	h.dispatcher.FailNext(3, assert.AnError)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	s := h.status(t, w.ID)
	require.Equal(t, ledger.StatusAuthorized, s.Status)
	assert.Equal(t, "k2", s.KioskID)
	delivered := h.dispatcher.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "k2", delivered[0].KioskID)
	assert.Equal(t, s.PIN, delivered[0].PIN)
}

func TestUnreachableKioskNeverSelected(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "kiosk-a", 400)
	h.heartbeat(t, "kiosk-b", 400)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	// kiosk-a heartbeats but has no route back from the coordinator
	h.c.dispatcher = kiosk.NewHTTPDispatcher(kiosk.HTTPDispatcherConfig{
		Endpoints: map[string]string{"kiosk-b": srv.URL},
		Secret:    "kiosk-secret",
	}, nil, nil)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	s := h.status(t, w.ID)
	require.Equal(t, ledger.StatusAuthorized, s.Status)
	assert.Equal(t, "kiosk-b", s.KioskID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNoReachableKioskStaysConfirmed(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	h.dispatcher.SetUnreachable("k1")

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	assert.Equal(t, ledger.StatusConfirmed, h.status(t, w.ID).Status)
	assert.Empty(t, h.dispatcher.Delivered())
}

func TestDeliveryRetriesWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	h.dispatcher.FailNext(2, assert.AnError)

	w := h.create(t, "alice", "20.00", "pay-1")
	h.confirm(w.ID)

	assert.Equal(t, ledger.StatusAuthorized, h.status(t, w.ID).Status)
	assert.Len(t, h.dispatcher.Delivered(), 1)
	stored, err := h.store.GetWithdrawal(context.Background(), w.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt)
}

func TestForceFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	pending := h.create(t, "alice", "5.00", "pay-1")
	s, err := h.c.ForceFail(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, s.Status)
	assert.Equal(t, ledger.ReasonCancelled, s.Reason)
	assert.False(t, h.watcher.isWatching(pending.ID))

	_, err = h.c.ForceFail(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrFinalized)

	authorized := h.create(t, "alice", "20.00", "pay-2")
	h.confirm(authorized.ID)
	_, err = h.c.ForceFail(ctx, authorized.ID)
	require.NoError(t, err)

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestConcurrentConfirmationsReserveOnce(t *testing.T) {
	h := newHarness(t)
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)
	w := h.create(t, "alice", "20.00", "pay-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.confirm(w.ID)
		}()
	}
	wg.Wait()

	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "30.00", balance)
	assertMoney(t, "20.00", reserved)
	assert.Len(t, h.dispatcher.Delivered(), 1)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openAccount(t, "alice")
	h.heartbeat(t, "k1", 400)

	pending := h.create(t, "alice", "5.00", "pay-1")
	// simulate a restart: the watcher lost its state
	h.watcher = newFakeWatcher()
	h.c.watcher = h.watcher

	// a terminal withdrawal left holding a reservation
	stuck := h.create(t, "alice", "10.00", "pay-2")
	_, err := h.store.UpdateWithdrawal(ctx, stuck.ID, func(w *ledger.Withdrawal) (ledger.Effect, error) {
		w.Status = ledger.StatusFailed
		w.Reason = ledger.ReasonDispenseFailed
		return ledger.EffectReserve, nil
	})
	require.NoError(t, err)
	balance, _ := h.balance(t, "alice")
	assertMoney(t, "40.00", balance)

	report, err := h.c.Recover(ctx)
	require.NoError(t, err)
	h.c.Wait()

	assert.Equal(t, 1, report.Rewatched)
	assert.Equal(t, 1, report.Reconciled)
	assert.True(t, h.watcher.isWatching(pending.ID))

	res, err := h.store.GetReservation(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationReleased, res.State)
	balance, reserved := h.balance(t, "alice")
	assertMoney(t, "50.00", balance)
	assertMoney(t, "0", reserved)
}

func TestOpenAccountGrantsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proof := identity.Proof{NullifierHash: "0xabc", Proof: "p"}

	acct, created, err := h.c.OpenAccount(ctx, proof)
	require.NoError(t, err)
	assert.True(t, created)
	assertMoney(t, "50.00", acct.Balance)

	acct, created, err = h.c.OpenAccount(ctx, proof)
	require.NoError(t, err)
	assert.False(t, created)
	assertMoney(t, "50.00", acct.Balance)

	h.c.verifier = identity.StaticVerifier{Accept: false}
	_, _, err = h.c.OpenAccount(ctx, identity.Proof{NullifierHash: "0xdef", Proof: "p"})
	assert.ErrorIs(t, err, ErrUnverified)
	_, err = h.store.GetAccount(ctx, "0xdef")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
