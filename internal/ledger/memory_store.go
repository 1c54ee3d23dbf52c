package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. Used by tests and local
// runs without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	withdrawals  map[uuid.UUID]Withdrawal
	byPaymentRef map[string]uuid.UUID
	accounts     map[string]Account
	reservations map[uuid.UUID]Reservation
	grants       map[string]Grant
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		withdrawals:  make(map[uuid.UUID]Withdrawal),
		byPaymentRef: make(map[string]uuid.UUID),
		accounts:     make(map[string]Account),
		reservations: make(map[uuid.UUID]Reservation),
		grants:       make(map[string]Grant),
		now:          time.Now,
	}
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, w Withdrawal) (Withdrawal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byPaymentRef[w.PaymentRef]; ok {
		return m.withdrawals[id], false, nil
	}
	if _, ok := m.withdrawals[w.ID]; ok {
		return Withdrawal{}, false, ErrConflict
	}
	w.Version = 1
	m.withdrawals[w.ID] = w
	m.byPaymentRef[w.PaymentRef] = w.ID
	return w, true, nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id uuid.UUID) (Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return w, nil
}

func (m *MemoryStore) GetWithdrawalByPaymentRef(_ context.Context, ref string) (Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPaymentRef[ref]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return m.withdrawals[id], nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, status Status, limit int) ([]Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Withdrawal, 0)
	for _, w := range m.withdrawals {
		if w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnresolvedTerminal(_ context.Context) ([]Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Withdrawal, 0)
	for id, res := range m.reservations {
		if res.State != ReservationHeld {
			continue
		}
		if w := m.withdrawals[id]; w.Status.Terminal() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateWithdrawal(ctx context.Context, id uuid.UUID, fn Mutation) (Withdrawal, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := m.GetWithdrawal(ctx, id)
		if err != nil {
			return Withdrawal{}, err
		}

		next := current
		effect, err := fn(&next)
		if err != nil {
			return current, err
		}

		updated, err := m.commit(current.Version, next, effect)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return updated, err
	}
	return Withdrawal{}, ErrConflict
}

func (m *MemoryStore) commit(version int64, next Withdrawal, effect Effect) (Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.withdrawals[next.ID]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	if stored.Version != version {
		return Withdrawal{}, ErrConflict
	}

	now := m.now()
	if effect != EffectNone {
		acct, ok := m.accounts[next.AccountID]
		if !ok {
			return stored, ErrNotFound
		}
		res := m.reservations[next.ID]
		changed, err := applyEffect(effect, next, &acct, &res, now)
		if err != nil {
			return stored, err
		}
		if changed {
			m.accounts[acct.ID] = acct
			m.reservations[next.ID] = res
		}
	}

	next.Version = version + 1
	next.UpdatedAt = now
	m.withdrawals[next.ID] = next
	return next, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryStore) ApplyGrant(_ context.Context, g Grant) (Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.grants[g.ID]; ok {
		return m.accounts[prev.AccountID], false, nil
	}

	now := m.now()
	acct, ok := m.accounts[g.AccountID]
	if !ok {
		acct = Account{ID: g.AccountID, CreatedAt: now}
	}
	acct.Balance = acct.Balance.Add(g.Amount)
	acct.UpdatedAt = now
	m.accounts[acct.ID] = acct

	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	m.grants[g.ID] = g
	return acct, true, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, withdrawalID uuid.UUID) (Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.reservations[withdrawalID]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return res, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
