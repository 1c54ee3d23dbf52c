package paynet

import (
	"context"
	"sync"
)

// FakeNetwork answers from an in-memory table. Unknown references stay
// pending. Queued errors are returned before the table is consulted.
type FakeNetwork struct {
	mu       sync.Mutex
	statuses map[string]Status
	errs     map[string][]error
	calls    map[string]int
}

func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		statuses: make(map[string]Status),
		errs:     make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (f *FakeNetwork) Set(paymentRef string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[paymentRef] = status
}

// FailNext queues transient errors for the reference.
func (f *FakeNetwork) FailNext(paymentRef string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[paymentRef] = append(f.errs[paymentRef], errs...)
}

func (f *FakeNetwork) Calls(paymentRef string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[paymentRef]
}

func (f *FakeNetwork) PaymentStatus(_ context.Context, paymentRef string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[paymentRef]++

	if queued := f.errs[paymentRef]; len(queued) > 0 {
		f.errs[paymentRef] = queued[1:]
		return "", queued[0]
	}
	if status, ok := f.statuses[paymentRef]; ok {
		return status, nil
	}
	return StatusPending, nil
}

func (f *FakeNetwork) Ping(context.Context) error {
	return nil
}
