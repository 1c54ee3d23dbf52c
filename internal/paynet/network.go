package paynet

import (
	"context"
)

// Status is the payment state reported by the network.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether the network reached a definitive answer.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Network abstracts the external payment network. A returned error is
// transient; a definitive rejection is reported as StatusRejected.
type Network interface {
	PaymentStatus(ctx context.Context, paymentRef string) (Status, error)
}

// HealthChecker is implemented by networks that can probe connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
