package agent

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"cashpoint/internal/kiosk"
)

// Outcome is the dispenser's explicit answer. Callers never infer success
// from anything else.
type Outcome struct {
	Success bool
	Reason  string
}

type DeviceStatus struct {
	Connected      bool
	InventoryUnits int
	Mechanism      string
}

// Dispenser is the physical dispense capability. Dispense is never called
// concurrently on one kiosk.
type Dispenser interface {
	Dispense(ctx context.Context, units int) Outcome
	Status(ctx context.Context) DeviceStatus
}

// SimulatedDispenser stands in for the coin hopper in development.
type SimulatedDispenser struct {
	mu        sync.Mutex
	inventory int
	failRate  float64
	delay     time.Duration
	rng       *rand.Rand
	jammed    bool
}

func NewSimulatedDispenser(inventory int, failRate float64, delay time.Duration) *SimulatedDispenser {
	return &SimulatedDispenser{
		inventory: inventory,
		failRate:  failRate,
		delay:     delay,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedDispenser) Dispense(ctx context.Context, units int) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jammed {
		return Outcome{Reason: "mechanism jammed"}
	}
	if units > s.inventory {
		return Outcome{Reason: "insufficient inventory"}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Outcome{Reason: "interrupted"}
		}
	}
	if s.failRate > 0 && s.rng.Float64() < s.failRate {
		s.jammed = true
		return Outcome{Reason: "mechanism jammed"}
	}
	s.inventory -= units
	return Outcome{Success: true}
}

func (s *SimulatedDispenser) Status(context.Context) DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	mech := kiosk.MechanismOK
	if s.jammed {
		mech = kiosk.MechanismJam
	}
	return DeviceStatus{Connected: true, InventoryUnits: s.inventory, Mechanism: mech}
}

// Clear resets a jam.
func (s *SimulatedDispenser) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jammed = false
}
