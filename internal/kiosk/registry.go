package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cashpoint/internal/metrics"

	"go.uber.org/zap"
)

const DefaultLivenessWindow = 90 * time.Second

// Registry owns kiosk health. Online is recomputed on every read from
// LastSeen and the liveness window.
type Registry struct {
	store    HealthStore
	liveness time.Duration
	logger   *zap.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

func NewRegistry(store HealthStore, liveness time.Duration, logger *zap.Logger, m *metrics.Registry) *Registry {
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:    store,
		liveness: liveness,
		logger:   logger.Named("kiosk"),
		metrics:  m,
		now:      time.Now,
	}
}

// Record upserts the kiosk's health from a heartbeat. LastSeen is always the
// server receive time. A heartbeat stamped slightly earlier than the last one
// applied arrived out of order: it proves liveness but its health fields are
// not applied. A larger regression is a kiosk clock correction and is applied
// in full.
func (r *Registry) Record(ctx context.Context, hb Heartbeat) (Health, error) {
	hb.KioskID = strings.TrimSpace(hb.KioskID)
	if hb.KioskID == "" || hb.InventoryUnits < 0 {
		return Health{}, ErrInvalidHeartbeat
	}
	now := r.now()

	prev, err := r.store.Get(ctx, hb.KioskID)
	switch {
	case err == nil:
		if r.outOfOrder(prev, hb) {
			r.logger.Info("out of order heartbeat, liveness only",
				zap.String("kiosk_id", hb.KioskID),
				zap.Time("reported_at", hb.Timestamp),
				zap.Time("last_reported_at", prev.ReportedAt),
			)
			prev.LastSeen = now
			return r.save(ctx, prev, now)
		}
	case !errors.Is(err, ErrUnknownKiosk):
		return Health{}, err
	}

	return r.save(ctx, Record{
		KioskID:           hb.KioskID,
		LastSeen:          now,
		ReportedAt:        hb.Timestamp,
		HardwareConnected: hb.HardwareConnected,
		InventoryUnits:    hb.InventoryUnits,
		MechanismStatus:   strings.ToUpper(strings.TrimSpace(hb.MechanismStatus)),
	}, now)
}

func (r *Registry) outOfOrder(prev Record, hb Heartbeat) bool {
	if hb.Timestamp.IsZero() || prev.ReportedAt.IsZero() {
		return false
	}
	behind := prev.ReportedAt.Sub(hb.Timestamp)
	return behind > 0 && behind < r.liveness
}

func (r *Registry) save(ctx context.Context, rec Record, now time.Time) (Health, error) {
	if err := r.store.Upsert(ctx, rec); err != nil {
		return Health{}, err
	}
	if all, err := r.List(ctx); err == nil {
		online := 0
		for _, h := range all {
			if h.Online {
				online++
			}
		}
		r.metrics.SetKiosksOnline(online)
	}
	return r.health(rec, now), nil
}

func (r *Registry) Get(ctx context.Context, kioskID string) (Health, error) {
	rec, err := r.store.Get(ctx, kioskID)
	if err != nil {
		return Health{}, err
	}
	return r.health(rec, r.now()), nil
}

func (r *Registry) List(ctx context.Context) ([]Health, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Health, 0, len(recs))
	for _, rec := range recs {
		out = append(out, r.health(rec, now))
	}
	return out, nil
}

// Select returns the eligible kiosk with the lowest id that can dispense
// units. A non-nil usable narrows the candidates further, typically to the
// kiosks the dispatcher can reach.
func (r *Registry) Select(ctx context.Context, units int, usable func(kioskID string) bool) (Health, error) {
	all, err := r.List(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("list kiosks: %w", err)
	}
	var best *Health
	for i := range all {
		h := all[i]
		if !Eligible(h, units) || (usable != nil && !usable(h.KioskID)) {
			continue
		}
		if best == nil || h.KioskID < best.KioskID {
			best = &all[i]
		}
	}
	if best == nil {
		return Health{}, ErrNoKioskAvailable
	}
	return *best, nil
}

// Eligible reports whether the kiosk may be handed a dispense of units.
func Eligible(h Health, units int) bool {
	return h.Online &&
		h.HardwareConnected &&
		!Faulted(h.MechanismStatus) &&
		h.InventoryUnits >= units
}

func (r *Registry) health(rec Record, now time.Time) Health {
	return Health{
		Record: rec,
		Online: now.Sub(rec.LastSeen) < r.liveness,
	}
}
