package kiosk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownKiosk     = errors.New("unknown kiosk")
	ErrNoKioskAvailable = errors.New("no kiosk available")
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
)

const (
	MechanismOK      = "OK"
	MechanismLow     = "LOW"
	MechanismJam     = "JAM"
	MechanismError   = "ERROR"
	MechanismOffline = "OFFLINE"
)

// Faulted reports whether the mechanism status rules the kiosk out of
// selection.
func Faulted(status string) bool {
	switch status {
	case MechanismJam, MechanismError, MechanismOffline:
		return true
	}
	return false
}

// Heartbeat is the periodic liveness report sent by a kiosk.
type Heartbeat struct {
	KioskID           string    `json:"kioskId"`
	HardwareConnected bool      `json:"hardwareConnected"`
	InventoryUnits    int       `json:"inventoryCount"`
	MechanismStatus   string    `json:"mechanismStatus"`
	Timestamp         time.Time `json:"timestamp"`
}

// Record is the persisted health of one kiosk. Liveness is not stored.
type Record struct {
	KioskID           string
	LastSeen          time.Time
	ReportedAt        time.Time
	HardwareConnected bool
	InventoryUnits    int
	MechanismStatus   string
}

// Health is a Record with liveness derived at read time.
type Health struct {
	Record
	Online bool
}

// HealthStore persists kiosk records keyed by kiosk id. Records are never
// deleted.
type HealthStore interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, kioskID string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

type MemoryHealthStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{records: make(map[string]Record)}
}

func (s *MemoryHealthStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.KioskID] = rec
	return nil
}

func (s *MemoryHealthStore) Get(_ context.Context, kioskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kioskID]
	if !ok {
		return Record{}, ErrUnknownKiosk
	}
	return rec, nil
}

func (s *MemoryHealthStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KioskID < out[j].KioskID })
	return out, nil
}
