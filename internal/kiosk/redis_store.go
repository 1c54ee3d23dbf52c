package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKioskSet    = "cashpoint:kiosks"
	redisKioskPrefix = "cashpoint:kiosk:"
)

// RedisHealthStore keeps one hash per kiosk plus a set of known ids, so
// health survives coordinator restarts without touching the ledger database.
type RedisHealthStore struct {
	client redis.UniversalClient
}

func NewRedisHealthStore(client redis.UniversalClient) *RedisHealthStore {
	return &RedisHealthStore{client: client}
}

func (s *RedisHealthStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisHealthStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKioskPrefix+rec.KioskID, map[string]interface{}{
			"last_seen":          rec.LastSeen.UTC().Format(time.RFC3339Nano),
			"reported_at":        rec.ReportedAt.UTC().Format(time.RFC3339Nano),
			"hardware_connected": strconv.FormatBool(rec.HardwareConnected),
			"inventory_units":    strconv.Itoa(rec.InventoryUnits),
			"mechanism_status":   rec.MechanismStatus,
		})
		pipe.SAdd(ctx, redisKioskSet, rec.KioskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert kiosk %s: %w", rec.KioskID, err)
	}
	return nil
}

func (s *RedisHealthStore) Get(ctx context.Context, kioskID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, redisKioskPrefix+kioskID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get kiosk %s: %w", kioskID, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrUnknownKiosk
	}
	return decodeRecord(kioskID, fields)
}

func (s *RedisHealthStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, redisKioskSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list kiosks: %w", err)
	}
	sort.Strings(ids)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrUnknownKiosk) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(kioskID string, fields map[string]string) (Record, error) {
	rec := Record{
		KioskID:         kioskID,
		MechanismStatus: fields["mechanism_status"],
	}
	var err error
	if rec.LastSeen, err = time.Parse(time.RFC3339Nano, fields["last_seen"]); err != nil {
		return Record{}, fmt.Errorf("decode kiosk %s last_seen: %w", kioskID, err)
	}
	if v := fields["reported_at"]; v != "" {
		if rec.ReportedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Record{}, fmt.Errorf("decode kiosk %s reported_at: %w", kioskID, err)
		}
	}
	rec.HardwareConnected, _ = strconv.ParseBool(fields["hardware_connected"])
	if rec.InventoryUnits, err = strconv.Atoi(fields["inventory_units"]); err != nil {
		return Record{}, fmt.Errorf("decode kiosk %s inventory: %w", kioskID, err)
	}
	return rec, nil
}
