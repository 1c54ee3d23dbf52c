package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cashpoint/internal/metrics"

	"go.uber.org/zap"
)

// deadLetters keeps payment callbacks that match no withdrawal, one JSON
// file each, for manual reconciliation.
type deadLetters struct {
	dir     string
	metrics *metrics.Registry
	logger  *zap.Logger
}

func newDeadLetters(dir string, m *metrics.Registry, logger *zap.Logger) *deadLetters {
	return &deadLetters{dir: dir, metrics: m, logger: logger}
}

func (d *deadLetters) write(payload paymentCallbackRequest, cause error) {
	if d.dir == "" {
		return
	}

	entry := struct {
		Timestamp time.Time              `json:"timestamp"`
		Payload   paymentCallbackRequest `json:"payload"`
		Error     string                 `json:"error"`
	}{
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Error:     cause.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		d.logger.Error("dlq marshal failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Error("dlq mkdir failed", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), safeName(payload.PaymentReference))
	if err := os.WriteFile(filepath.Join(d.dir, filename), data, 0o600); err != nil {
		d.logger.Error("dlq write failed", zap.Error(err))
		return
	}
	d.depth()
}

// depth counts queued entries and refreshes the gauge.
func (d *deadLetters) depth() int {
	if d.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("dlq read failed", zap.Error(err))
		}
		return 0
	}
	d.metrics.SetDLQDepth(len(entries))
	return len(entries)
}

func safeName(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, ref)
}
