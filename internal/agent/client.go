package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cashpoint/internal/hmacauth"
	"cashpoint/internal/kiosk"

	"github.com/google/uuid"
)

// ErrRejected is a definitive refusal from the coordinator. Retrying the same
// request will not succeed.
var ErrRejected = errors.New("rejected by coordinator")

type Report struct {
	WithdrawalID uuid.UUID `json:"-"`
	KioskID      string    `json:"kioskId"`
	Success      bool      `json:"success"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Coordinator is the cloud side as seen from a kiosk.
type Coordinator interface {
	Acknowledge(ctx context.Context, withdrawalID uuid.UUID, kioskID string) error
	Report(ctx context.Context, r Report) error
	Heartbeat(ctx context.Context, hb kiosk.Heartbeat) error
}

// HTTPCoordinator calls the coordinator's kiosk API with signed requests.
type HTTPCoordinator struct {
	baseURL string
	secret  string
	client  *http.Client
	now     func() time.Time
}

func NewHTTPCoordinator(baseURL, secret string) *HTTPCoordinator {
	return &HTTPCoordinator{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

func (c *HTTPCoordinator) Acknowledge(ctx context.Context, withdrawalID uuid.UUID, kioskID string) error {
	return c.post(ctx, "/api/v1/kiosk/withdrawals/"+withdrawalID.String()+"/ack", map[string]string{"kioskId": kioskID})
}

func (c *HTTPCoordinator) Report(ctx context.Context, r Report) error {
	return c.post(ctx, "/api/v1/kiosk/withdrawals/"+r.WithdrawalID.String()+"/report", r)
}

func (c *HTTPCoordinator) Heartbeat(ctx context.Context, hb kiosk.Heartbeat) error {
	return c.post(ctx, "/api/v1/kiosk/heartbeat", hb)
}

func (c *HTTPCoordinator) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	hmacauth.SignRequest(req, c.secret, body, c.now())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, detail)
	}
	return fmt.Errorf("coordinator responded %d: %s", resp.StatusCode, detail)
}
