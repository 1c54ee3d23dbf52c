package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"cashpoint/internal/ledger"

	"github.com/google/uuid"
)

const (
	DefaultDigits = 6
	DefaultWindow = 10 * time.Minute
)

type Result string

const (
	Valid   Result = "valid"
	Invalid Result = "invalid"
	Expired Result = "expired"
)

// Authority mints and checks the short-lived secrets that bind a kiosk
// dispense to one withdrawal.
type Authority struct {
	window time.Duration
	digits int
	now    func() time.Time
	rand   io.Reader
}

func NewAuthority(window time.Duration, digits int) *Authority {
	if window <= 0 {
		window = DefaultWindow
	}
	if digits <= 0 {
		digits = DefaultDigits
	}
	return &Authority{
		window: window,
		digits: digits,
		now:    time.Now,
		rand:   rand.Reader,
	}
}

// WithClock replaces the time source used for minting and expiry checks.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

func (a *Authority) Window() time.Duration {
	return a.window
}

// Mint returns a fresh PIN for the withdrawal. The caller persists it in the
// same write as the authorized transition.
func (a *Authority) Mint(withdrawalID uuid.UUID) (string, time.Time, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.digits)), nil)
	n, err := rand.Int(a.rand, limit)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint pin for %s: %w", withdrawalID, err)
	}
	code := n.String()
	if pad := a.digits - len(code); pad > 0 {
		code = strings.Repeat("0", pad) + code
	}
	return code, a.now().Add(a.window), nil
}

// Redeem checks a PIN entered at a kiosk. It never mutates the withdrawal;
// expiry is judged from the stored deadline, not from sweep progress.
func (a *Authority) Redeem(w ledger.Withdrawal, kioskID, code string) Result {
	if w.Status != ledger.StatusAuthorized || w.PIN == "" || w.PINExpiresAt == nil {
		return Invalid
	}
	if w.KioskID != kioskID {
		return Invalid
	}
	if subtle.ConstantTimeCompare([]byte(w.PIN), []byte(code)) != 1 {
		return Invalid
	}
	if !a.now().Before(*w.PINExpiresAt) {
		return Expired
	}
	return Valid
}
