package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, 10*time.Minute, cfg.Policy.PINWindow)
	assert.Equal(t, 6, cfg.Policy.PINDigits)
	assert.Equal(t, "0.25", cfg.Policy.Denomination.StringFixed(2))
	assert.Equal(t, "500.00", cfg.Policy.MaxAmount.StringFixed(2))
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, uint64(1), cfg.Chain.Confirmations)
	assert.Equal(t, "withdraw-cash", cfg.Identity.Action)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"service": {"httpPort": 8080},
		"policy": {"pinWindowSeconds": 300, "denominationCents": 100, "initialGrant": "50.00"},
		"secrets": {"kioskHmacSecret": "from-file", "operatorHmacSecret": "operator-file"},
		"kiosks": {"k1": "http://k1:8081"}
	}`), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("KIOSK_HMAC_SECRET", "from-env")
	t.Setenv("KIOSK_ENDPOINTS", "k2=http://k2:8081, bad")
	t.Setenv("PIN_WINDOW_SECONDS", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Service.HTTPPort)
	assert.Equal(t, 2*time.Minute, cfg.Policy.PINWindow)
	assert.Equal(t, "1.00", cfg.Policy.Denomination.StringFixed(2))
	assert.Equal(t, "50.00", cfg.Policy.InitialGrant.StringFixed(2))
	assert.Equal(t, "from-env", cfg.Secrets.KioskHMACSecret)
	assert.Equal(t, "operator-file", cfg.Secrets.OperatorHMACSecret)
	assert.Equal(t, map[string]string{"k1": "http://k1:8081", "k2": "http://k2:8081"}, cfg.Kiosks)
}

func TestLoadRejectsBadAmount(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("MAX_WITHDRAWAL_AMOUNT", "lots")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAgentRequiresKioskID(t *testing.T) {
	t.Setenv("KIOSK_ID", "")
	_, err := LoadAgent()
	assert.Error(t, err)

	t.Setenv("KIOSK_ID", "k1")
	t.Setenv("DISPENSE_FAIL_RATE", "0.25")
	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "k1", cfg.KioskID)
	assert.Equal(t, 3, cfg.MaxPINAttempts)
	assert.InDelta(t, 0.25, cfg.DispenseFailRate, 1e-9)
}
