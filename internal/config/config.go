package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// PolicyFile models config.json. Every value can be overridden from the
// environment.
type PolicyFile struct {
	Service struct {
		HTTPPort          int    `json:"httpPort"`
		HMACClockSkewSecs int    `json:"hmacClockSkewSeconds"`
		DLQPath           string `json:"dlqPath"`
	} `json:"service"`
	Policy struct {
		PINWindowSecs            int    `json:"pinWindowSeconds"`
		PINDigits                int    `json:"pinDigits"`
		LivenessWindowSecs       int    `json:"livenessWindowSeconds"`
		PaymentWindowSecs        int    `json:"paymentWindowSeconds"`
		MaxAuthorizationWaitSecs int    `json:"maxAuthorizationWaitSeconds"`
		SweepIntervalSecs        int    `json:"sweepIntervalSeconds"`
		DenominationCents        int    `json:"denominationCents"`
		MaxAmount                string `json:"maxAmount"`
		InitialGrant             string `json:"initialGrant"`
	} `json:"policy"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Monitor struct {
		PollIntervalMs    int `json:"pollIntervalMs"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
		MaxOutageSecs     int `json:"maxOutageSeconds"`
	} `json:"monitor"`
	Chain struct {
		RPCURL          string `json:"rpcUrl"`
		TreasuryAddress string `json:"treasuryAddress"`
		Confirmations   int    `json:"confirmations"`
	} `json:"chain"`
	Secrets struct {
		KioskHMACSecret      string `json:"kioskHmacSecret"`
		PaymentWebhookSecret string `json:"paymentWebhookSecret"`
		OperatorHMACSecret   string `json:"operatorHmacSecret"`
	} `json:"secrets"`
	Identity struct {
		VerifierURL string `json:"verifierUrl"`
		Action      string `json:"action"`
	} `json:"identity"`
	// Kiosks maps kiosk id to the base URL of its agent.
	Kiosks map[string]string `json:"kiosks"`
}

type AppConfig struct {
	Service  ServiceConfig
	Policy   PolicyConfig
	Retry    RetryConfig
	Monitor  MonitorConfig
	Chain    ChainConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Secrets  SecretsConfig
	Identity IdentityConfig
	Kiosks   map[string]string
}

type ServiceConfig struct {
	HTTPPort      int
	HMACClockSkew time.Duration
	// DLQPath receives payment callbacks that match no withdrawal.
	DLQPath       string
}

type PolicyConfig struct {
	PINWindow            time.Duration
	PINDigits            int
	LivenessWindow       time.Duration
	PaymentWindow        time.Duration
	MaxAuthorizationWait time.Duration
	SweepInterval        time.Duration
	Denomination         decimal.Decimal
	MaxAmount            decimal.Decimal
	InitialGrant         decimal.Decimal
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type MonitorConfig struct {
	PollInterval      time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	MaxOutage         time.Duration
}

type ChainConfig struct {
	RPCURL          string
	TreasuryAddress string
	Confirmations   uint64
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
}

type SecretsConfig struct {
	KioskHMACSecret      string
	PaymentWebhookSecret string
	// OperatorHMACSecret signs grant, cancel and listing calls. Empty keeps
	// those routes unmounted.
	OperatorHMACSecret string
}

type IdentityConfig struct {
	VerifierURL string
	Action      string
}

const defaultConfigPath = "config.json"

// Load reads .env (if present), config.json (if present) and the
// environment, in increasing precedence.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	file, err := loadPolicyFile(envOr("CONFIG_PATH", defaultConfigPath))
	if err != nil {
		return nil, fmt.Errorf("load policy file: %w", err)
	}
	return build(file)
}

func build(f *PolicyFile) (*AppConfig, error) {
	denomCents := envOrInt("DENOMINATION_CENTS", orInt(f.Policy.DenominationCents, 25))
	if denomCents <= 0 {
		return nil, fmt.Errorf("denomination must be positive, got %d cents", denomCents)
	}
	maxAmount, err := decimal.NewFromString(envOr("MAX_WITHDRAWAL_AMOUNT", orStr(f.Policy.MaxAmount, "500.00")))
	if err != nil {
		return nil, fmt.Errorf("max amount: %w", err)
	}
	grant, err := decimal.NewFromString(envOr("INITIAL_GRANT", orStr(f.Policy.InitialGrant, "0")))
	if err != nil {
		return nil, fmt.Errorf("initial grant: %w", err)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:      envOrInt("API_HTTP_PORT", orInt(f.Service.HTTPPort, 3000)),
			HMACClockSkew: seconds(envOrInt("HMAC_CLOCK_SKEW_SECONDS", orInt(f.Service.HMACClockSkewSecs, 60))),
			DLQPath:       envOr("DLQ_PATH", orStr(f.Service.DLQPath, "data/dlq")),
		},
		Policy: PolicyConfig{
			PINWindow:            seconds(envOrInt("PIN_WINDOW_SECONDS", orInt(f.Policy.PINWindowSecs, 600))),
			PINDigits:            envOrInt("PIN_DIGITS", orInt(f.Policy.PINDigits, 6)),
			LivenessWindow:       seconds(envOrInt("LIVENESS_WINDOW_SECONDS", orInt(f.Policy.LivenessWindowSecs, 90))),
			PaymentWindow:        seconds(envOrInt("PAYMENT_WINDOW_SECONDS", orInt(f.Policy.PaymentWindowSecs, 1800))),
			MaxAuthorizationWait: seconds(envOrInt("MAX_AUTHORIZATION_WAIT_SECONDS", orInt(f.Policy.MaxAuthorizationWaitSecs, 900))),
			SweepInterval:        seconds(envOrInt("SWEEP_INTERVAL_SECONDS", orInt(f.Policy.SweepIntervalSecs, 15))),
			Denomination:         decimal.New(int64(denomCents), -2),
			MaxAmount:            maxAmount,
			InitialGrant:         grant,
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("DELIVERY_MAX_ATTEMPTS", orInt(f.Retry.MaxAttempts, 3)),
			InitialBackoff:    millis(envOrInt("DELIVERY_INITIAL_BACKOFF_MS", orInt(f.Retry.InitialBackoffMs, 500))),
			MaxBackoff:        millis(envOrInt("DELIVERY_MAX_BACKOFF_MS", orInt(f.Retry.MaxBackoffMs, 5000))),
			BackoffMultiplier: orInt(f.Retry.BackoffMultiplier, 2),
		},
		Monitor: MonitorConfig{
			PollInterval:      millis(envOrInt("MONITOR_POLL_INTERVAL_MS", orInt(f.Monitor.PollIntervalMs, 5000))),
			InitialBackoff:    millis(orInt(f.Monitor.InitialBackoffMs, 500)),
			MaxBackoff:        millis(orInt(f.Monitor.MaxBackoffMs, 30000)),
			BackoffMultiplier: orInt(f.Monitor.BackoffMultiplier, 2),
			MaxOutage:         seconds(envOrInt("MONITOR_MAX_OUTAGE_SECONDS", orInt(f.Monitor.MaxOutageSecs, 3600))),
		},
		Chain: ChainConfig{
			RPCURL:          envOr("CHAIN_RPC_URL", f.Chain.RPCURL),
			TreasuryAddress: envOr("CHAIN_TREASURY_ADDRESS", f.Chain.TreasuryAddress),
			Confirmations:   uint64(envOrInt("CHAIN_CONFIRMATIONS", orInt(f.Chain.Confirmations, 1))),
		},
		Database: DatabaseConfig{
			DSN: envOr("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     envOr("REDIS_ADDR", ""),
			Password: envOr("REDIS_PASSWORD", ""),
		},
		Secrets: SecretsConfig{
			KioskHMACSecret:      envOr("KIOSK_HMAC_SECRET", f.Secrets.KioskHMACSecret),
			PaymentWebhookSecret: envOr("PAYMENT_WEBHOOK_SECRET", f.Secrets.PaymentWebhookSecret),
			OperatorHMACSecret:   envOr("OPERATOR_HMAC_SECRET", f.Secrets.OperatorHMACSecret),
		},
		Identity: IdentityConfig{
			VerifierURL: envOr("IDENTITY_VERIFIER_URL", f.Identity.VerifierURL),
			Action:      envOr("IDENTITY_ACTION", orStr(f.Identity.Action, "withdraw-cash")),
		},
		Kiosks: map[string]string{},
	}

	for id, url := range f.Kiosks {
		cfg.Kiosks[id] = url
	}
	// KIOSK_ENDPOINTS=k1=http://10.0.0.5:8081,k2=http://10.0.0.6:8081
	for _, pair := range strings.Split(envOr("KIOSK_ENDPOINTS", ""), ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && id != "" && url != "" {
			cfg.Kiosks[id] = url
		}
	}
	return cfg, nil
}

// AgentConfig configures the kiosk-side agent.
type AgentConfig struct {
	KioskID           string
	ListenAddr        string
	CoordinatorURL    string
	HMACSecret        string
	HeartbeatInterval time.Duration
	MaxPINAttempts    int
	InitialInventory  int
	DispenseFailRate  float64
}

func LoadAgent() (*AgentConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &AgentConfig{
		KioskID:           envOr("KIOSK_ID", ""),
		ListenAddr:        envOr("KIOSK_LISTEN_ADDR", ":8081"),
		CoordinatorURL:    envOr("COORDINATOR_URL", "http://localhost:3000"),
		HMACSecret:        envOr("KIOSK_HMAC_SECRET", ""),
		HeartbeatInterval: seconds(envOrInt("HEARTBEAT_INTERVAL_SECONDS", 30)),
		MaxPINAttempts:    envOrInt("MAX_PIN_ATTEMPTS", 3),
		InitialInventory:  envOrInt("KIOSK_INVENTORY_UNITS", 2000),
	}
	if v := envOr("DISPENSE_FAIL_RATE", ""); v != "" {
		if _, err := fmt.Sscanf(v, "%g", &cfg.DispenseFailRate); err != nil {
			return nil, fmt.Errorf("DISPENSE_FAIL_RATE: %w", err)
		}
	}
	if cfg.KioskID == "" {
		return nil, errors.New("KIOSK_ID is required")
	}
	return cfg, nil
}

func loadPolicyFile(path string) (*PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &PolicyFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg PolicyFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
