// Package config loads and validates application configuration from the
// environment. Core logic never reads ambient environment state; everything
// it needs is resolved here once at startup and passed down explicitly.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/meridianlabs/escrowd/service/pda"
)

// Config holds all application configuration loaded from environment
// variables. All required fields are validated at startup to ensure
// fail-fast behavior. The struct is immutable after Load.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	RPCEndpoints []string // candidate RPC endpoints, tried in order with failover

	// Escrow program configuration
	ProgramID       solana.PublicKey
	DepositMint     solana.PublicKey
	PDAScheme       pda.SchemeKind
	ArbiterKey      solana.PrivateKey // signs server-submitted resolve transactions; empty disables resolve
	DefaultFeeBps   uint16
	DeliverByWindow time.Duration // default deliver-by deadline relative to initiation
	DisputeWindow   time.Duration // default dispute deadline relative to deliver-by

	// Confirmation configuration. Simulated confirmations bypass on-chain
	// verification and exist only for environments without a chain leg; the
	// flag must never be set in production.
	AllowSimulatedConfirm bool

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	ReconcileInterval time.Duration
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error if any required configuration is missing
// or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana RPC endpoints (comma-separated, first is preferred)
	rpcList := os.Getenv("SOLANA_RPC_URLS")
	if rpcList == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	} else {
		for _, u := range strings.Split(rpcList, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.RPCEndpoints = append(cfg.RPCEndpoints, u)
			}
		}
		if len(cfg.RPCEndpoints) == 0 {
			errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS must contain at least one endpoint"))
		}
	}

	// Escrow program configuration
	if v := os.Getenv("ESCROW_PROGRAM_ID"); v == "" {
		errs = append(errs, fmt.Errorf("ESCROW_PROGRAM_ID is required"))
	} else if pk, err := solana.PublicKeyFromBase58(v); err != nil {
		errs = append(errs, fmt.Errorf("ESCROW_PROGRAM_ID: invalid public key %q: %w", v, err))
	} else {
		cfg.ProgramID = pk
	}

	if v := os.Getenv("DEPOSIT_MINT_ADDRESS"); v == "" {
		errs = append(errs, fmt.Errorf("DEPOSIT_MINT_ADDRESS is required"))
	} else if pk, err := solana.PublicKeyFromBase58(v); err != nil {
		errs = append(errs, fmt.Errorf("DEPOSIT_MINT_ADDRESS: invalid public key %q: %w", v, err))
	} else {
		cfg.DepositMint = pk
	}

	scheme, err := pda.ParseSchemeKind(os.Getenv("ESCROW_PDA_SCHEME"))
	if err != nil {
		errs = append(errs, fmt.Errorf("ESCROW_PDA_SCHEME: %w", err))
	} else {
		cfg.PDAScheme = scheme
	}

	// Arbiter key is optional; without it the server-signed resolve path is
	// disabled.
	if v := os.Getenv("ARBITER_PRIVATE_KEY"); v != "" {
		key, err := solana.PrivateKeyFromBase58(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ARBITER_PRIVATE_KEY: invalid private key: %w", err))
		} else {
			cfg.ArbiterKey = key
		}
	}

	feeBps, err := parseUint16("DEFAULT_FEE_BPS", 50)
	if err != nil {
		errs = append(errs, err)
	} else if feeBps > 10000 {
		errs = append(errs, fmt.Errorf("DEFAULT_FEE_BPS must be between 0 and 10000, got %d", feeBps))
	} else {
		cfg.DefaultFeeBps = feeBps
	}

	deliverWindow, err := parseDuration("DELIVER_BY_WINDOW", "72h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DeliverByWindow = deliverWindow
	}

	disputeWindow, err := parseDuration("DISPUTE_WINDOW", "48h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DisputeWindow = disputeWindow
	}

	cfg.AllowSimulatedConfirm = os.Getenv("ESCROW_ALLOW_SIMULATED_CONFIRM") == "true"

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "escrowd-reconcile")

	reconcileInterval, err := parseDuration("RECONCILE_INTERVAL", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileInterval = reconcileInterval
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid. Useful for
// server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid. This is useful for testing
// configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if len(c.RPCEndpoints) == 0 {
		errs = append(errs, fmt.Errorf("at least one RPC endpoint is required"))
	}
	if c.ProgramID.IsZero() {
		errs = append(errs, fmt.Errorf("ProgramID is required"))
	}
	if c.DepositMint.IsZero() {
		errs = append(errs, fmt.Errorf("DepositMint is required"))
	}
	if c.DefaultFeeBps > 10000 {
		errs = append(errs, fmt.Errorf("DefaultFeeBps must be between 0 and 10000"))
	}
	if c.DeliverByWindow <= 0 {
		errs = append(errs, fmt.Errorf("DeliverByWindow must be positive"))
	}
	if c.DisputeWindow <= 0 {
		errs = append(errs, fmt.Errorf("DisputeWindow must be positive"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseUint16 parses a uint16 from an environment variable or uses a default.
func parseUint16(key string, defaultValue uint16) (uint16, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var result uint16
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
