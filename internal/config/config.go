// Package config loads service configuration from an optional YAML file with
// environment-variable overrides. A .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the deployment service needs at startup.
type Config struct {
	// RPC endpoints. Staging is where source programs live (devnet),
	// Production is where deployments land (mainnet).
	StagingRPC    string `yaml:"staging_rpc"`
	ProductionRPC string `yaml:"production_rpc"`

	// PostgresDSN is the deployment/treasury store. Empty selects the
	// in-memory store (tests, local runs).
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr enables the payment-signature replay guard when set.
	RedisAddr string `yaml:"redis_addr"`

	// KeystoreDir holds one file per temporary wallet.
	KeystoreDir string `yaml:"keystore_dir"`

	// OperatorKey is the base58 private key controlling treasury funds.
	OperatorKey string `yaml:"operator_key"`
	// PlatformAuthorityKey is the base58 private key that receives upgrade
	// authority over deployed programs.
	PlatformAuthorityKey string `yaml:"platform_authority_key"`

	// ProgramID anchors the deterministic pool-address derivation.
	ProgramID string `yaml:"program_id"`

	// Fee rates in basis points of rent, and of the deployment budget for
	// the monthly fee.
	ServiceFeeBps  uint64 `yaml:"service_fee_bps"`
	PlatformFeeBps uint64 `yaml:"platform_fee_bps"`
	MonthlyFeeBps  uint64 `yaml:"monthly_fee_bps"`

	// WriteChunkSize caps the payload of one buffer-write instruction.
	WriteChunkSize int `yaml:"write_chunk_size"`

	// ToleranceLamports absorbs fee rounding during payment verification.
	ToleranceLamports uint64 `yaml:"tolerance_lamports"`

	// AllowAggregateMatch accepts a combined payment whose per-destination
	// transfers do not match individually. Audited leniency; see DESIGN.md.
	AllowAggregateMatch bool `yaml:"allow_aggregate_match"`

	// SweepReserveLamports stays behind in a temporary wallet on sweep
	// (rent exemption plus one transaction fee).
	SweepReserveLamports uint64 `yaml:"sweep_reserve_lamports"`

	// RebalanceSchedule is a cron spec for the periodic reconciliation job.
	RebalanceSchedule string `yaml:"rebalance_schedule"`

	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RPCRateQPS  float64       `yaml:"rpc_rate_qps"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	return &Config{
		StagingRPC:           "https://api.devnet.solana.com",
		ProductionRPC:        "https://api.mainnet-beta.solana.com",
		KeystoreDir:          "keystore",
		ServiceFeeBps:        50, // 0.5% of rent
		PlatformFeeBps:       10, // 0.1% of rent
		MonthlyFeeBps:        100,
		WriteChunkSize:       900,
		ToleranceLamports:    10_000,
		AllowAggregateMatch:  true,
		SweepReserveLamports: 895_880 + 5_000, // rent exemption for 0 bytes + one fee
		RebalanceSchedule:    "@every 10m",
		RPCTimeout:           30 * time.Second,
		MaxRetries:           5,
		RPCRateQPS:           10,
		MetricsAddr:          ":9090",
	}
}

// Load reads .env (best effort), the YAML file at path when non-empty, and
// finally environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads from path but falls back to defaults plus env when the
// file is absent.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

func (c *Config) applyEnv() {
	setString(&c.StagingRPC, "SOLFORGE_STAGING_RPC")
	setString(&c.ProductionRPC, "SOLFORGE_PRODUCTION_RPC")
	setString(&c.PostgresDSN, "SOLFORGE_POSTGRES_DSN")
	setString(&c.RedisAddr, "SOLFORGE_REDIS_ADDR")
	setString(&c.KeystoreDir, "SOLFORGE_KEYSTORE_DIR")
	setString(&c.OperatorKey, "SOLFORGE_OPERATOR_KEY")
	setString(&c.PlatformAuthorityKey, "SOLFORGE_PLATFORM_AUTHORITY_KEY")
	setString(&c.ProgramID, "SOLFORGE_PROGRAM_ID")
	setString(&c.RebalanceSchedule, "SOLFORGE_REBALANCE_SCHEDULE")
	setString(&c.MetricsAddr, "SOLFORGE_METRICS_ADDR")
	setUint(&c.ToleranceLamports, "SOLFORGE_TOLERANCE_LAMPORTS")
	setUint(&c.SweepReserveLamports, "SOLFORGE_SWEEP_RESERVE_LAMPORTS")
	setInt(&c.WriteChunkSize, "SOLFORGE_WRITE_CHUNK_SIZE")
	setInt(&c.MaxRetries, "SOLFORGE_MAX_RETRIES")
	setBool(&c.AllowAggregateMatch, "SOLFORGE_ALLOW_AGGREGATE_MATCH")
	setDuration(&c.RPCTimeout, "SOLFORGE_RPC_TIMEOUT")
}

// Validate checks the fields every run needs, regardless of source.
func (c *Config) Validate() error {
	if c.StagingRPC == "" {
		return fmt.Errorf("staging_rpc is required")
	}
	if c.ProductionRPC == "" {
		return fmt.Errorf("production_rpc is required")
	}
	if c.WriteChunkSize <= 0 {
		return fmt.Errorf("write_chunk_size must be positive")
	}
	if c.ServiceFeeBps > 10_000 || c.PlatformFeeBps > 10_000 || c.MonthlyFeeBps > 10_000 {
		return fmt.Errorf("fee rates must not exceed 10000 bps")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setUint(dst *uint64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
