// Package config defines the top-level configuration for the vault daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TERMVAULT_* environment
// variables.
type Config struct {
	Wallet       WalletConfig       `toml:"wallet"`
	Chain        ChainConfig        `toml:"chain"`
	Markets      MarketsConfig      `toml:"markets"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Rollover     RolloverConfig     `toml:"rollover"`
	Sweep        SweepConfig        `toml:"sweep"`
	Distribution DistributionConfig `toml:"distribution"`
	Archive      ArchiveConfig      `toml:"archive"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// WalletConfig holds the vault's signing key material.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the EVM connection and the vault's contract addresses.
type ChainConfig struct {
	RPCURL     string `toml:"rpc_url"`
	ChainID    int64  `toml:"chain_id"`
	GasLimit   uint64 `toml:"gas_limit"` // 0 = estimate per call
	YieldToken string `toml:"yield_token"`
	Teller     string `toml:"teller"`
}

// MarketsConfig holds the principal-token markets API endpoint.
type MarketsConfig struct {
	BaseURL string `toml:"base_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters plus the signal-stream and
// rate-cache tuning knobs.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	RateTTL      duration `toml:"rate_ttl"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RolloverConfig holds the rollover job's schedule and the maturity
// selector's scoring window. Rollover submits on-chain transactions and is
// off by default; when enabled it takes over redemption of matured
// positions and the sweep runs alert-only.
type RolloverConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	// MinPrincipal is the smallest redeemed principal worth rolling into a
	// new market, in base units (decimal string).
	MinPrincipal string `toml:"min_principal"`
	// TargetDays is the maturity distance the selector scores highest.
	TargetDays int `toml:"target_days"`
	// FalloffDays is the distance at which the time score reaches zero.
	FalloffDays int `toml:"falloff_days"`
}

// SweepConfig holds the redemption sweep's cadence and alert window. The
// sweep redeems matured positions only while rollover is disabled; with
// rollover enabled it keeps watching maturities and alerting.
type SweepConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// AlertDays is how far ahead the sweep looks when publishing
	// upcoming-maturity signals.
	AlertDays int `toml:"alert_days"`
}

// DistributionConfig holds the yield distribution job's schedule.
type DistributionConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	// MinPool is the smallest undistributed amount worth a run, in base
	// units (decimal string). Runs are skipped below it.
	MinPool string `toml:"min_pool"`
}

// ArchiveConfig holds the cold-archival job's schedule and retention.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	// PruneEvents deletes archived yield events from Postgres after a
	// verified upload. Positions are never pruned regardless.
	PruneEvents bool `toml:"prune_events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimitPerMin caps requests per client IP per minute. 0 disables
	// API rate limiting.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:  1,
			GasLimit: 0,
		},
		Markets: MarketsConfig{
			BaseURL: "https://api.termfi.xyz",
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "termvault",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10_000,
			RateTTL:      duration{15 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "termvault-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Rollover: RolloverConfig{
			Enabled:      false,
			Cron:         "0 6 * * *",
			MinPrincipal: "0",
			TargetDays:   270,
			FalloffDays:  360,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Interval:  duration{5 * time.Minute},
			AlertDays: 7,
		},
		Distribution: DistributionConfig{
			Enabled: true,
			Cron:    "0 12 * * *",
			MinPool: "0",
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
			PruneEvents:   false,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 0,
		},
		Notify: NotifyConfig{
			Events: []string{"distribution", "rollover", "redemption", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":     true,
	"strategy": true,
	"server":   true,
	"monitor":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, strategy, server, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet and chain: required whenever background jobs can submit
	// transactions.
	needsWallet := c.Mode == "full" || c.Mode == "strategy"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty for mode "+c.Mode)
		}
		if c.Chain.YieldToken == "" {
			errs = append(errs, "chain: yield_token must not be empty for mode "+c.Mode)
		}
		if c.Chain.Teller == "" {
			errs = append(errs, "chain: teller must not be empty for mode "+c.Mode)
		}
	}
	if c.Chain.ChainID < 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must not be negative, got %d", c.Chain.ChainID))
	}

	// Markets: required whenever the rollover job can run.
	if needsWallet && c.Rollover.Enabled && c.Markets.BaseURL == "" {
		errs = append(errs, "markets: base_url is required when rollover is enabled")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.StreamMaxLen < 0 {
		errs = append(errs, "redis: stream_max_len must not be negative")
	}

	// S3: only needed when archival runs.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Rollover
	if c.Rollover.Enabled {
		if c.Rollover.Cron == "" {
			errs = append(errs, "rollover: cron must not be empty when enabled")
		}
		if c.Rollover.TargetDays <= 0 {
			errs = append(errs, "rollover: target_days must be > 0")
		}
		if c.Rollover.FalloffDays <= 0 {
			errs = append(errs, "rollover: falloff_days must be > 0")
		}
		if !validAmount(c.Rollover.MinPrincipal) {
			errs = append(errs, fmt.Sprintf("rollover: min_principal %q is not a non-negative integer", c.Rollover.MinPrincipal))
		}
	}

	// Sweep
	if c.Sweep.Enabled {
		if c.Sweep.Interval.Duration <= 0 {
			errs = append(errs, "sweep: interval must be > 0 when enabled")
		}
		if c.Sweep.AlertDays < 0 {
			errs = append(errs, "sweep: alert_days must not be negative")
		}
	}

	// Distribution
	if c.Distribution.Enabled {
		if c.Distribution.Cron == "" {
			errs = append(errs, "distribution: cron must not be empty when enabled")
		}
		if !validAmount(c.Distribution.MinPool) {
			errs = append(errs, fmt.Sprintf("distribution: min_pool %q is not a non-negative integer", c.Distribution.MinPool))
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validAmount reports whether s parses as a non-negative base-10 integer.
// Empty is allowed and reads as zero.
func validAmount(s string) bool {
	if s == "" {
		return true
	}
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() >= 0
}
