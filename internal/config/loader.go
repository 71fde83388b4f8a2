package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TERMVAULT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	// Downstream mode and level comparisons are exact; normalize case once.
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TERMVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "TERMVAULT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "TERMVAULT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "TERMVAULT_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "TERMVAULT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "TERMVAULT_CHAIN_ID")
	setUint64(&cfg.Chain.GasLimit, "TERMVAULT_CHAIN_GAS_LIMIT")
	setStr(&cfg.Chain.YieldToken, "TERMVAULT_CHAIN_YIELD_TOKEN")
	setStr(&cfg.Chain.Teller, "TERMVAULT_CHAIN_TELLER")

	// ── Markets ──
	setStr(&cfg.Markets.BaseURL, "TERMVAULT_MARKETS_BASE_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TERMVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TERMVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TERMVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TERMVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TERMVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TERMVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TERMVAULT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TERMVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TERMVAULT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TERMVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TERMVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TERMVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TERMVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TERMVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TERMVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TERMVAULT_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "TERMVAULT_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.RateTTL, "TERMVAULT_REDIS_RATE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TERMVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TERMVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TERMVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TERMVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TERMVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TERMVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TERMVAULT_S3_FORCE_PATH_STYLE")

	// ── Rollover ──
	setBool(&cfg.Rollover.Enabled, "TERMVAULT_ROLLOVER_ENABLED")
	setStr(&cfg.Rollover.Cron, "TERMVAULT_ROLLOVER_CRON")
	setStr(&cfg.Rollover.MinPrincipal, "TERMVAULT_ROLLOVER_MIN_PRINCIPAL")
	setInt(&cfg.Rollover.TargetDays, "TERMVAULT_ROLLOVER_TARGET_DAYS")
	setInt(&cfg.Rollover.FalloffDays, "TERMVAULT_ROLLOVER_FALLOFF_DAYS")

	// ── Sweep ──
	setBool(&cfg.Sweep.Enabled, "TERMVAULT_SWEEP_ENABLED")
	setDuration(&cfg.Sweep.Interval, "TERMVAULT_SWEEP_INTERVAL")
	setInt(&cfg.Sweep.AlertDays, "TERMVAULT_SWEEP_ALERT_DAYS")

	// ── Distribution ──
	setBool(&cfg.Distribution.Enabled, "TERMVAULT_DISTRIBUTION_ENABLED")
	setStr(&cfg.Distribution.Cron, "TERMVAULT_DISTRIBUTION_CRON")
	setStr(&cfg.Distribution.MinPool, "TERMVAULT_DISTRIBUTION_MIN_POOL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TERMVAULT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "TERMVAULT_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "TERMVAULT_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.PruneEvents, "TERMVAULT_ARCHIVE_PRUNE_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TERMVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TERMVAULT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TERMVAULT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TERMVAULT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMin, "TERMVAULT_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TERMVAULT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TERMVAULT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TERMVAULT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TERMVAULT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TERMVAULT_MODE")
	setStr(&cfg.LogLevel, "TERMVAULT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
