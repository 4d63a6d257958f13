package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies environment
// overrides. An empty path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides copies DOMATRADE_* variables onto cfg. The unprefixed
// PRIVATE_KEY and DOMATRADE_RPC_URL names used by the contract tooling are
// accepted too; the prefixed section names win when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "DOMATRADE_RPC_URL")
	setStr(&cfg.Chain.RPCURL, "DOMATRADE_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "DOMATRADE_CHAIN_ID")
	setStr(&cfg.Chain.FuturesAddress, "DOMATRADE_CHAIN_FUTURES_ADDRESS")
	setStr(&cfg.Chain.OracleAddress, "DOMATRADE_CHAIN_ORACLE_ADDRESS")
	setDuration(&cfg.Chain.ConfirmTimeout, "DOMATRADE_CHAIN_CONFIRM_TIMEOUT")
	setUint64(&cfg.Chain.FromBlock, "DOMATRADE_CHAIN_FROM_BLOCK")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PRIVATE_KEY")
	setStr(&cfg.Wallet.PrivateKey, "DOMATRADE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeyFile, "DOMATRADE_WALLET_KEY_FILE")
	setStr(&cfg.Wallet.KeyPassword, "DOMATRADE_WALLET_KEY_PASSWORD")

	// ── Keeper ──
	setBool(&cfg.Keeper.Liquidator.Enabled, "DOMATRADE_LIQUIDATOR_ENABLED")
	setDuration(&cfg.Keeper.Liquidator.Interval, "DOMATRADE_LIQUIDATOR_INTERVAL")
	setStr(&cfg.Keeper.Liquidator.MaintenanceMargin, "DOMATRADE_LIQUIDATOR_MAINTENANCE_MARGIN")
	setBool(&cfg.Keeper.Publisher.Enabled, "DOMATRADE_PUBLISHER_ENABLED")
	setDuration(&cfg.Keeper.Publisher.Interval, "DOMATRADE_PUBLISHER_INTERVAL")
	setStr(&cfg.Keeper.Publisher.Asset, "DOMATRADE_PUBLISHER_ASSET")
	setFloat64(&cfg.Keeper.Publisher.Baseline, "DOMATRADE_PUBLISHER_BASELINE")
	setFloat64(&cfg.Keeper.Publisher.MaxStep, "DOMATRADE_PUBLISHER_MAX_STEP")
	setBool(&cfg.Keeper.Reconciler.Enabled, "DOMATRADE_RECONCILER_ENABLED")
	setDuration(&cfg.Keeper.Reconciler.Interval, "DOMATRADE_RECONCILER_INTERVAL")
	setStringSlice(&cfg.Keeper.Reconciler.Accounts, "DOMATRADE_RECONCILER_ACCOUNTS")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "DOMATRADE_LEDGER_BACKEND")
	setStr(&cfg.Ledger.StoreName, "DOMATRADE_LEDGER_STORE_NAME")
	setBool(&cfg.Ledger.StrictThresholds, "DOMATRADE_LEDGER_STRICT_THRESHOLDS")
	setBool(&cfg.Ledger.SeedDemo, "DOMATRADE_LEDGER_SEED_DEMO")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "DOMATRADE_FEED_WS_URL")
	setStr(&cfg.Feed.PollSource, "DOMATRADE_FEED_POLL_SOURCE")
	setDuration(&cfg.Feed.PollInterval, "DOMATRADE_FEED_POLL_INTERVAL")
	setStringSlice(&cfg.Feed.Assets, "DOMATRADE_FEED_ASSETS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DOMATRADE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "DOMATRADE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DOMATRADE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DOMATRADE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DOMATRADE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DOMATRADE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DOMATRADE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DOMATRADE_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DOMATRADE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DOMATRADE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DOMATRADE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DOMATRADE_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "DOMATRADE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DOMATRADE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DOMATRADE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DOMATRADE_S3_REGION")
	setStr(&cfg.S3.Bucket, "DOMATRADE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DOMATRADE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DOMATRADE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "DOMATRADE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DOMATRADE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DOMATRADE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DOMATRADE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DOMATRADE_SERVER_API_KEY")
	setFloat64(&cfg.Server.RateLimit, "DOMATRADE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DOMATRADE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DOMATRADE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DOMATRADE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DOMATRADE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DOMATRADE_MODE")
	setStr(&cfg.LogLevel, "DOMATRADE_LOG_LEVEL")
}

// Each helper only writes when the variable is set and parses.

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
