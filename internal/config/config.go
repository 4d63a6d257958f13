// Package config defines the domatrade configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by DOMATRADE_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Wallet   WalletConfig   `toml:"wallet"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Feed     FeedConfig     `toml:"feed"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig locates the settlement and oracle contracts.
type ChainConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	FuturesAddress  string   `toml:"futures_address"`
	OracleAddress   string   `toml:"oracle_address"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	ReceiptInterval duration `toml:"receipt_interval"`
	FromBlock       uint64   `toml:"from_block"`
}

// WalletConfig holds the keeper wallet. Either a raw private key or an
// encrypted key file with its password.
type WalletConfig struct {
	PrivateKey  string `toml:"private_key"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

// Configured reports whether any key source is set.
func (w WalletConfig) Configured() bool {
	return w.PrivateKey != "" || w.KeyFile != ""
}

// KeeperConfig groups the on-chain maintenance loops.
type KeeperConfig struct {
	Liquidator LiquidatorConfig `toml:"liquidator"`
	Publisher  PublisherConfig  `toml:"publisher"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
}

// LiquidatorConfig configures the liquidation watchdog.
type LiquidatorConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// MaintenanceMargin is a decimal fraction, e.g. "0.06".
	MaintenanceMargin string   `toml:"maintenance_margin"`
	LockTTL           duration `toml:"lock_ttl"`
}

// Margin parses MaintenanceMargin.
func (c LiquidatorConfig) Margin() (decimal.Decimal, error) {
	return decimal.NewFromString(c.MaintenanceMargin)
}

// PublisherConfig configures the oracle publisher.
type PublisherConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Asset    string   `toml:"asset"`
	Baseline float64  `toml:"baseline"`
	MaxStep  float64  `toml:"max_step"`
}

// ReconcilerConfig configures the chain-to-ledger reconciler. An empty
// account list reconciles the keeper wallet only.
type ReconcilerConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Accounts []string `toml:"accounts"`
	Asset    string   `toml:"asset"`
}

// LedgerConfig configures the position ledger.
type LedgerConfig struct {
	// Backend is postgres, redis or memory.
	Backend          string `toml:"backend"`
	StoreName        string `toml:"store_name"`
	StrictThresholds bool   `toml:"strict_thresholds"`
	SeedDemo         bool   `toml:"seed_demo"`
}

// FeedConfig configures the price sources that drive trigger evaluation.
type FeedConfig struct {
	WSURL string `toml:"ws_url"`
	// PollSource is cache, oracle or empty to disable polling.
	PollSource   string   `toml:"poll_source"`
	PollInterval duration `toml:"poll_interval"`
	Assets       []string `toml:"assets"`
	Bus          bool     `toml:"bus"`
	Buffer       int      `toml:"buffer"`
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

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis unless the ledger backend needs it.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds object storage parameters for the ledger archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	Prefix          string   `toml:"prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
	SignArchives    bool     `toml:"sign_archives"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds operator notification channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used for unset fields. The contract
// addresses are the Doma testnet deployment.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:          "https://rpc-testnet.doma.xyz",
			ChainID:         97476,
			FuturesAddress:  "0x2cb425975626593A35D570C6E0bCEe53fca1eaFE",
			OracleAddress:   "0x2a3C594853706B43893F3f977815B03F622af78b",
			ConfirmTimeout:  duration{2 * time.Minute},
			ReceiptInterval: duration{2 * time.Second},
		},
		Keeper: KeeperConfig{
			Liquidator: LiquidatorConfig{
				Enabled:           true,
				Interval:          duration{60 * time.Second},
				MaintenanceMargin: "0.06",
				LockTTL:           duration{55 * time.Second},
			},
			Publisher: PublisherConfig{
				Enabled:  true,
				Interval: duration{30 * time.Second},
				Asset:    "hackathon.doma",
				Baseline: 1500,
				MaxStep:  10,
			},
			Reconciler: ReconcilerConfig{
				Enabled:  false,
				Interval: duration{60 * time.Second},
				Asset:    "hackathon.doma",
			},
		},
		Ledger: LedgerConfig{
			Backend:   "postgres",
			StoreName: "domatrade-storage",
			SeedDemo:  true,
		},
		Feed: FeedConfig{
			PollInterval: duration{5 * time.Second},
			Bus:          true,
			Buffer:       64,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "domatrade",
			User:          "domatrade",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			PriceTTL:   duration{10 * time.Minute},
		},
		S3: S3Config{
			Region:          "us-east-1",
			Prefix:          "ledger",
			ArchiveInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Notify: NotifyConfig{
			Events: []string{"trigger", "liquidation"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"keeper": true,
	"ledger": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"postgres": true,
	"redis":    true,
	"memory":   true,
}

// RunsKeeper reports whether the mode runs the keeper loops.
func (c *Config) RunsKeeper() bool {
	m := strings.ToLower(c.Mode)
	return m == "keeper" || m == "full"
}

// RunsLedger reports whether the mode serves the ledger.
func (c *Config) RunsLedger() bool {
	m := strings.ToLower(c.Mode)
	return m == "ledger" || m == "full"
}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: keeper, ledger, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	k := c.Keeper
	needsChain := c.RunsKeeper() && (k.Liquidator.Enabled || k.Publisher.Enabled || k.Reconciler.Enabled)
	if needsChain {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if !common.IsHexAddress(c.Chain.FuturesAddress) {
			errs = append(errs, fmt.Sprintf("chain: futures_address %q is not a hex address", c.Chain.FuturesAddress))
		}
	}
	if c.RunsKeeper() && k.Publisher.Enabled && !common.IsHexAddress(c.Chain.OracleAddress) {
		errs = append(errs, fmt.Sprintf("chain: oracle_address %q is not a hex address", c.Chain.OracleAddress))
	}
	if c.RunsKeeper() && (k.Liquidator.Enabled || k.Publisher.Enabled) && !c.Wallet.Configured() {
		errs = append(errs, "wallet: private_key or key_file is required to liquidate or publish prices")
	}
	if c.Wallet.KeyFile != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when key_file is set")
	}

	if k.Liquidator.Enabled {
		m, err := k.Liquidator.Margin()
		if err != nil || !m.IsPositive() || m.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("keeper.liquidator: maintenance_margin %q must be a fraction in (0, 1)", k.Liquidator.MaintenanceMargin))
		}
		if k.Liquidator.Interval.Duration <= 0 {
			errs = append(errs, "keeper.liquidator: interval must be > 0")
		}
	}
	if k.Publisher.Enabled {
		if k.Publisher.Baseline <= 0 {
			errs = append(errs, "keeper.publisher: baseline must be > 0")
		}
		if k.Publisher.MaxStep < 0 || k.Publisher.MaxStep >= k.Publisher.Baseline {
			errs = append(errs, "keeper.publisher: max_step must be >= 0 and below baseline")
		}
		if len(k.Publisher.Asset) == 0 || len(k.Publisher.Asset) > 31 {
			errs = append(errs, "keeper.publisher: asset must be 1-31 bytes")
		}
	}
	for _, a := range k.Reconciler.Accounts {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("keeper.reconciler: account %q is not a hex address", a))
		}
	}

	backend := strings.ToLower(c.Ledger.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: postgres, redis, memory)", c.Ledger.Backend))
	}
	if c.Ledger.StoreName == "" {
		errs = append(errs, "ledger: store_name must not be empty")
	}

	switch strings.ToLower(c.Feed.PollSource) {
	case "", "cache", "oracle":
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown poll_source %q (valid: cache, oracle)", c.Feed.PollSource))
	}
	if c.Feed.PollSource != "" && len(c.Feed.Assets) == 0 {
		errs = append(errs, "feed: assets must be set when poll_source is set")
	}

	if backend == "postgres" && c.RunsLedger() {
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	needsRedis := (backend == "redis" && c.RunsLedger()) || c.Feed.PollSource == "cache"
	if needsRedis && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty for the redis ledger backend or cache polling")
	}
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
