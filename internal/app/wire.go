package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/domatrade/internal/blob/s3"
	"github.com/alanyoungcy/domatrade/internal/cache/redis"
	"github.com/alanyoungcy/domatrade/internal/config"
	"github.com/alanyoungcy/domatrade/internal/crypto"
	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/ledger"
	"github.com/alanyoungcy/domatrade/internal/notify"
	"github.com/alanyoungcy/domatrade/internal/platform/chain"
	"github.com/alanyoungcy/domatrade/internal/server/handler"
	"github.com/alanyoungcy/domatrade/internal/store/postgres"
)

// Dependencies bundles every concrete backend the modes run on. Fields for
// backends that are not configured stay nil.
type Dependencies struct {
	// Persistence
	SnapshotStore domain.SnapshotStore
	AuditStore    domain.AuditStore

	// Redis
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Chain
	Wallet     *crypto.Wallet
	Settlement domain.SettlementLedger
	Oracle     domain.PriceOracle

	// Notifications. Never nil; without senders it drops everything.
	Notifier *notify.Notifier

	// Checks are the backend probes served by /api/health.
	Checks map[string]handler.HealthCheck
}

// needsPostgres reports whether the ledger persists to PostgreSQL.
func needsPostgres(cfg *config.Config) bool {
	return cfg.RunsLedger() && strings.ToLower(cfg.Ledger.Backend) == "postgres"
}

// needsRedis reports whether a Redis connection must be opened. Redis is
// optional unless the ledger stores its snapshot there.
func needsRedis(cfg *config.Config) bool {
	if cfg.RunsLedger() && strings.ToLower(cfg.Ledger.Backend) == "redis" {
		return true
	}
	return cfg.Redis.Addr != ""
}

// needsChain reports whether the RPC endpoint must be dialed.
func needsChain(cfg *config.Config) bool {
	if cfg.Chain.RPCURL == "" {
		return false
	}
	k := cfg.Keeper
	if cfg.RunsKeeper() && (k.Liquidator.Enabled || k.Publisher.Enabled || k.Reconciler.Enabled) {
		return true
	}
	return cfg.RunsLedger()
}

// Wire constructs the concrete dependencies from cfg and returns them with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.SnapshotStore = postgres.NewSnapshotStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pool.Ping
	}

	// --- Redis ---
	if needsRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, "domatrade")
		deps.Checks["redis"] = redisClient.Ping
		if strings.ToLower(cfg.Ledger.Backend) == "redis" {
			deps.SnapshotStore = redis.NewSnapshotStore(redisClient)
		}
	}

	if deps.SnapshotStore == nil {
		logger.WarnContext(ctx, "ledger state is kept in memory and lost on restart",
			slog.String("backend", cfg.Ledger.Backend),
		)
		deps.SnapshotStore = ledger.NewMemoryStore()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled && cfg.RunsLedger() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Wallet ---
	if cfg.Wallet.Configured() {
		key, err := crypto.Resolve(crypto.KeySource{
			Raw:      cfg.Wallet.PrivateKey,
			File:     cfg.Wallet.KeyFile,
			Password: cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		deps.Wallet = crypto.NewWallet(key)
		logger.InfoContext(ctx, "wallet loaded", slog.String("address", deps.Wallet.Address().Hex()))
	}

	// --- Chain ---
	if needsChain(cfg) {
		client, err := dialChain(ctx, cfg, deps.Wallet, logger)
		if err != nil {
			if cfg.RunsKeeper() {
				cleanup()
				return nil, nil, fmt.Errorf("wire: %w", err)
			}
			logger.WarnContext(ctx, "chain unavailable, settlement routes disabled",
				slog.String("error", err.Error()),
			)
		} else {
			closers = append(closers, client.Close)
			if common.IsHexAddress(cfg.Chain.FuturesAddress) {
				deps.Settlement = chain.NewSettlement(client, common.HexToAddress(cfg.Chain.FuturesAddress))
			}
			if common.IsHexAddress(cfg.Chain.OracleAddress) {
				deps.Oracle = chain.NewOracle(client, common.HexToAddress(cfg.Chain.OracleAddress))
			}
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", deps.AuditStore != nil),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.BlobWriter != nil),
		slog.Bool("settlement", deps.Settlement != nil),
		slog.Bool("oracle", deps.Oracle != nil),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

func dialChain(ctx context.Context, cfg *config.Config, wallet *crypto.Wallet, logger *slog.Logger) (*chain.Client, error) {
	chainCfg := chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		ChainID:        cfg.Chain.ChainID,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		PollInterval:   cfg.Chain.ReceiptInterval.Duration,
		FromBlock:      cfg.Chain.FromBlock,
	}
	if wallet == nil {
		return chain.Dial(ctx, chainCfg, nil, logger)
	}
	return chain.Dial(ctx, chainCfg, wallet.Key(), logger)
}
