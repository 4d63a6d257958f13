package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/domatrade/internal/blob/s3"
	"github.com/alanyoungcy/domatrade/internal/feed"
	"github.com/alanyoungcy/domatrade/internal/keeper"
	"github.com/alanyoungcy/domatrade/internal/ledger"
	"github.com/alanyoungcy/domatrade/internal/server"
	"github.com/alanyoungcy/domatrade/internal/server/handler"
	"github.com/alanyoungcy/domatrade/internal/server/ws"
)

// keeperSet holds the keeper loops started in this process. Loops that are
// disabled stay nil.
type keeperSet struct {
	liquidator *keeper.Liquidator
	publisher  *keeper.Publisher
}

// KeeperMode runs the liquidation watchdog and the oracle publisher, plus the
// status API when the server is enabled.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Keeper.Reconciler.Enabled {
		a.logger.WarnContext(ctx, "keeper.reconciler needs the ledger; run ledger or full mode to enable it")
	}
	ks, err := a.startKeeper(ctx, g, deps, nil)
	if err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, ks)
	}

	return g.Wait()
}

// LedgerMode serves the position ledger and runs the price feeds that drive
// trigger evaluation.
func (a *App) LedgerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ledger mode")

	g, ctx := errgroup.WithContext(ctx)

	l, err := a.startLedger(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("ledger mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, l, keeperSet{})
	}

	return g.Wait()
}

// FullMode runs the keeper and the ledger in one process. The reconciler
// only runs here since it writes chain positions into the ledger.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	l, err := a.startLedger(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	ks, err := a.startKeeper(ctx, g, deps, l)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, l, ks)
	}

	return g.Wait()
}

// startKeeper adds the enabled keeper loops to g. projection may be nil, in
// which case the reconciler is not started.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, projection keeper.ProjectionStore) (keeperSet, error) {
	var ks keeperSet
	kc := a.cfg.Keeper

	if kc.Liquidator.Enabled {
		if deps.Settlement == nil {
			return ks, errors.New("liquidator: settlement contract not configured")
		}
		margin, err := kc.Liquidator.Margin()
		if err != nil {
			return ks, fmt.Errorf("liquidator: maintenance margin: %w", err)
		}
		liq := keeper.NewLiquidator(deps.Settlement, deps.LockManager, deps.SignalBus, deps.Notifier,
			keeper.LiquidatorConfig{
				Interval:          kc.Liquidator.Interval.Duration,
				MaintenanceMargin: margin,
				LockTTL:           kc.Liquidator.LockTTL.Duration,
			}, a.logger)
		ks.liquidator = liq
		g.Go(func() error {
			return liq.Run(ctx)
		})
	}

	if kc.Publisher.Enabled {
		if deps.Oracle == nil {
			return ks, errors.New("publisher: oracle contract not configured")
		}
		pub, err := keeper.NewPublisher(deps.Oracle, deps.PriceCache, deps.SignalBus, nil,
			keeper.PublisherConfig{
				Interval: kc.Publisher.Interval.Duration,
				Asset:    kc.Publisher.Asset,
				Baseline: kc.Publisher.Baseline,
				MaxStep:  kc.Publisher.MaxStep,
			}, a.logger)
		if err != nil {
			return ks, err
		}
		ks.publisher = pub
		g.Go(func() error {
			return pub.Run(ctx)
		})
	}

	if kc.Reconciler.Enabled && projection != nil {
		if deps.Settlement == nil {
			return ks, errors.New("reconciler: settlement contract not configured")
		}
		accounts := kc.Reconciler.Accounts
		if len(accounts) == 0 && deps.Wallet != nil {
			accounts = []string{deps.Wallet.Address().Hex()}
		}
		rec := keeper.NewReconciler(deps.Settlement, projection, accounts, kc.Reconciler.Asset,
			kc.Reconciler.Interval.Duration, a.logger)
		g.Go(func() error {
			return rec.Run(ctx)
		})
	}

	a.logger.InfoContext(ctx, "keeper started",
		slog.Bool("liquidator", ks.liquidator != nil),
		slog.Bool("publisher", ks.publisher != nil),
		slog.Bool("reconciler", kc.Reconciler.Enabled && projection != nil),
	)
	return ks, nil
}

// startLedger loads the ledger and adds the feed runner, the configured
// price sources and the archiver to g.
func (a *App) startLedger(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*ledger.Ledger, error) {
	lc := a.cfg.Ledger
	opts := []ledger.Option{ledger.WithNotifier(deps.Notifier)}
	if deps.SignalBus != nil {
		opts = append(opts, ledger.WithBus(deps.SignalBus))
	}
	if deps.AuditStore != nil {
		opts = append(opts, ledger.WithAudit(deps.AuditStore))
	}
	l := ledger.New(deps.SnapshotStore, ledger.Config{
		StoreName:        lc.StoreName,
		StrictThresholds: lc.StrictThresholds,
		SeedDemo:         lc.SeedDemo,
	}, a.logger, opts...)
	if err := l.Load(ctx); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	fc := a.cfg.Feed
	runner := feed.NewRunner(l, fc.Buffer, a.logger)
	g.Go(func() error {
		return runner.Run(ctx)
	})

	if fc.Bus && deps.SignalBus != nil {
		busFeed := feed.NewBusFeed(deps.SignalBus, runner, a.logger)
		g.Go(func() error {
			return busFeed.Run(ctx)
		})
	}

	if fc.WSURL != "" {
		wsFeed := feed.NewWSFeed(fc.WSURL, runner, a.logger)
		g.Go(func() error {
			return wsFeed.Run(ctx)
		})
	}

	if source := a.pollSource(ctx, deps); source != nil {
		poller := feed.NewPoller(source, fc.Assets, fc.PollInterval.Duration, runner, a.logger)
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}

	if deps.BlobWriter != nil {
		var signer s3blob.MessageSigner
		if a.cfg.S3.SignArchives && deps.Wallet != nil {
			signer = deps.Wallet
		}
		archiver := s3blob.NewArchiver(l, deps.BlobWriter, signer, deps.AuditStore, s3blob.ArchiverConfig{
			Interval: a.cfg.S3.ArchiveInterval.Duration,
			Prefix:   a.cfg.S3.Prefix,
			Name:     lc.StoreName,
		}, a.logger)
		g.Go(func() error {
			return archiver.Run(ctx)
		})
	}

	return l, nil
}

// pollSource returns the PriceSource named by feed.poll_source, or nil when
// polling is off or its backend is missing.
func (a *App) pollSource(ctx context.Context, deps *Dependencies) feed.PriceSource {
	switch strings.ToLower(a.cfg.Feed.PollSource) {
	case "":
		return nil
	case "cache":
		if deps.PriceCache == nil {
			a.logger.WarnContext(ctx, "feed.poll_source is cache but redis is not configured")
			return nil
		}
		return feed.CacheSource{Cache: deps.PriceCache}
	case "oracle":
		if deps.Oracle == nil {
			a.logger.WarnContext(ctx, "feed.poll_source is oracle but the oracle contract is not configured")
			return nil
		}
		return feed.OracleSource{Oracle: deps.Oracle}
	default:
		a.logger.WarnContext(ctx, "unknown feed.poll_source", slog.String("source", a.cfg.Feed.PollSource))
		return nil
	}
}

// startHTTPServer adds the websocket hub and the HTTP server to g. l may be
// nil in keeper mode; the ledger routes are then not registered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, l *ledger.Ledger, ks keeperSet) {
	status := &handler.StatusHandler{Mode: a.cfg.Mode, StartedAt: a.startedAt}
	if l != nil {
		status.Ledger = l
	}
	if ks.liquidator != nil {
		status.Liquidator = ks.liquidator
	}
	if ks.publisher != nil {
		status.Publisher = ks.publisher
	}

	hub := ws.NewHub(deps.SignalBus, status.Snapshot, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	h := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     status,
		Settlement: handler.NewSettlementHandler(deps.Settlement, deps.Oracle, a.logger),
	}
	if l != nil {
		h.Ledger = handler.NewLedgerHandler(l, a.logger)
	}
	if deps.AuditStore != nil {
		h.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if deps.BlobReader != nil {
		h.Archive = handler.NewArchiveHandler(deps.BlobReader, a.cfg.S3.Prefix, a.logger)
	}

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Addr:        ":" + strconv.Itoa(sc.Port),
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateBurst:   sc.RateBurst,
	}, h, hub, a.logger)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}
