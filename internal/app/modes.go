package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/ledger"
	"github.com/termfi/termvault/internal/selector"
	"github.com/termfi/termvault/internal/server"
	"github.com/termfi/termvault/internal/server/handler"
	"github.com/termfi/termvault/internal/server/ws"
	"github.com/termfi/termvault/internal/service"
	"github.com/termfi/termvault/internal/yield"
)

// coreServices bundles the in-memory cores behind their journal-backed
// services. Every mode builds them and replays the journals at boot.
type coreServices struct {
	vault *service.VaultService
	yield *service.YieldService
}

// FullMode runs every subsystem: the background jobs plus the HTTP and
// WebSocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if err := a.startJobs(ctx, g, deps, svcs); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs, false)
	}

	return g.Wait()
}

// StrategyMode runs the background jobs without the HTTP server.
func (a *App) StrategyMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting strategy mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return fmt.Errorf("strategy mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is true, but strategy mode never serves HTTP")
	}

	if err := a.startJobs(ctx, g, deps, svcs); err != nil {
		return fmt.Errorf("strategy mode: %w", err)
	}

	return g.Wait()
}

// ServerMode serves the read and admin API without running any background
// jobs. The HTTP server always starts in this mode.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	a.startHTTPServer(ctx, g, deps, svcs, false)

	return g.Wait()
}

// MonitorMode serves the read-only API. Mutating routes are never
// registered, so the daemon cannot change vault state in this mode.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	a.startHTTPServer(ctx, g, deps, svcs, true)

	return g.Wait()
}

// buildServices constructs the vault and yield services and replays the
// journals into the in-memory cores so the daemon resumes where it left
// off.
func (a *App) buildServices(ctx context.Context, deps *Dependencies) (*coreServices, error) {
	clock := clockwork.NewRealClock()

	vaultSvc := service.NewVaultService(
		ledger.New(clock),
		deps.Positions,
		deps.SignalBus,
		deps.Audit,
		a.logger,
	)
	yieldSvc := service.NewYieldService(
		yield.New(deps.Transferor, clock),
		deps.YieldEvents,
		deps.Runs,
		deps.Beneficiaries,
		deps.Totals,
		deps.Rates,
		deps.SignalBus,
		deps.Audit,
		deps.Notifier,
		a.logger,
	)

	if err := vaultSvc.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}
	if err := yieldSvc.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore yield state: %w", err)
	}

	a.logger.InfoContext(ctx, "journals replayed",
		slog.Int("positions", vaultSvc.PositionCount()),
		slog.String("total_locked", vaultSvc.TotalLocked().String()),
		slog.String("undistributed", yieldSvc.Totals().Undistributed.String()),
	)

	return &coreServices{vault: vaultSvc, yield: yieldSvc}, nil
}

// startJobs starts the redemption sweep and schedules the cron-driven jobs
// (rollover, distribution, archival). A shutdown watcher goroutine keeps
// the errgroup alive until the context is cancelled and then drains the
// scheduler.
func (a *App) startJobs(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *coreServices) error {
	clock := clockwork.NewRealClock()

	minPrincipal, err := parseAmount(a.cfg.Rollover.MinPrincipal)
	if err != nil {
		return fmt.Errorf("rollover min_principal: %w", err)
	}
	minPool, err := parseAmount(a.cfg.Distribution.MinPool)
	if err != nil {
		return fmt.Errorf("distribution min_pool: %w", err)
	}

	if a.cfg.Sweep.Enabled {
		// With rollover enabled the rollover engine owns redemption and
		// the sweep runs alert-only.
		var redeemer domain.Redeemer
		if deps.Teller != nil && !a.cfg.Rollover.Enabled {
			redeemer = deps.Teller
		}
		sweep := service.NewRedemptionSweep(
			svcs.vault,
			redeemer,
			deps.Locks,
			deps.Notifier,
			clock,
			a.cfg.Sweep.Interval.Duration,
			a.cfg.Sweep.AlertDays,
			a.logger,
		)
		g.Go(func() error {
			return sweep.Run(ctx)
		})
	}

	var c *cron.Cron
	schedule := func(name, spec string, job func(context.Context) error) error {
		if c == nil {
			c = cron.New(cron.WithChain(cron.Recover(cronLogger{a.logger})))
		}
		_, err := c.AddFunc(spec, func() {
			err := job(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, domain.ErrLockHeld):
				// The job already logged the skip at debug level.
			default:
				a.logger.ErrorContext(ctx, "scheduled job failed",
					slog.String("job", name),
					slog.String("error", err.Error()),
				)
			}
		})
		if err != nil {
			return fmt.Errorf("%s cron %q: %w", name, spec, err)
		}
		return nil
	}

	if a.cfg.Rollover.Enabled {
		if deps.Markets == nil {
			return fmt.Errorf("rollover enabled but markets.base_url is empty")
		}
		engine := service.NewRolloverEngine(
			svcs.vault,
			deps.Markets,
			selector.New(a.selectorConfig()),
			deps.Teller,
			deps.Teller,
			deps.Locks,
			deps.SignalBus,
			deps.Notifier,
			clock,
			minPrincipal,
			a.logger,
		)
		if err := schedule("rollover", a.cfg.Rollover.Cron, engine.RunOnce); err != nil {
			return err
		}
	}

	if a.cfg.Distribution.Enabled {
		dist := service.NewDistributor(svcs.yield, deps.Locks, deps.Notifier, minPool, a.logger)
		if err := schedule("distribution", a.cfg.Distribution.Cron, dist.RunOnce); err != nil {
			return err
		}
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		job := service.NewArchiveJob(
			deps.Archiver,
			deps.Pruner,
			deps.Locks,
			deps.Notifier,
			clock,
			time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour,
			a.cfg.Archive.PruneEvents,
			a.logger,
		)
		if err := schedule("archive", a.cfg.Archive.Cron, job.RunOnce); err != nil {
			return err
		}
	}

	if c != nil {
		c.Start()
	}

	g.Go(func() error {
		<-ctx.Done()
		if c != nil {
			<-c.Stop().Done()
		}
		return ctx.Err()
	})

	return nil
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *coreServices, readOnly bool) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// deps.Markets is a typed pointer; assign through a nil check so the
	// handler sees a nil interface when no market source is configured.
	var marketSrc handler.MarketSource
	if deps.Markets != nil {
		marketSrc = deps.Markets
	}

	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
			ReadOnly:        readOnly,
		},
		server.Handlers{
			Health:        handler.NewHealthHandler(),
			Status:        handler.NewStatusHandler(a.cfg.Mode, startedAt, svcs.vault, svcs.yield, a.logger),
			Positions:     handler.NewPositionHandler(svcs.vault, a.logger),
			Maturities:    handler.NewMaturityHandler(svcs.vault),
			Vault:         handler.NewVaultHandler(svcs.vault),
			Yield:         handler.NewYieldHandler(svcs.yield, a.logger),
			Beneficiaries: handler.NewBeneficiaryHandler(svcs.yield, a.logger),
			Distributions: handler.NewDistributionHandler(svcs.yield, a.logger),
			Markets:       handler.NewMarketHandler(marketSrc, selector.New(a.selectorConfig()), a.logger),
			Events:        handler.NewEventHandler(deps.SignalBus, a.logger),
		},
		deps.RateLimiter,
		hub,
		a.logger,
	)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.Bool("read_only", readOnly),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// selectorConfig maps the rollover day counts onto the scoring window.
// Zero values fall back to the selector defaults.
func (a *App) selectorConfig() selector.Config {
	return selector.Config{
		Target:  time.Duration(a.cfg.Rollover.TargetDays) * 24 * time.Hour,
		Falloff: time.Duration(a.cfg.Rollover.FalloffDays) * 24 * time.Hour,
	}
}

// parseAmount parses a base-unit decimal string. Empty means no threshold.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	return n, nil
}

// cronLogger adapts slog to the cron.Logger interface so recovered job
// panics land in the structured log.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Info(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
