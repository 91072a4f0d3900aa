package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sydlexius/gridserver/internal/api"
	"github.com/sydlexius/gridserver/internal/catalog"
	"github.com/sydlexius/gridserver/internal/config"
	"github.com/sydlexius/gridserver/internal/event"
	"github.com/sydlexius/gridserver/internal/metrics"
	"github.com/sydlexius/gridserver/internal/scanner"
	"github.com/sydlexius/gridserver/internal/server"
	"github.com/sydlexius/gridserver/internal/version"
	"github.com/sydlexius/gridserver/internal/watcher"
	"github.com/sydlexius/gridserver/internal/webhook"
	"github.com/sydlexius/gridserver/internal/worker"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Scan plugins, then accept client connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := openApp(configPath, nil)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck
	logger := a.logger
	slog.SetDefault(logger)

	identity := a.identity.Identity()
	logger.Info("starting gridserver",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.Int("id", identity.ID),
	)

	prober, err := a.newProcessProber()
	if err != nil {
		return err
	}
	svc, err := a.newScanner(prober)
	if err != nil {
		return err
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	eventBus := event.NewBus(logger, 256)
	go eventBus.Start()
	svc.SetEventBus(eventBus)

	var dispatcher *webhook.Dispatcher
	if hooks := webhook.FromConfig(a.cfg.Notify); len(hooks) > 0 {
		dispatcher = webhook.NewDispatcher(webhook.NewService(hooks), logger)
		dispatcher.Subscribe(eventBus)
		logger.Info("webhooks configured", slog.Int("count", len(hooks)))
	}
	defer func() {
		eventBus.Stop()
		if dispatcher != nil {
			dispatcher.Wait()
		}
	}()

	if err := a.maint.Check(ctx); err != nil {
		return err
	}

	// Clients must not see a catalog that still lists a plugin which took
	// down the last run, so recovery and a full scan finish before Listen.
	if err := a.recoverInterrupted(ctx, svc); err != nil {
		return err
	}
	res, err := svc.Scan(ctx, nil)
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	if ctx.Err() != nil {
		logger.Info("interrupted during initial scan")
		return nil
	}
	if res.Status == scanner.StatusFailed {
		logger.Error("initial scan failed, serving the persisted catalog", slog.String("error", res.Error))
	}

	registry := worker.NewRegistry(&worker.DefaultSession{
		Plugins: func() []catalog.Descriptor { return svc.Catalog().Descriptors() },
		Logger:  logger,
	}, logger, 64)
	srv := server.New(server.Config{
		Host:        identity.Host,
		Port:        identity.Port(a.cfg.Server.PortBase),
		AcceptRate:  a.cfg.Server.AcceptRate,
		AcceptBurst: a.cfg.Server.AcceptBurst,
	}, registry, logger)
	srv.SetEventBus(eventBus)
	srv.OnStopped(svc.Release)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	if addr := a.cfg.Server.AdminAddr; addr != "" {
		router := api.NewRouter(api.RouterDeps{
			Scanner:  svc,
			Workers:  registry,
			Maint:    a.maint,
			Backups:  a.backups,
			Gatherer: prometheus.DefaultGatherer,
			Shutdown: cancel,
			Logger:   logger,
		})
		httpSrv := &http.Server{
			Addr:         addr,
			Handler:      router.Handler(gctx),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin api starting", slog.String("addr", addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		reloadLogging(gctx, a)
		return nil
	})

	if interval := a.cfg.Data.OptimizeInterval; interval > 0 {
		g.Go(func() error {
			a.maint.StartScheduler(gctx, interval)
			return nil
		})
	}

	if interval := a.cfg.Data.BackupInterval; interval > 0 {
		g.Go(func() error {
			a.backups.StartScheduler(gctx, interval)
			return nil
		})
	}

	if a.cfg.Scan.Watch {
		probeCache := watcher.NewProbeCache()
		probeCache.ProbeAll(gctx, a.searchDirs(), logger)
		scanFn := func(ctx context.Context) error {
			_, err := svc.ScanAsync(ctx)
			return err
		}
		w := watcher.NewService(scanFn, a.searchDirs, eventBus, logger, probeCache)
		w.SetDebounce(a.cfg.Scan.WatchDebounce)
		g.Go(func() error {
			w.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	waitForScan(svc, a.cfg.Scan.Timeout+5*time.Second)
	return err
}

// reloadLogging re-reads the logging section of the config file on SIGHUP.
// Other sections need a restart.
func reloadLogging(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(a.configPath)
			if err != nil {
				a.logger.Error("reloading config", slog.Any("error", err))
				continue
			}
			a.logManager.Reconfigure(cfg.Logging)
			a.logger.Info("logging reconfigured", slog.String("logging", cfg.Logging.String()))
		}
	}
}

// waitForScan gives a background scan, already canceled, time to reap its
// probe child before the database closes.
func waitForScan(svc *scanner.Service, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for svc.Running() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
