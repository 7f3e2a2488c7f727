package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/api"
	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/internal/catalog"
	"github.com/VenkatGGG/testswarm/internal/config"
	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/hub"
	"github.com/VenkatGGG/testswarm/internal/idempotency"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/lease"
	"github.com/VenkatGGG/testswarm/internal/logging"
	"github.com/VenkatGGG/testswarm/internal/metrics"
	"github.com/VenkatGGG/testswarm/internal/scheduler"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, worker hub and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tests, err := openCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger, m)
	var (
		publisher events.Publisher  = bus
		leases    lease.Manager     = lease.NewMemoryManager()
		idem      idempotency.Store = idempotency.NewMemoryStore()
		rdb       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		bridge := events.NewRedisBridge(rdb, "", bus, logger)
		publisher = bridge
		leases = lease.NewRedisManager(rdb, "")
		idem = idempotency.NewRedisStore(rdb, "")
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event bridge stopped", zap.Error(err))
			}
		}()
	}

	profiles := browser.NewRegistry(cfg.Browsers, cfg.ManualBrowsers)
	workers := worker.NewRegistry(profiles, publisher, m, logger)
	sched := scheduler.New(scheduler.Deps{
		Store:     store,
		Browsers:  profiles,
		Workers:   workers,
		Catalog:   tests,
		Publisher: publisher,
		Leases:    leases,
		Metrics:   m,
		Logger:    logger,
	}, scheduler.Config{
		TestRetries:   cfg.TestRetries,
		TestTimeout:   cfg.TestTimeout,
		SweepInterval: cfg.SweepInterval,
	})
	workerHub := hub.New(sched, workers, logger, hub.Options{})
	sched.AttachDispatcher(workerHub)

	server := api.NewServer(api.Options{
		Jobs:               sched,
		Browsers:           profiles,
		Workers:            workers,
		Events:             bus,
		WorkerHub:          workerHub,
		Metrics:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		APIKey:             cfg.APIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Idempotency:        idem,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		IdempotencyLockTTL: cfg.IdempotencyLockTTL,
		DashboardDir:       cfg.DashboardDir,
		Logger:             logger,
	})

	go sched.Run(ctx)
	go workers.Run(ctx, cfg.SweepInterval, cfg.CaptureTimeout)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("testswarm listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreDriver),
			zap.Strings("browsers", cfg.Browsers),
			zap.Bool("redis", rdb != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	logger.Info("testswarm stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (jobstore.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		store, err := jobstore.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := jobstore.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return jobstore.NewMemoryStore(), nil
	}
}

func openCatalog(path string) (catalog.Catalog, error) {
	if path == "" {
		return catalog.AcceptAll{}, nil
	}
	loaded, err := catalog.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return loaded, nil
}
