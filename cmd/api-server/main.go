package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/covigo-scheduling/internal/api"
	"github.com/hackgods/covigo-scheduling/internal/appointment"
	"github.com/hackgods/covigo-scheduling/internal/clock"
	"github.com/hackgods/covigo-scheduling/internal/config"
	"github.com/hackgods/covigo-scheduling/internal/db"
	"github.com/hackgods/covigo-scheduling/internal/logging"
	"github.com/hackgods/covigo-scheduling/internal/metrics"
	"github.com/hackgods/covigo-scheduling/internal/notify"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg, "api-server")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("time_zone", cfg.TimeZone),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk, err := clock.NewSystem(cfg.TimeZone)
	if err != nil {
		return err
	}

	if cfg.MigrateOnStart {
		v, err := db.Migrate(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		logger.Info("database migrated", zap.Uint("version", v))
	}

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.Postgres)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection error: %w", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.Connect(rootCtx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connection error: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	checks := []api.DependencyCheck{
		{Name: "postgres", Critical: true, Ping: pgPool.Ping},
		{Name: "redis", Critical: true, Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	var notifier appointment.Notifier = notify.NewLogSink(logger)
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = notify.NewNATSSink(nc, logger)
		checks = append(checks, api.DependencyCheck{Name: "nats", Ping: func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		}})
		logger.Info("connected to NATS")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	users := principal.NewPgStore(pgPool)
	locker := redisclient.NewRedisSessionLocker(rdb, cfg.LockTTL)
	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		users,
		locker,
		notifier,
		appointment.WithClock(clk),
		appointment.WithLogger(logger.Named("appointment")),
		appointment.WithMetrics(metrics.NewScheduling(reg)),
		appointment.WithBatchPacing(cfg.BatchPacing),
	)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:  svc,
			Locker:   locker,
			Users:    users,
			Logger:   logger.Named("http"),
			Gatherer: reg,
			Checks:   checks,
			Env:      cfg.Env,
			Version:  version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		// batch jobs outlive their requests
		done := make(chan struct{})
		go func() {
			svc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("batch jobs still running at shutdown")
		}
		return nil
	})

	return g.Wait()
}
