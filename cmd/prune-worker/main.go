package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/appointment"
	"github.com/hackgods/covigo-scheduling/internal/clock"
	"github.com/hackgods/covigo-scheduling/internal/config"
	"github.com/hackgods/covigo-scheduling/internal/db"
	"github.com/hackgods/covigo-scheduling/internal/logging"
	"github.com/hackgods/covigo-scheduling/internal/notify"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg, "prune-worker")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("prune worker starting",
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("retention", cfg.Retention),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk, err := clock.NewSystem(cfg.TimeZone)
	if err != nil {
		logger.Fatal("load time zone", zap.Error(err))
	}

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.Postgres)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.Connect(rootCtx, cfg.Redis)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()

	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		principal.NewPgStore(pgPool),
		redisclient.NewRedisSessionLocker(rdb, cfg.LockTTL),
		notify.NewLogSink(logger),
		appointment.WithClock(clk),
		appointment.WithLogger(logger.Named("appointment")),
	)

	// Run once at startup
	runOnce(rootCtx, svc, cfg.Retention, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping prune worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.Retention, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, retention time.Duration, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.PruneExpiredAvailabilities(runCtx, retention)
	if err != nil {
		logger.Error("prune run error", zap.Error(err))
		return
	}
	logger.Info("prune run complete", zap.Int64("removed", n), zap.Duration("took", time.Since(start)))
}
