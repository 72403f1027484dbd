package main

import (
	"log"

	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/config"
	"github.com/hackgods/covigo-scheduling/internal/db"
	"github.com/hackgods/covigo-scheduling/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg, "migrate")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	version, err := db.Migrate(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("database is up to date", zap.Uint("version", version))
}
