package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
)

// ConnectDB opens and migrates the metadata store.
func ConnectDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repository.DB, error) {
	logger.Info("connecting to database", "driver", repository.DriverName(cfg.DSN))
	db, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	logger.Info("successfully connected to database", "dialect", db.Dialect())
	return db, nil
}

// PingDB pings the database to ensure it's responsive
func PingDB(ctx context.Context, db *repository.DB, logger *slog.Logger, timeout time.Duration) error {
	logger.Debug("pinging database")
	if err := db.HealthCheck(ctx, timeout); err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	logger.Debug("database ping successful")
	return nil
}

// CloseDB closes the database connections gracefully
func CloseDB(db *repository.DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	logger.Info("closing database connections")
	db.Close()
	logger.Info("database connections closed")
}

// DatabaseCheck reports the metadata store under the "metadata" service name.
func DatabaseCheck(db *repository.DB, timeout time.Duration) Check {
	return Check{
		Name:  "metadata",
		Probe: func(ctx context.Context) error { return db.HealthCheck(ctx, timeout) },
	}
}
