package artifact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

// Open builds the configured backend, wrapped in the stage cache.
func Open(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (Store, error) {
	var (
		backend Store
		err     error
	)
	switch cfg.Backend {
	case "", "fs":
		backend, err = NewFSStore(cfg.Dir, logger)
	case "s3":
		backend, err = NewS3Store(ctx, S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown artifact backend %q", common.ErrInvalidInput, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("artifact store ready", "backend", cfg.Backend, "cache_size", cfg.CacheSize)
	return NewCachedStore(backend, cfg.CacheSize), nil
}
