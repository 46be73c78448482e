// Command extractord serves gRPC health and runs the extraction workers.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/credit-extractor/internal/app"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/ingest"
	"github.com/joseph-ayodele/credit-extractor/internal/server"
)

func main() {
	cfg := common.LoadConfig()
	logger := app.NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), getenv("LOG_LEVEL", "info"))

	addr := cfg.Server.GRPCAddr
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger, app.Options{Collaborators: true})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", addr, "error", err)
		os.Exit(1)
	}
	srv := server.New(logger, a.Checks())
	pool := a.WorkerPool()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, lis) })
	g.Go(func() error { return pool.Run(gctx) })
	if inbox := os.Getenv("INBOX_DIR"); inbox != "" {
		g.Go(func() error {
			err := a.Ingestor.Watch(gctx, ingest.WatchConfig{Roots: []string{inbox}, InitialScan: true, SkipHidden: true},
				cfg.Schema.DefaultType, func(ctx context.Context, id uuid.UUID) error {
					_, err := a.Orchestrator.Submit(ctx, id)
					return err
				})
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	logger.Info("extractord started", "addr", addr, "workers", cfg.Pipeline.Workers,
		"ocr", cfg.OCR.Backend, "llm", cfg.LLM.Provider, "storage", cfg.Storage.Backend)
	if err := g.Wait(); err != nil {
		logger.Error("extractord stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("extractord stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
