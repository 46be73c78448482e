package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/credit-extractor/internal/ingest"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a worker pool in the foreground until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			a.Config.Pipeline.Workers = n
		}
		return a.WorkerPool().Run(ctx)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>...",
	Short: "Ingest documents dropped into directories and process them",
	Long: `Watch directories for new documents. Each new file is uploaded and
submitted; a worker pool in the same process runs the jobs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		docType, _ := cmd.Flags().GetString("type")
		if docType == "" {
			docType = a.Config.Schema.DefaultType
		}
		existing, _ := cmd.Flags().GetBool("existing")
		debounce, _ := cmd.Flags().GetDuration("debounce")

		g, gctx := errgroup.WithContext(ctx)
		pool := a.WorkerPool()
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error {
			err := a.Ingestor.Watch(gctx, ingest.WatchConfig{
				Roots:       args,
				InitialScan: existing,
				Debounce:    debounce,
				SkipHidden:  true,
			}, docType, func(ctx context.Context, id uuid.UUID) error {
				_, err := a.Orchestrator.Submit(ctx, id)
				return err
			})
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
		return g.Wait()
	},
}

func init() {
	workCmd.Flags().Int("workers", 0, "worker count (default PIPELINE_WORKERS)")
	watchCmd.Flags().StringP("type", "t", "", "document type (default DEFAULT_DOCUMENT_TYPE)")
	watchCmd.Flags().Bool("existing", false, "also ingest files already present")
	watchCmd.Flags().Duration("debounce", 500*time.Millisecond, "wait for writes to settle")
	rootCmd.AddCommand(workCmd, watchCmd)
}
