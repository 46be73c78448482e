// Command creditx ingests credit request documents and drives extraction jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/credit-extractor/internal/app"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

var rootCmd = &cobra.Command{
	Use:           "creditx",
	Short:         "Credit request document extraction",
	Long:          "creditx uploads credit request documents, runs the OCR and field extraction pipeline, and exports the results for review.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	envFiles  []string
	logFormat string
	logLevel  string
)

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env files to load (default ./.env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", os.Getenv("LOG_FORMAT"), "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// openApp loads configuration and opens the stores. withCollaborators also
// builds the OCR backend and the extractor.
func openApp(ctx context.Context, withCollaborators bool) (*app.App, error) {
	cfg := common.LoadConfig(envFiles...)
	logger := app.NewLogger(os.Stderr, logFormat, logLevel)
	return app.Open(ctx, cfg, logger, app.Options{Collaborators: withCollaborators})
}

func parseID(name, value string) (uuid.UUID, error) {
	return common.ParseUUIDArg(name, value)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps error kinds to distinct statuses for scripts.
func exitCode(err error) int {
	switch common.Code(err) {
	case "NotFound":
		return 3
	case "ConcurrentJobConflict":
		return 4
	}
	if common.KindOf(err) == common.KindTransient || common.KindOf(err) == common.KindInfrastructure {
		return 5
	}
	return 1
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
