package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/credit-extractor/constants"
)

var exportCmd = &cobra.Command{
	Use:   "export <job_id>",
	Short: "Write a review workbook (XLSX) for a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := parseID("job_id", args[0])
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = "job-" + jobID.String() + ".xlsx"
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.Export.ExportJobXLSX(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Ingest a directory, run every new document and export one workbook",
	Long: `Ingest every supported document under <dir>, run a job for each document
that has no result yet, and write one row per document to an XLSX workbook.

Examples:
  creditx batch ./antraege
  creditx batch ./antraege -o review.xlsx --fields company_name,credit_amount`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(filepath.Dir(filepath.Clean(dir)), "credit-requests.xlsx")
		}
		fieldsFlag, _ := cmd.Flags().GetString("fields")

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		docType := a.Config.Schema.DefaultType

		results, stats, err := a.Ingestor.IngestDirectory(ctx, dir, docType, true)
		if err != nil {
			return err
		}
		a.Logger.Info("batch.ingested", "matched", stats.Matched, "succeeded", stats.Succeeded, "failed", stats.Failed)

		for _, r := range results {
			if r.Err != "" {
				continue
			}
			doc, err := a.Documents.Get(ctx, r.DocumentID)
			if err != nil {
				return err
			}
			if doc.Status != constants.DocumentReady {
				continue
			}
			jctx, cancel := context.WithTimeout(ctx, a.Config.Pipeline.JobTimeout)
			job, err := a.Orchestrator.RunNow(jctx, doc.ID)
			cancel()
			if job == nil {
				a.Logger.Warn("batch.create_failed", "document_id", doc.ID, "err", err)
				continue
			}
			if err != nil {
				return err
			}
			a.Logger.Info("batch.job.done", "document_id", doc.ID, "job_id", job.ID, "stage", job.Stage)
		}

		var fields []string
		if fieldsFlag != "" {
			for _, f := range strings.Split(fieldsFlag, ",") {
				if f = strings.TrimSpace(f); f != "" {
					fields = append(fields, f)
				}
			}
		} else {
			dt, err := a.Registry.Get(docType)
			if err != nil {
				return err
			}
			fields = dt.FieldNames()
		}
		data, err := a.Export.ExportDocumentsXLSX(ctx, "", fields)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("out", "o", "", "output XLSX path (default job-<id>.xlsx)")
	batchCmd.Flags().StringP("out", "o", "", "output XLSX path (default next to <dir>)")
	batchCmd.Flags().String("fields", "", "comma-separated canonical fields to export (default all)")
	rootCmd.AddCommand(exportCmd, batchCmd)
}
