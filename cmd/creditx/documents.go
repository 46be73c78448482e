package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/ingest"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Store a document and register it as READY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		docType, _ := cmd.Flags().GetString("type")
		if docType == "" {
			docType = a.Config.Schema.DefaultType
		}
		creditRequest, _ := cmd.Flags().GetString("credit-request")
		res, err := a.Ingestor.IngestPath(cmd.Context(), args[0], docType, ingest.WithCreditRequest(creditRequest))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var ingestDirCmd = &cobra.Command{
	Use:   "ingest-dir <dir>",
	Short: "Upload every supported document under a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		docType, _ := cmd.Flags().GetString("type")
		if docType == "" {
			docType = a.Config.Schema.DefaultType
		}
		includeHidden, _ := cmd.Flags().GetBool("include-hidden")
		creditRequest, _ := cmd.Flags().GetString("credit-request")
		results, stats, err := a.Ingestor.IngestDirectory(cmd.Context(), args[0], docType, !includeHidden,
			ingest.WithCreditRequest(creditRequest))
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"stats": stats, "results": results})
	},
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List documents, newest first, or one credit request's documents in upload order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		creditRequest, _ := cmd.Flags().GetString("credit-request")
		creditRequest = strings.TrimSpace(creditRequest)
		if creditRequest != "" && (status != "" || cmd.Flags().Changed("limit")) {
			return fmt.Errorf("%w: --credit-request cannot be combined with --status or --limit", common.ErrInvalidInput)
		}
		status = strings.ToUpper(strings.TrimSpace(status))
		if status != "" {
			if err := common.NewValidator().Field("status", status, common.OneOf(constants.DocumentStatuses...)).Error(); err != nil {
				return err
			}
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		var docs []*entity.Document
		if creditRequest != "" {
			docs, err = a.Documents.ListByCreditRequest(cmd.Context(), creditRequest)
		} else {
			docs, err = a.Documents.List(cmd.Context(), constants.DocumentStatus(status), limit)
		}
		if err != nil {
			return err
		}
		for _, d := range docs {
			active := "-"
			if d.ActiveJobID != nil {
				active = d.ActiveJobID.String()
			}
			group := d.CreditRequestID
			if group == "" {
				group = "-"
			}
			fmt.Printf("%s\t%-11s\t%s\t%s\t%s\t%s\n", d.ID, d.Status, d.DocumentType, group, active, d.SourcePath)
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringP("type", "t", "", "document type (default DEFAULT_DOCUMENT_TYPE)")
	ingestDirCmd.Flags().StringP("type", "t", "", "document type (default DEFAULT_DOCUMENT_TYPE)")
	uploadCmd.Flags().String("credit-request", "", "credit request the document belongs to")
	ingestDirCmd.Flags().String("credit-request", "", "credit request every uploaded document belongs to")
	ingestDirCmd.Flags().Bool("include-hidden", false, "also ingest hidden files and directories")
	documentsCmd.Flags().String("status", "", "filter by status")
	documentsCmd.Flags().Int("limit", 50, "maximum rows, 0 for all")
	documentsCmd.Flags().String("credit-request", "", "list only this credit request's documents")

	rootCmd.AddCommand(uploadCmd, ingestDirCmd, documentsCmd)
}
