package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
)

const (
	fieldsSheet    = "Fields"
	missingSheet   = "Missing"
	summarySheet   = "Summary"
	documentsSheet = "Documents"
)

// Service produces XLSX review workbooks from persisted results.
type Service struct {
	jobs   repository.JobRepository
	docs   repository.DocumentRepository
	logger *slog.Logger
}

func NewService(jobs repository.JobRepository, docs repository.DocumentRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, docs: docs, logger: logger}
}

// ExportJobXLSX returns a review workbook for one FINISHED job: every
// extracted field with its validation outcome, the missing fields, and a
// summary of the job and document.
func (s *Service) ExportJobXLSX(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	start := time.Now()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage != constants.StageFinished {
		return nil, fmt.Errorf("%w: job %s is %s", common.ErrInvalidInput, jobID, job.Stage)
	}
	var res entity.PipelineResult
	if err := json.Unmarshal(job.ResultJSON, &res); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", jobID, err)
	}
	doc, err := s.docs.Get(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", fieldsSheet); err != nil {
		return nil, err
	}

	headers := []string{"Field", "Value", "Type", "Raw", "Confidence", "Page", "Source Label", "Valid", "Flags", "Message"}
	writeRow(f, fieldsSheet, 1, toAny(headers)...)
	for i, fld := range res.Fields {
		value, typ := "", ""
		if fld.Value != nil {
			value, typ = fld.Value.String(), string(fld.Value.Type())
		}
		page := ""
		if fld.Page != nil {
			page = fmt.Sprint(*fld.Page)
		}
		writeRow(f, fieldsSheet, i+2,
			fld.Name,
			value,
			typ,
			truncate(fld.Raw, 140),
			fld.Confidence,
			page,
			fld.SourceLabel,
			fld.Validation.Valid,
			joinFlags(fld.Validation.Flags),
			fld.Validation.Message,
		)
	}
	_ = f.SetColWidth(fieldsSheet, "A", "A", 24)
	_ = f.SetColWidth(fieldsSheet, "B", "B", 32)
	_ = f.SetColWidth(fieldsSheet, "D", "D", 40)
	_ = f.SetColWidth(fieldsSheet, "G", "G", 22)
	_ = f.SetColWidth(fieldsSheet, "I", "J", 30)
	if err := s.highlightFlagged(f, &res); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(missingSheet); err != nil {
		return nil, err
	}
	writeRow(f, missingSheet, 1, "Missing Field")
	for i, name := range res.Missing {
		writeRow(f, missingSheet, i+2, name)
	}
	_ = f.SetColWidth(missingSheet, "A", "A", 28)

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	finished := ""
	if job.FinishedAt != nil {
		finished = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	summary := [][2]any{
		{"Job", job.ID.String()},
		{"Document", doc.ID.String()},
		{"Source", doc.SourcePath},
		{"Document Type", res.DocumentType},
		{"Pages", doc.PageCount},
		{"Finished At", finished},
		{"Attempts", job.Attempts},
		{"Fields", len(res.Fields)},
		{"Flagged", len(res.Flagged())},
		{"Missing", len(res.Missing)},
		{"Unmapped Labels", strings.Join(res.Unmapped, ", ")},
		{"Credit Request", doc.CreditRequestID},
	}
	for i, kv := range summary {
		writeRow(f, summarySheet, i+1, kv[0], kv[1])
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 18)
	_ = f.SetColWidth(summarySheet, "B", "B", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"job_id", jobID,
		"fields", len(res.Fields),
		"missing", len(res.Missing),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ExportDocumentsXLSX returns one row per document with the value of every
// named field from its latest finished job. Documents without one are listed
// with empty values.
func (s *Service) ExportDocumentsXLSX(ctx context.Context, status constants.DocumentStatus, fields []string) ([]byte, error) {
	docs, err := s.docs.List(ctx, status, 0)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", documentsSheet); err != nil {
		return nil, err
	}
	headers := append([]any{"Document", "Source", "Status", "Type"}, toAny(fields)...)
	writeRow(f, documentsSheet, 1, headers...)

	for i, d := range docs {
		row := []any{d.ID.String(), d.SourcePath, string(d.Status), d.DocumentType}
		res, err := s.jobs.LatestResultForDocument(ctx, d.ID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		for _, name := range fields {
			cell := ""
			if res != nil {
				if fld, ok := res.Field(name); ok && fld.Value != nil {
					cell = fld.Value.String()
				}
			}
			row = append(row, cell)
		}
		writeRow(f, documentsSheet, i+2, row...)
	}
	_ = f.SetColWidth(documentsSheet, "A", "A", 38)
	_ = f.SetColWidth(documentsSheet, "B", "B", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.documents.ok", "rows", len(docs), "status", status)
	return buf.Bytes(), nil
}

func (s *Service) highlightFlagged(f *excelize.File, res *entity.PipelineResult) error {
	style, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"F8D7DA"}},
	})
	if err != nil {
		return err
	}
	for i, fld := range res.Fields {
		if fld.Validation.Valid {
			continue
		}
		row := i + 2
		first, _ := excelize.CoordinatesToCellName(1, row)
		last, _ := excelize.CoordinatesToCellName(10, row)
		if err := f.SetCellStyle(fieldsSheet, first, last, style); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func joinFlags(flags []constants.ValidationFlag) string {
	parts := make([]string, len(flags))
	for i, fl := range flags {
		parts[i] = string(fl)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
