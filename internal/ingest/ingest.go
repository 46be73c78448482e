package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/artifact"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string    `json:"source_path"`
	DocumentID   uuid.UUID `json:"document_id,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
	HashHex      string    `json:"sha256,omitempty"`
	FileExt      string    `json:"file_ext,omitempty"`
	// CreditRequestID is the group the document belongs to, if any.
	CreditRequestID string    `json:"credit_request_id,omitempty"`
	PageCount       int       `json:"page_count,omitempty"`
	UploadedAt      time.Time `json:"uploaded_at,omitempty"`
	Err             string    `json:"error,omitempty"`
}

// Ingestor stores uploaded credit documents and registers them as READY.
type Ingestor struct {
	Documents repository.DocumentRepository
	Artifacts artifact.Store
	Registry  *schema.Registry
	// MaxBytes rejects larger uploads. Zero means no limit.
	MaxBytes int64

	logger *slog.Logger
}

func NewIngestor(docs repository.DocumentRepository, store artifact.Store, registry *schema.Registry, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		Documents: docs,
		Artifacts: store,
		Registry:  registry,
		logger:    logger,
	}
}

// UploadOption sets per-upload attributes.
type UploadOption func(*upload)

type upload struct {
	creditRequestID string
}

// WithCreditRequest files the upload under a credit request.
func WithCreditRequest(id string) UploadOption {
	return func(u *upload) { u.creditRequestID = strings.TrimSpace(id) }
}

func uploadOptions(opts []UploadOption) upload {
	var u upload
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// IngestPath reads one file and ingests it as a document of docType.
func (i *Ingestor) IngestPath(ctx context.Context, path, docType string, opts ...UploadOption) (IngestionResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return IngestionResult{SourcePath: path}, fmt.Errorf("abs path: %w", err)
	}
	if i.MaxBytes > 0 {
		if fi, err := os.Stat(abs); err == nil && fi.Size() > i.MaxBytes {
			return IngestionResult{SourcePath: abs}, fmt.Errorf("%w: %s is %d bytes, limit %d", common.ErrInvalidInput, abs, fi.Size(), i.MaxBytes)
		}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return IngestionResult{SourcePath: abs}, fmt.Errorf("read %s: %w", abs, err)
	}
	return i.Ingest(ctx, abs, docType, data, opts...)
}

// Ingest hashes data, deduplicates by content hash, stores the RAW artifact
// and leaves the document READY. A re-upload of known content returns the
// existing document, provided it was filed as the same type and credit request.
func (i *Ingestor) Ingest(ctx context.Context, sourcePath, docType string, data []byte, opts ...UploadOption) (IngestionResult, error) {
	out := IngestionResult{SourcePath: sourcePath}
	u := uploadOptions(opts)

	ext := constants.NormalizeExt(filepath.Ext(sourcePath))
	if ext == "" || !AllowedExt(ext) {
		return out, fmt.Errorf("%w: unsupported or missing extension %q", common.ErrInvalidInput, ext)
	}
	if len(data) == 0 {
		return out, fmt.Errorf("%w: %s is empty", common.ErrInvalidInput, sourcePath)
	}
	if i.MaxBytes > 0 && int64(len(data)) > i.MaxBytes {
		return out, fmt.Errorf("%w: %s is %d bytes, limit %d", common.ErrInvalidInput, sourcePath, len(data), i.MaxBytes)
	}
	docType = strings.TrimSpace(docType)
	if i.Registry != nil {
		if _, err := i.Registry.Get(docType); err != nil {
			return out, err
		}
	}
	out.FileExt = ext
	out.HashHex = artifact.Hash(data)

	existing, err := i.Documents.GetByHash(ctx, out.HashHex)
	switch {
	case err == nil:
		return i.dedupe(ctx, out, existing, docType, u, data)
	case !errors.Is(err, common.ErrNotFound):
		return out, err
	}

	pages, err := Inspect(ext, data)
	if err != nil {
		i.logger.Warn("ingest.rejected", "path", sourcePath, "err", err)
		return out, err
	}

	doc := &entity.Document{
		DocumentType:    docType,
		CreditRequestID: u.creditRequestID,
		SourcePath:      sourcePath,
		ContentKind:     ext,
		MimeType:        constants.MimeTypeFor(ext),
		ContentHash:     out.HashHex,
		SizeBytes:       int64(len(data)),
		PageCount:       pages,
	}
	if err := i.Documents.Create(ctx, doc); err != nil {
		return out, err
	}
	if err := i.storeRaw(ctx, doc, data); err != nil {
		return out, err
	}

	out.DocumentID = doc.ID
	out.CreditRequestID = doc.CreditRequestID
	out.PageCount = pages
	out.UploadedAt = doc.CreatedAt
	i.logger.Info("ingest.document.ready", "document_id", doc.ID, "path", sourcePath, "type", docType,
		"credit_request_id", doc.CreditRequestID, "pages", pages, "size", len(data))
	return out, nil
}

// dedupe returns the known document. One left NOT_READY by an interrupted
// upload gets its RAW artifact now. Known content filed as another type or
// under another credit request is invalid input.
func (i *Ingestor) dedupe(ctx context.Context, out IngestionResult, doc *entity.Document, docType string, u upload, data []byte) (IngestionResult, error) {
	if doc.DocumentType != docType {
		i.logger.Warn("ingest.rejected", "path", out.SourcePath, "document_id", doc.ID, "type", docType, "stored_type", doc.DocumentType)
		return out, fmt.Errorf("%w: content already stored as document %s of type %q, not %q",
			common.ErrInvalidInput, doc.ID, doc.DocumentType, docType)
	}
	if u.creditRequestID != "" && u.creditRequestID != doc.CreditRequestID {
		i.logger.Warn("ingest.rejected", "path", out.SourcePath, "document_id", doc.ID,
			"credit_request_id", u.creditRequestID, "stored_credit_request_id", doc.CreditRequestID)
		return out, fmt.Errorf("%w: content already stored as document %s under credit request %q",
			common.ErrInvalidInput, doc.ID, doc.CreditRequestID)
	}
	if doc.Status == constants.DocumentNotReady {
		if err := i.storeRaw(ctx, doc, data); err != nil {
			return out, err
		}
	}
	out.DocumentID = doc.ID
	out.CreditRequestID = doc.CreditRequestID
	out.Deduplicated = true
	out.PageCount = doc.PageCount
	out.UploadedAt = doc.CreatedAt
	i.logger.Info("ingest.document.deduplicated", "document_id", doc.ID, "path", out.SourcePath)
	return out, nil
}

func (i *Ingestor) storeRaw(ctx context.Context, doc *entity.Document, data []byte) error {
	key := artifact.Key{DocumentID: doc.ID, Stage: constants.ArtifactRaw, Kind: doc.ContentKind}
	a, err := i.Artifacts.Put(ctx, key, data)
	if err != nil {
		return fmt.Errorf("store raw document %s: %w", doc.ID, err)
	}
	if err := artifact.VerifyHash(data, a); err != nil {
		return err
	}
	return i.Documents.MarkReady(ctx, doc.ID, a.Locator)
}
