package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

const documentsTable = "documents"

var documentColumns = []string{
	"id", "document_type", "credit_request_id", "source_path", "raw_locator", "content_kind", "mime_type",
	"content_hash", "size_bytes", "page_count", "status", "active_job_id", "created_at", "updated_at",
}

type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.Document) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	GetByHash(ctx context.Context, contentHash string) (*entity.Document, error)
	MarkReady(ctx context.Context, id uuid.UUID, rawLocator string) error
	List(ctx context.Context, status constants.DocumentStatus, limit int) ([]*entity.Document, error)
	ListByCreditRequest(ctx context.Context, creditRequestID string) ([]*entity.Document, error)
}

type documentRepo struct {
	db  *DB
	log *slog.Logger
}

func NewDocumentRepository(db *DB, log *slog.Logger) DocumentRepository {
	return &documentRepo{db: db, log: log}
}

// Create inserts doc. ID and timestamps are filled when zero.
func (r *documentRepo) Create(ctx context.Context, doc *entity.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = constants.DocumentNotReady
	}
	now := r.db.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	var active any
	if doc.ActiveJobID != nil {
		active = doc.ActiveJobID.String()
	}
	q, args := r.db.sql().Insert(documentsTable).
		Columns(documentColumns...).
		Values(doc.ID.String(), doc.DocumentType, doc.CreditRequestID, doc.SourcePath, doc.RawLocator, doc.ContentKind, doc.MimeType,
			doc.ContentHash, doc.SizeBytes, doc.PageCount, string(doc.Status), active,
			formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt)).
		Query()
	if _, err := execCount(ctx, r.db.drv, q, args); err != nil {
		r.log.Error("document create failed", "document_id", doc.ID, "err", err)
		return storeErr("create document", err)
	}
	r.log.Info("document created", "document_id", doc.ID, "type", doc.DocumentType, "credit_request_id", doc.CreditRequestID, "status", doc.Status)
	return nil
}

func (r *documentRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	return getDocument(ctx, r.db, r.db.drv, entsql.EQ("id", id.String()))
}

func (r *documentRepo) GetByHash(ctx context.Context, contentHash string) (*entity.Document, error) {
	return getDocument(ctx, r.db, r.db.drv, entsql.EQ("content_hash", contentHash))
}

// MarkReady records the RAW locator and moves a NOT_READY document to READY.
func (r *documentRepo) MarkReady(ctx context.Context, id uuid.UUID, rawLocator string) error {
	q, args := r.db.sql().Update(documentsTable).
		Set("raw_locator", rawLocator).
		Set("status", string(constants.DocumentReady)).
		Set("updated_at", formatTime(r.db.now())).
		Where(entsql.And(
			entsql.EQ("id", id.String()),
			entsql.EQ("status", string(constants.DocumentNotReady)),
		)).
		Query()
	n, err := execCount(ctx, r.db.drv, q, args)
	if err != nil {
		return storeErr("mark document ready", err)
	}
	if n == 0 {
		doc, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.RawLocator != rawLocator {
			return fmt.Errorf("%w: document %s is %s", common.ErrInvalidInput, id, doc.Status)
		}
	}
	r.log.Info("document ready", "document_id", id, "raw_locator", rawLocator)
	return nil
}

// List returns documents newest first. An empty status lists all.
func (r *documentRepo) List(ctx context.Context, status constants.DocumentStatus, limit int) ([]*entity.Document, error) {
	sel := r.db.sql().Select(documentColumns...).From(r.db.sql().Table(documentsTable))
	if status != "" {
		sel.Where(entsql.EQ("status", string(status)))
	}
	sel.OrderExpr(entsql.Expr("created_at DESC"))
	if limit > 0 {
		sel.Limit(limit)
	}
	return r.list(ctx, sel)
}

// ListByCreditRequest returns the documents uploaded for one credit request, oldest first.
func (r *documentRepo) ListByCreditRequest(ctx context.Context, creditRequestID string) ([]*entity.Document, error) {
	if creditRequestID == "" {
		return nil, fmt.Errorf("%w: credit request id is required", common.ErrInvalidInput)
	}
	sel := r.db.sql().Select(documentColumns...).
		From(r.db.sql().Table(documentsTable)).
		Where(entsql.EQ("credit_request_id", creditRequestID)).
		OrderExpr(entsql.Expr("created_at ASC, id ASC"))
	return r.list(ctx, sel)
}

func (r *documentRepo) list(ctx context.Context, sel *entsql.Selector) ([]*entity.Document, error) {
	q, args := sel.Query()
	var rows entsql.Rows
	if err := r.db.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("list documents", err)
	}
	defer rows.Close()
	var out []*entity.Document
	for rows.Next() {
		doc, err := scanDocument(&rows)
		if err != nil {
			return nil, storeErr("scan document", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list documents", err)
	}
	return out, nil
}

func getDocument(ctx context.Context, db *DB, eq dialect.ExecQuerier, p *entsql.Predicate) (*entity.Document, error) {
	q, args := db.sql().Select(documentColumns...).
		From(db.sql().Table(documentsTable)).
		Where(p).
		Limit(1).
		Query()
	var rows entsql.Rows
	if err := eq.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("get document", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storeErr("get document", err)
		}
		return nil, fmt.Errorf("document: %w", common.ErrNotFound)
	}
	doc, err := scanDocument(&rows)
	if err != nil {
		return nil, storeErr("scan document", err)
	}
	return doc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*entity.Document, error) {
	var (
		doc                  entity.Document
		id, status           string
		active               sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&id, &doc.DocumentType, &doc.CreditRequestID, &doc.SourcePath, &doc.RawLocator, &doc.ContentKind, &doc.MimeType,
		&doc.ContentHash, &doc.SizeBytes, &doc.PageCount, &status, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if doc.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if doc.ActiveJobID, err = nullUUID(active); err != nil {
		return nil, err
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	doc.Status = constants.DocumentStatus(status)
	return &doc, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
