package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

const fieldsTable = "extracted_fields"

type FieldRepository interface {
	// ListByJob returns the job's fields in schema order.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]entity.ExtractedField, error)
}

type fieldRepo struct {
	db  *DB
	log *slog.Logger
}

func NewFieldRepository(db *DB, log *slog.Logger) FieldRepository {
	return &fieldRepo{db: db, log: log}
}

func (r *fieldRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]entity.ExtractedField, error) {
	q, args := r.db.sql().Select("payload").
		From(r.db.sql().Table(fieldsTable)).
		Where(entsql.EQ("job_id", jobID.String())).
		OrderBy("position").
		Query()
	var rows entsql.Rows
	if err := r.db.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("list fields", err)
	}
	defer rows.Close()
	out := []entity.ExtractedField{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("scan field", err)
		}
		var f entity.ExtractedField
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return nil, fmt.Errorf("decode field: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list fields", err)
	}
	return out, nil
}

// replaceFields rewrites the job's field rows. Callers own the transaction.
func replaceFields(ctx context.Context, db *DB, tx dialect.ExecQuerier, jobID, documentID uuid.UUID, fields []entity.ExtractedField) error {
	q, args := db.sql().Delete(fieldsTable).Where(entsql.EQ("job_id", jobID.String())).Query()
	if _, err := execCount(ctx, tx, q, args); err != nil {
		return storeErr("delete fields", err)
	}
	if len(fields) == 0 {
		return nil
	}

	ins := db.sql().Insert(fieldsTable).Columns(
		"id", "job_id", "document_id", "field_name", "position", "raw_value", "value_type",
		"confidence", "page", "source_label", "valid", "flags", "payload",
	)
	for i, f := range fields {
		payload, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", f.Name, err)
		}
		var valueType, page any
		if f.Value != nil {
			valueType = string(f.Value.Type())
		}
		if f.Page != nil {
			page = *f.Page
		}
		flags := make([]string, len(f.Validation.Flags))
		for j, fl := range f.Validation.Flags {
			flags[j] = string(fl)
		}
		ins.Values(uuid.New().String(), jobID.String(), documentID.String(), f.Name, i, f.Raw, valueType,
			f.Confidence, page, f.SourceLabel, boolInt(f.Validation.Valid), strings.Join(flags, ","), string(payload))
	}
	q, args = ins.Query()
	if _, err := execCount(ctx, tx, q, args); err != nil {
		return storeErr("insert fields", err)
	}
	return nil
}
