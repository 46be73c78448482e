package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/credit-extractor/constants"
)

// Document represents an uploaded credit document.
type Document struct {
	ID           uuid.UUID `json:"id"`
	DocumentType string    `json:"document_type"`
	// CreditRequestID groups the documents uploaded for one credit request.
	CreditRequestID string                   `json:"credit_request_id,omitempty"`
	SourcePath      string                   `json:"source_path"`
	RawLocator      string                   `json:"raw_locator"`
	ContentKind     string                   `json:"content_kind"`
	MimeType        string                   `json:"mime_type"`
	ContentHash     string                   `json:"content_hash"`
	SizeBytes       int64                    `json:"size_bytes"`
	PageCount       int                      `json:"page_count"`
	Status          constants.DocumentStatus `json:"status"`
	ActiveJobID     *uuid.UUID               `json:"active_job_id,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}
