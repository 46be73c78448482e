package llm

import (
	"context"
	"encoding/json"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// Source values a model may report for a candidate.
const (
	SourceLabelValue = "label_value"
	SourceTextLine   = "text_line"
)

// Candidate is one raw value proposed for a source label.
type Candidate struct {
	Label       string         `json:"label"`
	Value       string         `json:"value"`
	Confidence  *float64       `json:"confidence,omitempty"`
	BoundingBox entity.Polygon `json:"bounding_box,omitempty"`
	Page        *int           `json:"page,omitempty"`
	Source      string         `json:"source,omitempty"`
}

// Extraction is the raw output of a field extractor, stored as LLM_EXTRACTED.
// MissingHint is advisory only.
type Extraction struct {
	Candidates  []Candidate     `json:"candidates"`
	MissingHint []string        `json:"missing_hint,omitempty"`
	Model       string          `json:"model,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Extractor proposes field candidates for normalized OCR lines.
//
// Failures are common.ErrTimeout, common.ErrModel or
// common.ErrMalformedResponse, all of which the caller may retry.
type Extractor interface {
	Extract(ctx context.Context, lines []entity.OCRLine, dt *schema.DocumentType) (Extraction, error)
}

// ChatRequest is a single-turn, JSON-mode chat completion.
type ChatRequest struct {
	System      string
	User        string
	Schema      json.RawMessage
	Temperature float32
}

// ChatBackend is a chat model provider.
type ChatBackend interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	Model() string
}
