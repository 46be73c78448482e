package ocr

import (
	"context"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

// RawLine is one line record as reported by an OCR service, before normalization.
type RawLine struct {
	Text        string         `json:"text"`
	BoundingBox entity.Polygon `json:"bounding_box,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Page        int            `json:"page"`
}

// Service turns document bytes into raw OCR lines.
//
// Failures are reported as common.ErrTimeout, *common.ServiceError or
// common.ErrUnauthorized so the caller can decide whether to retry.
type Service interface {
	Analyze(ctx context.Context, data []byte, mimeType string) ([]RawLine, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, data []byte, mimeType string) ([]RawLine, error)

func (f ServiceFunc) Analyze(ctx context.Context, data []byte, mimeType string) ([]RawLine, error) {
	return f(ctx, data, mimeType)
}
