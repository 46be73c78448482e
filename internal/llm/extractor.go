package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// FieldExtractor implements Extractor on top of a chat model.
type FieldExtractor struct {
	backend     ChatBackend
	temperature float32
	maxChars    int
	logger      *slog.Logger
}

var _ Extractor = (*FieldExtractor)(nil)

// Option configures a FieldExtractor.
type Option func(*FieldExtractor)

func WithTemperature(t float32) Option { return func(e *FieldExtractor) { e.temperature = t } }

func WithMaxPromptChars(n int) Option { return func(e *FieldExtractor) { e.maxChars = n } }

func NewFieldExtractor(backend ChatBackend, logger *slog.Logger, opts ...Option) *FieldExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &FieldExtractor{backend: backend, maxChars: DefaultMaxPromptChars, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

type replyCandidate struct {
	Value       string          `json:"value"`
	Confidence  *float64        `json:"confidence"`
	Source      string          `json:"source"`
	BoundingBox json.RawMessage `json:"bounding_box"`
	Page        *int            `json:"page"`
}

type reply struct {
	ExtractedFields map[string]replyCandidate `json:"extracted_fields"`
	MissingFields   []string                  `json:"missing_fields"`
}

// Extract asks the model for candidates. With no lines there is nothing to
// ask, so every expected field is hinted missing and no call is made.
func (e *FieldExtractor) Extract(ctx context.Context, lines []entity.OCRLine, dt *schema.DocumentType) (Extraction, error) {
	if len(lines) == 0 {
		e.logger.Info("llm.extract.empty_document", "document_type", dt.Name)
		return Extraction{Candidates: []Candidate{}, MissingHint: dt.FieldNames(), Model: e.backend.Model()}, nil
	}

	rid := uuid.New().String()
	start := time.Now()
	compiled, schemaJSON, err := compiledResponseSchema()
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: response schema: %v", common.ErrInternal, err)
	}

	e.logger.Info("llm.extract.start",
		"req_id", rid,
		"model", e.backend.Model(),
		"document_type", dt.Name,
		"lines", len(lines),
	)

	content, err := e.backend.Chat(ctx, ChatRequest{
		System:      BuildSystemPrompt(dt),
		User:        BuildUserPrompt(lines, e.maxChars),
		Schema:      schemaJSON,
		Temperature: e.temperature,
	})
	if err != nil {
		err = classifyBackendError(ctx, err)
		e.logger.Error("llm.extract.chat_error", "req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return Extraction{}, err
	}

	out, err := e.decode(content, compiled)
	if err != nil {
		e.logger.Error("llm.extract.malformed", "req_id", rid, "error", err,
			"content_bytes", len(content), "elapsed_ms", time.Since(start).Milliseconds())
		return Extraction{}, err
	}
	out.Model = e.backend.Model()

	e.logger.Info("llm.extract.ok",
		"req_id", rid,
		"candidates", len(out.Candidates),
		"missing_hint", len(out.MissingHint),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// ParseReply runs recovery, sanitation, validation and decoding on a raw model reply.
func ParseReply(content string, logger *slog.Logger) (Extraction, error) {
	compiled, _, err := compiledResponseSchema()
	if err != nil {
		return Extraction{}, err
	}
	return (&FieldExtractor{logger: logger}).decode(content, compiled)
}

func (e *FieldExtractor) decode(content string, compiled interface{ Validate(any) error }) (Extraction, error) {
	raw, err := RecoverJSON(content)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}
	clean, _, err := NormalizeAndSanitizeJSON(raw, e.logger)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}
	var doc any
	if err := json.Unmarshal(clean, &doc); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return Extraction{}, fmt.Errorf("%w: json does not match schema: %v", common.ErrMalformedResponse, err)
	}
	var r reply
	if err := json.Unmarshal(clean, &r); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}

	out := Extraction{Candidates: make([]Candidate, 0, len(r.ExtractedFields)), MissingHint: r.MissingFields, Raw: clean}
	for label, rc := range r.ExtractedFields {
		out.Candidates = append(out.Candidates, Candidate{
			Label:       label,
			Value:       rc.Value,
			Confidence:  rc.Confidence,
			BoundingBox: decodePolygon(rc.BoundingBox),
			Page:        rc.Page,
			Source:      rc.Source,
		})
	}
	sort.Slice(out.Candidates, func(i, j int) bool { return out.Candidates[i].Label < out.Candidates[j].Label })
	return out, nil
}

// decodePolygon accepts [x1,y1,x2,y2,...] or [{"x":..,"y":..},...].
func decodePolygon(raw json.RawMessage) entity.Polygon {
	if len(raw) == 0 {
		return nil
	}
	var flat []float64
	if json.Unmarshal(raw, &flat) == nil && len(flat) >= 4 && len(flat)%2 == 0 {
		p := make(entity.Polygon, 0, len(flat)/2)
		for i := 0; i < len(flat); i += 2 {
			p = append(p, entity.Point{X: flat[i], Y: flat[i+1]})
		}
		return p
	}
	var pts entity.Polygon
	if json.Unmarshal(raw, &pts) == nil && len(pts) >= 2 {
		return pts
	}
	return nil
}

func classifyBackendError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrTimeout), errors.Is(err, common.ErrModel),
		errors.Is(err, common.ErrMalformedResponse), errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", common.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", common.ErrModel, err)
}
