// Package merge reconciles extractor candidates with OCR lines into a
// validated, deterministic pipeline result.
package merge

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// DefaultConfidence is used for candidates that report none.
const DefaultConfidence = 0.5

type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// position orders candidates by where they appear in the document.
// class 0 is a normalized line index, class 1 the candidate's own box,
// class 2 unknown.
type position struct {
	class   int
	a, b, c float64
}

func (p position) less(o position) bool {
	if p.class != o.class {
		return p.class < o.class
	}
	if p.a != o.a {
		return p.a < o.a
	}
	if p.b != o.b {
		return p.b < o.b
	}
	return p.c < o.c
}

type scored struct {
	llm.Candidate
	conf    float64
	pos     position
	lineIdx int // first line containing the value, -1 if none
}

// Merge builds the result for one document. It never drops a mapped
// candidate's field and always lists expected fields without a winner as
// missing. Job and document ids are left for the caller to Bind.
func (e *Engine) Merge(lines []entity.OCRLine, out llm.Extraction, dt *schema.DocumentType) entity.PipelineResult {
	mapper := dt.Mapper()
	lowered := make([]string, len(lines))
	for i, l := range lines {
		lowered[i] = strings.ToLower(l.Text)
	}

	groups := map[string][]scored{}
	var unmapped []string
	for _, c := range out.Candidates {
		name, ok := mapper.Map(c.Label)
		if !ok {
			unmapped = append(unmapped, c.Label)
			continue
		}
		s := scored{Candidate: c, conf: DefaultConfidence, lineIdx: findLine(lowered, c.Value)}
		if c.Confidence != nil {
			s.conf = *c.Confidence
		}
		s.pos = candidatePosition(s)
		groups[name] = append(groups[name], s)
	}

	result := entity.PipelineResult{
		DocumentType: dt.Name,
		Fields:       []entity.ExtractedField{},
		Missing:      []string{},
	}
	for _, f := range dt.Fields() {
		cands := groups[f.Name]
		if len(cands) == 0 {
			result.Missing = append(result.Missing, f.Name)
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool { return better(cands[i], cands[j]) })
		result.Fields = append(result.Fields, e.build(f, cands[0], lines))
	}

	result.Unmapped = dedupeSorted(unmapped)
	if len(result.Unmapped) > 0 {
		e.logger.Debug("merge.unmapped_labels", "document_type", dt.Name, "labels", result.Unmapped)
	}
	e.logger.Debug("merge.done",
		"document_type", dt.Name,
		"fields", len(result.Fields),
		"missing", len(result.Missing),
		"flagged", len(result.Flagged()),
	)
	return result
}

func (e *Engine) build(f schema.Field, w scored, lines []entity.OCRLine) entity.ExtractedField {
	field := entity.ExtractedField{
		Name:        f.Name,
		Raw:         strings.TrimSpace(w.Value),
		Confidence:  w.conf,
		SourceLabel: w.Label,
	}
	if len(w.BoundingBox) > 0 {
		field.BoundingBox = append(entity.Polygon(nil), w.BoundingBox...)
		if w.Page != nil {
			p := *w.Page
			field.Page = &p
		}
	} else if w.lineIdx >= 0 {
		l := lines[w.lineIdx]
		field.BoundingBox = append(entity.Polygon(nil), l.BoundingBox...)
		field.Confidence = l.Confidence
		p := l.Page
		field.Page = &p
	} else if w.Page != nil {
		p := *w.Page
		field.Page = &p
	}
	field.Value, field.Validation = validate(field.Raw, f.Rule)
	return field
}

// validate coerces raw and collects every rule violation.
func validate(raw string, rule schema.Rule) (entity.Value, entity.ValidationOutcome) {
	var flags []constants.ValidationFlag
	var msgs []string

	value, err := Coerce(raw, rule)
	if err != nil {
		flags = append(flags, constants.FlagTypeInvalid)
		msgs = append(msgs, err.Error())
	}
	if rule.Pattern != nil && !rule.Pattern.MatchString(raw) {
		flags = append(flags, constants.FlagPatternInvalid)
		msg := "does not match " + rule.Pattern.String()
		if rule.Description != "" {
			msg = "pattern validation failed: " + rule.Description
		}
		msgs = append(msgs, msg)
	}
	if n, ok := value.(entity.NumberValue); ok {
		v := float64(n)
		if rule.Min != nil && v < *rule.Min {
			flags = append(flags, constants.FlagOutOfRange)
			msgs = append(msgs, "value "+n.String()+" is below minimum "+entity.NumberValue(*rule.Min).String())
		} else if rule.Max != nil && v > *rule.Max {
			flags = append(flags, constants.FlagOutOfRange)
			msgs = append(msgs, "value "+n.String()+" is above maximum "+entity.NumberValue(*rule.Max).String())
		}
	}
	return value, entity.ValidationOutcome{
		Valid:   len(flags) == 0,
		Flags:   flags,
		Message: strings.Join(msgs, "; "),
	}
}

// better reports whether a beats b: higher confidence, then earlier
// position, then label, then raw value.
func better(a, b scored) bool {
	if a.conf != b.conf {
		return a.conf > b.conf
	}
	if a.pos != b.pos {
		return a.pos.less(b.pos)
	}
	if a.Label != b.Label {
		return a.Label < b.Label
	}
	return a.Value < b.Value
}

func candidatePosition(s scored) position {
	if s.lineIdx >= 0 {
		return position{class: 0, a: float64(s.lineIdx)}
	}
	if r, ok := s.BoundingBox.Bounds(); ok {
		page := math.Inf(1)
		if s.Page != nil {
			page = float64(*s.Page)
		}
		return position{class: 1, a: page, b: r.MinY, c: r.MinX}
	}
	return position{class: 2}
}

// findLine returns the first line whose text contains value, ignoring case.
func findLine(lowered []string, value string) int {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return -1
	}
	for i, l := range lowered {
		if strings.Contains(l, v) {
			return i
		}
	}
	return -1
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
