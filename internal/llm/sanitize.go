package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NormalizeAndSanitizeJSON repairs the common ways models drift from the
// reply schema before it is validated:
//   - non-string values are rendered as strings, null or empty ones dropped
//   - confidences given as strings are parsed and clamped to [0,1]
//   - an unknown source becomes "text_line"
//   - entries that are not objects are dropped
//
// It returns the repaired document and a sorted list of what was changed.
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var notes []string
	fields, _ := m["extracted_fields"].(map[string]any)
	for label, v := range fields {
		entry, ok := v.(map[string]any)
		if !ok {
			// a bare value: "Firmenname": "Hotel zur Taube"
			if s, ok := scalarString(v); ok && s != "" {
				fields[label] = map[string]any{"value": s}
				notes = append(notes, label+"(bare)")
				continue
			}
			delete(fields, label)
			notes = append(notes, label+"(type)")
			continue
		}
		s, ok := scalarString(entry["value"])
		if !ok || strings.TrimSpace(s) == "" {
			delete(fields, label)
			notes = append(notes, label+"(empty)")
			continue
		}
		entry["value"] = strings.TrimSpace(s)

		switch c := entry["confidence"].(type) {
		case nil:
			delete(entry, "confidence")
		case float64:
			entry["confidence"] = clamp01(c)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
				entry["confidence"] = clamp01(f)
			} else {
				delete(entry, "confidence")
			}
			notes = append(notes, label+".confidence")
		default:
			delete(entry, "confidence")
			notes = append(notes, label+".confidence")
		}

		if src, _ := entry["source"].(string); src != SourceLabelValue && src != SourceTextLine {
			if _, present := entry["source"]; present {
				notes = append(notes, label+".source")
			}
			entry["source"] = SourceTextLine
		}

		switch p := entry["page"].(type) {
		case nil:
			delete(entry, "page")
		case float64:
			if p < 1 || p != math.Trunc(p) {
				delete(entry, "page")
				notes = append(notes, label+".page")
			}
		default:
			delete(entry, "page")
			notes = append(notes, label+".page")
		}
		if _, ok := entry["bounding_box"].([]any); !ok {
			delete(entry, "bounding_box")
		}
	}
	if fields != nil {
		m["extracted_fields"] = fields
	}

	var missing []any
	if list, ok := m["missing_fields"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				missing = append(missing, s)
			}
		}
	}
	if missing == nil {
		missing = []any{}
	}
	m["missing_fields"] = missing

	out, err := json.Marshal(m)
	if err != nil {
		return nil, notes, fmt.Errorf("sanitize: encode: %w", err)
	}
	sort.Strings(notes)
	if len(notes) > 0 {
		logger.Warn("llm.extract.normalize_sanitize", "changed", notes)
	}
	return out, notes, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
