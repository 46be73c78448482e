package schema

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

// Mapper resolves source labels to canonical field names.
// It is immutable after construction, so Map is a pure function of
// (label, schema).
type Mapper struct {
	exact  map[string]string
	folded map[string]string // "" marks a case-insensitive collision
}

func newMapper(fields []Field) (*Mapper, error) {
	m := &Mapper{
		exact:  make(map[string]string),
		folded: make(map[string]string),
	}
	canonical := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		canonical[f.Name] = struct{}{}
	}

	bind := func(label, target string) error {
		label = strings.TrimSpace(label)
		if label == "" {
			return fmt.Errorf("%w: empty alias for field %q", common.ErrSchemaInvalid, target)
		}
		if prev, ok := m.exact[label]; ok && prev != target {
			return fmt.Errorf("%w: label %q bound to both %q and %q", common.ErrSchemaConflict, label, prev, target)
		}
		if _, isField := canonical[label]; isField && label != target {
			return fmt.Errorf("%w: alias %q of %q is itself a canonical field", common.ErrSchemaConflict, label, target)
		}
		m.exact[label] = target

		key := strings.ToLower(label)
		if prev, ok := m.folded[key]; ok && prev != target {
			m.folded[key] = ""
		} else if !ok {
			m.folded[key] = target
		}
		return nil
	}

	for _, f := range fields {
		if err := bind(f.Name, f.Name); err != nil {
			return nil, err
		}
	}
	for _, f := range fields {
		for _, a := range f.Aliases {
			if err := bind(a, f.Name); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Map returns the canonical name for label. ok is false when the label is
// unknown or only matches case-insensitively against more than one field.
func (m *Mapper) Map(label string) (canonical string, ok bool) {
	label = strings.TrimSpace(label)
	if c, hit := m.exact[label]; hit {
		return c, true
	}
	if c, hit := m.folded[strings.ToLower(label)]; hit && c != "" {
		return c, true
	}
	return "", false
}

// Labels returns the number of bound labels, canonical names included.
func (m *Mapper) Labels() int {
	return len(m.exact)
}
