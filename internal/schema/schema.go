package schema

import (
	"fmt"
	"regexp"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

// Rule is the validation rule of one field.
type Rule struct {
	Type         constants.FieldType
	Pattern      *regexp.Regexp
	Min          *float64
	Max          *float64
	DecimalComma bool
	Description  string
}

// Field is one expected field of a document type.
type Field struct {
	Name        string
	Description string
	Aliases     []string
	Rule        Rule
	// HasRule is false when the configuration declared no rule at all.
	HasRule bool
}

// DocumentType is the read-only field schema of one document type.
type DocumentType struct {
	Name        string
	Description string
	fields      []Field
	index       map[string]int
	mapper      *Mapper
}

// NewDocumentType validates fields and builds the mapper. It fails with
// ErrSchemaConflict when a label is bound to two canonical names.
func NewDocumentType(name, description string, fields []Field) (*DocumentType, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: document type without name", common.ErrSchemaInvalid)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: document type %q has no fields", common.ErrSchemaInvalid, name)
	}
	dt := &DocumentType{
		Name:        name,
		Description: description,
		fields:      make([]Field, len(fields)),
		index:       make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: %s: field %d has no name", common.ErrSchemaInvalid, name, i)
		}
		if _, dup := dt.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate field %q", common.ErrSchemaInvalid, name, f.Name)
		}
		if f.Rule.Type == "" {
			f.Rule.Type = constants.FieldString
		}
		if (f.Rule.Min != nil || f.Rule.Max != nil) && f.Rule.Type != constants.FieldNumber {
			return nil, fmt.Errorf("%w: %s.%s: min/max require type number", common.ErrSchemaInvalid, name, f.Name)
		}
		if f.Rule.Min != nil && f.Rule.Max != nil && *f.Rule.Min > *f.Rule.Max {
			return nil, fmt.Errorf("%w: %s.%s: min > max", common.ErrSchemaInvalid, name, f.Name)
		}
		f.Aliases = append([]string(nil), f.Aliases...)
		dt.fields[i] = f
		dt.index[f.Name] = i
	}
	m, err := newMapper(dt.fields)
	if err != nil {
		return nil, fmt.Errorf("document type %q: %w", name, err)
	}
	dt.mapper = m
	return dt, nil
}

// Fields returns a copy of the expected fields in declaration order.
func (d *DocumentType) Fields() []Field {
	return append([]Field(nil), d.fields...)
}

// FieldNames returns the expected field names in declaration order.
func (d *DocumentType) FieldNames() []string {
	out := make([]string, len(d.fields))
	for i, f := range d.fields {
		out[i] = f.Name
	}
	return out
}

// Field looks up an expected field by canonical name.
func (d *DocumentType) Field(name string) (Field, bool) {
	i, ok := d.index[name]
	if !ok {
		return Field{}, false
	}
	return d.fields[i], true
}

// Mapper returns the label mapper of this document type.
func (d *DocumentType) Mapper() *Mapper {
	return d.mapper
}
