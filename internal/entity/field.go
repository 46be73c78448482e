package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/credit-extractor/constants"
)

// DateLayout is the canonical rendering of DateValue.
const DateLayout = "2006-01-02"

// Value is a typed field value. Only the coercion step builds one.
type Value interface {
	Type() constants.FieldType
	String() string
	isValue()
}

type StringValue string

type NumberValue float64

type DateValue struct{ time.Time }

type BoolValue bool

func (StringValue) Type() constants.FieldType { return constants.FieldString }
func (NumberValue) Type() constants.FieldType { return constants.FieldNumber }
func (DateValue) Type() constants.FieldType   { return constants.FieldDate }
func (BoolValue) Type() constants.FieldType   { return constants.FieldBoolean }

func (v StringValue) String() string { return string(v) }
func (v NumberValue) String() string { return strconv.FormatFloat(float64(v), 'f', -1, 64) }
func (v DateValue) String() string   { return v.Time.Format(DateLayout) }
func (v BoolValue) String() string   { return strconv.FormatBool(bool(v)) }

func (StringValue) isValue() {}
func (NumberValue) isValue() {}
func (DateValue) isValue()   {}
func (BoolValue) isValue()   {}

type valueJSON struct {
	Type  constants.FieldType `json:"type"`
	Value json.RawMessage     `json:"value"`
}

func encodeValue(v Value) (*valueJSON, error) {
	if v == nil {
		return nil, nil
	}
	var payload any
	switch t := v.(type) {
	case StringValue:
		payload = string(t)
	case NumberValue:
		payload = float64(t)
	case DateValue:
		payload = t.String()
	case BoolValue:
		payload = bool(t)
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &valueJSON{Type: v.Type(), Value: b}, nil
}

func decodeValue(vj *valueJSON) (Value, error) {
	if vj == nil {
		return nil, nil
	}
	switch vj.Type {
	case constants.FieldString:
		var s string
		err := json.Unmarshal(vj.Value, &s)
		return StringValue(s), err
	case constants.FieldNumber:
		var f float64
		err := json.Unmarshal(vj.Value, &f)
		return NumberValue(f), err
	case constants.FieldDate:
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(DateLayout, s)
		return DateValue{t}, err
	case constants.FieldBoolean:
		var b bool
		err := json.Unmarshal(vj.Value, &b)
		return BoolValue(b), err
	}
	return nil, fmt.Errorf("unknown value type %q", vj.Type)
}

// ValidationOutcome is the per-field result of rule checking.
type ValidationOutcome struct {
	Valid   bool                       `json:"valid"`
	Flags   []constants.ValidationFlag `json:"flags,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// HasFlag reports whether f was raised.
func (o ValidationOutcome) HasFlag(f constants.ValidationFlag) bool {
	for _, x := range o.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// ExtractedField is one canonical field of a pipeline result.
// Value is nil when type coercion failed; Raw always keeps the extractor text.
type ExtractedField struct {
	Name        string            `json:"field_name"`
	Raw         string            `json:"raw"`
	Value       Value             `json:"-"`
	Confidence  float64           `json:"confidence"`
	BoundingBox Polygon           `json:"bounding_box,omitempty"`
	Page        *int              `json:"page,omitempty"`
	SourceLabel string            `json:"source_label"`
	DocumentID  uuid.UUID         `json:"source_document_id"`
	Validation  ValidationOutcome `json:"validation"`
}

type extractedFieldAlias ExtractedField

type extractedFieldJSON struct {
	extractedFieldAlias
	Value *valueJSON `json:"value"`
}

func (f ExtractedField) MarshalJSON() ([]byte, error) {
	vj, err := encodeValue(f.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(extractedFieldJSON{extractedFieldAlias: extractedFieldAlias(f), Value: vj})
}

func (f *ExtractedField) UnmarshalJSON(b []byte) error {
	var aux extractedFieldJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	v, err := decodeValue(aux.Value)
	if err != nil {
		return err
	}
	*f = ExtractedField(aux.extractedFieldAlias)
	f.Value = v
	return nil
}
