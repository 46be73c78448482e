package constants

import "strings"

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldBoolean FieldType = "boolean"
)

var FieldTypes = []string{
	string(FieldString),
	string(FieldNumber),
	string(FieldDate),
	string(FieldBoolean),
}

// ParseFieldType accepts the declared type names plus a few config synonyms.
// Empty input means string.
func ParseFieldType(input string) (FieldType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return FieldString, true
	}
	synonyms := map[string]FieldType{
		"text":    FieldString,
		"float":   FieldNumber,
		"decimal": FieldNumber,
		"integer": FieldNumber,
		"int":     FieldNumber,
		"bool":    FieldBoolean,
	}
	if ft, ok := synonyms[normalized]; ok {
		return ft, true
	}
	for _, ft := range FieldTypes {
		if normalized == ft {
			return FieldType(ft), true
		}
	}
	return "", false
}

// ValidationFlag marks a field that failed one of its rules.
type ValidationFlag string

const (
	FlagTypeInvalid    ValidationFlag = "TypeInvalid"
	FlagPatternInvalid ValidationFlag = "PatternInvalid"
	FlagOutOfRange     ValidationFlag = "OutOfRange"
)
