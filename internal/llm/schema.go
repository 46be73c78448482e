package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildResponseJSONSchema returns the JSON Schema of a model reply. It is sent
// to the backend as a structured output constraint and used locally to validate.
func BuildResponseJSONSchema() map[string]any {
	candidate := map[string]any{
		"type":     "object",
		"required": []string{"value"},
		"properties": map[string]any{
			"value":        map[string]any{"type": "string"},
			"confidence":   map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
			"source":       map[string]any{"type": "string", "enum": []string{SourceLabelValue, SourceTextLine}},
			"bounding_box": map[string]any{"type": "array"},
			"page":         map[string]any{"type": "integer", "minimum": 1},
		},
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"extracted_fields"},
		"properties": map[string]any{
			"extracted_fields": map[string]any{
				"type":                 "object",
				"additionalProperties": candidate,
			},
			"missing_fields": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}
}

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
	responseSchemaJSON json.RawMessage
)

func compiledResponseSchema() (*jsonschema.Schema, json.RawMessage, error) {
	responseSchemaOnce.Do(func() {
		responseSchemaJSON, responseSchemaErr = json.Marshal(BuildResponseJSONSchema())
		if responseSchemaErr != nil {
			return
		}
		responseSchema, responseSchemaErr = compileSchema(responseSchemaJSON)
	})
	return responseSchema, responseSchemaJSON, responseSchemaErr
}

func compileSchema(b []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	schema, err := compileSchema(b)
	if err != nil {
		return err
	}
	return validate(schema, data)
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
