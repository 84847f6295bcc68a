package fellowship

import (
	"encoding/json"
	"fmt"
)

// DefaultFields are the keys the extractor is asked to return, in column order.
func DefaultFields() []string {
	return []string{"program_name", "name", "PGY", "medical_school"}
}

// Schema describes the shape of the JSON array the extractor must return.
type Schema struct {
	Fields   []string
	Required []string
}

// JSONSchema renders the schema as a JSON Schema document describing an
// array of flat string objects.
func (s Schema) JSONSchema() ([]byte, error) {
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("schema has no fields")
	}
	properties := make(map[string]any, len(s.Fields))
	for _, field := range s.Fields {
		properties[field] = map[string]string{"type": "string"}
	}
	item := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(s.Required) > 0 {
		item["required"] = s.Required
	}
	doc := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "Fellowship",
		"type":    "array",
		"items":   item,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return out, nil
}
