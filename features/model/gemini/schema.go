package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/google/generative-ai-go/genai"
)

type jsonSchema struct {
	Type        any                    `json:"type"`
	Description string                 `json:"description"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
	Items       *jsonSchema            `json:"items"`
	Enum        []any                  `json:"enum"`
	Format      string                 `json:"format"`
}

// Schema converts a JSON Schema document to the OpenAPI subset Gemini
// accepts. Keywords without an equivalent are dropped. An empty document
// yields an object schema.
func Schema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}, nil
	}
	var s jsonSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return convert(&s)
}

func convert(s *jsonSchema) (*genai.Schema, error) {
	out := &genai.Schema{Description: s.Description, Required: s.Required, Format: s.Format}
	typ, nullable, err := schemaType(s.Type)
	if err != nil {
		return nil, err
	}
	out.Type = typ
	out.Nullable = nullable
	for _, e := range s.Enum {
		out.Enum = append(out.Enum, fmt.Sprint(e))
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			ps, err := convert(p)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			out.Properties[name] = ps
		}
		if out.Type == genai.TypeUnspecified {
			out.Type = genai.TypeObject
		}
	}
	if s.Items != nil {
		items, err := convert(s.Items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		out.Items = items
	}
	return out, nil
}

// schemaType reads "type" given as a string or as a list including "null".
func schemaType(v any) (genai.Type, bool, error) {
	switch t := v.(type) {
	case nil:
		return genai.TypeUnspecified, false, nil
	case string:
		typ, err := typeOf(t)
		return typ, false, err
	case []any:
		var (
			typ      = genai.TypeUnspecified
			nullable bool
		)
		for _, e := range t {
			name, _ := e.(string)
			if name == "null" {
				nullable = true
				continue
			}
			tt, err := typeOf(name)
			if err != nil {
				return 0, false, err
			}
			typ = tt
		}
		return typ, nullable, nil
	default:
		return 0, false, fmt.Errorf("unsupported type %v", v)
	}
}

func typeOf(name string) (genai.Type, error) {
	switch name {
	case "object":
		return genai.TypeObject, nil
	case "array":
		return genai.TypeArray, nil
	case "string":
		return genai.TypeString, nil
	case "number":
		return genai.TypeNumber, nil
	case "integer":
		return genai.TypeInteger, nil
	case "boolean":
		return genai.TypeBoolean, nil
	default:
		return 0, fmt.Errorf("unsupported type %q", name)
	}
}
