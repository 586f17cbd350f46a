// ABOUTME: Declarative payload schema parsing and validation
// ABOUTME: Validates opaque JSON payloads against registered protocol schemas

package protocol

import (
	"encoding/json"
	"fmt"
)

// Schema describes the expected shape of a protocol payload. Schemas are
// stored as JSON alongside the protocol definition and parsed on use.
type Schema struct {
	Type       string             `json:"type"`
	Required   []string           `json:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
}

var validSchemaTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"any":     true,
	"":        true, // unqualified = any
}

// ParseSchema parses raw schema JSON and checks it is well-formed.
// Registration rejects malformed schemas up front so that routing never
// encounters one.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}

	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	if err := s.check(""); err != nil {
		return nil, err
	}
	return &s, nil
}

// check verifies the schema tree uses only known types and that required
// fields refer to declared properties when any are declared.
func (s *Schema) check(path string) error {
	if !validSchemaTypes[s.Type] {
		return fmt.Errorf("schema%s: unknown type %q", at(path), s.Type)
	}
	if len(s.Properties) > 0 && s.Type != "object" && s.Type != "" {
		return fmt.Errorf("schema%s: properties given for non-object type %q", at(path), s.Type)
	}
	for _, req := range s.Required {
		if len(s.Properties) > 0 {
			if _, ok := s.Properties[req]; !ok {
				return fmt.Errorf("schema%s: required field %q has no property definition", at(path), req)
			}
		}
	}
	for name, prop := range s.Properties {
		if prop == nil {
			return fmt.Errorf("schema%s: property %q is null", at(path), name)
		}
		if err := prop.check(join(path, name)); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := s.Items.check(path + "[]"); err != nil {
			return err
		}
	}
	return nil
}

// Violation is one itemized schema validation failure.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Reason
	}
	return v.Field + ": " + v.Reason
}

// Validate checks a payload against the schema and returns every violation
// found. An empty slice means the payload conforms.
func (s *Schema) Validate(payload json.RawMessage) []Violation {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return []Violation{{Reason: "payload is not valid JSON"}}
	}
	return s.validateValue("", value)
}

func (s *Schema) validateValue(path string, value any) []Violation {
	var out []Violation

	switch s.Type {
	case "object", "":
		obj, ok := value.(map[string]any)
		if !ok {
			if s.Type == "" {
				return nil
			}
			return []Violation{{Field: path, Reason: fmt.Sprintf("expected object, got %s", typeName(value))}}
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				out = append(out, Violation{Field: join(path, req), Reason: "required field missing"})
			}
		}
		for name, prop := range s.Properties {
			fieldValue, present := obj[name]
			if !present {
				continue
			}
			out = append(out, prop.validateValue(join(path, name), fieldValue)...)
		}

	case "array":
		arr, ok := value.([]any)
		if !ok {
			return []Violation{{Field: path, Reason: fmt.Sprintf("expected array, got %s", typeName(value))}}
		}
		if s.Items != nil {
			for i, item := range arr {
				out = append(out, s.Items.validateValue(fmt.Sprintf("%s[%d]", path, i), item)...)
			}
		}

	case "string":
		if _, ok := value.(string); !ok {
			return []Violation{{Field: path, Reason: fmt.Sprintf("expected string, got %s", typeName(value))}}
		}

	case "number":
		if _, ok := value.(float64); !ok {
			return []Violation{{Field: path, Reason: fmt.Sprintf("expected number, got %s", typeName(value))}}
		}

	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return []Violation{{Field: path, Reason: fmt.Sprintf("expected integer, got %s", typeName(value))}}
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return []Violation{{Field: path, Reason: fmt.Sprintf("expected boolean, got %s", typeName(value))}}
		}
	}

	if len(s.Enum) > 0 && len(out) == 0 {
		matched := false
		for _, allowed := range s.Enum {
			if allowed == value {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, Violation{Field: path, Reason: fmt.Sprintf("value %v not in enum", value)})
		}
	}

	return out
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func at(path string) string {
	if path == "" {
		return ""
	}
	return " at " + path
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}
