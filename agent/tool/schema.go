package tool

import (
	"encoding/json"
	"fmt"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

// Schema declares a tool's parameters as advertised in its server catalog.
type Schema map[string]Field

// Field is one declared parameter.
type Field struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Validate checks args against the schema before any network call: missing
// required fields, unknown fields, and type mismatches all fail fast.
func (s Schema) Validate(args map[string]any) error {
	for name, field := range s {
		value, ok := args[name]
		if !ok {
			if field.Required {
				return fmt.Errorf("%w: missing required parameter %q", contractx.ErrInvalidParameters, name)
			}
			continue
		}
		if err := field.check(name, value); err != nil {
			return err
		}
	}
	for name := range args {
		if _, ok := s[name]; !ok {
			return fmt.Errorf("%w: unknown parameter %q", contractx.ErrInvalidParameters, name)
		}
	}
	return nil
}

func (f Field) check(name string, value any) error {
	switch f.Type {
	case "string", "":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: parameter %q must be a string", contractx.ErrInvalidParameters, name)
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if str == allowed {
					return nil
				}
			}
			return fmt.Errorf("%w: parameter %q must be one of %v", contractx.ErrInvalidParameters, name, f.Enum)
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("%w: parameter %q must be an integer", contractx.ErrInvalidParameters, name)
			}
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return fmt.Errorf("%w: parameter %q must be an integer", contractx.ErrInvalidParameters, name)
			}
		default:
			return fmt.Errorf("%w: parameter %q must be an integer", contractx.ErrInvalidParameters, name)
		}
	case "number":
		switch value.(type) {
		case int, int64, float64, json.Number:
		default:
			return fmt.Errorf("%w: parameter %q must be a number", contractx.ErrInvalidParameters, name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: parameter %q must be a boolean", contractx.ErrInvalidParameters, name)
		}
	default:
		return fmt.Errorf("%w: parameter %q has unsupported schema type %q", contractx.ErrInvalidParameters, name, f.Type)
	}
	return nil
}
