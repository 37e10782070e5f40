package ai

import (
	"encoding/json"

	"github.com/selivandex/decision-engine/pkg/errs"
)

// Type is a canonical schema type.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
)

// Schema is the gateway's provider-neutral output schema. Providers translate it
// into their own dialect.
type Schema struct {
	Type        Type        `json:"type"`
	Description string      `json:"description,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Nullable    bool        `json:"nullable,omitempty"`
	Properties  []*Property `json:"properties,omitempty"`
	Required    []string    `json:"required,omitempty"`
	Items       *Schema     `json:"items,omitempty"`
}

// Property is a named object member. Properties are ordered so fingerprints are stable.
type Property struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`
}

// Field builds an object property.
func Field(name string, s *Schema) *Property {
	return &Property{Name: name, Schema: s}
}

// ObjectSchema builds an object whose properties are all required.
func ObjectSchema(props ...*Property) *Schema {
	s := &Schema{Type: TypeObject, Properties: props}
	for _, p := range props {
		s.Required = append(s.Required, p.Name)
	}
	return s
}

func StringSchema() *Schema  { return &Schema{Type: TypeString} }
func NumberSchema() *Schema  { return &Schema{Type: TypeNumber} }
func IntegerSchema() *Schema { return &Schema{Type: TypeInteger} }
func BooleanSchema() *Schema { return &Schema{Type: TypeBoolean} }

// EnumSchema builds a string enum.
func EnumSchema(values ...string) *Schema {
	return &Schema{Type: TypeString, Enum: values}
}

// ArraySchema builds an array of items.
func ArraySchema(items *Schema) *Schema {
	return &Schema{Type: TypeArray, Items: items}
}

// OrNull returns a nullable copy.
func (s *Schema) OrNull() *Schema {
	c := *s
	c.Nullable = true
	return &c
}

// Describe returns a copy with a description.
func (s *Schema) Describe(d string) *Schema {
	c := *s
	c.Description = d
	return &c
}

// Optional returns a copy of an object schema with names dropped from required.
func (s *Schema) Optional(names ...string) *Schema {
	c := *s
	c.Required = nil
	for _, r := range s.Required {
		if !contains(names, r) {
			c.Required = append(c.Required, r)
		}
	}
	return &c
}

// Validate checks the schema is well formed.
func (s *Schema) Validate() error {
	return s.validate("$")
}

func (s *Schema) validate(path string) error {
	if s == nil {
		return errs.Schema("schema.validate", "%s: nil schema", path)
	}

	switch s.Type {
	case TypeString:
		for _, v := range s.Enum {
			if v == "" {
				return errs.Schema("schema.validate", "%s: empty enum value", path)
			}
		}
	case TypeNumber, TypeInteger, TypeBoolean:
		if len(s.Enum) > 0 {
			return errs.Schema("schema.validate", "%s: enum is only supported on strings", path)
		}
	case TypeArray:
		if s.Items == nil {
			return errs.Schema("schema.validate", "%s: array without items", path)
		}
		return s.Items.validate(path + "[]")
	case TypeObject:
		seen := make(map[string]bool, len(s.Properties))
		for _, p := range s.Properties {
			if p == nil || p.Name == "" {
				return errs.Schema("schema.validate", "%s: unnamed property", path)
			}
			if seen[p.Name] {
				return errs.Schema("schema.validate", "%s: duplicate property %q", path, p.Name)
			}
			seen[p.Name] = true
			if err := p.Schema.validate(path + "." + p.Name); err != nil {
				return err
			}
		}
		for _, r := range s.Required {
			if !seen[r] {
				return errs.Schema("schema.validate", "%s: required property %q is not declared", path, r)
			}
		}
	default:
		return errs.Schema("schema.validate", "%s: unknown type %q", path, s.Type)
	}
	return nil
}

// StrictJSONSchema renders the schema in the JSON-schema dialect used by
// OpenAI-compatible structured outputs: nullable values become an anyOf union with
// null, objects are closed with additionalProperties false.
func StrictJSONSchema(s *Schema) map[string]any {
	out := baseJSONSchema(s, StrictJSONSchema)
	if s.Nullable {
		return map[string]any{"anyOf": []any{out, map[string]any{"type": "null"}}}
	}
	return out
}

// ToolInputSchema renders the schema for tool-call input (Claude). Nullable values
// use a type array.
func ToolInputSchema(s *Schema) map[string]any {
	out := baseJSONSchema(s, ToolInputSchema)
	if s.Nullable {
		out["type"] = []any{string(s.Type), "null"}
		if enum, ok := out["enum"].([]any); ok {
			out["enum"] = append(enum, nil)
		}
	}
	return out
}

// FullyRequired reports whether every object in the tree requires all of its properties.
func (s *Schema) FullyRequired() bool {
	switch s.Type {
	case TypeArray:
		return s.Items.FullyRequired()
	case TypeObject:
		if len(s.Required) != len(s.Properties) {
			return false
		}
		for _, p := range s.Properties {
			if !p.Schema.FullyRequired() {
				return false
			}
		}
	}
	return true
}

func baseJSONSchema(s *Schema, render func(*Schema) map[string]any) map[string]any {
	out := map[string]any{"type": string(s.Type)}
	if s.Description != "" {
		out["description"] = s.Description
	}

	switch s.Type {
	case TypeString:
		if len(s.Enum) > 0 {
			enum := make([]any, len(s.Enum))
			for i, v := range s.Enum {
				enum[i] = v
			}
			out["enum"] = enum
		}
	case TypeArray:
		out["items"] = render(s.Items)
	case TypeObject:
		props := make(map[string]any, len(s.Properties))
		for _, p := range s.Properties {
			props[p.Name] = render(p.Schema)
		}
		required := make([]any, len(s.Required))
		for i, r := range s.Required {
			required[i] = r
		}
		out["properties"] = props
		out["required"] = required
		out["additionalProperties"] = false
	}
	return out
}

// MarshalStrict returns the strict dialect as JSON.
func MarshalStrict(s *Schema) (json.RawMessage, error) {
	b, err := json.Marshal(StrictJSONSchema(s))
	if err != nil {
		return nil, errs.Schema("schema.marshal", "%v", err)
	}
	return b, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
