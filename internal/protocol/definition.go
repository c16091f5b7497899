package protocol

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// FieldType is the semantic type of a declared field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldText     FieldType = "text"
	FieldSecret   FieldType = "secret"
	FieldURL      FieldType = "url"
	FieldInteger  FieldType = "integer"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldDateTime FieldType = "datetime"
	FieldObject   FieldType = "object"
	FieldArray    FieldType = "array"
)

// jsonType maps a semantic type to its JSON Schema type and optional format.
func (t FieldType) jsonType() (typ, format string, ok bool) {
	switch t {
	case FieldString, FieldText, FieldSecret:
		return "string", "", true
	case FieldURL:
		return "string", "uri", true
	case FieldDateTime:
		return "string", "date-time", true
	case FieldInteger, FieldNumber, FieldBoolean, FieldObject, FieldArray:
		return string(t), "", true
	}
	return "", "", false
}

// FieldSchema declares one input, output or authentication field.
type FieldSchema struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// HandlerDefinition is the static description of a step.
type HandlerDefinition struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Inputs      []FieldSchema `json:"inputs"`
	Outputs     []FieldSchema `json:"outputs"`
}

// Clone returns a copy of d that shares no field slices with it.
func (d HandlerDefinition) Clone() HandlerDefinition {
	d.Inputs = slices.Clone(d.Inputs)
	d.Outputs = slices.Clone(d.Outputs)
	return d
}

// Validate checks that the definition is well formed.
func (d HandlerDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("step %q: name is required", d.ID)
	}
	if err := validateFields("input", d.Inputs); err != nil {
		return fmt.Errorf("step %q: %w", d.ID, err)
	}
	if err := validateFields("output", d.Outputs); err != nil {
		return fmt.Errorf("step %q: %w", d.ID, err)
	}
	return nil
}

func validateFields(kind string, fields []FieldSchema) error {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%s field name is required", kind)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate %s field %q", kind, f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, _, ok := f.Type.jsonType(); !ok {
			return fmt.Errorf("%s field %q has unknown type %q", kind, f.Name, f.Type)
		}
	}
	return nil
}

// InputSchema expands the declared inputs into a JSON Schema object.
// Fields with unknown types are left untyped.
func (d HandlerDefinition) InputSchema() map[string]any {
	properties := make(map[string]any, len(d.Inputs))
	required := make([]any, 0, len(d.Inputs))
	for _, f := range d.Inputs {
		prop := map[string]any{}
		if typ, format, ok := f.Type.jsonType(); ok {
			prop["type"] = typ
			if format != "" {
				prop["format"] = format
			}
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Manifest describes the server identity, its authentication fields and every
// registered step.
type Manifest struct {
	Name    string              `json:"name"`
	Version string              `json:"version"`
	Auth    []FieldSchema       `json:"auth"`
	Steps   []HandlerDefinition `json:"steps"`
	Digest  string              `json:"digest,omitempty"`
}
