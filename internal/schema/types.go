// Package schema describes object types and validates writes against them.
package schema

import (
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

var (
	// ErrSchemaViolation is the kind of every validation failure.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrReferenceViolation is returned when a reference targets a type
	// without a typename.
	ErrReferenceViolation = errors.New("reference violation")
)

// FieldType represents the type of a field.
type FieldType string

const (
	FieldTypeString      FieldType = "string"
	FieldTypeStringArray FieldType = "string[]"
	FieldTypeNumber      FieldType = "number"
	FieldTypeNumberArray FieldType = "number[]"
	FieldTypeBoolean     FieldType = "boolean"
	FieldTypeDate        FieldType = "date"
	FieldTypeDatetime    FieldType = "datetime"
	FieldTypeEnum        FieldType = "enum"
	FieldTypeRef         FieldType = "ref"
	FieldTypeRefArray    FieldType = "ref[]"
	FieldTypeRecord      FieldType = "record"
	FieldTypeArray       FieldType = "array"
)

// TypeDefinition describes one object type.
type TypeDefinition struct {
	Typename    string                      `yaml:"typename"`
	Version     string                      `yaml:"version,omitempty"`
	Description string                      `yaml:"description,omitempty"`
	Fields      map[string]*FieldDefinition `yaml:"fields,omitempty"`
}

// FieldDefinition describes one property.
type FieldDefinition struct {
	Type        FieldType `yaml:"type"`
	Required    bool      `yaml:"required,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Values      []string  `yaml:"values,omitempty"` // For enum type
	Target      string    `yaml:"target,omitempty"` // For ref types: target typename
	Min         *float64  `yaml:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty"`

	// Fields describes the properties of a record.
	Fields map[string]*FieldDefinition `yaml:"fields,omitempty"`

	// Items describes the elements of an array.
	Items *FieldDefinition `yaml:"items,omitempty"`
}

// IsAnnotated reports whether the type carries the typename objects are
// tagged with. Only annotated types can be stored or referenced.
func (td *TypeDefinition) IsAnnotated() bool {
	return td != nil && td.Typename != ""
}

// Ref builds a reference field pointing at target.
func Ref(target *TypeDefinition) (*FieldDefinition, error) {
	if !target.IsAnnotated() {
		return nil, fmt.Errorf("%w: reference target is not an annotated type", ErrReferenceViolation)
	}
	return &FieldDefinition{Type: FieldTypeRef, Target: target.Typename}, nil
}

// GetPropertySchema returns the definition of the property at path, or nil
// when the schema says nothing about it.
func GetPropertySchema(root *TypeDefinition, path []string) *FieldDefinition {
	if root == nil || len(path) == 0 {
		return nil
	}
	def := root.Fields[path[0]]
	for _, key := range path[1:] {
		if def == nil {
			return nil
		}
		switch def.Type {
		case FieldTypeRecord:
			def = def.Fields[key]
		default:
			if _, err := strconv.Atoi(key); err != nil {
				return nil
			}
			def = def.Element()
		}
	}
	return def
}

// Element returns the element definition of an array field, or nil.
func (fd *FieldDefinition) Element() *FieldDefinition {
	switch fd.Type {
	case FieldTypeStringArray:
		return &FieldDefinition{Type: FieldTypeString}
	case FieldTypeNumberArray:
		return &FieldDefinition{Type: FieldTypeNumber}
	case FieldTypeRefArray:
		return &FieldDefinition{Type: FieldTypeRef, Target: fd.Target}
	case FieldTypeArray:
		return fd.Items
	default:
		return nil
	}
}

// IsArray reports whether the field holds a list.
func (fd *FieldDefinition) IsArray() bool {
	switch fd.Type {
	case FieldTypeStringArray, FieldTypeNumberArray, FieldTypeRefArray, FieldTypeArray:
		return true
	}
	return false
}

// ToValue returns the definition as plain maps, the form used when a type
// is stored as a field value.
func (td *TypeDefinition) ToValue() (map[string]any, error) {
	data, err := yaml.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal type %s: %w", td.Typename, err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to convert type %s: %w", td.Typename, err)
	}
	return out, nil
}

// FromValue is the inverse of ToValue.
func FromValue(v map[string]any) (*TypeDefinition, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal type value: %w", err)
	}
	var td TypeDefinition
	if err := yaml.Unmarshal(data, &td); err != nil {
		return nil, fmt.Errorf("failed to parse type value: %w", err)
	}
	if td.Fields == nil {
		td.Fields = map[string]*FieldDefinition{}
	}
	return &td, nil
}

func floatPtr(f float64) *float64 {
	return &f
}
