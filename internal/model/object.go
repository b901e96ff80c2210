package model

import (
	"errors"
	"fmt"
)

// ErrInvalidForeignKey is returned for meta keys missing a source or id.
var ErrInvalidForeignKey = errors.New("invalid foreign key")

// ForeignKey records where an object came from in an external system.
type ForeignKey struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

// Validate checks that both halves of the key are set.
func (k ForeignKey) Validate() error {
	if k.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidForeignKey)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidForeignKey)
	}
	return nil
}

// Encode returns the document form of the key.
func (k ForeignKey) Encode() map[string]any {
	return map[string]any{"source": k.Source, "id": k.ID}
}

// DecodeForeignKey reads a key from its document form.
func DecodeForeignKey(v any) (ForeignKey, error) {
	switch t := v.(type) {
	case ForeignKey:
		return t, t.Validate()
	case map[string]any:
		var k ForeignKey
		k.Source, _ = t["source"].(string)
		k.ID, _ = t["id"].(string)
		return k, k.Validate()
	default:
		return ForeignKey{}, fmt.Errorf("%w: expected {source, id}, got %T", ErrInvalidForeignKey, v)
	}
}

// ObjectMeta is the metadata namespace of an object.
type ObjectMeta struct {
	Keys []ForeignKey `json:"keys"`
}

// ObjectStructure is the serialized form of one object inside a space
// document. The index consumes these snapshots.
type ObjectStructure struct {
	Data   map[string]any `json:"data"`
	Meta   ObjectMeta     `json:"meta"`
	System SystemFields   `json:"system"`
}

// SystemFields holds the reserved per-object fields.
type SystemFields struct {
	// Type is nil for untyped objects.
	Type    *Reference `json:"type,omitempty"`
	Deleted bool       `json:"deleted,omitempty"`
}

// Typename returns the type id, or "" for untyped objects.
func (s *ObjectStructure) Typename() string {
	if s == nil || s.System.Type == nil {
		return ""
	}
	return s.System.Type.ItemID
}

// Value returns the document form of the structure.
func (s *ObjectStructure) Value() map[string]any {
	keys := make([]any, 0, len(s.Meta.Keys))
	for _, k := range s.Meta.Keys {
		keys = append(keys, k.Encode())
	}
	system := map[string]any{}
	if s.System.Type != nil {
		system["type"] = s.System.Type.Encode()
	}
	if s.System.Deleted {
		system["deleted"] = true
	}
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"data":   data,
		"meta":   map[string]any{"keys": keys},
		"system": system,
	}
}

// StructureFromValue reads an object structure from its document form.
// Missing sections decode to their zero values.
func StructureFromValue(v any) *ObjectStructure {
	s := &ObjectStructure{Data: map[string]any{}, Meta: ObjectMeta{Keys: []ForeignKey{}}}
	m, ok := v.(map[string]any)
	if !ok {
		return s
	}
	if data, ok := m["data"].(map[string]any); ok {
		s.Data = data
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		if list, ok := meta["keys"].([]any); ok {
			for _, raw := range list {
				if k, err := DecodeForeignKey(raw); err == nil {
					s.Meta.Keys = append(s.Meta.Keys, k)
				}
			}
		}
	}
	if system, ok := m["system"].(map[string]any); ok {
		if ref, ok := DecodeReference(system["type"]); ok {
			s.System.Type = &ref
		}
		s.System.Deleted, _ = system["deleted"].(bool)
	}
	return s
}
