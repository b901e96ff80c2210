package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aidanlsb/echo/internal/model"
)

type linked struct{ id, typename string }

func (l linked) LinkID() string       { return l.id }
func (l linked) LinkTypename() string { return l.typename }

func taskType() *TypeDefinition {
	return &TypeDefinition{
		Typename: "example.com/type/Task",
		Version:  "0.1.0",
		Fields: map[string]*FieldDefinition{
			"title":    {Type: FieldTypeString, Required: true},
			"priority": {Type: FieldTypeNumber, Min: floatPtr(1), Max: floatPtr(5)},
			"done":     {Type: FieldTypeBoolean},
			"due":      {Type: FieldTypeDate},
			"status":   {Type: FieldTypeEnum, Values: []string{"open", "closed"}},
			"tags":     {Type: FieldTypeStringArray},
			"assignee": {Type: FieldTypeRef, Target: "example.com/type/Person"},
			"address": {Type: FieldTypeRecord, Fields: map[string]*FieldDefinition{
				"city": {Type: FieldTypeString},
			}},
			"checklist": {Type: FieldTypeArray, Items: &FieldDefinition{
				Type:   FieldTypeRecord,
				Fields: map[string]*FieldDefinition{"label": {Type: FieldTypeString}},
			}},
		},
	}
}

func TestValidateValue(t *testing.T) {
	td := taskType()
	tests := []struct {
		name    string
		field   string
		value   any
		wantErr bool
	}{
		{"string ok", "title", "hello", false},
		{"string wrong kind", "title", 42, true},
		{"number ok", "priority", 3, false},
		{"number float ok", "priority", 2.5, false},
		{"number below min", "priority", 0, true},
		{"number above max", "priority", int64(9), true},
		{"boolean ok", "done", true, false},
		{"boolean wrong kind", "done", "yes", true},
		{"date ok", "due", "2025-02-01", false},
		{"date bad", "due", "01/02/2025", true},
		{"enum ok", "status", "open", false},
		{"enum bad", "status", "pending", true},
		{"string array ok", "tags", []string{"a", "b"}, false},
		{"string array any ok", "tags", []any{"a"}, false},
		{"string array bad element", "tags", []any{"a", 1}, true},
		{"ref ok", "assignee", model.NewReference("x"), false},
		{"ref linkable ok", "assignee", linked{"x", "example.com/type/Person"}, false},
		{"ref untyped linkable ok", "assignee", linked{"x", ""}, false},
		{"ref wrong type", "assignee", linked{"x", "example.com/type/Task"}, true},
		{"ref wrong kind", "assignee", "x", true},
		{"record ok", "address", map[string]any{"city": "Oslo"}, false},
		{"record bad field", "address", map[string]any{"city": 1}, true},
		{"nil always ok", "title", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValue(tt.field, td.Fields[tt.field], tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSchemaViolation) {
				t.Errorf("expected error to match ErrSchemaViolation")
			}
		})
	}
}

func TestValidateFields(t *testing.T) {
	td := taskType()

	errs := ValidateFields(map[string]any{"priority": 2, "extra": "allowed"}, td)
	if len(errs) != 1 || errs[0].Field != "title" {
		t.Fatalf("expected missing title only, got %v", errs)
	}

	errs = ValidateFields(map[string]any{"title": "x", "priority": 10}, td)
	if len(errs) != 1 || errs[0].Field != "priority" {
		t.Fatalf("expected priority error, got %v", errs)
	}
}

func TestGetPropertySchema(t *testing.T) {
	td := taskType()
	tests := []struct {
		path []string
		want FieldType
	}{
		{[]string{"title"}, FieldTypeString},
		{[]string{"address", "city"}, FieldTypeString},
		{[]string{"tags", "0"}, FieldTypeString},
		{[]string{"checklist", "2"}, FieldTypeRecord},
		{[]string{"checklist", "2", "label"}, FieldTypeString},
	}
	for _, tt := range tests {
		got := GetPropertySchema(td, tt.path)
		if got == nil || got.Type != tt.want {
			t.Errorf("GetPropertySchema(%v) = %+v, want %s", tt.path, got, tt.want)
		}
	}

	for _, path := range [][]string{nil, {"missing"}, {"title", "x"}, {"tags", "x"}} {
		if got := GetPropertySchema(td, path); got != nil {
			t.Errorf("GetPropertySchema(%v) = %+v, want nil", path, got)
		}
	}
}

func TestRef(t *testing.T) {
	if _, err := Ref(&TypeDefinition{}); !errors.Is(err, ErrReferenceViolation) {
		t.Fatalf("expected ErrReferenceViolation, got %v", err)
	}
	fd, err := Ref(taskType())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd.Type != FieldTypeRef || fd.Target != "example.com/type/Task" {
		t.Errorf("unexpected field %+v", fd)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	td := taskType()
	if err := r.Register(td); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(td); err != nil {
		t.Fatalf("re-register same definition: %v", err)
	}
	if err := r.Register(taskType()); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("expected ErrDuplicateType, got %v", err)
	}
	if err := r.Register(&TypeDefinition{}); !errors.Is(err, ErrNotAnnotated) {
		t.Errorf("expected ErrNotAnnotated, got %v", err)
	}
	if got, ok := r.Get(td.Typename); !ok || got != td {
		t.Errorf("expected registered definition")
	}
	if len(r.List()) != 1 {
		t.Errorf("expected one type, got %d", len(r.List()))
	}
}

func TestToValueRoundTrip(t *testing.T) {
	td := taskType()
	v, err := td.ToValue()
	if err != nil {
		t.Fatalf("to value: %v", err)
	}
	if v["typename"] != td.Typename {
		t.Errorf("expected typename in value, got %v", v)
	}
	back, err := FromValue(v)
	if err != nil {
		t.Fatalf("from value: %v", err)
	}
	if back.Typename != td.Typename || len(back.Fields) != len(td.Fields) {
		t.Errorf("round trip lost data: %+v", back)
	}
	if p := back.Fields["priority"]; p.Max == nil || *p.Max != 5 {
		t.Errorf("expected max to survive, got %+v", p)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	content := `types:
  example.com/type/Person:
    version: 0.1.0
    fields:
      name: { type: string, required: true }
      manager: { type: ref, target: example.com/type/Person }
  example.com/type/Note:
    fields:
      body: { type: string }
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := LoadInto(r, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	person, ok := r.Get("example.com/type/Person")
	if !ok {
		t.Fatal("expected person type")
	}
	if person.Version != "0.1.0" || !person.Fields["name"].Required {
		t.Errorf("unexpected definition %+v", person)
	}

	t.Run("enum without values", func(t *testing.T) {
		_, err := Parse([]byte("types:\n  x:\n    fields:\n      s: { type: enum }\n"))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Fatal("expected error")
		}
	})
}
