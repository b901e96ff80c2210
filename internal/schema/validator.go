package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aidanlsb/echo/internal/model"
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("Field '%s': %s", e.Field, e.Message)
}

// Unwrap makes every validation error match ErrSchemaViolation.
func (e ValidationError) Unwrap() error {
	return ErrSchemaViolation
}

// Linkable is implemented by stored objects so reference fields can check
// their target type without depending on the object package.
type Linkable interface {
	LinkID() string
	LinkTypename() string
}

// ValidateFields validates data against a type's field definitions.
// Unknown fields are allowed.
func ValidateFields(data map[string]any, td *TypeDefinition) []ValidationError {
	if td == nil {
		return nil
	}
	var errs []ValidationError

	names := make([]string, 0, len(td.Fields))
	for name := range td.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := td.Fields[name]
		value, exists := data[name]
		if def.Required && (!exists || value == nil) {
			errs = append(errs, ValidationError{Field: name, Message: "Required field is missing"})
			continue
		}
		if !exists {
			continue
		}
		if err := ValidateValue(name, def, value); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidateValue checks one value against its definition. A nil definition
// or a nil value always passes.
func ValidateValue(field string, def *FieldDefinition, value any) *ValidationError {
	if def == nil || value == nil {
		return nil
	}
	if err := validateFieldValue(def, value); err != nil {
		return &ValidationError{Field: field, Message: err.Error()}
	}
	return nil
}

func validateFieldValue(def *FieldDefinition, value any) error {
	switch def.Type {
	case FieldTypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string")
		}

	case FieldTypeNumber:
		n, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("expected number")
		}
		if def.Min != nil && n < *def.Min {
			return fmt.Errorf("value %v is below minimum %v", n, *def.Min)
		}
		if def.Max != nil && n > *def.Max {
			return fmt.Errorf("value %v is above maximum %v", n, *def.Max)
		}

	case FieldTypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean")
		}

	case FieldTypeDate:
		if _, ok := value.(time.Time); ok {
			return nil
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected date")
		}
		if !isValidDate(s) {
			return fmt.Errorf("invalid date format, expected YYYY-MM-DD")
		}

	case FieldTypeDatetime:
		if _, ok := value.(time.Time); ok {
			return nil
		}
		s, ok := value.(string)
		if !ok || !isValidDatetime(s) {
			return fmt.Errorf("invalid datetime format")
		}

	case FieldTypeEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected enum value (string)")
		}
		if def.Values == nil {
			return fmt.Errorf("enum type missing 'values' definition")
		}
		for _, allowed := range def.Values {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("invalid enum value '%s', expected one of: %v", s, def.Values)

	case FieldTypeRef:
		return validateRef(def, value)

	case FieldTypeRecord:
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected record")
		}
		if errs := ValidateFields(m, &TypeDefinition{Fields: def.Fields}); len(errs) > 0 {
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return fmt.Errorf("invalid record: %s", strings.Join(msgs, "; "))
		}

	case FieldTypeStringArray, FieldTypeNumberArray, FieldTypeRefArray, FieldTypeArray:
		items, ok := asSlice(value)
		if !ok {
			return fmt.Errorf("expected array")
		}
		elem := def.Element()
		if elem == nil {
			return nil
		}
		for i, item := range items {
			if item == nil {
				continue
			}
			if err := validateFieldValue(elem, item); err != nil {
				return fmt.Errorf("element %d: %v", i, err)
			}
		}
	}

	return nil
}

func validateRef(def *FieldDefinition, value any) error {
	switch v := value.(type) {
	case model.Reference:
		return nil
	case Linkable:
		if def.Target != "" && v.LinkTypename() != "" && v.LinkTypename() != def.Target {
			return fmt.Errorf("expected reference to %s, got %s", def.Target, v.LinkTypename())
		}
		return nil
	default:
		return fmt.Errorf("expected reference")
	}
}

// ValidateElements checks values about to be inserted into the array field
// def.
func ValidateElements(field string, def *FieldDefinition, values []any) *ValidationError {
	if def == nil {
		return nil
	}
	elem := def.Element()
	if elem == nil {
		return nil
	}
	for i, v := range values {
		if v == nil {
			continue
		}
		if err := validateFieldValue(elem, v); err != nil {
			return &ValidationError{Field: field, Message: fmt.Sprintf("element %d: %v", i, err)}
		}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

var dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func isValidDate(s string) bool {
	if !dateRegex.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func isValidDatetime(s string) bool {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02T15:04:05",
	}
	for _, format := range formats {
		if _, err := time.Parse(format, s); err == nil {
			return true
		}
	}
	return false
}
