package echo

import (
	"fmt"
	"reflect"
	"time"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
)

// Kind tags the closed set of value shapes a path can hold.
type Kind int

const (
	KindScalar Kind = iota
	KindMap
	KindArray
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindReference:
		return "reference"
	default:
		return "scalar"
	}
}

// KindOf classifies a stored (encoded) value.
func KindOf(v any) Kind {
	switch v.(type) {
	case map[string]any:
		if model.IsEncodedReference(v) {
			return KindReference
		}
		return KindMap
	case []any:
		return KindArray
	default:
		return KindScalar
	}
}

// encoder converts caller-facing values into the form stored in documents.
// Objects become references; detached ones are collected in links and
// attached only after the write that stores them commits.
type encoder struct {
	core  *ObjectCore
	links []*Object
}

// encode converts value for storage at path and returns the detached
// objects it references. Nil map entries are dropped.
func (c *ObjectCore) encode(value any, path KeyPath) (any, []*Object, error) {
	e := &encoder{core: c}
	enc, err := e.encode(value, path)
	if err != nil {
		return nil, nil, err
	}
	return enc, e.links, nil
}

func (e *encoder) encode(value any, path KeyPath) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return crdt.Normalize(v)
	case []byte:
		return crdt.Normalize(v)
	case *Object:
		if v == nil {
			return nil, nil
		}
		ref, pending := e.core.linkRef(v)
		if pending {
			e.links = append(e.links, v)
		}
		return ref.Encode(), nil
	case *Record:
		return e.encode(v.Value(), path)
	case *List:
		return e.encode(v.Value(), path)
	case model.Reference:
		return v.Encode(), nil
	case *model.Reference:
		if v == nil {
			return nil, nil
		}
		return v.Encode(), nil
	case model.ForeignKey:
		return v.Encode(), nil
	case *schema.TypeDefinition:
		out, err := v.ToValue()
		if err != nil {
			return nil, err
		}
		return crdt.Normalize(out)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if item == nil {
				continue
			}
			enc, err := e.encode(item, path.Append(key))
			if err != nil {
				return nil, err
			}
			if enc != nil {
				out[key] = enc
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			enc, err := e.encode(item, path.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return e.encode(items, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, violation(ErrUnsupportedValue, path, "map keys must be strings, got %s", rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return e.encode(m, path)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
	}
	return nil, violation(ErrUnsupportedValue, path, "cannot store %T", value)
}

// Decode converts a stored value into its caller-facing form. Encoded
// references become model.Reference.
func Decode(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := model.DecodeReference(v); ok {
			return ref
		}
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Decode(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Decode(item)
		}
		return out
	default:
		return v
	}
}

func describe(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
