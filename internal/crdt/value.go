package crdt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedValue is returned for values a document cannot hold.
var ErrUnsupportedValue = errors.New("unsupported document value")

// Path addresses a value inside a document. Array elements are addressed by
// their decimal index.
type Path []string

// Key returns a string form of the path usable as a map key.
func (p Path) Key() string {
	return strings.Join(p, "\x00")
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether one path is an ancestor of (or equal to) the other.
func (p Path) Overlaps(other Path) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}

func (p Path) String() string {
	return "/" + strings.Join(p, "/")
}

// Normalize converts v into the closed set of types documents store:
// nil, bool, int64, float64, string, []byte, []any and map[string]any.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t, nil
	case []byte:
		return append([]byte(nil), t...), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string map key %T", ErrUnsupportedValue, k)
			}
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// Clone returns a deep copy of a normalized value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return t
	}
}

func child(container any, key string) (any, bool) {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	default:
		return nil, false
	}
}

func lookup(root map[string]any, path Path) (any, bool) {
	var cur any = root
	for _, key := range path {
		next, ok := child(cur, key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// assign writes v under key. Array writes past the end are dropped so every
// replica resolves the same op the same way.
func assign(container any, key string, v any) bool {
	switch c := container.(type) {
	case map[string]any:
		c[key] = v
		return true
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return false
		}
		c[i] = v
		return true
	default:
		return false
	}
}

func setPath(root map[string]any, path Path, v any) {
	if len(path) == 0 {
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		for k := range root {
			delete(root, k)
		}
		for k, item := range m {
			root[k] = item
		}
		return
	}
	var cur any = root
	for _, key := range path[:len(path)-1] {
		next, ok := child(cur, key)
		if _, isMap := next.(map[string]any); ok && isMap {
			cur = next
			continue
		}
		if _, isList := next.([]any); ok && isList {
			cur = next
			continue
		}
		created := map[string]any{}
		if !assign(cur, key, created) {
			return
		}
		cur = created
	}
	assign(cur, path[len(path)-1], v)
}

func deletePath(root map[string]any, path Path) {
	if len(path) == 0 {
		for k := range root {
			delete(root, k)
		}
		return
	}
	parent, ok := lookup(root, path[:len(path)-1])
	if !ok {
		return
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, path[len(path)-1])
	}
}
