package index

import (
	"context"
	"strconv"
	"sync"

	"github.com/aidanlsb/echo/internal/model"
)

// FieldIndex maps the scalar values of one top-level property to ids.
type FieldIndex struct {
	identifier string
	field      string

	mu      sync.RWMutex
	closed  bool
	valueOf map[string]string
	byValue map[string][]string
}

func newFieldIndex(identifier, field string) *FieldIndex {
	return &FieldIndex{
		identifier: identifier,
		field:      field,
		valueOf:    map[string]string{},
		byValue:    map[string][]string{},
	}
}

func (f *FieldIndex) Identifier() string { return f.identifier }

func (f *FieldIndex) Kind() Kind { return Kind{Type: KindFieldMatch, Field: f.field} }

func (f *FieldIndex) Open(context.Context) error {
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
	return nil
}

func (f *FieldIndex) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *FieldIndex) Update(_ context.Context, id string, obj *model.ObjectStructure) (bool, error) {
	key, indexed := "", false
	if obj != nil {
		key, indexed = valueKey(obj.Data[f.field])
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	prev, known := f.valueOf[id]
	if known == indexed && prev == key {
		return false, nil
	}
	if known {
		f.dropLocked(id, prev)
	}
	if indexed {
		f.valueOf[id] = key
		f.byValue[key] = append(f.byValue[key], id)
	}
	return true, nil
}

func (f *FieldIndex) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if prev, known := f.valueOf[id]; known {
		f.dropLocked(id, prev)
	}
	return nil
}

func (f *FieldIndex) dropLocked(id, key string) {
	delete(f.valueOf, id)
	f.byValue[key] = without(f.byValue[key], id)
	if len(f.byValue[key]) == 0 {
		delete(f.byValue, key)
	}
}

// Find returns the ids whose property equals q.Value. Queries for another
// field match nothing.
func (f *FieldIndex) Find(_ context.Context, q Query) ([]Match, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if q.Field != f.field {
		return nil, nil
	}
	key, ok := valueKey(q.Value)
	if !ok {
		return nil, nil
	}
	ids := f.byValue[key]
	out := make([]Match, len(ids))
	for i, id := range ids {
		out[i] = Match{ID: id, Rank: 1}
	}
	return out, nil
}

type fieldSnapshot struct {
	ValueOf map[string]string   `cbor:"valueOf"`
	ByValue map[string][]string `cbor:"byValue"`
}

func (f *FieldIndex) Serialize(context.Context) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return encMode.Marshal(fieldSnapshot{ValueOf: f.valueOf, ByValue: f.byValue})
}

func (f *FieldIndex) load(_ context.Context, data []byte) error {
	var snap fieldSnapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valueOf, f.byValue = snap.ValueOf, snap.ByValue
	if f.valueOf == nil {
		f.valueOf = map[string]string{}
	}
	if f.byValue == nil {
		f.byValue = map[string][]string{}
	}
	return nil
}

// valueKey returns a canonical key for scalar values. Numbers of any width
// share keys.
func valueKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return "s:" + t, true
	case bool:
		return "b:" + strconv.FormatBool(t), true
	case int:
		return numberKey(float64(t)), true
	case int32:
		return numberKey(float64(t)), true
	case int64:
		return numberKey(float64(t)), true
	case uint64:
		return numberKey(float64(t)), true
	case float32:
		return numberKey(float64(t)), true
	case float64:
		return numberKey(t), true
	case model.Reference:
		return "r:" + t.ItemID + "@" + t.Host, true
	case map[string]any:
		if ref, ok := model.DecodeReference(t); ok {
			return valueKey(ref)
		}
	}
	return "", false
}

func numberKey(f float64) string {
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}
