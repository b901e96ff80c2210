package echo

import (
	"slices"
	"sort"

	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
	"github.com/aidanlsb/echo/internal/signal"
)

// Container is a path-addressable view into an object: a *Record for maps
// and a *List for arrays. Each distinct path maps to one container.
type Container interface {
	Kind() Kind
	Path() KeyPath
}

// wrap returns the caller-facing form of a stored value: containers for
// nested maps and arrays, resolved objects for references.
func (c *ObjectCore) wrap(path KeyPath, raw any) any {
	switch KindOf(raw) {
	case KindMap:
		return c.record(path)
	case KindArray:
		return c.list(path)
	case KindReference:
		ref, _ := model.DecodeReference(raw)
		if ref.IsType() {
			return ref
		}
		if obj := c.LookupLink(ref); obj != nil {
			return obj
		}
		return nil
	default:
		return raw
	}
}

func (c *ObjectCore) read(path KeyPath) (any, bool) {
	return c.Get(path)
}

// Record is a map-shaped view at a path inside an object.
type Record struct {
	core *ObjectCore
	path KeyPath
}

func (r *Record) Kind() Kind { return KindMap }

func (r *Record) Path() KeyPath { return slices.Clone(r.path) }

// Get returns the property value. Maps and arrays come back as the same
// *Record or *List on every call; references resolve to *Object, or nil
// while the target is not yet available.
func (r *Record) Get(key string) any {
	path := r.path.Append(key)
	raw, ok := r.core.read(path)
	if !ok {
		return nil
	}
	return r.core.wrap(path, raw)
}

// Reference returns the raw reference stored under key.
func (r *Record) Reference(key string) (model.Reference, bool) {
	raw, _ := r.core.read(r.path.Append(key))
	return model.DecodeReference(raw)
}

// Has reports whether key is set.
func (r *Record) Has(key string) bool {
	_, ok := r.core.read(r.path.Append(key))
	return ok
}

// Keys returns the property names in sorted order.
func (r *Record) Keys() []string {
	raw, _ := r.core.read(r.path)
	m, _ := raw.(map[string]any)
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of properties.
func (r *Record) Len() int {
	return len(r.Keys())
}

// Set validates, encodes and writes value under key. Setting nil removes
// the property.
func (r *Record) Set(key string, value any) error {
	path := r.path.Append(key)
	if err := r.core.validateWrite(path, value); err != nil {
		return err
	}
	var enc any
	var links []*Object
	if value != nil {
		var err error
		if enc, links, err = r.core.encode(value, path); err != nil {
			return err
		}
	}
	return r.core.write(links, func(w *Writer) error {
		if enc == nil {
			w.Delete(path)
			return nil
		}
		return w.Set(path, enc)
	})
}

// Update writes several properties in one change. Nothing is written, and
// no linked object is added, unless every value is valid.
func (r *Record) Update(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.core.validateWrite(r.path.Append(k), values[k]); err != nil {
			return err
		}
	}
	encoded := make([]any, len(keys))
	var links []*Object
	for i, k := range keys {
		enc, linked, err := r.core.encode(values[k], r.path.Append(k))
		if err != nil {
			return err
		}
		encoded[i] = enc
		links = append(links, linked...)
	}
	return r.core.write(links, func(w *Writer) error {
		for i, k := range keys {
			path := r.path.Append(k)
			if encoded[i] == nil {
				w.Delete(path)
				continue
			}
			if err := w.Set(path, encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes key.
func (r *Record) Delete(key string) error {
	return r.core.Delete(r.path.Append(key))
}

// Value returns a decoded snapshot of the record.
func (r *Record) Value() map[string]any {
	raw, _ := r.core.read(r.path)
	m, _ := Decode(raw).(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

// List is an array-shaped view at a path inside an object. Every mutating
// method is one document change and one notification.
type List struct {
	core *ObjectCore
	path KeyPath
}

func (l *List) Kind() Kind { return KindArray }

func (l *List) Path() KeyPath { return slices.Clone(l.path) }

func (l *List) items() []any {
	raw, _ := l.core.read(l.path)
	items, _ := raw.([]any)
	return items
}

// Len returns the number of elements.
func (l *List) Len() int {
	return len(l.items())
}

// At returns element i in caller-facing form, or nil when out of range.
func (l *List) At(i int) any {
	items := l.items()
	if i < 0 || i >= len(items) {
		return nil
	}
	path := l.path.Index(i)
	return l.core.wrap(path, items[i])
}

// Values returns every element in caller-facing form.
func (l *List) Values() []any {
	items := l.items()
	out := make([]any, len(items))
	for i, raw := range items {
		out[i] = l.core.wrap(l.path.Index(i), raw)
	}
	return out
}

// Value returns a decoded snapshot of the list.
func (l *List) Value() []any {
	out, _ := Decode(l.items()).([]any)
	if out == nil {
		out = []any{}
	}
	return out
}

// Set replaces element i, growing the list with nils when i is past the end.
func (l *List) Set(i int, value any) error {
	if i < 0 {
		invariant(ErrTypeInvariant, l.path, "negative index %d", i)
	}
	encoded, links, err := l.core.prepareInsert(l.path, []any{value})
	if err != nil {
		return err
	}
	return l.core.mutateArray(l.path, links, func(cur []any) []any {
		if i >= len(cur) {
			cur = append(cur, make([]any, i-len(cur)+1)...)
		}
		cur[i] = encoded[0]
		return cur
	})
}

func (l *List) Push(items ...any) (int, error) { return l.core.ArrayPush(l.path, items...) }

func (l *List) Unshift(items ...any) (int, error) { return l.core.ArrayUnshift(l.path, items...) }

func (l *List) Pop() (any, error) { return l.core.ArrayPop(l.path) }

func (l *List) Shift() (any, error) { return l.core.ArrayShift(l.path) }

func (l *List) Splice(start, deleteCount int, items ...any) ([]any, error) {
	return l.core.ArraySplice(l.path, start, deleteCount, items...)
}

// Sort orders the elements by less over decoded values.
func (l *List) Sort(less func(a, b any) bool) error { return l.core.ArraySort(l.path, less) }

func (l *List) Reverse() error { return l.core.ArrayReverse(l.path) }

func (l *List) SetLength(n int) error { return l.core.ArraySetLength(l.path, n) }

// Object is a reactive handle to one stored object. Property access goes
// through the embedded data record.
type Object struct {
	*Record
	core *ObjectCore
}

// ID returns the object id.
func (o *Object) ID() string { return o.core.id }

// Core returns the object's core.
func (o *Object) Core() *ObjectCore { return o.core }

// Type returns the type reference, or nil.
func (o *Object) Type() *model.Reference {
	return o.core.GetType()
}

// Typename returns the type id, or "" for untyped objects.
func (o *Object) Typename() string {
	if t := o.Type(); t != nil {
		return t.ItemID
	}
	return ""
}

// Schema returns the type definition of the object, if known.
func (o *Object) Schema() *schema.TypeDefinition {
	return o.core.Schema()
}

// Database returns the owning database, or nil while detached.
func (o *Object) Database() *Database {
	return o.core.Database()
}

// IsDeleted reports whether the object is tombstoned.
func (o *Object) IsDeleted() bool {
	return o.core.IsDeleted()
}

// Meta returns the metadata view.
func (o *Object) Meta() *Meta {
	return &Meta{core: o.core}
}

// Observe records o as a dependency of the effect run t belongs to, so the
// effect re-runs when o changes. It returns o.
func (o *Object) Observe(t *signal.Tracker) *Object {
	o.core.signal.NotifyRead(t)
	return o
}

// Subscribe calls fn after every change to the object. Changes made in one
// batch are delivered once.
func (o *Object) Subscribe(fn func()) (unsubscribe func()) {
	return o.core.signal.Subscribe(fn)
}

// ObjectID implements query.Matchable.
func (o *Object) ObjectID() string { return o.core.id }

// TypeReference implements query.Matchable.
func (o *Object) TypeReference() *model.Reference { return o.core.GetType() }

// Property implements query.Matchable. References are returned unresolved.
func (o *Object) Property(key string) (any, bool) {
	raw, ok := o.core.Get(KeyPath{nsData, key})
	if !ok {
		return nil, false
	}
	return Decode(raw), true
}

// LinkID implements schema.Linkable.
func (o *Object) LinkID() string { return o.core.id }

// LinkTypename implements schema.Linkable.
func (o *Object) LinkTypename() string {
	if t := o.core.GetType(); t != nil {
		return t.ItemID
	}
	if td := o.core.Schema(); td != nil {
		return td.Typename
	}
	return ""
}

func (o *Object) String() string {
	return "Object(" + o.core.id + ")"
}

// Meta is the metadata namespace of an object. Keys are foreign keys and
// are validated on every insert.
type Meta struct {
	core *ObjectCore
}

// Keys returns the recorded foreign keys.
func (m *Meta) Keys() []model.ForeignKey {
	return m.core.GetMeta().Keys
}

// KeyList returns the keys as a list view.
func (m *Meta) KeyList() *List {
	return m.core.list(pathKeys)
}

// AddKey appends a foreign key.
func (m *Meta) AddKey(key model.ForeignKey) error {
	if _, ok := m.core.Get(pathKeys); !ok {
		return m.SetKeys([]model.ForeignKey{key})
	}
	_, err := m.core.ArrayPush(pathKeys, key)
	return err
}

// SetKeys replaces every foreign key.
func (m *Meta) SetKeys(keys []model.ForeignKey) error {
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = k
	}
	if err := m.core.validateInsert(pathKeys, items); err != nil {
		return err
	}
	encoded, links, err := m.core.encodeItems(pathKeys, items)
	if err != nil {
		return err
	}
	return m.core.write(links, func(w *Writer) error {
		return w.Set(pathKeys, encoded)
	})
}

// RemoveKey drops every key equal to key and reports whether any matched.
func (m *Meta) RemoveKey(key model.ForeignKey) (bool, error) {
	current := m.core.GetMeta().Keys
	kept := slices.DeleteFunc(slices.Clone(current), func(k model.ForeignKey) bool { return k == key })
	if len(kept) == len(current) {
		return false, nil
	}
	return true, m.SetKeys(kept)
}
