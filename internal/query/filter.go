// Package query holds the filter algebra objects are matched with.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
)

// ErrInvalidFilter is returned when a filter cannot be built from a value.
var ErrInvalidFilter = errors.New("invalid filter")

// Matchable is the view of an object that filters evaluate.
type Matchable interface {
	ObjectID() string
	IsDeleted() bool
	// TypeReference returns nil for untyped objects.
	TypeReference() *model.Reference
	// Property returns the decoded value of a top-level data property.
	Property(key string) (any, bool)
	MarshalJSON() ([]byte, error)
}

// PredicateFunc is a custom match function.
type PredicateFunc func(obj Matchable) bool

// Filter is an immutable boolean expression over objects. The zero value
// matches every visible object.
type Filter struct {
	typ        *model.Reference
	properties map[string]any
	text       string
	predicate  PredicateFunc
	not        bool
	and        []*Filter
	or         []*Filter
	options    Options
}

// All matches every object the options allow.
func All(opts ...Options) *Filter {
	return (&Filter{}).withOptions(opts)
}

// Properties matches objects whose properties equal every entry of props.
func Properties(props map[string]any, opts ...Options) *Filter {
	return (&Filter{properties: maps.Clone(props)}).withOptions(opts)
}

// Typename matches objects of a static type, optionally narrowed by props.
func Typename(typename string, props map[string]any, opts ...Options) *Filter {
	ref := model.TypeReference(typename)
	return TypeRef(ref, props, opts...)
}

// TypeRef matches objects whose type reference equals ref.
func TypeRef(ref model.Reference, props map[string]any, opts ...Options) *Filter {
	return (&Filter{typ: &ref, properties: maps.Clone(props)}).withOptions(opts)
}

// Schema matches objects of the given type definition.
func Schema(def *schema.TypeDefinition, props map[string]any, opts ...Options) *Filter {
	return Typename(def.Typename, props, opts...)
}

// Text matches objects whose JSON form contains text, ignoring case.
func Text(text string, opts ...Options) *Filter {
	return (&Filter{text: text}).withOptions(opts)
}

// Predicate matches objects for which fn returns true.
func Predicate(fn PredicateFunc, opts ...Options) *Filter {
	return (&Filter{predicate: fn}).withOptions(opts)
}

// And matches objects matched by every filter.
func And(filters ...*Filter) *Filter {
	return &Filter{and: slices.Clone(filters)}
}

// Or matches objects matched by at least one filter.
func Or(filters ...*Filter) *Filter {
	return &Filter{or: slices.Clone(filters)}
}

// Not inverts f.
func Not(f *Filter) *Filter {
	out := f.clone()
	out.not = !out.not
	return out
}

// From builds a filter from a loosely typed source: nil, a *Filter, a
// property map, a predicate, a text string, a type definition, or a list
// of any of these (combined with And).
func From(source any, opts ...Options) (*Filter, error) {
	var f *Filter
	switch s := source.(type) {
	case nil:
		f = &Filter{}
	case *Filter:
		f = s.clone()
	case map[string]any:
		f = Properties(s)
	case PredicateFunc:
		f = Predicate(s)
	case func(Matchable) bool:
		f = Predicate(s)
	case string:
		f = Text(s)
	case *schema.TypeDefinition:
		if !s.IsAnnotated() {
			return nil, fmt.Errorf("%w: type has no typename", ErrInvalidFilter)
		}
		f = Schema(s, nil)
	case []any:
		parts := make([]*Filter, 0, len(s))
		for _, item := range s {
			part, err := From(item)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		f = And(parts...)
	default:
		return nil, fmt.Errorf("%w: unsupported source %T", ErrInvalidFilter, source)
	}
	return f.withOptions(opts), nil
}

// WithOptions returns a copy of f with opts merged over its options.
func (f *Filter) WithOptions(opts Options) *Filter {
	out := f.clone()
	out.options = out.options.Merge(opts)
	return out
}

func (f *Filter) withOptions(opts []Options) *Filter {
	for _, o := range opts {
		f.options = f.options.Merge(o)
	}
	return f
}

func (f *Filter) clone() *Filter {
	if f == nil {
		return &Filter{}
	}
	out := *f
	out.properties = maps.Clone(f.properties)
	out.and = slices.Clone(f.and)
	out.or = slices.Clone(f.or)
	out.options.Spaces = slices.Clone(f.options.Spaces)
	out.options.Models = slices.Clone(f.options.Models)
	if f.typ != nil {
		ref := *f.typ
		out.typ = &ref
	}
	return &out
}

// Options returns the query options carried by f.
func (f *Filter) Options() Options {
	return f.options
}

// Type returns the type reference the filter requires, or nil.
func (f *Filter) Type() *model.Reference {
	if f.typ == nil {
		return nil
	}
	ref := *f.typ
	return &ref
}

// Typenames returns the typenames a matching object may have, or nil when
// the filter does not constrain the type. Used to narrow index lookups.
func (f *Filter) Typenames() []string {
	if f.not {
		return nil
	}
	if f.typ != nil {
		return []string{f.typ.ItemID}
	}
	if len(f.or) > 0 {
		var out []string
		for _, branch := range f.or {
			names := branch.Typenames()
			if names == nil {
				return nil
			}
			out = append(out, names...)
		}
		return out
	}
	for _, part := range f.and {
		if names := part.Typenames(); names != nil {
			return names
		}
	}
	return nil
}

// PropertyMap returns a copy of the property equality map.
func (f *Filter) PropertyMap() map[string]any {
	return maps.Clone(f.properties)
}

// TextTerm returns the free-text term.
func (f *Filter) TextTerm() string {
	return f.text
}

// IsNot reports whether the filter is inverted.
func (f *Filter) IsNot() bool {
	return f.not
}

// AndFilters returns the conjuncts.
func (f *Filter) AndFilters() []*Filter {
	return slices.Clone(f.and)
}

// OrFilters returns the disjuncts.
func (f *Filter) OrFilters() []*Filter {
	return slices.Clone(f.or)
}

// HasPredicate reports whether a custom predicate is set.
func (f *Filter) HasPredicate() bool {
	return f.predicate != nil
}

// String renders the serializable part of the filter as JSON.
func (f *Filter) String() string {
	data, err := json.Marshal(f.Spec())
	if err != nil {
		return "<filter>"
	}
	return string(data)
}

// Spec is the serializable form of a filter. Predicates cannot be
// serialized and are dropped.
type Spec struct {
	Type       *model.Reference `json:"type,omitempty"`
	Properties map[string]any   `json:"properties,omitempty"`
	Text       string           `json:"text,omitempty"`
	Not        bool             `json:"not,omitempty"`
	And        []Spec           `json:"and,omitempty"`
	Or         []Spec           `json:"or,omitempty"`
	Options    SpecOptions      `json:"options,omitempty"`
}

// SpecOptions is the serializable form of Options.
type SpecOptions struct {
	Spaces       []string `json:"spaces,omitempty"`
	Models       []string `json:"models,omitempty"`
	Deleted      string   `json:"deleted,omitempty"`
	DataLocation string   `json:"dataLocation,omitempty"`
}

// Spec returns the serializable form of f.
func (f *Filter) Spec() Spec {
	s := Spec{
		Type:       f.Type(),
		Properties: maps.Clone(f.properties),
		Text:       f.text,
		Not:        f.not,
		Options: SpecOptions{
			Models:       slices.Clone(f.options.Models),
			Deleted:      f.options.Deleted.String(),
			DataLocation: f.options.DataLocation.String(),
		},
	}
	for _, key := range f.options.Spaces {
		s.Options.Spaces = append(s.Options.Spaces, key.Hex())
	}
	for _, part := range f.and {
		s.And = append(s.And, part.Spec())
	}
	for _, part := range f.or {
		s.Or = append(s.Or, part.Spec())
	}
	return s
}

// FromSpec rebuilds a filter from its serializable form.
func FromSpec(s Spec) (*Filter, error) {
	f := &Filter{
		properties: maps.Clone(s.Properties),
		text:       s.Text,
		not:        s.Not,
	}
	if s.Type != nil {
		ref := *s.Type
		f.typ = &ref
	}
	for _, hex := range s.Options.Spaces {
		key, err := keys.ParseSpaceKey(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		f.options.Spaces = append(f.options.Spaces, key)
	}
	f.options.Models = slices.Clone(s.Options.Models)
	var err error
	if f.options.Deleted, err = ParseDeletedMode(s.Options.Deleted); err != nil {
		return nil, err
	}
	if f.options.DataLocation, err = ParseDataLocation(s.Options.DataLocation); err != nil {
		return nil, err
	}
	for _, part := range s.And {
		pf, err := FromSpec(part)
		if err != nil {
			return nil, err
		}
		f.and = append(f.and, pf)
	}
	for _, part := range s.Or {
		pf, err := FromSpec(part)
		if err != nil {
			return nil, err
		}
		f.or = append(f.or, pf)
	}
	return f, nil
}
