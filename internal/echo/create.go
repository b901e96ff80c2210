package echo

import (
	"errors"
	"maps"

	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
)

type createOptions struct {
	schema *schema.TypeDefinition
	id     string
	meta   []model.ForeignKey
}

// CreateOption configures New.
type CreateOption func(*createOptions)

// WithSchema types the object and validates writes against def.
func WithSchema(def *schema.TypeDefinition) CreateOption {
	return func(o *createOptions) { o.schema = def }
}

// WithID adopts a pre-generated id.
func WithID(id string) CreateOption {
	return func(o *createOptions) { o.id = id }
}

// WithMeta records foreign keys on the new object.
func WithMeta(keys ...model.ForeignKey) CreateOption {
	return func(o *createOptions) { o.meta = append(o.meta, keys...) }
}

// New creates a detached object holding init. An "id" entry in init is
// adopted as the object id. Nested objects are linked by reference.
func New(init map[string]any, opts ...CreateOption) (*Object, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	data := maps.Clone(init)
	if data == nil {
		data = map[string]any{}
	}

	if raw, ok := data["id"]; ok {
		id, isString := raw.(string)
		if !isString || id == "" {
			return nil, violation(ErrIdentityViolation, KeyPath{nsData, "id"}, "id must be a non-empty string, got %s", describe(raw))
		}
		if o.id != "" && o.id != id {
			return nil, violation(ErrIdentityViolation, KeyPath{nsData, "id"}, "conflicting ids %q and %q", o.id, id)
		}
		o.id = id
		delete(data, "id")
	}

	var typ *model.Reference
	if o.schema != nil {
		if _, ok := o.schema.Fields["id"]; ok {
			return nil, violation(ErrIdentityViolation, nil, "type %s defines the reserved id field", o.schema.Typename)
		}
		if errs := schema.ValidateFields(data, o.schema); len(errs) > 0 {
			joined := make([]error, len(errs))
			for i, e := range errs {
				joined[i] = e
			}
			return nil, errors.Join(joined...)
		}
		if o.schema.IsAnnotated() {
			ref := model.TypeReference(o.schema.Typename)
			ref.Version = o.schema.Version
			typ = &ref
		}
	}
	for _, k := range o.meta {
		if err := k.Validate(); err != nil {
			return nil, violation(schema.ErrSchemaViolation, pathKeys, "%v", err)
		}
	}

	core := newDetachedCore(o.id)
	core.typeDef = o.schema
	if err := core.InitNewObject(data, o.meta, typ); err != nil {
		return nil, err
	}
	return core.object, nil
}

// MustNew is New for static initializers and tests.
func MustNew(init map[string]any, opts ...CreateOption) *Object {
	obj, err := New(init, opts...)
	if err != nil {
		panic(err)
	}
	return obj
}
