// Package index maintains derived lookups over object snapshots: type
// membership, full text and property values. Indexes are in memory and
// persist as opaque blobs through a Store.
package index

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
)

var (
	// ErrUnknownKind is returned for index kinds this package cannot build.
	ErrUnknownKind = errors.New("unknown index kind")
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index closed")
	// ErrInvalidPointer is returned for malformed object pointers.
	ErrInvalidPointer = errors.New("invalid object pointer")
)

// KindType names an index implementation.
type KindType string

const (
	KindSchemaMatch KindType = "SCHEMA_MATCH"
	KindFullText    KindType = "FULL_TEXT"
	KindFieldMatch  KindType = "FIELD_MATCH"
)

// Kind describes an index. Field is set for field-match indexes.
type Kind struct {
	Type  KindType `json:"type" cbor:"type"`
	Field string   `json:"field,omitempty" cbor:"field,omitempty"`
}

func (k Kind) String() string {
	if k.Field != "" {
		return string(k.Type) + ":" + k.Field
	}
	return string(k.Type)
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	typ, field, _ := strings.Cut(s, ":")
	k := Kind{Type: KindType(typ), Field: field}
	switch k.Type {
	case KindSchemaMatch, KindFullText:
		return k, nil
	case KindFieldMatch:
		if field == "" {
			return Kind{}, fmt.Errorf("%w: %q needs a field", ErrUnknownKind, s)
		}
		return k, nil
	default:
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Query selects ids from an index. Each index reads the part that
// concerns it.
type Query struct {
	// Typenames matches any of the types, in the given order. Empty means
	// every indexed object.
	Typenames []string
	// Text matches objects containing every term.
	Text string
	// Field and Value select objects whose property equals Value.
	Field string
	Value any
}

// Match is one hit.
type Match struct {
	ID   string
	Rank float64
}

// Index is one derived lookup.
type Index interface {
	Identifier() string
	Kind() Kind
	Open(ctx context.Context) error
	// Close releases the index. Unserialized state is lost.
	Close(ctx context.Context) error
	// Update recomputes the features of id and reports whether they changed.
	Update(ctx context.Context, id string, obj *model.ObjectStructure) (bool, error)
	Remove(ctx context.Context, id string) error
	Find(ctx context.Context, q Query) ([]Match, error)
	Serialize(ctx context.Context) ([]byte, error)
}

// New creates an empty index of kind.
func New(kind Kind) (Index, error) {
	return build(keys.NewDocumentID(), kind)
}

func build(identifier string, kind Kind) (Index, error) {
	switch kind.Type {
	case KindSchemaMatch:
		return newSchemaIndex(identifier), nil
	case KindFullText:
		return newTextIndex(identifier), nil
	case KindFieldMatch:
		if kind.Field == "" {
			return nil, fmt.Errorf("%w: field index without field", ErrUnknownKind)
		}
		return newFieldIndex(identifier, kind.Field), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind.Type)
	}
}

// Load restores an index from a Serialize blob.
func Load(ctx context.Context, serialized []byte, identifier string, kind Kind) (Index, error) {
	idx, err := build(identifier, kind)
	if err != nil {
		return nil, err
	}
	if err := idx.(loader).load(ctx, serialized); err != nil {
		return nil, fmt.Errorf("load %s index %s: %w", kind, identifier, err)
	}
	return idx, nil
}

type loader interface {
	load(ctx context.Context, data []byte) error
}

// ObjectPointer is the index id of an object: its space and object id.
type ObjectPointer struct {
	SpaceKey keys.SpaceKey
	ObjectID string
}

const pointerSeparator = "|"

func (p ObjectPointer) String() string {
	return p.SpaceKey.Hex() + pointerSeparator + p.ObjectID
}

// ParseObjectPointer is the inverse of ObjectPointer.String.
func ParseObjectPointer(s string) (ObjectPointer, error) {
	hex, id, ok := strings.Cut(s, pointerSeparator)
	if !ok || id == "" {
		return ObjectPointer{}, fmt.Errorf("%w: %q", ErrInvalidPointer, s)
	}
	key, err := keys.ParseSpaceKey(hex)
	if err != nil {
		return ObjectPointer{}, fmt.Errorf("%w: %v", ErrInvalidPointer, err)
	}
	return ObjectPointer{SpaceKey: key, ObjectID: id}, nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}).DecMode(); err != nil {
		panic(err)
	}
}
