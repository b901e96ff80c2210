package crdt

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("crdt: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("crdt: cbor dec mode: %v", err))
	}
}

// Marshal encodes v with the canonical CBOR options used for documents and
// sync payloads.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR produced by Marshal. Untyped maps decode as
// map[string]any.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type savedDoc struct {
	ID      DocumentID `cbor:"id"`
	Changes []Change   `cbor:"changes"`
}

// Save encodes the full change history of the document.
func (d *Doc) Save() ([]byte, error) {
	d.mu.Lock()
	saved := savedDoc{ID: d.id, Changes: append([]Change(nil), d.changes...)}
	d.mu.Unlock()
	data, err := Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", d.id, err)
	}
	return data, nil
}

// Load decodes a document saved with Save. actor is the local replica's
// actor id for future changes.
func Load(data []byte, actor string) (*Doc, error) {
	var saved savedDoc
	if err := Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if saved.ID == "" {
		return nil, fmt.Errorf("decode document: missing id")
	}
	d := newDoc(saved.ID, actor)
	if _, err := d.ApplyChanges(saved.Changes); err != nil {
		return nil, fmt.Errorf("replay document %s: %w", saved.ID, err)
	}
	d.takeDirty()
	return d, nil
}
