// Package model defines the data types shared between the object graph, the
// index and the storage layers.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aidanlsb/echo/internal/keys"
)

const (
	// ReferenceTypeTag marks an encoded reference inside a document.
	ReferenceTypeTag = "dxos.echo.model.document.Reference"

	// TypeProtocol is the protocol of references that point at static types.
	TypeProtocol = "protobuf"

	// LegacyTypeHost is the host carried by static type references.
	LegacyTypeHost = "dxos.org"
)

// ErrInvalidDXN is returned when a DXN string cannot be parsed.
var ErrInvalidDXN = errors.New("invalid dxn")

// Reference is an indirect pointer to an object or a type.
// Objects never own each other; every edge between them is a Reference.
type Reference struct {
	// ItemID is the object id, or the typename for type references.
	ItemID string `json:"itemId"`

	// Protocol is set for type references.
	Protocol string `json:"protocol,omitempty"`

	// Host is the hex space key of the target when it lives in another space.
	Host string `json:"host,omitempty"`

	// Version is the schema version for type references.
	Version string `json:"version,omitempty"`
}

// NewReference points at an object in the same space.
func NewReference(objectID string) Reference {
	return Reference{ItemID: objectID}
}

// NewSpaceReference points at an object in another space.
func NewSpaceReference(objectID string, spaceKey keys.SpaceKey) Reference {
	return Reference{ItemID: objectID, Host: spaceKey.Hex()}
}

// TypeReference points at a static type by typename.
func TypeReference(typename string) Reference {
	return Reference{ItemID: typename, Protocol: TypeProtocol, Host: LegacyTypeHost}
}

// IsType reports whether the reference names a type rather than an object.
func (r Reference) IsType() bool {
	return r.Protocol == TypeProtocol
}

// SpaceKey returns the target space when the reference crosses spaces.
func (r Reference) SpaceKey() (keys.SpaceKey, bool) {
	if r.Host == "" || r.IsType() {
		return keys.SpaceKey{}, false
	}
	key, err := keys.ParseSpaceKey(r.Host)
	if err != nil {
		return keys.SpaceKey{}, false
	}
	return key, true
}

// Encode returns the tagged map stored inside documents.
func (r Reference) Encode() map[string]any {
	out := map[string]any{
		"@type":  ReferenceTypeTag,
		"itemId": r.ItemID,
	}
	if r.Protocol != "" {
		out["protocol"] = r.Protocol
	}
	if r.Host != "" {
		out["host"] = r.Host
	}
	if r.Version != "" {
		out["version"] = r.Version
	}
	return out
}

// IsEncodedReference reports whether v is a tagged reference map.
func IsEncodedReference(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	tag, _ := m["@type"].(string)
	return tag == ReferenceTypeTag
}

// DecodeReference parses a tagged reference map.
func DecodeReference(v any) (Reference, bool) {
	if !IsEncodedReference(v) {
		return Reference{}, false
	}
	m := v.(map[string]any)
	var ref Reference
	ref.ItemID, _ = m["itemId"].(string)
	ref.Protocol, _ = m["protocol"].(string)
	ref.Host, _ = m["host"].(string)
	ref.Version, _ = m["version"].(string)
	return ref, true
}

// DXN renders the reference as a DXN string.
//
//	dxn:type:<typename>
//	dxn:echo:@:<objectID>
//	dxn:echo:<spaceID>:<objectID>
func (r Reference) DXN() string {
	if r.IsType() {
		return "dxn:type:" + r.ItemID
	}
	if key, ok := r.SpaceKey(); ok {
		return "dxn:echo:" + key.SpaceID().String() + ":" + r.ItemID
	}
	return "dxn:echo:" + keys.LocalSpaceTag + ":" + r.ItemID
}

// DXN is a parsed DXN string.
type DXN struct {
	Kind     string
	SpaceID  keys.SpaceID
	ObjectID string
	Typename string
}

// IsLocal reports whether the DXN points into the referencing space.
func (d DXN) IsLocal() bool {
	return d.Kind == "echo" && d.SpaceID == ""
}

// ParseDXN parses the forms produced by Reference.DXN.
func ParseDXN(s string) (DXN, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "dxn" {
		return DXN{}, fmt.Errorf("%w: %q", ErrInvalidDXN, s)
	}
	switch parts[1] {
	case "type":
		return DXN{Kind: "type", Typename: strings.Join(parts[2:], ":")}, nil
	case "echo":
		if len(parts) != 4 || parts[3] == "" {
			return DXN{}, fmt.Errorf("%w: %q", ErrInvalidDXN, s)
		}
		d := DXN{Kind: "echo", ObjectID: parts[3]}
		if parts[2] != keys.LocalSpaceTag {
			d.SpaceID = keys.SpaceID(parts[2])
			if !d.SpaceID.IsValid() {
				return DXN{}, fmt.Errorf("%w: bad space id %q", ErrInvalidDXN, parts[2])
			}
		}
		return d, nil
	default:
		return DXN{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDXN, parts[1])
	}
}
