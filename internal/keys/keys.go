// Package keys defines space keys, space ids and the identifiers ECHO hands out.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SpaceKeySize is the length of a space public key in bytes.
const SpaceKeySize = 32

// LocalSpaceTag is the DXN space segment used for references inside the
// same space.
const LocalSpaceTag = "@"

const (
	spaceIDPrefix   = "B"
	spaceIDByteSize = 20
)

// SpaceIDLength is the encoded length of a SpaceID including its prefix.
var SpaceIDLength = len(spaceIDPrefix) + spaceIDEncoding.EncodedLen(spaceIDByteSize)

var spaceIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrInvalidKey is returned when a key cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// SpaceKey is the public key identifying a space.
type SpaceKey [SpaceKeySize]byte

// ParseSpaceKey decodes a hex encoded space key.
func ParseSpaceKey(s string) (SpaceKey, error) {
	var key SpaceKey
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != SpaceKeySize {
		return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, SpaceKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// MustParseSpaceKey is ParseSpaceKey for constants in tests and fixtures.
func MustParseSpaceKey(s string) SpaceKey {
	key, err := ParseSpaceKey(s)
	if err != nil {
		panic(err)
	}
	return key
}

// RandomSpaceKey returns a fresh random key.
func RandomSpaceKey() SpaceKey {
	var key SpaceKey
	if _, err := rand.Read(key[:]); err != nil {
		panic(fmt.Sprintf("keys: read random: %v", err))
	}
	return key
}

// Hex returns the lowercase hex form of the key.
func (k SpaceKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// String returns a truncated form suitable for logs.
func (k SpaceKey) String() string {
	h := k.Hex()
	return h[:8]
}

// IsZero reports whether the key is unset.
func (k SpaceKey) IsZero() bool {
	return k == SpaceKey{}
}

// SpaceID returns the id derived from the key.
func (k SpaceKey) SpaceID() SpaceID {
	return SpaceIDFromKey(k)
}

// SpaceID is the short, URL-safe identifier of a space.
type SpaceID string

// SpaceIDFromKey derives the space id: a multibase base32 encoding of the
// first 20 bytes of SHA-256 over the key.
func SpaceIDFromKey(key SpaceKey) SpaceID {
	digest := sha256.Sum256(key[:])
	return SpaceID(spaceIDPrefix + spaceIDEncoding.EncodeToString(digest[:spaceIDByteSize]))
}

// IsValid reports whether id has the shape of a derived space id.
func (id SpaceID) IsValid() bool {
	s := string(id)
	if len(s) != SpaceIDLength || !strings.HasPrefix(s, spaceIDPrefix) {
		return false
	}
	_, err := spaceIDEncoding.DecodeString(s[len(spaceIDPrefix):])
	return err == nil
}

func (id SpaceID) String() string {
	return string(id)
}

// NewObjectID generates a fresh object id.
func NewObjectID() string {
	return compactUUID()
}

// NewPeerID generates a fresh peer id.
func NewPeerID() string {
	return compactUUID()
}

// NewDocumentID generates a fresh document id.
func NewDocumentID() string {
	return compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
