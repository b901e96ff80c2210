package echo

import (
	"slices"
	"strconv"
	"strings"

	"github.com/aidanlsb/echo/internal/crdt"
)

// KeyPath addresses a value relative to an object's mount point.
type KeyPath []string

const (
	nsData   = "data"
	nsMeta   = "meta"
	nsSystem = "system"
)

var (
	pathType    = KeyPath{nsSystem, "type"}
	pathDeleted = KeyPath{nsSystem, "deleted"}
	pathKeys    = KeyPath{nsMeta, "keys"}
)

// Append returns a new path with keys added.
func (p KeyPath) Append(keys ...string) KeyPath {
	out := make(KeyPath, 0, len(p)+len(keys))
	out = append(out, p...)
	return append(out, keys...)
}

// Index returns a new path addressing element i.
func (p KeyPath) Index(i int) KeyPath {
	return p.Append(strconv.Itoa(i))
}

func (p KeyPath) key() string {
	return strings.Join(p, "\x00")
}

func (p KeyPath) String() string {
	return strings.Join(p, ".")
}

func (p KeyPath) under(mount crdt.Path) crdt.Path {
	out := make(crdt.Path, 0, len(mount)+len(p))
	out = append(out, mount...)
	return append(out, p...)
}

// dataPath strips the namespace, giving the path schemas are keyed by.
func (p KeyPath) dataPath() []string {
	if len(p) == 0 || p[0] != nsData {
		return nil
	}
	return slices.Clone(p[1:])
}
