package echo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIdentityViolation covers writes to the reserved id field and
	// registering an id twice.
	ErrIdentityViolation = errors.New("identity violation")
	// ErrBindingViolation covers using a core against the wrong database.
	ErrBindingViolation = errors.New("binding violation")
	// ErrUnsupportedValue is returned for values that cannot be stored, such
	// as struct instances.
	ErrUnsupportedValue = errors.New("unsupported value")
	// ErrTypeInvariant is raised for array operations on non-array paths.
	ErrTypeInvariant = errors.New("type invariant violation")
	// ErrSchemaNotRegistered is returned when adding an object whose type is
	// unknown to the schema registry.
	ErrSchemaNotRegistered = errors.New("schema not found in schema registry")
	// ErrDatabaseClosed is returned by operations on a closed database.
	ErrDatabaseClosed = errors.New("database closed")
)

// ViolationError carries the key path a violation happened at.
type ViolationError struct {
	Kind    error
	Path    KeyPath
	Message string
}

func (e *ViolationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ViolationError) Unwrap() error {
	return e.Kind
}

// invariant panics with a violation. Used for programmer errors: reading
// through a core without a document, or array ops on non-arrays.
func invariant(kind error, path KeyPath, format string, args ...any) {
	panic(&ViolationError{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)})
}

func violation(kind error, path KeyPath, format string, args ...any) error {
	return &ViolationError{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}
