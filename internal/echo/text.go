package echo

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aidanlsb/echo/internal/crdt"
)

// CursorEnd addresses the position after the last character.
const CursorEnd = "end"

// DocAccessor addresses a string value inside a document for collaborative
// text editing.
type DocAccessor struct {
	Doc  *crdt.Doc
	Path crdt.Path
}

// CreateDocAccessor returns an accessor for the text property at path,
// relative to the object's data.
func CreateDocAccessor(obj *Object, path ...string) DocAccessor {
	doc, mount := obj.core.binding()
	return DocAccessor{Doc: doc, Path: KeyPath{nsData}.Append(path...).under(mount)}
}

func (a DocAccessor) length() (int, error) {
	raw, _ := a.Doc.Get(a.Path)
	switch s := raw.(type) {
	case string:
		return utf8.RuneCountInString(s), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %s", crdt.ErrNotText, a.Path)
	}
}

// ToCursor returns a stable cursor for a character offset.
func ToCursor(a DocAccessor, pos int) (string, error) {
	n, err := a.length()
	if err != nil {
		return "", err
	}
	if pos >= n {
		return CursorEnd, nil
	}
	return a.Doc.Cursor(a.Path, max(pos, 0))
}

// FromCursor returns the current offset of a cursor. The empty cursor is
// the start of the text.
func FromCursor(a DocAccessor, cursor string) (int, error) {
	switch cursor {
	case "":
		return 0, nil
	case CursorEnd:
		return a.length()
	default:
		return a.Doc.CursorPosition(a.Path, cursor)
	}
}

// ToCursorRange encodes a range as "start:end".
func ToCursorRange(a DocAccessor, start, end int) (string, error) {
	from, err := ToCursor(a, start)
	if err != nil {
		return "", err
	}
	to, err := ToCursor(a, end)
	if err != nil {
		return "", err
	}
	return from + ":" + to, nil
}

// GetRangeFromCursor resolves a range produced by ToCursorRange.
func GetRangeFromCursor(a DocAccessor, cursor string) (start, end int, err error) {
	from, to, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid cursor range %q", cursor)
	}
	if start, err = FromCursor(a, from); err != nil {
		return 0, 0, err
	}
	if end, err = FromCursor(a, to); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// GetTextInRange returns the text between two cursors.
func GetTextInRange(a DocAccessor, begin, end string) (string, error) {
	from, err := FromCursor(a, begin)
	if err != nil {
		return "", err
	}
	to, err := FromCursor(a, end)
	if err != nil {
		return "", err
	}
	raw, _ := a.Doc.Get(a.Path)
	text, _ := raw.(string)
	runes := []rune(text)
	from = min(max(from, 0), len(runes))
	to = min(max(to, from), len(runes))
	return string(runes[from:to]), nil
}
