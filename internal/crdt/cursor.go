package crdt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrNotText is returned for cursor operations on non-string values.
var ErrNotText = errors.New("value is not text")

const cursorContext = 8

type cursorState struct {
	Offset int    `cbor:"o"`
	Before string `cbor:"b"`
	After  string `cbor:"a"`
}

// Cursor returns a stable position for the rune offset inside the string at
// path. The cursor follows its surrounding text across later edits.
// Cursors never contain ':' so callers can join two into a range.
func (d *Doc) Cursor(path Path, offset int) (string, error) {
	text, err := d.text(path)
	if err != nil {
		return "", err
	}
	runes := []rune(text)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}
	st := cursorState{
		Offset: offset,
		Before: string(runes[max(0, offset-cursorContext):offset]),
		After:  string(runes[offset:min(len(runes), offset+cursorContext)]),
	}
	data, err := Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// CursorPosition resolves a cursor against the current string at path.
func (d *Doc) CursorPosition(path Path, cursor string) (int, error) {
	text, err := d.text(path)
	if err != nil {
		return 0, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("decode cursor: %w", err)
	}
	var st cursorState
	if err := Unmarshal(raw, &st); err != nil {
		return 0, fmt.Errorf("decode cursor: %w", err)
	}
	return relocate(text, st), nil
}

func relocate(text string, st cursorState) int {
	runes := []rune(text)
	n := len(runes)
	at := min(st.Offset, n)

	if strings.HasSuffix(string(runes[:at]), st.Before) && strings.HasPrefix(string(runes[at:]), st.After) {
		return at
	}

	// Find the anchor occurrence closest to the old offset.
	best, bestDist := -1, n+1
	try := func(anchor string, shift int) {
		if anchor == "" {
			return
		}
		for i := 0; i <= len(text); {
			j := strings.Index(text[i:], anchor)
			if j < 0 {
				return
			}
			pos := utf8.RuneCountInString(text[:i+j]) + shift
			if dist := abs(pos - st.Offset); dist < bestDist {
				best, bestDist = pos, dist
			}
			_, size := utf8.DecodeRuneInString(text[i+j:])
			i += j + max(size, 1)
		}
	}
	try(st.Before+st.After, utf8.RuneCountInString(st.Before))
	if best < 0 {
		try(st.Before, utf8.RuneCountInString(st.Before))
	}
	if best < 0 {
		try(st.After, 0)
	}
	if best < 0 {
		return at
	}
	return best
}

func (d *Doc) text(path Path) (string, error) {
	v, ok := d.Get(path)
	if !ok {
		return "", fmt.Errorf("%w: nothing at %s", ErrNotText, path)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s holds %T", ErrNotText, path, v)
	}
	return s, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
