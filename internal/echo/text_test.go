package echo

import (
	"errors"
	"testing"

	"github.com/aidanlsb/echo/internal/crdt"
)

func TestTextCursors(t *testing.T) {
	obj := MustNew(map[string]any{"content": "hello world"})
	a := CreateDocAccessor(obj, "content")

	start, err := ToCursor(a, 6)
	if err != nil {
		t.Fatalf("ToCursor: %v", err)
	}
	end, err := ToCursor(a, 11)
	if err != nil {
		t.Fatalf("ToCursor: %v", err)
	}
	if end != CursorEnd {
		t.Fatalf("cursor at length = %q, want %q", end, CursorEnd)
	}
	if got, _ := GetTextInRange(a, start, end); got != "world" {
		t.Fatalf("GetTextInRange = %q", got)
	}

	if err := obj.Set("content", ">> hello world"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if pos, _ := FromCursor(a, start); pos != 9 {
		t.Fatalf("cursor after insert = %d, want 9", pos)
	}
	if got, _ := GetTextInRange(a, start, end); got != "world" {
		t.Fatalf("range after insert = %q", got)
	}
}

func TestCursorRange(t *testing.T) {
	obj := MustNew(map[string]any{"content": "abcdef"})
	a := CreateDocAccessor(obj, "content")

	r, err := ToCursorRange(a, 1, 3)
	if err != nil {
		t.Fatalf("ToCursorRange: %v", err)
	}
	from, to, err := GetRangeFromCursor(a, r)
	if err != nil {
		t.Fatalf("GetRangeFromCursor: %v", err)
	}
	if from != 1 || to != 3 {
		t.Fatalf("range = %d:%d, want 1:3", from, to)
	}
	if _, _, err := GetRangeFromCursor(a, "nocolon"); err == nil {
		t.Fatal("expected error for malformed range")
	}
	if pos, _ := FromCursor(a, ""); pos != 0 {
		t.Fatalf("empty cursor = %d", pos)
	}
}

func TestCursorOnNonText(t *testing.T) {
	obj := MustNew(map[string]any{"count": 3})
	a := CreateDocAccessor(obj, "count")
	if _, err := ToCursor(a, 0); !errors.Is(err, crdt.ErrNotText) {
		t.Fatalf("err = %v, want ErrNotText", err)
	}
}
