package keys

import (
	"strings"
	"testing"
)

func TestSpaceIDFromKey(t *testing.T) {
	key := MustParseSpaceKey(strings.Repeat("ab", SpaceKeySize))

	id := SpaceIDFromKey(key)
	if !strings.HasPrefix(string(id), "B") {
		t.Fatalf("expected multibase prefix, got %q", id)
	}
	if len(id) != SpaceIDLength {
		t.Fatalf("expected length %d, got %d", SpaceIDLength, len(id))
	}
	if !id.IsValid() {
		t.Fatalf("expected %q to be valid", id)
	}
	if again := key.SpaceID(); again != id {
		t.Fatalf("derivation is not stable: %q != %q", again, id)
	}
	if other := RandomSpaceKey().SpaceID(); other == id {
		t.Fatalf("different keys produced the same id")
	}
}

func TestParseSpaceKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		key := RandomSpaceKey()
		parsed, err := ParseSpaceKey(key.Hex())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed != key {
			t.Fatalf("expected %s, got %s", key.Hex(), parsed.Hex())
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		if _, err := ParseSpaceKey("abcd"); err == nil {
			t.Fatal("expected error for short key")
		}
	})

	t.Run("not hex", func(t *testing.T) {
		if _, err := ParseSpaceKey(strings.Repeat("zz", SpaceKeySize)); err == nil {
			t.Fatal("expected error for non-hex key")
		}
	})
}

func TestSpaceIDIsValid(t *testing.T) {
	cases := []struct {
		id   SpaceID
		want bool
	}{
		{"", false},
		{"B123", false},
		{SpaceID("C" + strings.Repeat("A", SpaceIDLength-1)), false},
		{SpaceID("B" + strings.Repeat("A", SpaceIDLength-1)), true},
	}
	for _, tc := range cases {
		if got := tc.id.IsValid(); got != tc.want {
			t.Errorf("IsValid(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestNewObjectID(t *testing.T) {
	a, b := NewObjectID(), NewObjectID()
	if a == b {
		t.Fatal("expected unique ids")
	}
	if strings.Contains(a, "-") || len(a) != 32 {
		t.Fatalf("unexpected id shape %q", a)
	}
}
