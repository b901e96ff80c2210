package query

import (
	"reflect"
	"strings"

	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
)

// Match evaluates f against obj. spaceKey is the space the object lives in;
// it stands in for the host of legacy type references.
//
// Evaluation order: deletion visibility, or-branches, type, properties,
// text, predicate, and-branches. Not inverts the final result.
func Match(f *Filter, obj Matchable, spaceKey keys.SpaceKey) bool {
	return match(f, obj, spaceKey, HideDeleted)
}

func match(f *Filter, obj Matchable, spaceKey keys.SpaceKey, inherited DeletedMode) bool {
	if f == nil {
		f = &Filter{}
	}
	mode := f.options.Deleted
	if mode == DeletedDefault {
		mode = inherited
	}
	result := matchInner(f, obj, spaceKey, mode)
	if f.not {
		return !result
	}
	return result
}

func matchInner(f *Filter, obj Matchable, spaceKey keys.SpaceKey, mode DeletedMode) bool {
	if obj.IsDeleted() {
		if mode == HideDeleted || mode == DeletedDefault {
			return false
		}
	} else if mode == ShowDeletedOnly {
		return false
	}

	if len(f.or) > 0 {
		for _, branch := range f.or {
			if match(branch, obj, spaceKey, mode) {
				return true
			}
		}
		return false
	}

	if f.typ != nil {
		actual := obj.TypeReference()
		if actual == nil || !CompareType(*f.typ, *actual, spaceKey) {
			return false
		}
	}

	for key, want := range f.properties {
		got, ok := obj.Property(key)
		if !ok {
			got = nil
		}
		if !valuesEqual(want, got) {
			return false
		}
	}

	if f.text != "" {
		data, err := obj.MarshalJSON()
		if err != nil {
			return false
		}
		if !strings.Contains(strings.ToLower(string(data)), strings.ToLower(f.text)) {
			return false
		}
	}

	if f.predicate != nil && !f.predicate(obj) {
		return false
	}

	for _, part := range f.and {
		if !match(part, obj, spaceKey, mode) {
			return false
		}
	}

	return true
}

// CompareType reports whether the stored type reference actual satisfies
// expected. References written before types carried a protocol have no
// host; for those the enclosing space key (or the legacy type host for
// protocol references) is assumed.
func CompareType(expected, actual model.Reference, spaceKey keys.SpaceKey) bool {
	host := actual.Host
	if host == "" {
		if actual.Protocol != model.TypeProtocol {
			host = spaceKey.Hex()
		} else {
			host = model.LegacyTypeHost
		}
	}
	if actual.ItemID != expected.ItemID || actual.Protocol != expected.Protocol {
		return false
	}
	return host == expected.Host || actual.Host == expected.Host
}

func valuesEqual(want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	if a, ok := toFloat(want); ok {
		b, ok := toFloat(got)
		return ok && a == b
	}
	if l, ok := want.(schema.Linkable); ok {
		ref, isRef := got.(model.Reference)
		return isRef && ref.ItemID == l.LinkID()
	}
	if ref, ok := want.(model.Reference); ok {
		gotRef, isRef := got.(model.Reference)
		return isRef && gotRef.ItemID == ref.ItemID && gotRef.Host == ref.Host
	}
	return reflect.DeepEqual(want, got)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
