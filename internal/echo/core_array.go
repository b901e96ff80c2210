package echo

import (
	"slices"
	"sort"
	"strings"

	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
)

// validateWrite checks a caller-facing value about to be written at path.
func (c *ObjectCore) validateWrite(path KeyPath, value any) error {
	if len(path) == 2 && path[0] == nsData && path[1] == "id" {
		return violation(ErrIdentityViolation, path, "id is reserved")
	}
	if slices.Equal(path, pathKeys) {
		items, ok := value.([]any)
		if !ok {
			if keys, isKeys := value.([]model.ForeignKey); isKeys {
				for _, k := range keys {
					items = append(items, k)
				}
			} else if value != nil {
				return violation(schema.ErrSchemaViolation, path, "meta keys must be a list")
			}
		}
		return c.validateInsert(path, items)
	}
	if len(path) > 2 && slices.Equal(path[:2], pathKeys) {
		return c.validateInsert(pathKeys, []any{value})
	}
	data := path.dataPath()
	if data == nil {
		return nil
	}
	def := schema.GetPropertySchema(c.Schema(), data)
	if err := schema.ValidateValue(strings.Join(data, "."), def, value); err != nil {
		return err
	}
	return nil
}

// validateInsert checks values about to be inserted into the array at path.
func (c *ObjectCore) validateInsert(path KeyPath, values []any) error {
	if slices.Equal(path, pathKeys) {
		for _, v := range values {
			if _, err := model.DecodeForeignKey(v); err != nil {
				return violation(schema.ErrSchemaViolation, path, "%v", err)
			}
		}
		return nil
	}
	data := path.dataPath()
	if data == nil {
		return nil
	}
	def := schema.GetPropertySchema(c.Schema(), data)
	if err := schema.ValidateElements(strings.Join(data, "."), def, values); err != nil {
		return err
	}
	return nil
}

func (c *ObjectCore) encodeItems(path KeyPath, items []any) ([]any, []*Object, error) {
	e := &encoder{core: c}
	out := make([]any, len(items))
	for i, item := range items {
		enc, err := e.encode(item, path.Index(i))
		if err != nil {
			return nil, nil, err
		}
		out[i] = enc
	}
	return out, e.links, nil
}

// mutateArray reads the array at path, applies fn and writes the result back
// in a single change. Objects in links are attached once it commits.
func (c *ObjectCore) mutateArray(path KeyPath, links []*Object, fn func(items []any) []any) error {
	if raw, _ := c.Get(path); KindOf(raw) != KindArray {
		invariant(ErrTypeInvariant, path, "expected array, got %s", describe(raw))
	}
	return c.write(links, func(w *Writer) error {
		raw, _ := w.Get(path)
		items, _ := raw.([]any)
		next := fn(items)
		if next == nil {
			return nil
		}
		return w.Set(path, next)
	})
}

func (c *ObjectCore) prepareInsert(path KeyPath, items []any) ([]any, []*Object, error) {
	if err := c.validateInsert(path, items); err != nil {
		return nil, nil, err
	}
	return c.encodeItems(path, items)
}

// ArrayPush appends items and returns the new length.
func (c *ObjectCore) ArrayPush(path KeyPath, items ...any) (int, error) {
	encoded, links, err := c.prepareInsert(path, items)
	if err != nil {
		return 0, err
	}
	var n int
	err = c.mutateArray(path, links, func(cur []any) []any {
		cur = append(cur, encoded...)
		n = len(cur)
		return cur
	})
	return n, err
}

// ArrayUnshift prepends items and returns the new length.
func (c *ObjectCore) ArrayUnshift(path KeyPath, items ...any) (int, error) {
	encoded, links, err := c.prepareInsert(path, items)
	if err != nil {
		return 0, err
	}
	var n int
	err = c.mutateArray(path, links, func(cur []any) []any {
		cur = append(slices.Clone(encoded), cur...)
		n = len(cur)
		return cur
	})
	return n, err
}

// ArrayPop removes and returns the last element.
func (c *ObjectCore) ArrayPop(path KeyPath) (any, error) {
	var removed any
	err := c.mutateArray(path, nil, func(cur []any) []any {
		if len(cur) == 0 {
			return nil
		}
		removed = cur[len(cur)-1]
		return cur[:len(cur)-1]
	})
	return Decode(removed), err
}

// ArrayShift removes and returns the first element.
func (c *ObjectCore) ArrayShift(path KeyPath) (any, error) {
	var removed any
	err := c.mutateArray(path, nil, func(cur []any) []any {
		if len(cur) == 0 {
			return nil
		}
		removed = cur[0]
		return cur[1:]
	})
	return Decode(removed), err
}

// ArraySplice removes deleteCount elements at start, inserts items there and
// returns the removed elements.
func (c *ObjectCore) ArraySplice(path KeyPath, start, deleteCount int, items ...any) ([]any, error) {
	encoded, links, err := c.prepareInsert(path, items)
	if err != nil {
		return nil, err
	}
	var removed []any
	err = c.mutateArray(path, links, func(cur []any) []any {
		n := len(cur)
		if start < 0 {
			start = max(n+start, 0)
		}
		start = min(start, n)
		deleteCount = min(max(deleteCount, 0), n-start)
		removed = slices.Clone(cur[start : start+deleteCount])
		if deleteCount == 0 && len(encoded) == 0 {
			return nil
		}
		next := make([]any, 0, n-deleteCount+len(encoded))
		next = append(next, cur[:start]...)
		next = append(next, encoded...)
		return append(next, cur[start+deleteCount:]...)
	})
	out := make([]any, len(removed))
	for i, v := range removed {
		out[i] = Decode(v)
	}
	return out, err
}

// ArraySort orders the elements by less, comparing decoded values.
func (c *ObjectCore) ArraySort(path KeyPath, less func(a, b any) bool) error {
	return c.mutateArray(path, nil, func(cur []any) []any {
		decoded := make([]any, len(cur))
		for i, v := range cur {
			decoded[i] = Decode(v)
		}
		idx := make([]int, len(cur))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return less(decoded[idx[i]], decoded[idx[j]]) })
		next := make([]any, len(cur))
		for i, from := range idx {
			next[i] = cur[from]
		}
		return next
	})
}

// ArrayReverse reverses the elements in place.
func (c *ObjectCore) ArrayReverse(path KeyPath) error {
	return c.mutateArray(path, nil, func(cur []any) []any {
		next := slices.Clone(cur)
		slices.Reverse(next)
		return next
	})
}

// ArraySetLength truncates the array, or pads it with nils.
func (c *ObjectCore) ArraySetLength(path KeyPath, n int) error {
	if n < 0 {
		invariant(ErrTypeInvariant, path, "negative length %d", n)
	}
	return c.mutateArray(path, nil, func(cur []any) []any {
		if n == len(cur) {
			return nil
		}
		if n < len(cur) {
			return cur[:n]
		}
		return append(cur, make([]any, n-len(cur))...)
	})
}
