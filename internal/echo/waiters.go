package echo

import "github.com/aidanlsb/echo/internal/keys"

// waiterKey identifies an object a reference is waiting on.
type waiterKey struct {
	space keys.SpaceID
	id    string
}

// WaiterHandle refers to one registered resolve callback. Handles carry a
// generation so a released slot cannot be cancelled through a stale handle.
type WaiterHandle struct {
	index int
	gen   uint32
}

type waiterSlot struct {
	gen   uint32
	live  bool
	key   waiterKey
	owner any
	fn    func(*Object)
}

// waiterTable is an arena of resolve callbacks indexed by object and by
// owner. Owners drop their callbacks explicitly when disposed.
type waiterTable struct {
	slots   []waiterSlot
	free    []int
	byKey   map[waiterKey][]int
	byOwner map[any][]int
}

func newWaiterTable() *waiterTable {
	return &waiterTable{
		byKey:   map[waiterKey][]int{},
		byOwner: map[any][]int{},
	}
}

// register adds fn for key. A second registration by the same owner for the
// same key replaces the callback instead of adding another.
func (t *waiterTable) register(key waiterKey, owner any, fn func(*Object)) WaiterHandle {
	for _, i := range t.byKey[key] {
		slot := &t.slots[i]
		if slot.owner == owner {
			slot.fn = fn
			return WaiterHandle{index: i, gen: slot.gen}
		}
	}

	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, waiterSlot{})
		i = len(t.slots) - 1
	}
	slot := &t.slots[i]
	slot.live = true
	slot.key = key
	slot.owner = owner
	slot.fn = fn
	t.byKey[key] = append(t.byKey[key], i)
	t.byOwner[owner] = append(t.byOwner[owner], i)
	return WaiterHandle{index: i, gen: slot.gen}
}

func (t *waiterTable) has(key waiterKey) bool {
	return len(t.byKey[key]) > 0
}

// take removes every callback for key and returns them.
func (t *waiterTable) take(key waiterKey) []func(*Object) {
	indexes := t.byKey[key]
	if len(indexes) == 0 {
		return nil
	}
	out := make([]func(*Object), 0, len(indexes))
	for _, i := range append([]int(nil), indexes...) {
		out = append(out, t.slots[i].fn)
		t.releaseSlot(i)
	}
	return out
}

// release drops the callback behind h. It reports false for stale handles.
func (t *waiterTable) release(h WaiterHandle) bool {
	if h.index < 0 || h.index >= len(t.slots) {
		return false
	}
	slot := &t.slots[h.index]
	if !slot.live || slot.gen != h.gen {
		return false
	}
	t.releaseSlot(h.index)
	return true
}

// dropOwner releases every callback registered by owner.
func (t *waiterTable) dropOwner(owner any) int {
	indexes := append([]int(nil), t.byOwner[owner]...)
	for _, i := range indexes {
		t.releaseSlot(i)
	}
	return len(indexes)
}

func (t *waiterTable) keys(space keys.SpaceID) []waiterKey {
	var out []waiterKey
	for key := range t.byKey {
		if key.space == space {
			out = append(out, key)
		}
	}
	return out
}

func (t *waiterTable) len() int {
	n := 0
	for _, indexes := range t.byKey {
		n += len(indexes)
	}
	return n
}

func (t *waiterTable) releaseSlot(i int) {
	slot := &t.slots[i]
	if !slot.live {
		return
	}
	t.byKey[slot.key] = removeIndex(t.byKey[slot.key], i)
	if len(t.byKey[slot.key]) == 0 {
		delete(t.byKey, slot.key)
	}
	t.byOwner[slot.owner] = removeIndex(t.byOwner[slot.owner], i)
	if len(t.byOwner[slot.owner]) == 0 {
		delete(t.byOwner, slot.owner)
	}
	*slot = waiterSlot{gen: slot.gen + 1}
	t.free = append(t.free, i)
}

func removeIndex(list []int, i int) []int {
	for j, v := range list {
		if v == i {
			return append(list[:j], list[j+1:]...)
		}
	}
	return list
}
