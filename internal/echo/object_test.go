package echo

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
	"github.com/aidanlsb/echo/internal/signal"
)

func taskSchema() *schema.TypeDefinition {
	return &schema.TypeDefinition{
		Typename: "example.com/type/Task",
		Version:  "0.1.0",
		Fields: map[string]*schema.FieldDefinition{
			"title": {Type: schema.FieldTypeString, Required: true},
			"done":  {Type: schema.FieldTypeBoolean},
			"tags":  {Type: schema.FieldTypeStringArray},
		},
	}
}

func TestRecordIdentity(t *testing.T) {
	obj := MustNew(map[string]any{
		"nested": map[string]any{"inner": map[string]any{"x": "y"}},
		"list":   []any{"a"},
	})

	first, ok := obj.Get("nested").(*Record)
	if !ok {
		t.Fatalf("nested = %T, want *Record", obj.Get("nested"))
	}
	if second := obj.Get("nested").(*Record); first != second {
		t.Fatal("consecutive reads returned different records")
	}
	if first.Get("inner") != first.Get("inner") {
		t.Fatal("nested record identity not stable")
	}
	if obj.Get("list").(*List) != obj.Get("list").(*List) {
		t.Fatal("list identity not stable")
	}
	if got := first.Get("inner").(*Record).Get("x"); got != "y" {
		t.Fatalf("inner.x = %v, want y", got)
	}
}

func TestRecordSetAndDelete(t *testing.T) {
	obj := MustNew(map[string]any{"title": "A"})

	if err := obj.Set("count", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := obj.Get("count"); got != int64(3) {
		t.Fatalf("count = %#v, want int64(3)", got)
	}
	if err := obj.Set("title", nil); err != nil {
		t.Fatalf("Set nil: %v", err)
	}
	if obj.Has("title") {
		t.Fatal("setting nil should delete the key")
	}
	if err := obj.Update(map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, want := obj.Keys(), []string{"a", "b", "count"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys = %v, want %v", got, want)
	}
	if err := obj.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if obj.Has("a") {
		t.Fatal("a still present")
	}
}

func TestReservedID(t *testing.T) {
	t.Run("set id", func(t *testing.T) {
		obj := MustNew(nil)
		err := obj.Set("id", "other")
		if !errors.Is(err, ErrIdentityViolation) {
			t.Fatalf("err = %v, want identity violation", err)
		}
	})

	t.Run("adopt id", func(t *testing.T) {
		obj := MustNew(map[string]any{"id": "fixed", "title": "x"})
		if obj.ID() != "fixed" {
			t.Fatalf("ID = %q, want fixed", obj.ID())
		}
		if obj.Has("id") {
			t.Fatal("id should not be stored as data")
		}
	})

	t.Run("non-string id", func(t *testing.T) {
		_, err := New(map[string]any{"id": 7})
		if !errors.Is(err, ErrIdentityViolation) {
			t.Fatalf("err = %v, want identity violation", err)
		}
	})

	t.Run("schema with id field", func(t *testing.T) {
		def := taskSchema()
		def.Fields["id"] = &schema.FieldDefinition{Type: schema.FieldTypeString}
		_, err := New(map[string]any{"title": "x"}, WithSchema(def))
		if !errors.Is(err, ErrIdentityViolation) {
			t.Fatalf("err = %v, want identity violation", err)
		}
	})
}

func TestSchemaValidation(t *testing.T) {
	obj, err := New(map[string]any{"title": "write tests"}, WithSchema(taskSchema()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obj.Typename() != "example.com/type/Task" {
		t.Fatalf("Typename = %q", obj.Typename())
	}
	if err := obj.Set("done", "yes"); !errors.Is(err, schema.ErrSchemaViolation) {
		t.Fatalf("Set done = %v, want schema violation", err)
	}
	if obj.Has("done") {
		t.Fatal("rejected write was applied")
	}
	if err := obj.Set("done", true); err != nil {
		t.Fatalf("Set done: %v", err)
	}

	if _, err := New(map[string]any{"done": true}, WithSchema(taskSchema())); !errors.Is(err, schema.ErrSchemaViolation) {
		t.Fatalf("missing required title: err = %v", err)
	}
}

func TestUnsupportedValue(t *testing.T) {
	type opaque struct{ ch chan int }
	obj := MustNew(nil)
	err := obj.Set("bad", opaque{ch: make(chan int)})
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("err = %v, want unsupported value", err)
	}
	var v *ViolationError
	if !errors.As(err, &v) || v.Path.String() != "data.bad" {
		t.Fatalf("violation path = %v", err)
	}
}

func TestListOperations(t *testing.T) {
	obj := MustNew(map[string]any{"items": []any{"b"}})
	list := obj.Get("items").(*List)

	if n, err := list.Push("c", "d"); err != nil || n != 3 {
		t.Fatalf("Push = %d, %v", n, err)
	}
	if n, err := list.Unshift("a"); err != nil || n != 4 {
		t.Fatalf("Unshift = %d, %v", n, err)
	}
	if got, want := list.Value(), []any{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Value = %v, want %v", got, want)
	}

	removed, err := list.Splice(1, 2, "x")
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if want := []any{"b", "c"}; !reflect.DeepEqual(removed, want) {
		t.Fatalf("removed = %v, want %v", removed, want)
	}
	if got, want := list.Value(), []any{"a", "x", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after splice = %v, want %v", got, want)
	}

	if v, _ := list.Pop(); v != "d" {
		t.Fatalf("Pop = %v", v)
	}
	if v, _ := list.Shift(); v != "a" {
		t.Fatalf("Shift = %v", v)
	}
	if err := list.SetLength(3); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if got, want := list.Value(), []any{"x", nil, nil}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after SetLength = %v, want %v", got, want)
	}
	if err := list.SetLength(1); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if _, err := list.Push("c", "a"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := list.Sort(func(a, b any) bool { return a.(string) < b.(string) }); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if got, want := list.Value(), []any{"a", "c", "x"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after Sort = %v, want %v", got, want)
	}
	if err := list.Reverse(); err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if got, want := list.Value(), []any{"x", "c", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after Reverse = %v, want %v", got, want)
	}
}

func TestArrayHelperOnNonArrayPanics(t *testing.T) {
	obj := MustNew(map[string]any{"title": "A"})
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrTypeInvariant) {
			t.Fatalf("recovered %v, want type invariant violation", r)
		}
		// The document must still accept writes.
		if err := obj.Set("title", "B"); err != nil {
			t.Fatalf("Set after panic: %v", err)
		}
	}()
	_, _ = obj.Core().ArrayPush(KeyPath{nsData, "title"}, "x")
}

func TestPushNotifiesOnce(t *testing.T) {
	obj := MustNew(map[string]any{"items": []any{}})
	list := obj.Get("items").(*List)

	calls := 0
	unsub := obj.Subscribe(func() { calls++ })
	defer unsub()

	if _, err := list.Push(1, 2, 3, 4, 5); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if calls != 1 {
		t.Fatalf("notifications = %d, want 1", calls)
	}
	if list.Len() != 5 {
		t.Fatalf("Len = %d, want 5", list.Len())
	}
}

func TestRebindWithoutAssign(t *testing.T) {
	o1 := MustNew(map[string]any{"title": "A"})
	o2 := MustNew(map[string]any{"title": "B"})

	var seen []any
	stop := signal.Effect(func(tr *signal.Tracker) {
		seen = append(seen, o2.Observe(tr).Get("title"))
	})
	defer stop()

	doc, mount := o1.Core().binding()
	if err := o2.Core().Bind(BindOptions{Doc: doc, Path: mount}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := o2.Get("title"); got != "A" {
		t.Fatalf("title after rebind = %v, want A", got)
	}
	if want := []any{"B", "A"}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("effect runs = %v, want %v", seen, want)
	}
}

func TestObserveTracksOnlyObservedObjects(t *testing.T) {
	a := MustNew(map[string]any{"title": "a"})
	b := MustNew(map[string]any{"title": "b"})

	runs := 0
	stop := signal.Effect(func(tr *signal.Tracker) {
		runs++
		_ = b.Observe(tr).Get("title")
		_ = a.Get("title")
	})
	defer stop()

	done := make(chan error, 1)
	go func() { done <- a.Set("title", "a2") }()
	if err := <-done; err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if runs != 1 {
		t.Fatalf("write to an unobserved object re-ran the effect: runs = %d", runs)
	}
	if err := b.Set("title", "b2"); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	if runs != 2 {
		t.Fatalf("runs after observed write = %d, want 2", runs)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	obj := MustNew(nil)
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- obj.Set(fmt.Sprintf("k%d", i), i)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if n := obj.Len(); n != writers {
		t.Fatalf("Len = %d, want %d", n, writers)
	}
}

func TestRebindAssignFromLocalState(t *testing.T) {
	obj := MustNew(map[string]any{"title": "A", "tags": []any{"x"}})
	doc := crdt.NewDoc()
	mount := crdt.Path{"objects", obj.ID()}

	if err := obj.Core().Bind(BindOptions{Doc: doc, Path: mount, AssignFromLocalState: true}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	raw, ok := doc.Get(crdt.Path{"objects", obj.ID(), "data", "title"})
	if !ok || raw != "A" {
		t.Fatalf("copied title = %v, %v", raw, ok)
	}
	if err := obj.Set("title", "B"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if raw, _ := doc.Get(crdt.Path{"objects", obj.ID(), "data", "title"}); raw != "B" {
		t.Fatalf("write did not reach new document: %v", raw)
	}
}

func TestDetachedLinks(t *testing.T) {
	child := MustNew(map[string]any{"name": "child"})
	parent := MustNew(map[string]any{"child": child})

	got, ok := parent.Get("child").(*Object)
	if !ok || got != child {
		t.Fatalf("child = %v, want the linked object", parent.Get("child"))
	}
	ref, ok := parent.Reference("child")
	if !ok || ref.ItemID != child.ID() {
		t.Fatalf("Reference = %+v, %v", ref, ok)
	}
	if err := parent.Set("self", parent); err != nil {
		t.Fatalf("Set self: %v", err)
	}
	if parent.Get("self") != parent {
		t.Fatal("self reference did not resolve to the object")
	}
}

func TestMeta(t *testing.T) {
	key := model.ForeignKey{Source: "github.com", ID: "42"}
	obj := MustNew(nil, WithMeta(key))

	if got := obj.Meta().Keys(); !reflect.DeepEqual(got, []model.ForeignKey{key}) {
		t.Fatalf("Keys = %v", got)
	}
	other := model.ForeignKey{Source: "linear.app", ID: "ENG-1"}
	if err := obj.Meta().AddKey(other); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if removed, err := obj.Meta().RemoveKey(key); err != nil || !removed {
		t.Fatalf("RemoveKey = %v, %v", removed, err)
	}
	if got := obj.Meta().Keys(); !reflect.DeepEqual(got, []model.ForeignKey{other}) {
		t.Fatalf("Keys after remove = %v", got)
	}
	if err := obj.Meta().AddKey(model.ForeignKey{Source: "x"}); err == nil {
		t.Fatal("expected invalid key to be rejected")
	}
}

func TestToJSON(t *testing.T) {
	obj := MustNew(map[string]any{"string": "foo", "number": 1.5, "flag": true, "skip": nil})
	want := map[string]any{
		"@id":    obj.ID(),
		"@meta":  map[string]any{"keys": []any{}},
		"string": "foo",
		"number": 1.5,
		"flag":   true,
	}
	if got := obj.ToJSON(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ToJSON = %#v\nwant %#v", got, want)
	}
}
