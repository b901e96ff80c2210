package echo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/schema"
	"github.com/aidanlsb/echo/internal/signal"
)

// ObjectCore bridges one logical object to its position inside a document.
//
// The value at the mount point has the layout
//
//	{data: {...}, meta: {keys: [...]}, system: {type?, deleted?}}
//
// A detached core owns a private document and is mounted at its root. Adding
// the object to a database rebinds it to the space document.
type ObjectCore struct {
	id     string
	signal *signal.Signal

	mu        sync.Mutex
	db        *Database
	doc       *crdt.Doc
	mount     crdt.Path
	cancelDoc func()
	typeDef   *schema.TypeDefinition
	linkCache map[string]*Object
	targets   map[string]any
	object    *Object
}

func newCore(id string, doc *crdt.Doc, mount crdt.Path) *ObjectCore {
	c := &ObjectCore{
		id:        id,
		signal:    signal.New(),
		linkCache: map[string]*Object{},
		targets:   map[string]any{},
	}
	c.attach(doc, mount)
	c.object = &Object{core: c}
	c.object.Record = c.record(KeyPath{nsData})
	return c
}

// newDetachedCore creates a core backed by its own document.
func newDetachedCore(id string) *ObjectCore {
	if id == "" {
		id = keys.NewObjectID()
	}
	return newCore(id, crdt.NewDoc(), nil)
}

// ID returns the object id.
func (c *ObjectCore) ID() string {
	return c.id
}

// Object returns the object handle for the core.
func (c *ObjectCore) Object() *Object {
	return c.object
}

// Database returns the owning database, or nil while detached.
func (c *ObjectCore) Database() *Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// Doc returns the document the core is bound to.
func (c *ObjectCore) Doc() *crdt.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// MountPath returns the path of the object inside its document.
func (c *ObjectCore) MountPath() crdt.Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(crdt.Path(nil), c.mount...)
}

func (c *ObjectCore) binding() (*crdt.Doc, crdt.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		invariant(ErrBindingViolation, nil, "object %s has no document", c.id)
	}
	return c.doc, c.mount
}

// Get reads the stored value at path. The returned value is a copy.
func (c *ObjectCore) Get(path KeyPath) (any, bool) {
	doc, mount := c.binding()
	return doc.Get(path.under(mount))
}

// Set writes an already encoded value at path.
func (c *ObjectCore) Set(path KeyPath, value any) error {
	return c.Change(func(w *Writer) error {
		return w.Set(path, value)
	})
}

// Delete removes the value at path.
func (c *ObjectCore) Delete(path KeyPath) error {
	return c.Change(func(w *Writer) error {
		w.Delete(path)
		return nil
	})
}

// Writer stages writes relative to a core's mount point.
type Writer struct {
	tx    *crdt.Tx
	mount crdt.Path
}

// Set writes value at path.
func (w *Writer) Set(path KeyPath, value any) error {
	return w.tx.Set(path.under(w.mount), value)
}

// Delete removes the value at path.
func (w *Writer) Delete(path KeyPath) {
	w.tx.Delete(path.under(w.mount))
}

// Get reads through the transaction.
func (w *Writer) Get(path KeyPath) (any, bool) {
	return w.tx.Get(path.under(w.mount))
}

// Change runs fn as one document change. Changes on one document are
// serialized, so fn must not start another change on it.
func (c *ObjectCore) Change(fn func(w *Writer) error) error {
	doc, mount := c.binding()
	return doc.Change(func(tx *crdt.Tx) error {
		return fn(&Writer{tx: tx, mount: mount})
	})
}

// write checks the detached objects in links, runs fn as one change and
// then attaches them. A failed check or change leaves them detached.
func (c *ObjectCore) write(links []*Object, fn func(w *Writer) error) error {
	if err := c.checkLinks(links); err != nil {
		return err
	}
	committed := false
	err := c.Change(func(w *Writer) error {
		if err := fn(w); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if !committed {
		return err
	}
	return errors.Join(err, c.attachLinks(links))
}

// InitNewObject writes the initial state of a fresh object. Nested objects
// are linked: bound ones by reference, detached ones through the link cache
// until this object is added to a database.
func (c *ObjectCore) InitNewObject(data map[string]any, meta []model.ForeignKey, typ *model.Reference) error {
	encoded, links, err := c.encode(data, KeyPath{nsData})
	if err != nil {
		return err
	}
	structure := model.ObjectStructure{
		Data:   encoded.(map[string]any),
		Meta:   model.ObjectMeta{Keys: meta},
		System: model.SystemFields{Type: typ},
	}
	return c.write(links, func(w *Writer) error {
		return w.Set(nil, structure.Value())
	})
}

// SetType stores the type reference.
func (c *ObjectCore) SetType(ref *model.Reference) error {
	if ref == nil {
		return c.Delete(pathType)
	}
	return c.Set(pathType, ref.Encode())
}

// GetType returns the type reference, or nil for untyped objects.
func (c *ObjectCore) GetType() *model.Reference {
	raw, ok := c.Get(pathType)
	if !ok {
		return nil
	}
	ref, ok := model.DecodeReference(raw)
	if !ok {
		return nil
	}
	return &ref
}

// IsDeleted reads the tombstone bit.
func (c *ObjectCore) IsDeleted() bool {
	v, _ := c.Get(pathDeleted)
	deleted, _ := v.(bool)
	return deleted
}

// SetDeleted writes the tombstone bit.
func (c *ObjectCore) SetDeleted(deleted bool) error {
	if !deleted {
		return c.Delete(pathDeleted)
	}
	return c.Set(pathDeleted, true)
}

// GetMeta returns the foreign keys recorded for the object.
func (c *ObjectCore) GetMeta() model.ObjectMeta {
	return c.Structure().Meta
}

// Structure returns a snapshot of the stored object.
func (c *ObjectCore) Structure() *model.ObjectStructure {
	raw, _ := c.Get(nil)
	return model.StructureFromValue(raw)
}

// Schema returns the type definition governing writes, if any.
func (c *ObjectCore) Schema() *schema.TypeDefinition {
	c.mu.Lock()
	td, db := c.typeDef, c.db
	c.mu.Unlock()
	if td != nil {
		return td
	}
	if db == nil || db.graph == nil {
		return nil
	}
	typ := c.GetType()
	if typ == nil {
		return nil
	}
	td, _ = db.graph.registry.Get(typ.ItemID)
	return td
}

// BindOptions describes a rebind.
type BindOptions struct {
	DB   *Database
	Doc  *crdt.Doc
	Path crdt.Path
	// AssignFromLocalState copies the current values into the new location.
	AssignFromLocalState bool
}

// Bind moves the core to a new document position. Readers of the object
// are notified once.
func (c *ObjectCore) Bind(opts BindOptions) error {
	if opts.Doc == nil {
		return violation(ErrBindingViolation, nil, "bind %s without a document", c.id)
	}
	if opts.AssignFromLocalState {
		current, _ := c.Get(nil)
		target := &ObjectCore{id: c.id, doc: opts.Doc, mount: opts.Path}
		if err := target.Set(nil, current); err != nil {
			return err
		}
	}

	c.rebind(opts.DB, opts.Doc, opts.Path)
	c.signal.NotifyWrite()
	return nil
}

// rebind points the core at a new position without writing or notifying.
func (c *ObjectCore) rebind(db *Database, doc *crdt.Doc, mount crdt.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelDoc != nil {
		c.cancelDoc()
	}
	c.db = db
	c.attachLocked(doc, append(crdt.Path(nil), mount...))
}

func (c *ObjectCore) attach(doc *crdt.Doc, mount crdt.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachLocked(doc, mount)
}

func (c *ObjectCore) attachLocked(doc *crdt.Doc, mount crdt.Path) {
	c.doc = doc
	c.mount = mount
	c.cancelDoc = doc.OnChange(func(ev crdt.ChangeEvent) {
		if ev.Touches(mount) {
			c.signal.NotifyWrite()
		}
	})
}

// detach drops the document subscription. The core keeps its last binding
// so reads still work.
func (c *ObjectCore) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelDoc != nil {
		c.cancelDoc()
		c.cancelDoc = nil
	}
}

// LookupLink resolves a reference held by this object. It returns nil when
// the target is not available yet; readers are notified when it arrives.
func (c *ObjectCore) LookupLink(ref model.Reference) *Object {
	c.mu.Lock()
	db := c.db
	cached := c.linkCache[ref.ItemID]
	c.mu.Unlock()

	if ref.ItemID == c.id && ref.Host == "" {
		return c.object
	}
	if db == nil {
		return cached
	}
	return db.lookupLink(ref, c, func(*Object) {
		c.signal.NotifyWrite()
	})
}

// linkRef returns the reference c stores for obj. It reports pending for
// detached targets, which attachLinks adds once the write commits.
func (c *ObjectCore) linkRef(obj *Object) (ref model.Reference, pending bool) {
	target := obj.core
	if target == c {
		return model.NewReference(c.id), false
	}
	targetDB := target.Database()

	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	switch {
	case targetDB == nil:
		return model.NewReference(obj.ID()), true
	case db != nil && targetDB == db:
		return model.NewReference(obj.ID()), false
	default:
		return model.NewSpaceReference(obj.ID(), targetDB.SpaceKey()), false
	}
}

// checkLinks validates the detached objects a write is about to reference
// against the database of c.
func (c *ObjectCore) checkLinks(links []*Object) error {
	db := c.Database()
	if db == nil || len(links) == 0 {
		return nil
	}
	seen := map[string]bool{}
	for _, obj := range links {
		if obj.core.Database() != nil {
			continue
		}
		if err := db.checkAddable(obj.core, seen, nil); err != nil {
			return fmt.Errorf("link object %s: %w", obj.ID(), err)
		}
	}
	return nil
}

// attachLinks adds the detached objects referenced by a committed write to
// the database of c, or keeps them in the link cache while c is detached.
func (c *ObjectCore) attachLinks(links []*Object) error {
	if len(links) == 0 {
		return nil
	}
	c.mu.Lock()
	db := c.db
	if db == nil {
		for _, obj := range links {
			c.linkCache[obj.ID()] = obj
		}
	}
	c.mu.Unlock()
	if db == nil {
		return nil
	}

	var errs []error
	for _, obj := range links {
		if obj.core.Database() != nil {
			continue
		}
		if _, err := db.Add(obj); err != nil {
			errs = append(errs, fmt.Errorf("add linked object %s: %w", obj.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// takeLinkCache returns and clears the objects linked while detached.
func (c *ObjectCore) takeLinkCache() []*Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Object, 0, len(c.linkCache))
	for _, obj := range c.linkCache {
		out = append(out, obj)
	}
	c.linkCache = map[string]*Object{}
	return out
}

// record returns the cached record for path.
func (c *ObjectCore) record(path KeyPath) *Record {
	key := "m" + path.key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.targets[key].(*Record); ok {
		return r
	}
	r := &Record{core: c, path: path}
	c.targets[key] = r
	return r
}

// list returns the cached list for path.
func (c *ObjectCore) list(path KeyPath) *List {
	key := "a" + path.key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.targets[key].(*List); ok {
		return l
	}
	l := &List{core: c, path: path}
	c.targets[key] = l
	return l
}
