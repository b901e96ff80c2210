package echo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/query"
	"github.com/aidanlsb/echo/internal/schema"
	"github.com/aidanlsb/echo/internal/signal"
)

// Space document versions.
const (
	SpaceDocVersionLegacy  = 0
	SpaceDocVersionCurrent = 1
)

// DefaultLoadTimeout bounds lazy loads of linked documents.
const DefaultLoadTimeout = 5 * time.Second

var (
	// ErrObjectNotFound is returned by LoadObject for unknown ids.
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnsupportedSpaceVersion is returned for space documents written by
	// a newer version.
	ErrUnsupportedSpaceVersion = errors.New("unsupported space document version")
)

// Paths inside a space document.
var (
	pathObjects = crdt.Path{"objects"}
	pathLinks   = crdt.Path{"links"}
	pathVersion = crdt.Path{"version"}
)

// SpaceDocValue returns the initial layout of a space document.
func SpaceDocValue(key keys.SpaceKey) map[string]any {
	return map[string]any{
		"version": int64(SpaceDocVersionCurrent),
		"access":  map[string]any{"spaceKey": key.Hex()},
		"objects": map[string]any{},
		"links":   map[string]any{},
	}
}

// DocumentSpaceKey reads the space a document belongs to.
func DocumentSpaceKey(doc *crdt.Doc) (keys.SpaceKey, bool) {
	raw, ok := doc.Get(crdt.Path{"access", "spaceKey"})
	if !ok {
		return keys.SpaceKey{}, false
	}
	hex, _ := raw.(string)
	key, err := keys.ParseSpaceKey(hex)
	if err != nil {
		return keys.SpaceKey{}, false
	}
	return key, true
}

// UpdatedItem names one changed object.
type UpdatedItem struct {
	ObjectID string
}

// ItemsUpdated is emitted after every document change with the objects it
// touched.
type ItemsUpdated struct {
	SpaceKey keys.SpaceKey
	Items    []UpdatedItem
}

// IDs returns the object ids of the event.
func (e ItemsUpdated) IDs() []string {
	out := make([]string, len(e.Items))
	for i, item := range e.Items {
		out[i] = item.ObjectID
	}
	return out
}

// DatabaseOptions configures OpenDatabase.
type DatabaseOptions struct {
	// Graph receives the database. A private one is created when nil.
	Graph *Hypergraph
	Repo  *crdt.Repo

	SpaceKey keys.SpaceKey
	// RootURL opens an existing space document. A new one is created
	// when empty.
	RootURL string
	// Owner is an opaque value the graph hands back from OwningObject.
	Owner any

	Logger      *slog.Logger
	LoadTimeout time.Duration
}

// Database is the object map of one space.
type Database struct {
	graph       *Hypergraph
	repo        *crdt.Repo
	spaceKey    keys.SpaceKey
	root        *crdt.Doc
	logger      *slog.Logger
	loadTimeout time.Duration

	mu         sync.Mutex
	cores      map[string]*ObjectCore
	order      []string
	linked     map[string]crdt.DocumentID
	docCancels map[crdt.DocumentID]func()
	loading    map[string]bool
	subs       map[int]func(ItemsUpdated)
	nextSub    int
	closed     bool
}

// OpenDatabase creates or opens the space document and registers the
// database with its graph.
func OpenDatabase(ctx context.Context, opts DatabaseOptions) (*Database, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("open database: repo is required")
	}
	if opts.SpaceKey.IsZero() {
		return nil, fmt.Errorf("open database: %w: zero space key", keys.ErrInvalidKey)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Graph == nil {
		opts.Graph = NewHypergraph(HypergraphOptions{Logger: opts.Logger})
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}

	var root *crdt.Doc
	var err error
	if opts.RootURL == "" {
		root, err = opts.Repo.Create(SpaceDocValue(opts.SpaceKey))
	} else {
		root, err = opts.Repo.FindURL(ctx, opts.RootURL)
	}
	if err != nil {
		return nil, fmt.Errorf("open space %s: %w", opts.SpaceKey, err)
	}
	if v, _ := root.Get(pathVersion); v != nil {
		if n, ok := v.(int64); !ok || n > SpaceDocVersionCurrent {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedSpaceVersion, v)
		}
	}

	db := &Database{
		graph:       opts.Graph,
		repo:        opts.Repo,
		spaceKey:    opts.SpaceKey,
		root:        root,
		logger:      opts.Logger.With(slog.String("space", opts.SpaceKey.String())),
		loadTimeout: opts.LoadTimeout,
		cores:       map[string]*ObjectCore{},
		linked:      map[string]crdt.DocumentID{},
		docCancels:  map[crdt.DocumentID]func(){},
		loading:     map[string]bool{},
		subs:        map[int]func(ItemsUpdated){},
	}

	db.mu.Lock()
	db.attachDocLocked(root)
	db.loadDocLocked(root, nil)
	db.refreshLinksLocked()
	db.mu.Unlock()

	db.graph.Register(opts.SpaceKey, db, opts.Owner)
	db.logger.Debug("database opened", slog.String("root", root.URL()), slog.Int("objects", len(db.order)))
	return db, nil
}

// SpaceKey returns the key of the space.
func (db *Database) SpaceKey() keys.SpaceKey { return db.spaceKey }

// SpaceID returns the id of the space.
func (db *Database) SpaceID() keys.SpaceID { return db.spaceKey.SpaceID() }

// RootURL returns the URL of the space document.
func (db *Database) RootURL() string { return db.root.URL() }

// Graph returns the graph the database is registered with.
func (db *Database) Graph() *Hypergraph { return db.graph }

// AddOption configures Add.
type AddOption func(*addOptions)

type addOptions struct {
	ownDocument bool
}

// InOwnDocument stores the object in a separate document linked from the
// space document.
func InOwnDocument() AddOption {
	return func(o *addOptions) { o.ownDocument = true }
}

// AddData wraps data in a new object and adds it.
func (db *Database) AddData(data map[string]any, opts ...CreateOption) (*Object, error) {
	obj, err := New(data, opts...)
	if err != nil {
		return nil, err
	}
	return db.Add(obj)
}

// Add binds a detached object to the space. Adding an object that is
// already here clears its tombstone. Objects linked from it while it was
// detached are added too. A failed add leaves the database unchanged.
func (db *Database) Add(obj *Object, opts ...AddOption) (*Object, error) {
	if obj == nil {
		return nil, violation(ErrBindingViolation, nil, "add nil object")
	}
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	core := obj.core
	switch owner := core.Database(); {
	case owner == db:
		if core.IsDeleted() {
			if err := core.SetDeleted(false); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case owner != nil:
		return nil, violation(ErrBindingViolation, nil, "object %s belongs to space %s", core.id, owner.spaceKey)
	}

	var plan []*ObjectCore
	if err := db.checkAddable(core, map[string]bool{}, &plan); err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrDatabaseClosed
	}
	for _, c := range plan {
		if _, exists := db.cores[c.id]; exists {
			db.mu.Unlock()
			return nil, violation(ErrIdentityViolation, nil, "object %s is already registered", c.id)
		}
	}
	planned := make(map[string]bool, len(plan))
	for _, c := range plan {
		planned[c.id] = true
		db.cores[c.id] = c
		db.order = append(db.order, c.id)
	}
	db.mu.Unlock()

	var err error
	if o.ownDocument {
		err = db.placeInOwnDocument(plan[0], plan[1:])
	} else {
		err = db.root.Change(func(tx *crdt.Tx) error {
			if err := writeObjects(tx, plan); err != nil {
				return err
			}
			for _, c := range plan {
				c.rebind(db, db.root, objectPath(c.id))
			}
			return nil
		})
	}
	switch {
	case err != nil && core.Database() != db:
		db.mu.Lock()
		for id := range planned {
			delete(db.cores, id)
		}
		db.order = slices.DeleteFunc(db.order, func(id string) bool { return planned[id] })
		db.mu.Unlock()
		return nil, err
	case err != nil:
		// The objects committed; only remote changes queued behind the write failed.
		db.logger.Warn("failed to apply deferred remote changes", slog.Any("error", err))
	}
	for _, c := range plan {
		c.takeLinkCache()
	}
	return obj, nil
}

// writeObjects copies the current state of each core into tx.
func writeObjects(tx *crdt.Tx, cores []*ObjectCore) error {
	for _, c := range cores {
		current, _ := c.Get(nil)
		if err := tx.Set(objectPath(c.id), current); err != nil {
			return fmt.Errorf("add object %s: %w", c.id, err)
		}
	}
	return nil
}

// placeInOwnDocument stores core in a new linked document and the objects
// it links in the space document.
func (db *Database) placeInOwnDocument(core *ObjectCore, children []*ObjectCore) error {
	initial := SpaceDocValue(db.spaceKey)
	delete(initial, "links")
	doc, err := db.repo.Create(initial)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.attachDocLocked(doc)
	db.mu.Unlock()

	err = doc.Change(func(tx *crdt.Tx) error {
		return writeObjects(tx, []*ObjectCore{core})
	})
	if err == nil {
		err = db.root.Change(func(tx *crdt.Tx) error {
			if err := writeObjects(tx, children); err != nil {
				return err
			}
			if err := tx.Set(crdt.Path{pathLinks[0], core.id}, doc.URL()); err != nil {
				return err
			}
			core.rebind(db, doc, objectPath(core.id))
			for _, c := range children {
				c.rebind(db, db.root, objectPath(c.id))
			}
			return nil
		})
	}
	if err != nil && core.Database() != db {
		db.mu.Lock()
		if cancel := db.docCancels[doc.ID()]; cancel != nil {
			cancel()
			delete(db.docCancels, doc.ID())
		}
		db.mu.Unlock()
		return err
	}

	db.mu.Lock()
	db.linked[core.id] = doc.ID()
	db.mu.Unlock()
	core.signal.NotifyWrite()
	return err
}

// checkAddable validates an object and every detached object it links
// before any write happens. When plan is non-nil the validated cores are
// appended to it, core first.
func (db *Database) checkAddable(core *ObjectCore, seen map[string]bool, plan *[]*ObjectCore) error {
	if seen[core.id] {
		return nil
	}
	seen[core.id] = true

	db.mu.Lock()
	_, exists := db.cores[core.id]
	db.mu.Unlock()
	if exists {
		return violation(ErrIdentityViolation, nil, "object %s is already registered", core.id)
	}

	if typ := core.GetType(); typ != nil {
		if !db.graph.registry.Has(typ.ItemID) {
			return fmt.Errorf("%w: %s", ErrSchemaNotRegistered, typ.ItemID)
		}
	}
	if td := core.Schema(); td != nil {
		if errs := schema.ValidateFields(core.object.Value(), td); len(errs) > 0 {
			joined := make([]error, len(errs))
			for i, e := range errs {
				joined[i] = e
			}
			return errors.Join(joined...)
		}
	}
	if plan != nil {
		*plan = append(*plan, core)
	}

	core.mu.Lock()
	children := make([]*ObjectCore, 0, len(core.linkCache))
	for _, child := range core.linkCache {
		children = append(children, child.core)
	}
	core.mu.Unlock()
	sort.Slice(children, func(i, j int) bool { return children[i].id < children[j].id })
	for _, child := range children {
		if child.Database() != nil {
			continue
		}
		if err := db.checkAddable(child, seen, plan); err != nil {
			return err
		}
	}
	return nil
}

// Remove tombstones the object. It stays addressable by id.
func (db *Database) Remove(obj *Object) error {
	if obj.core.Database() != db {
		return violation(ErrBindingViolation, nil, "object %s is not in space %s", obj.ID(), db.spaceKey)
	}
	return obj.core.SetDeleted(true)
}

type getOptions struct {
	deleted bool
}

// GetOption configures object lookups.
type GetOption func(*getOptions)

// WithDeleted includes tombstoned objects.
func WithDeleted() GetOption {
	return func(o *getOptions) { o.deleted = true }
}

// GetObjectByID returns a loaded object, or nil. Objects stored in linked
// documents that are not loaded yet start loading in the background and an
// update is emitted when they arrive.
func (db *Database) GetObjectByID(id string, opts ...GetOption) *Object {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	db.mu.Lock()
	core := db.cores[id]
	_, isLinked := db.linked[id]
	startLoad := core == nil && isLinked && !db.loading[id] && !db.closed
	if startLoad {
		db.loading[id] = true
	}
	db.mu.Unlock()

	if startLoad {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), db.loadTimeout)
			defer cancel()
			if _, err := db.LoadObject(ctx, id); err != nil {
				db.logger.Warn("failed to load linked object", slog.String("object", id), slog.Any("error", err))
			}
			db.mu.Lock()
			delete(db.loading, id)
			db.mu.Unlock()
		}()
	}
	if core == nil {
		return nil
	}
	if !o.deleted && core.IsDeleted() {
		return nil
	}
	return core.object
}

// IsLinked reports whether id lives in a linked document.
func (db *Database) IsLinked(id string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.linked[id]
	return ok
}

// LinkedIDs returns the ids stored in linked documents that are not loaded.
func (db *Database) LinkedIDs() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for id := range db.linked {
		if _, loaded := db.cores[id]; !loaded {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LoadObject returns the object, waiting for its linked document when
// needed.
func (db *Database) LoadObject(ctx context.Context, id string) (*Object, error) {
	db.mu.Lock()
	core := db.cores[id]
	docID, isLinked := db.linked[id]
	db.mu.Unlock()
	if core != nil {
		return core.object, nil
	}
	if !isLinked {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}

	doc, err := db.repo.Find(ctx, docID)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrDatabaseClosed
	}
	if _, ok := db.docCancels[doc.ID()]; !ok {
		db.attachDocLocked(doc)
	}
	created := db.loadDocLocked(doc, []string{id})
	core = db.cores[id]
	db.mu.Unlock()

	if core == nil {
		return nil, fmt.Errorf("%w: %s missing from %s", ErrObjectNotFound, id, doc.URL())
	}
	if len(created) > 0 {
		db.emit(created)
	}
	return core.object, nil
}

// Objects returns the loaded objects in the order they were added.
func (db *Database) Objects(opts ...GetOption) []*Object {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	var out []*Object
	for _, core := range db.loadedCores() {
		if !o.deleted && core.IsDeleted() {
			continue
		}
		out = append(out, core.object)
	}
	return out
}

func (db *Database) loadedCores() []*ObjectCore {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*ObjectCore, 0, len(db.order))
	for _, id := range db.order {
		if core, ok := db.cores[id]; ok {
			out = append(out, core)
		}
	}
	return out
}

// Query runs filter against this space only.
func (db *Database) Query(filter *query.Filter) *Query {
	if filter == nil {
		filter = query.All()
	}
	return db.graph.Query(filter.WithOptions(query.Options{Spaces: []keys.SpaceKey{db.spaceKey}}))
}

// Flush saves every document of the space.
func (db *Database) Flush(ctx context.Context) error {
	db.mu.Lock()
	ids := make([]crdt.DocumentID, 0, len(db.docCancels))
	for id := range db.docCancels {
		ids = append(ids, id)
	}
	db.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if err := db.repo.Flush(ctx, ids...); err != nil {
		return fmt.Errorf("flush space %s: %w", db.spaceKey, err)
	}
	return nil
}

// OnUpdate registers fn for update events.
func (db *Database) OnUpdate(fn func(ItemsUpdated)) (unsubscribe func()) {
	db.mu.Lock()
	id := db.nextSub
	db.nextSub++
	db.subs[id] = fn
	db.mu.Unlock()
	return func() {
		db.mu.Lock()
		delete(db.subs, id)
		db.mu.Unlock()
	}
}

// Close detaches the database from its documents and its graph.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	for id, cancel := range db.docCancels {
		cancel()
		delete(db.docCancels, id)
	}
	cores := make([]*ObjectCore, 0, len(db.cores))
	for _, core := range db.cores {
		cores = append(cores, core)
	}
	db.mu.Unlock()

	for _, core := range cores {
		core.detach()
		db.graph.CancelWaiters(core)
	}
	db.graph.Unregister(db.spaceKey)
	return nil
}

func (db *Database) lookupLink(ref model.Reference, owner *ObjectCore, onResolve func(*Object)) *Object {
	return db.graph.LookupLink(ref, db, owner, onResolve)
}

func (db *Database) attachDocLocked(doc *crdt.Doc) {
	db.docCancels[doc.ID()] = doc.OnChange(func(ev crdt.ChangeEvent) {
		db.handleDocChange(doc, ev)
	})
}

// loadDocLocked creates cores for objects in doc that have none. With a nil
// filter every object is considered.
func (db *Database) loadDocLocked(doc *crdt.Doc, only []string) []string {
	raw, _ := doc.Get(pathObjects)
	objects, _ := raw.(map[string]any)
	ids := only
	if ids == nil {
		ids = make([]string, 0, len(objects))
		for id := range objects {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	var created []string
	for _, id := range ids {
		if _, ok := objects[id]; !ok {
			continue
		}
		if _, ok := db.cores[id]; ok {
			continue
		}
		core := newCore(id, doc, objectPath(id))
		core.db = db
		db.cores[id] = core
		db.order = append(db.order, id)
		created = append(created, id)
	}
	return created
}

func (db *Database) refreshLinksLocked() {
	raw, _ := db.root.Get(pathLinks)
	links, _ := raw.(map[string]any)
	for id, v := range links {
		url, _ := v.(string)
		docID, err := crdt.ParseURL(url)
		if err != nil {
			db.logger.Warn("skipping malformed link", slog.String("object", id), slog.String("url", url))
			continue
		}
		db.linked[id] = docID
	}
}

func (db *Database) handleDocChange(doc *crdt.Doc, ev crdt.ChangeEvent) {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	all, links := false, false
	for _, p := range ev.Paths {
		switch {
		case len(p) == 0:
			all, links = true, true
		case p[0] == pathObjects[0] && len(p) == 1:
			all = true
		case p[0] == pathObjects[0]:
			add(p[1])
		case p[0] == pathLinks[0]:
			links = true
			if len(p) > 1 {
				add(p[1])
			}
		}
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	if links && doc == db.root {
		db.refreshLinksLocked()
	}
	var created []string
	if all {
		created = db.loadDocLocked(doc, nil)
		raw, _ := doc.Get(pathObjects)
		objects, _ := raw.(map[string]any)
		sorted := make([]string, 0, len(objects))
		for id := range objects {
			sorted = append(sorted, id)
		}
		sort.Strings(sorted)
		for _, id := range sorted {
			add(id)
		}
	} else {
		created = db.loadDocLocked(doc, ids)
	}
	db.mu.Unlock()

	if len(created) > 0 {
		db.logger.Debug("objects arrived", slog.Int("count", len(created)))
	}
	if len(ids) > 0 {
		db.emit(ids)
	}
}

func (db *Database) emit(ids []string) {
	ev := ItemsUpdated{SpaceKey: db.spaceKey, Items: make([]UpdatedItem, len(ids))}
	for i, id := range ids {
		ev.Items[i] = UpdatedItem{ObjectID: id}
	}
	db.mu.Lock()
	subIDs := make([]int, 0, len(db.subs))
	for id := range db.subs {
		subIDs = append(subIDs, id)
	}
	sort.Ints(subIDs)
	subs := make([]func(ItemsUpdated), len(subIDs))
	for i, id := range subIDs {
		subs[i] = db.subs[id]
	}
	db.mu.Unlock()
	signal.Batch(func() {
		for _, fn := range subs {
			fn(ev)
		}
	})
}

func objectPath(id string) crdt.Path {
	return crdt.Path{pathObjects[0], id}
}
