package echo

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/query"
	"github.com/aidanlsb/echo/internal/schema"
	"github.com/aidanlsb/echo/internal/signal"
)

// HypergraphOptions configures NewHypergraph.
type HypergraphOptions struct {
	Registry *schema.Registry
	Logger   *slog.Logger
}

// Hypergraph joins the databases of every open space: it resolves
// references across them and fans queries out to all of them.
type Hypergraph struct {
	registry *schema.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	dbs       map[keys.SpaceKey]*Database
	owners    map[keys.SpaceKey]any
	unsubs    map[keys.SpaceKey]func()
	contexts  map[*QueryContext]struct{}
	providers map[int]QuerySourceProvider
	nextProv  int
	waiters   *waiterTable
	subs      map[int]func(ItemsUpdated)
	nextSub   int
}

// NewHypergraph creates an empty graph.
func NewHypergraph(opts HypergraphOptions) *Hypergraph {
	if opts.Registry == nil {
		opts.Registry = schema.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hypergraph{
		registry:  opts.Registry,
		logger:    opts.Logger.With(slog.String("component", "hypergraph")),
		dbs:       map[keys.SpaceKey]*Database{},
		owners:    map[keys.SpaceKey]any{},
		unsubs:    map[keys.SpaceKey]func(){},
		contexts:  map[*QueryContext]struct{}{},
		providers: map[int]QuerySourceProvider{},
		waiters:   newWaiterTable(),
		subs:      map[int]func(ItemsUpdated){},
	}
}

// SchemaRegistry returns the registry typed objects are checked against.
func (g *Hypergraph) SchemaRegistry() *schema.Registry {
	return g.registry
}

// Register adds a database. Pending lookups for objects it holds resolve
// immediately, and every live query starts reading from it.
func (g *Hypergraph) Register(key keys.SpaceKey, db *Database, owner any) {
	g.mu.Lock()
	if unsub, ok := g.unsubs[key]; ok {
		unsub()
	}
	g.dbs[key] = db
	g.owners[key] = owner
	contexts := g.liveContextsLocked()
	g.mu.Unlock()

	unsub := db.OnUpdate(func(ev ItemsUpdated) {
		g.onDatabaseUpdate(db, ev)
	})
	g.mu.Lock()
	g.unsubs[key] = unsub
	g.mu.Unlock()

	g.resolvePending(db)
	for _, qc := range contexts {
		qc.AddSource(newSpaceQuerySource(db))
	}
	g.logger.Debug("database registered", slog.String("space", key.String()))
}

// Unregister removes the database of key.
func (g *Hypergraph) Unregister(key keys.SpaceKey) {
	g.mu.Lock()
	if unsub, ok := g.unsubs[key]; ok {
		unsub()
		delete(g.unsubs, key)
	}
	delete(g.dbs, key)
	delete(g.owners, key)
	g.mu.Unlock()
}

// Database returns the database of key.
func (g *Hypergraph) Database(key keys.SpaceKey) (*Database, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	db, ok := g.dbs[key]
	return db, ok
}

// Databases returns every registered database ordered by space key.
func (g *Hypergraph) Databases() []*Database {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Database, 0, len(g.dbs))
	for _, db := range g.dbs {
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spaceKey.Hex() < out[j].spaceKey.Hex() })
	return out
}

// OwningObject returns the owner registered with the database of key.
func (g *Hypergraph) OwningObject(key keys.SpaceKey) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	owner, ok := g.owners[key]
	return owner, ok
}

// Query builds a query over every registered database and provider.
func (g *Hypergraph) Query(filter *query.Filter) *Query {
	if filter == nil {
		filter = query.All()
	}
	return &Query{graph: g, filter: filter, subs: map[int]func(*Query){}}
}

// RegisterQuerySourceProvider adds a provider whose sources join every
// query context, including those already running.
func (g *Hypergraph) RegisterQuerySourceProvider(p QuerySourceProvider) (unregister func()) {
	g.mu.Lock()
	id := g.nextProv
	g.nextProv++
	g.providers[id] = p
	contexts := g.liveContextsLocked()
	g.mu.Unlock()
	for _, qc := range contexts {
		qc.AddSource(p.Create())
	}
	return func() {
		g.mu.Lock()
		delete(g.providers, id)
		g.mu.Unlock()
	}
}

// LookupLink resolves ref as seen from the database from: the local space
// first, then the space named by the reference host. When the target is not
// available it returns nil and calls onResolve once the target appears.
// Registrations are keyed by owner; CancelWaiters drops them.
func (g *Hypergraph) LookupLink(ref model.Reference, from *Database, owner any, onResolve func(*Object)) *Object {
	if ref.IsType() || ref.ItemID == "" {
		return nil
	}
	db := from
	space := from.SpaceID()
	if key, ok := ref.SpaceKey(); ok && key != from.spaceKey {
		db, _ = g.Database(key)
		space = key.SpaceID()
	}
	if db != nil {
		if obj := db.GetObjectByID(ref.ItemID, WithDeleted()); obj != nil {
			return obj
		}
	}
	if onResolve == nil {
		return nil
	}

	key := waiterKey{space: space, id: ref.ItemID}
	g.mu.Lock()
	h := g.waiters.register(key, owner, onResolve)
	g.mu.Unlock()

	// The target may have arrived between the lookup and the registration.
	if db != nil {
		if obj := db.GetObjectByID(ref.ItemID, WithDeleted()); obj != nil {
			g.mu.Lock()
			g.waiters.release(h)
			g.mu.Unlock()
			return obj
		}
	}
	return nil
}

// CancelWaiters drops every pending lookup registered by owner.
func (g *Hypergraph) CancelWaiters(owner any) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.dropOwner(owner)
}

// PendingWaiters returns the number of registered lookups.
func (g *Hypergraph) PendingWaiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.len()
}

// OnUpdate registers fn for update events of every database. Events are
// delivered after pending lookups for the updated objects have resolved.
func (g *Hypergraph) OnUpdate(fn func(ItemsUpdated)) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

func (g *Hypergraph) onDatabaseUpdate(db *Database, ev ItemsUpdated) {
	space := db.SpaceID()
	signal.Batch(func() {
		for _, item := range ev.Items {
			key := waiterKey{space: space, id: item.ObjectID}
			g.fire(db, key)
		}
	})

	g.mu.Lock()
	ids := make([]int, 0, len(g.subs))
	for id := range g.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(ItemsUpdated), len(ids))
	for i, id := range ids {
		subs[i] = g.subs[id]
	}
	g.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (g *Hypergraph) resolvePending(db *Database) {
	g.mu.Lock()
	pending := g.waiters.keys(db.SpaceID())
	g.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	signal.Batch(func() {
		for _, key := range pending {
			g.fire(db, key)
		}
	})
}

// fire delivers the callbacks for key if its object is present.
func (g *Hypergraph) fire(db *Database, key waiterKey) {
	g.mu.Lock()
	if !g.waiters.has(key) {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	obj := db.GetObjectByID(key.id, WithDeleted())
	if obj == nil {
		return
	}
	g.mu.Lock()
	fns := g.waiters.take(key)
	g.mu.Unlock()
	for _, fn := range fns {
		fn(obj)
	}
}

func (g *Hypergraph) liveContextsLocked() []*QueryContext {
	out := make([]*QueryContext, 0, len(g.contexts))
	for qc := range g.contexts {
		out = append(out, qc)
	}
	return out
}

// createSources returns one source per database plus one per provider.
func (g *Hypergraph) createSources() []QuerySource {
	dbs := g.Databases()
	g.mu.Lock()
	ids := make([]int, 0, len(g.providers))
	for id := range g.providers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	providers := make([]QuerySourceProvider, len(ids))
	for i, id := range ids {
		providers[i] = g.providers[id]
	}
	g.mu.Unlock()

	out := make([]QuerySource, 0, len(dbs)+len(providers))
	for _, db := range dbs {
		out = append(out, newSpaceQuerySource(db))
	}
	for _, p := range providers {
		out = append(out, p.Create())
	}
	return out
}

func (g *Hypergraph) addContext(qc *QueryContext) {
	g.mu.Lock()
	g.contexts[qc] = struct{}{}
	g.mu.Unlock()
}

func (g *Hypergraph) removeContext(qc *QueryContext) {
	g.mu.Lock()
	delete(g.contexts, qc)
	g.mu.Unlock()
}
