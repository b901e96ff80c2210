package echo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aidanlsb/echo/internal/index"
)

// IndexUpdater is the part of index.Manager the indexer writes to.
type IndexUpdater interface {
	Update(ctx context.Context, docs []index.Document) (bool, error)
	Remove(ctx context.Context, ids ...string) error
}

// Indexer feeds object snapshots from a graph into an index.
type Indexer struct {
	graph   *Hypergraph
	updater IndexUpdater
	logger  *slog.Logger

	mu    sync.Mutex
	unsub func()
}

// NewIndexer creates a stopped indexer.
func NewIndexer(graph *Hypergraph, updater IndexUpdater, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{graph: graph, updater: updater, logger: logger.With(slog.String("component", "indexer"))}
}

// Start subscribes to graph updates.
func (ix *Indexer) Start() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.unsub != nil {
		return
	}
	ix.unsub = ix.graph.OnUpdate(func(ev ItemsUpdated) {
		db, ok := ix.graph.Database(ev.SpaceKey)
		if !ok {
			return
		}
		if err := ix.indexObjects(context.Background(), db, ev.IDs()); err != nil {
			ix.logger.Warn("failed to index update", slog.Any("error", err))
		}
	})
}

// Stop unsubscribes.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.unsub != nil {
		ix.unsub()
		ix.unsub = nil
	}
}

// IndexAll submits every loaded object of every database.
func (ix *Indexer) IndexAll(ctx context.Context) error {
	for _, db := range ix.graph.Databases() {
		if err := ix.IndexDatabase(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

// IndexDatabase submits every loaded object of db.
func (ix *Indexer) IndexDatabase(ctx context.Context, db *Database) error {
	var ids []string
	for _, obj := range db.Objects(WithDeleted()) {
		ids = append(ids, obj.ID())
	}
	return ix.indexObjects(ctx, db, ids)
}

func (ix *Indexer) indexObjects(ctx context.Context, db *Database, ids []string) error {
	docs := make([]index.Document, 0, len(ids))
	for _, id := range ids {
		obj := db.GetObjectByID(id, WithDeleted())
		if obj == nil {
			continue
		}
		docs = append(docs, index.Document{
			ID:        index.ObjectPointer{SpaceKey: db.SpaceKey(), ObjectID: id}.String(),
			Structure: obj.core.Structure(),
		})
	}
	_, err := ix.updater.Update(ctx, docs)
	return err
}
