package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aidanlsb/echo/internal/model"
)

// DefaultKinds are the indexes a manager creates when none are stored.
var DefaultKinds = []Kind{{Type: KindSchemaMatch}, {Type: KindFullText}}

// Document is one object snapshot submitted for indexing.
type Document struct {
	ID        string
	Structure *model.ObjectStructure
}

// IndexedEvent is emitted after every update batch.
type IndexedEvent struct {
	IDs []string
	// Changed is false when no index saw a difference.
	Changed bool
}

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	// Store persists indexes. Nil keeps everything in memory.
	Store  *Store
	Kinds  []Kind
	Logger *slog.Logger
}

// Manager fans updates out to a set of indexes and answers combined
// queries.
type Manager struct {
	store  *Store
	logger *slog.Logger

	// persist is held shared by writers and exclusively by Save, so a
	// document changed while Save serializes stays dirty.
	persist sync.RWMutex

	mu      sync.RWMutex
	indexes []Index
	subs    map[int]func(IndexedEvent)
	nextSub int
}

// NewManager restores stored indexes and creates any missing kinds.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = DefaultKinds
	}
	m := &Manager{
		store:  opts.Store,
		logger: opts.Logger.With(slog.String("component", "index")),
		subs:   map[int]func(IndexedEvent){},
	}

	have := map[Kind]bool{}
	if m.store != nil {
		stored, err := m.store.LoadIndexes(ctx)
		if err != nil {
			return nil, err
		}
		for _, si := range stored {
			idx, err := Load(ctx, si.Data, si.Identifier, si.Kind)
			if err != nil {
				m.logger.Warn("discarding unreadable index",
					slog.String("index", si.Identifier), slog.String("kind", si.Kind.String()), slog.Any("error", err))
				continue
			}
			m.indexes = append(m.indexes, idx)
			have[si.Kind] = true
		}
	}
	for _, kind := range opts.Kinds {
		if have[kind] {
			continue
		}
		idx, err := New(kind)
		if err != nil {
			return nil, err
		}
		m.indexes = append(m.indexes, idx)
		have[kind] = true
	}
	for _, idx := range m.indexes {
		if err := idx.Open(ctx); err != nil {
			return nil, fmt.Errorf("open %s index: %w", idx.Kind(), err)
		}
	}
	return m, nil
}

// Indexes returns the managed indexes.
func (m *Manager) Indexes() []Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Index(nil), m.indexes...)
}

// Index returns the first index of kind.
func (m *Manager) Index(kind Kind) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		if idx.Kind() == kind {
			return idx, true
		}
	}
	return nil, false
}

// Update applies docs to every index concurrently. A document one index
// fails on is logged and skipped; the rest of the batch still applies.
func (m *Manager) Update(ctx context.Context, docs []Document) (bool, error) {
	if len(docs) == 0 {
		return false, nil
	}
	m.persist.RLock()
	anyChanged, err := m.update(ctx, docs)
	m.persist.RUnlock()
	if err != nil {
		return false, err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	m.emit(IndexedEvent{IDs: ids, Changed: anyChanged})
	return anyChanged, nil
}

func (m *Manager) update(ctx context.Context, docs []Document) (bool, error) {
	indexes := m.Indexes()
	changed := make([]bool, len(indexes))
	g, gctx := errgroup.WithContext(ctx)
	for i, idx := range indexes {
		g.Go(func() error {
			start := time.Now()
			kind := idx.Kind().Type
			defer func() { updateDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds()) }()
			for _, doc := range docs {
				if err := gctx.Err(); err != nil {
					return err
				}
				c, err := idx.Update(gctx, doc.ID, doc.Structure)
				if err != nil {
					updateFailures.WithLabelValues(string(kind)).Inc()
					m.logger.Warn("index update failed",
						slog.String("kind", string(kind)), slog.String("id", doc.ID), slog.Any("error", err))
					continue
				}
				changed[i] = changed[i] || c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	documentsIndexed.Add(float64(len(docs)))

	anyChanged := false
	for _, c := range changed {
		anyChanged = anyChanged || c
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	if anyChanged && m.store != nil {
		if err := m.store.MarkDirty(ctx, ids...); err != nil {
			m.logger.Warn("failed to mark documents dirty", slog.Any("error", err))
		}
	}
	return anyChanged, nil
}

// Remove drops ids from every index.
func (m *Manager) Remove(ctx context.Context, ids ...string) error {
	m.persist.RLock()
	var errs []error
	for _, idx := range m.Indexes() {
		for _, id := range ids {
			if err := idx.Remove(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", idx.Kind(), err))
			}
		}
	}
	if m.store != nil {
		errs = append(errs, m.store.ForgetDocuments(ctx, ids...))
	}
	m.persist.RUnlock()
	m.emit(IndexedEvent{IDs: ids, Changed: true})
	return errors.Join(errs...)
}

// Find combines the indexes that q constrains. Text results come in rank
// order, otherwise in type-index order; other constraints filter.
func (m *Manager) Find(ctx context.Context, q Query) ([]Match, error) {
	var parts [][]Match
	run := func(kind Kind) error {
		idx, ok := m.Index(kind)
		if !ok {
			return fmt.Errorf("%w: no %s index", ErrUnknownKind, kind)
		}
		start := time.Now()
		matches, err := idx.Find(ctx, q)
		findDuration.WithLabelValues(string(kind.Type)).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		parts = append(parts, matches)
		return nil
	}

	if q.Text != "" {
		if err := run(Kind{Type: KindFullText}); err != nil {
			return nil, err
		}
	}
	if len(q.Typenames) > 0 || (q.Text == "" && q.Field == "") {
		if err := run(Kind{Type: KindSchemaMatch}); err != nil {
			return nil, err
		}
	}
	if q.Field != "" {
		if err := run(Kind{Type: KindFieldMatch, Field: q.Field}); err != nil {
			return nil, err
		}
	}
	return intersect(parts), nil
}

func intersect(parts [][]Match) []Match {
	if len(parts) == 0 {
		return nil
	}
	out := parts[0]
	for _, other := range parts[1:] {
		keep := make(map[string]bool, len(other))
		for _, m := range other {
			keep[m.ID] = true
		}
		var next []Match
		for _, m := range out {
			if keep[m.ID] {
				next = append(next, m)
			}
		}
		out = next
	}
	return out
}

// Save serializes every index into the store and marks the documents it
// covered clean. Updates wait for a running Save.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.persist.Lock()
	defer m.persist.Unlock()
	dirty, err := m.store.DirtyDocuments(ctx)
	if err != nil {
		return err
	}
	for _, idx := range m.Indexes() {
		data, err := idx.Serialize(ctx)
		if err != nil {
			return fmt.Errorf("serialize %s index: %w", idx.Kind(), err)
		}
		if err := m.store.SaveIndex(ctx, idx.Identifier(), idx.Kind(), data); err != nil {
			return err
		}
	}
	return m.store.MarkClean(ctx, dirty...)
}

// Close saves and closes every index.
func (m *Manager) Close(ctx context.Context) error {
	errs := []error{m.Save(ctx)}
	for _, idx := range m.Indexes() {
		errs = append(errs, idx.Close(ctx))
	}
	return errors.Join(errs...)
}

// OnIndexed registers fn for update batches.
func (m *Manager) OnIndexed(fn func(IndexedEvent)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev IndexedEvent) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(IndexedEvent), len(ids))
	for i, id := range ids {
		subs[i] = m.subs[id]
	}
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
