package echo

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aidanlsb/echo/internal/index"
	"github.com/aidanlsb/echo/internal/query"
)

// IndexSearcher is the part of index.Manager the index source reads.
type IndexSearcher interface {
	Find(ctx context.Context, q index.Query) ([]index.Match, error)
	OnIndexed(fn func(index.IndexedEvent)) (unsubscribe func())
}

// IndexQuerySourceProvider creates index-backed sources.
type IndexQuerySourceProvider struct {
	Graph  *Hypergraph
	Index  IndexSearcher
	Logger *slog.Logger
	// Timeout bounds synchronous lookups made by GetResults.
	Timeout time.Duration
}

// Create implements QuerySourceProvider.
func (p *IndexQuerySourceProvider) Create() QuerySource {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	return &IndexQuerySource{
		graph:   p.Graph,
		index:   p.Index,
		logger:  logger,
		timeout: timeout,
		subs:    map[int]func(){},
	}
}

// IndexQuerySource answers queries from the index, hydrating hits through
// the graph. Hits whose space is not open come back without an object.
type IndexQuerySource struct {
	graph   *Hypergraph
	index   IndexSearcher
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	filter  *query.Filter
	results []QueryResult
	closed  bool
	unsub   func()
	subs    map[int]func()
	nextSub int
}

// Update implements QuerySource. Local-only queries skip the index.
func (s *IndexQuerySource) Update(filter *query.Filter) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.results = nil
	if filter == nil || filter.Options().DataLocation == query.DataLocationLocal {
		s.filter = nil
		unsub := s.unsub
		s.unsub = nil
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}
	s.filter = filter
	needSub := s.unsub == nil
	s.mu.Unlock()

	if needSub {
		unsub := s.index.OnIndexed(s.onIndexed)
		s.mu.Lock()
		if s.closed || s.unsub != nil {
			s.mu.Unlock()
			unsub()
			return
		}
		s.unsub = unsub
		s.mu.Unlock()
	}
}

// GetResults implements QuerySource.
func (s *IndexQuerySource) GetResults() []QueryResult {
	s.mu.Lock()
	filter, cached := s.filter, s.results
	s.mu.Unlock()
	if filter == nil {
		return nil
	}
	if cached != nil {
		return append([]QueryResult(nil), cached...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	results, err := s.Run(ctx, filter)
	if err != nil {
		s.logger.Warn("index query failed", slog.Any("error", err))
		return nil
	}
	s.mu.Lock()
	if s.filter == filter {
		s.results = results
	}
	s.mu.Unlock()
	return results
}

// Run implements QuerySource.
func (s *IndexQuerySource) Run(ctx context.Context, filter *query.Filter) ([]QueryResult, error) {
	if filter == nil || filter.Options().DataLocation == query.DataLocationLocal {
		return nil, nil
	}
	start := time.Now()
	matches, err := s.index.Find(ctx, index.Query{
		Typenames: filter.Typenames(),
		Text:      filter.TextTerm(),
	})
	if err != nil {
		return nil, err
	}
	opts := filter.Options()
	results := []QueryResult{}
	for _, m := range matches {
		ptr, err := index.ParseObjectPointer(m.ID)
		if err != nil {
			s.logger.Debug("skipping malformed index id", slog.String("id", m.ID))
			continue
		}
		if !opts.IncludesSpace(ptr.SpaceKey) {
			continue
		}
		result := QueryResult{ID: ptr.ObjectID, SpaceKey: ptr.SpaceKey}
		if db, ok := s.graph.Database(ptr.SpaceKey); ok {
			obj := db.GetObjectByID(ptr.ObjectID, WithDeleted())
			if obj == nil && db.IsLinked(ptr.ObjectID) {
				obj, _ = db.LoadObject(ctx, ptr.ObjectID)
			}
			if obj == nil {
				continue
			}
			if !query.Match(filter, obj, ptr.SpaceKey) {
				continue
			}
			result.Object = obj
		}
		result.Resolution = Resolution{Source: ResolutionIndex, Time: time.Since(start)}
		results = append(results, result)
	}
	return results, nil
}

func (s *IndexQuerySource) onIndexed(ev index.IndexedEvent) {
	if !ev.Changed {
		return
	}
	s.mu.Lock()
	if s.closed || s.filter == nil {
		s.mu.Unlock()
		return
	}
	s.results = nil
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(), len(ids))
	for i, id := range ids {
		subs[i] = s.subs[id]
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnChanged implements QuerySource.
func (s *IndexQuerySource) OnChanged(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close implements QuerySource.
func (s *IndexQuerySource) Close() {
	s.mu.Lock()
	s.closed = true
	s.filter, s.results = nil, nil
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
