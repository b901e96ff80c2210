package echo

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aidanlsb/echo/internal/query"
)

// SourceState is the lifecycle state of a space source.
type SourceState int

const (
	// SourceIdle has no filter.
	SourceIdle SourceState = iota
	// SourceBound has a filter and listens for updates; results are stale.
	SourceBound
	// SourceMaterialized holds cached results.
	SourceMaterialized
	// SourceClosed is terminal.
	SourceClosed
)

func (s SourceState) String() string {
	switch s {
	case SourceBound:
		return "bound"
	case SourceMaterialized:
		return "materialized"
	case SourceClosed:
		return "closed"
	default:
		return "idle"
	}
}

const linkedLoadConcurrency = 8

// SpaceQuerySource answers queries from the loaded objects of one
// database.
type SpaceQuerySource struct {
	db *Database

	mu      sync.Mutex
	state   SourceState
	filter  *query.Filter
	results []QueryResult
	scanned map[string]bool
	cached  map[string]bool
	unsub   func()
	subs    map[int]func()
	nextSub int
}

func newSpaceQuerySource(db *Database) *SpaceQuerySource {
	return &SpaceQuerySource{db: db, subs: map[int]func(){}}
}

// State returns the lifecycle state.
func (s *SpaceQuerySource) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SpaceQuerySource) applicable(filter *query.Filter) bool {
	if filter == nil {
		return false
	}
	opts := filter.Options()
	return opts.IncludesSpace(s.db.spaceKey) && opts.DataLocation != query.DataLocationRemote
}

// Update implements QuerySource.
func (s *SpaceQuerySource) Update(filter *query.Filter) {
	s.mu.Lock()
	if s.state == SourceClosed {
		s.mu.Unlock()
		return
	}
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.results, s.scanned, s.cached = nil, nil, nil
	if !s.applicable(filter) {
		s.filter = nil
		s.state = SourceIdle
		s.mu.Unlock()
		return
	}
	s.filter = filter
	s.state = SourceBound
	s.mu.Unlock()

	unsub := s.db.OnUpdate(s.onUpdate)
	s.mu.Lock()
	if s.state == SourceClosed || s.filter != filter {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()
}

// GetResults implements QuerySource.
func (s *SpaceQuerySource) GetResults() []QueryResult {
	s.mu.Lock()
	filter := s.filter
	if filter == nil {
		s.mu.Unlock()
		return nil
	}
	if s.results != nil {
		out := append([]QueryResult(nil), s.results...)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	results, scanned := s.scan(filter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter != filter {
		return results
	}
	s.results = results
	s.scanned = scanned
	s.cached = make(map[string]bool, len(results))
	for _, r := range results {
		s.cached[r.ID] = true
	}
	s.state = SourceMaterialized
	return append([]QueryResult(nil), results...)
}

// Run implements QuerySource. Linked documents are loaded first; objects
// whose documents do not arrive before ctx ends are left out.
func (s *SpaceQuerySource) Run(ctx context.Context, filter *query.Filter) ([]QueryResult, error) {
	if !s.applicable(filter) {
		return nil, nil
	}
	if linked := s.db.LinkedIDs(); len(linked) > 0 {
		var g errgroup.Group
		g.SetLimit(linkedLoadConcurrency)
		for _, id := range linked {
			g.Go(func() error {
				loadCtx, cancel := context.WithTimeout(ctx, s.db.loadTimeout)
				defer cancel()
				_, _ = s.db.LoadObject(loadCtx, id)
				return nil
			})
		}
		_ = g.Wait()
	}
	results, _ := s.scan(filter)
	return results, nil
}

func (s *SpaceQuerySource) scan(filter *query.Filter) ([]QueryResult, map[string]bool) {
	start := time.Now()
	cores := s.db.loadedCores()
	scanned := make(map[string]bool, len(cores))
	var results []QueryResult
	for _, core := range cores {
		scanned[core.id] = true
		if !query.Match(filter, core.object, s.db.spaceKey) {
			continue
		}
		results = append(results, QueryResult{
			ID:         core.id,
			SpaceKey:   s.db.spaceKey,
			Object:     core.object,
			Resolution: Resolution{Source: ResolutionLocal, Time: time.Since(start)},
		})
	}
	if results == nil {
		results = []QueryResult{}
	}
	return results, scanned
}

func (s *SpaceQuerySource) onUpdate(ev ItemsUpdated) {
	s.mu.Lock()
	filter := s.filter
	if filter == nil || s.state == SourceClosed {
		s.mu.Unlock()
		return
	}
	invalidate := s.results == nil
	if !invalidate {
		for _, item := range ev.Items {
			if s.cached[item.ObjectID] || !s.scanned[item.ObjectID] {
				invalidate = true
				break
			}
		}
	}
	s.mu.Unlock()

	if !invalidate {
		for _, item := range ev.Items {
			obj := s.db.GetObjectByID(item.ObjectID, WithDeleted())
			if obj != nil && query.Match(filter, obj, s.db.spaceKey) {
				invalidate = true
				break
			}
		}
	}
	if !invalidate {
		return
	}

	s.mu.Lock()
	if s.filter != filter {
		s.mu.Unlock()
		return
	}
	s.results, s.scanned, s.cached = nil, nil, nil
	s.state = SourceBound
	subs := s.subscribersLocked()
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnChanged implements QuerySource.
func (s *SpaceQuerySource) OnChanged(fn func()) (cancel func()) {
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
func (s *SpaceQuerySource) Close() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.state = SourceClosed
	s.filter = nil
	s.results, s.scanned, s.cached = nil, nil, nil
	s.subs = map[int]func(){}
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *SpaceQuerySource) subscribersLocked() []func() {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(), len(ids))
	for i, id := range ids {
		out[i] = s.subs[id]
	}
	return out
}
