package echo

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/query"
	"github.com/aidanlsb/echo/internal/signal"
)

// Resolution sources.
const (
	ResolutionLocal = "local"
	ResolutionIndex = "index"
)

// Resolution records where a result came from and how long it took.
type Resolution struct {
	Source string
	Time   time.Duration
}

// QueryResult is one match.
type QueryResult struct {
	ID       string
	SpaceKey keys.SpaceKey
	// Object is nil for index matches that could not be hydrated.
	Object     *Object
	Resolution Resolution
}

// QuerySource answers queries for one slice of the graph.
type QuerySource interface {
	// Update sets the filter. Sources the filter does not apply to
	// contribute nothing.
	Update(filter *query.Filter)
	// GetResults returns the cached results, computing them if needed.
	GetResults() []QueryResult
	// Run evaluates filter once, loading what it must within ctx.
	Run(ctx context.Context, filter *query.Filter) ([]QueryResult, error)
	// OnChanged registers fn for result invalidations.
	OnChanged(fn func()) (cancel func())
	Close()
}

// QuerySourceProvider creates a source for each query context.
type QuerySourceProvider interface {
	Create() QuerySource
}

// QueryContext owns the sources of one live query. Invalidations raised
// by several sources for one update reach onChange once.
type QueryContext struct {
	graph   *Hypergraph
	changes *signal.Signal

	mu       sync.Mutex
	filter   *query.Filter
	sources  []QuerySource
	cancels  []func()
	started  bool
	stopped  bool
	quiet    bool
	onChange func()
}

func newQueryContext(g *Hypergraph, filter *query.Filter, onChange func()) *QueryContext {
	qc := &QueryContext{graph: g, changes: signal.New(), filter: filter, onChange: onChange}
	qc.changes.Subscribe(qc.deliver)
	return qc
}

// Start creates a source for every database and provider.
func (qc *QueryContext) Start() {
	qc.mu.Lock()
	if qc.started || qc.stopped {
		qc.mu.Unlock()
		return
	}
	qc.started = true
	qc.quiet = true
	qc.mu.Unlock()

	qc.graph.addContext(qc)
	for _, s := range qc.graph.createSources() {
		qc.AddSource(s)
	}
	qc.mu.Lock()
	qc.quiet = false
	qc.mu.Unlock()
}

// AddSource attaches s and applies the current filter to it.
func (qc *QueryContext) AddSource(s QuerySource) {
	qc.mu.Lock()
	if qc.stopped {
		qc.mu.Unlock()
		s.Close()
		return
	}
	filter := qc.filter
	qc.sources = append(qc.sources, s)
	qc.cancels = append(qc.cancels, s.OnChanged(qc.changed))
	qc.mu.Unlock()

	s.Update(filter)
	qc.changed()
}

// Update replaces the filter on every source.
func (qc *QueryContext) Update(filter *query.Filter) {
	qc.mu.Lock()
	qc.filter = filter
	sources := append([]QuerySource(nil), qc.sources...)
	qc.mu.Unlock()
	for _, s := range sources {
		s.Update(filter)
	}
	qc.changed()
}

// Stop closes every source. Stopping twice is a no-op.
func (qc *QueryContext) Stop() {
	qc.mu.Lock()
	if qc.stopped {
		qc.mu.Unlock()
		return
	}
	qc.stopped = true
	sources, cancels := qc.sources, qc.cancels
	qc.sources, qc.cancels = nil, nil
	qc.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, s := range sources {
		s.Close()
	}
	qc.graph.removeContext(qc)
}

// Results merges the cached results of every source.
func (qc *QueryContext) Results() []QueryResult {
	qc.mu.Lock()
	sources := append([]QuerySource(nil), qc.sources...)
	qc.mu.Unlock()
	perSource := make([][]QueryResult, len(sources))
	for i, s := range sources {
		perSource[i] = s.GetResults()
	}
	return mergeResults(perSource)
}

func (qc *QueryContext) changed() {
	qc.mu.Lock()
	mute := qc.stopped || qc.quiet
	qc.mu.Unlock()
	if !mute {
		qc.changes.NotifyWrite()
	}
}

func (qc *QueryContext) deliver() {
	qc.mu.Lock()
	fn, stopped := qc.onChange, qc.stopped
	qc.mu.Unlock()
	if fn != nil && !stopped {
		fn()
	}
}

// runSources evaluates filter on every source concurrently. A failing
// source contributes nothing.
func runSources(ctx context.Context, sources []QuerySource, filter *query.Filter) []QueryResult {
	perSource := make([][]QueryResult, len(sources))
	var g errgroup.Group
	for i, s := range sources {
		g.Go(func() error {
			results, err := s.Run(ctx, filter)
			if err == nil {
				perSource[i] = results
			}
			return nil
		})
	}
	_ = g.Wait()
	return mergeResults(perSource)
}

// mergeResults drops duplicate ids. A local result wins over an index
// result; otherwise the faster one wins, then the earlier source.
func mergeResults(perSource [][]QueryResult) []QueryResult {
	type entry struct {
		result QueryResult
	}
	type resultKey struct {
		space keys.SpaceKey
		id    string
	}
	best := map[resultKey]*entry{}
	var order []resultKey
	for _, results := range perSource {
		for _, r := range results {
			k := resultKey{space: r.SpaceKey, id: r.ID}
			cur, ok := best[k]
			if !ok {
				best[k] = &entry{result: r}
				order = append(order, k)
				continue
			}
			if preferResult(r, cur.result) {
				cur.result = r
			}
		}
	}
	out := make([]QueryResult, len(order))
	for i, k := range order {
		out[i] = best[k].result
	}
	return out
}

func preferResult(candidate, current QueryResult) bool {
	candLocal := candidate.Resolution.Source == ResolutionLocal
	curLocal := current.Resolution.Source == ResolutionLocal
	if candLocal != curLocal {
		return candLocal
	}
	if current.Object == nil && candidate.Object != nil {
		return true
	}
	return candidate.Resolution.Time < current.Resolution.Time
}

// Query is a filter bound to a graph. It can be run once or subscribed to.
type Query struct {
	graph  *Hypergraph
	filter *query.Filter

	mu      sync.Mutex
	qc      *QueryContext
	subs    map[int]func(*Query)
	nextSub int
}

// Filter returns the filter of the query.
func (q *Query) Filter() *query.Filter {
	return q.filter
}

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	timeout time.Duration
}

// WithTimeout bounds how long Run waits for documents that are not
// loaded. Objects that miss the deadline are left out.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// RunResult is the outcome of Run.
type RunResult struct {
	Results []QueryResult
	Objects []*Object
}

// Run evaluates the query once across every source.
func (q *Query) Run(ctx context.Context, opts ...RunOption) (RunResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	sources := q.graph.createSources()
	for _, s := range sources {
		s.Update(q.filter)
	}
	results := runSources(ctx, sources, q.filter)
	for _, s := range sources {
		s.Close()
	}
	return RunResult{Results: results, Objects: objectsOf(results)}, nil
}

// Results returns the current results. Without subscribers the results are
// computed from scratch.
func (q *Query) Results() []QueryResult {
	q.mu.Lock()
	qc := q.qc
	q.mu.Unlock()
	if qc != nil {
		return qc.Results()
	}
	qc = newQueryContext(q.graph, q.filter, nil)
	qc.Start()
	defer qc.Stop()
	return qc.Results()
}

// Objects returns the objects of Results in result order.
func (q *Query) Objects() []*Object {
	return objectsOf(q.Results())
}

// Subscribe calls fn whenever the results may have changed. The first
// subscriber starts a live query context; the last one to leave stops it.
func (q *Query) Subscribe(fn func(*Query)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	start := q.qc == nil
	if start {
		q.qc = newQueryContext(q.graph, q.filter, q.notify)
	}
	qc := q.qc
	q.mu.Unlock()
	if start {
		qc.Start()
	}

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		var stop *QueryContext
		if len(q.subs) == 0 && q.qc != nil {
			stop = q.qc
			q.qc = nil
		}
		q.mu.Unlock()
		if stop != nil {
			stop.Stop()
		}
	}
}

func (q *Query) notify() {
	q.mu.Lock()
	ids := make([]int, 0, len(q.subs))
	for id := range q.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(*Query), len(ids))
	for i, id := range ids {
		subs[i] = q.subs[id]
	}
	q.mu.Unlock()
	for _, fn := range subs {
		fn(q)
	}
}

func objectsOf(results []QueryResult) []*Object {
	out := make([]*Object, 0, len(results))
	for _, r := range results {
		if r.Object != nil {
			out = append(out, r.Object)
		}
	}
	return out
}
