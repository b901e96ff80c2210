package echo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/query"
)

func TestQuerySubscribe(t *testing.T) {
	db := newTestDB(t, nil)
	q := db.Query(query.Properties(map[string]any{"status": "open"}))

	notified := 0
	unsub := q.Subscribe(func(*Query) { notified++ })
	if len(q.Results()) != 0 {
		t.Fatal("expected no results before any object exists")
	}

	obj, err := db.AddData(map[string]any{"status": "open"})
	if err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if notified == 0 {
		t.Fatal("subscriber not notified of a new match")
	}
	if objs := q.Objects(); len(objs) != 1 || objs[0] != obj {
		t.Fatalf("Objects = %v", objs)
	}

	before := notified
	if err := obj.Set("status", "closed"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if notified == before {
		t.Fatal("subscriber not notified when a match stopped matching")
	}
	if len(q.Results()) != 0 {
		t.Fatalf("Results after status change = %v", q.Results())
	}

	unsub()
	before = notified
	if _, err := db.AddData(map[string]any{"status": "open"}); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if notified != before {
		t.Fatal("notified after unsubscribe")
	}
}

func TestQueryAcrossSpaces(t *testing.T) {
	graph := newTestGraph(t)
	db1 := newTestDB(t, graph)
	if _, err := db1.AddData(map[string]any{"kind": "note"}); err != nil {
		t.Fatalf("AddData: %v", err)
	}

	q := graph.Query(query.Properties(map[string]any{"kind": "note"}))
	notified := 0
	unsub := q.Subscribe(func(*Query) { notified++ })
	defer unsub()
	if n := len(q.Results()); n != 1 {
		t.Fatalf("results = %d, want 1", n)
	}

	db2 := newTestDB(t, graph)
	if _, err := db2.AddData(map[string]any{"kind": "note"}); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if n := len(q.Results()); n != 2 {
		t.Fatalf("results after second space = %d, want 2", n)
	}
	if notified == 0 {
		t.Fatal("live query did not pick up the new space")
	}

	scoped := graph.Query(query.Properties(map[string]any{"kind": "note"}, query.Options{Spaces: []keys.SpaceKey{db2.SpaceKey()}}))
	res, err := scoped.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].SpaceKey != db2.SpaceKey() {
		t.Fatalf("scoped results = %+v", res.Results)
	}
	if res.Results[0].Resolution.Source != ResolutionLocal {
		t.Fatalf("resolution = %+v", res.Results[0].Resolution)
	}
}

func TestQueryRunCanceled(t *testing.T) {
	db := newTestDB(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := db.Query(nil).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestQueryRunTimeoutOmitsUnavailable(t *testing.T) {
	db := newTestDB(t, nil)
	local, err := db.AddData(map[string]any{"title": "here"})
	if err != nil {
		t.Fatalf("AddData: %v", err)
	}
	err = db.root.Change(func(tx *crdt.Tx) error {
		return tx.Set(crdt.Path{pathLinks[0], "ghost"}, crdt.DocumentID("missing-doc").URL())
	})
	if err != nil {
		t.Fatalf("link missing document: %v", err)
	}
	if !db.IsLinked("ghost") {
		t.Fatal("link to the missing document was not recorded")
	}

	start := time.Now()
	res, err := db.Query(nil).Run(context.Background(), WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("Run took %v, the timeout was not applied", elapsed)
	}
	if len(res.Objects) != 1 || res.Objects[0] != local {
		t.Fatalf("objects = %v, want only the local one", res.Objects)
	}
}

func TestSpaceSourceStates(t *testing.T) {
	db := newTestDB(t, nil)
	src := newSpaceQuerySource(db)
	if src.State() != SourceIdle {
		t.Fatalf("initial state = %v", src.State())
	}

	src.Update(query.Properties(map[string]any{"a": "1"}))
	if src.State() != SourceBound {
		t.Fatalf("after Update = %v", src.State())
	}
	_ = src.GetResults()
	if src.State() != SourceMaterialized {
		t.Fatalf("after GetResults = %v", src.State())
	}

	changed := 0
	cancel := src.OnChanged(func() { changed++ })
	defer cancel()
	if _, err := db.AddData(map[string]any{"a": "1"}); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if changed != 1 || src.State() != SourceBound {
		t.Fatalf("after matching update: changed=%d state=%v", changed, src.State())
	}
	if n := len(src.GetResults()); n != 1 {
		t.Fatalf("results = %d", n)
	}

	src.Update(query.All(query.Options{DataLocation: query.DataLocationRemote}))
	if src.State() != SourceIdle || src.GetResults() != nil {
		t.Fatal("remote-only filter should leave the source idle")
	}

	src.Close()
	if src.State() != SourceClosed {
		t.Fatalf("after Close = %v", src.State())
	}
	src.Update(query.All())
	if src.State() != SourceClosed {
		t.Fatal("closed is terminal")
	}
}

func TestQueryContextStopIdempotent(t *testing.T) {
	db := newTestDB(t, nil)
	qc := newQueryContext(db.Graph(), query.All(), nil)
	qc.Start()
	qc.Stop()
	qc.Stop()
	if len(qc.Results()) != 0 {
		t.Fatal("stopped context should have no sources")
	}
}

func TestMergeResults(t *testing.T) {
	key := keys.RandomSpaceKey()
	obj := MustNew(nil)
	index := QueryResult{ID: "a", SpaceKey: key, Resolution: Resolution{Source: ResolutionIndex, Time: time.Millisecond}}
	local := QueryResult{ID: "a", SpaceKey: key, Object: obj, Resolution: Resolution{Source: ResolutionLocal, Time: time.Second}}
	other := QueryResult{ID: "b", SpaceKey: key, Resolution: Resolution{Source: ResolutionIndex}}

	got := mergeResults([][]QueryResult{{index, other}, {local}})
	if len(got) != 2 {
		t.Fatalf("merged = %+v", got)
	}
	if got[0].ID != "a" || got[0].Resolution.Source != ResolutionLocal || got[0].Object != obj {
		t.Fatalf("first = %+v, want the local result", got[0])
	}
	if got[1].ID != "b" {
		t.Fatalf("second = %+v", got[1])
	}

	fast := QueryResult{ID: "c", SpaceKey: key, Resolution: Resolution{Source: ResolutionIndex, Time: time.Millisecond}}
	slow := QueryResult{ID: "c", SpaceKey: key, Resolution: Resolution{Source: ResolutionIndex, Time: time.Second}}
	if got := mergeResults([][]QueryResult{{slow}, {fast}}); got[0].Resolution.Time != time.Millisecond {
		t.Fatalf("tie-break on time picked %+v", got[0])
	}
}

type staticSource struct {
	results []QueryResult
	closed  bool
}

func (s *staticSource) Update(*query.Filter)      {}
func (s *staticSource) GetResults() []QueryResult { return s.results }
func (s *staticSource) OnChanged(func()) func()   { return func() {} }
func (s *staticSource) Close()                    { s.closed = true }
func (s *staticSource) Run(context.Context, *query.Filter) ([]QueryResult, error) {
	return s.results, nil
}

type staticProvider struct {
	created []*staticSource
	results []QueryResult
}

func (p *staticProvider) Create() QuerySource {
	s := &staticSource{results: p.results}
	p.created = append(p.created, s)
	return s
}

func TestQuerySourceProvider(t *testing.T) {
	graph := newTestGraph(t)
	remote := QueryResult{ID: "remote", SpaceKey: keys.RandomSpaceKey(), Resolution: Resolution{Source: ResolutionIndex}}
	provider := &staticProvider{results: []QueryResult{remote}}
	unregister := graph.RegisterQuerySourceProvider(provider)

	res, err := graph.Query(query.All()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].ID != "remote" {
		t.Fatalf("results = %+v", res.Results)
	}
	if len(res.Objects) != 0 {
		t.Fatal("unhydrated results should not produce objects")
	}
	if len(provider.created) != 1 || !provider.created[0].closed {
		t.Fatal("run should close the sources it creates")
	}

	unregister()
	res, _ = graph.Query(query.All()).Run(context.Background())
	if len(res.Results) != 0 {
		t.Fatalf("results after unregister = %+v", res.Results)
	}
}
