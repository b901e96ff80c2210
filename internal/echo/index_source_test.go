package echo

import (
	"context"
	"testing"

	"github.com/aidanlsb/echo/internal/index"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/model"
	"github.com/aidanlsb/echo/internal/query"
)

func newIndexedGraph(t *testing.T) (*Hypergraph, *index.Manager) {
	t.Helper()
	graph := newTestGraph(t, taskSchema())
	mgr, err := index.NewManager(context.Background(), index.ManagerOptions{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	indexer := NewIndexer(graph, mgr, nil)
	indexer.Start()
	t.Cleanup(indexer.Stop)
	unregister := graph.RegisterQuerySourceProvider(&IndexQuerySourceProvider{Graph: graph, Index: mgr})
	t.Cleanup(unregister)
	return graph, mgr
}

func TestIndexQuerySource(t *testing.T) {
	graph, _ := newIndexedGraph(t)
	db := newTestDB(t, graph)

	task, err := db.AddData(map[string]any{"title": "index me"}, WithSchema(taskSchema()))
	if err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if _, err := db.AddData(map[string]any{"title": "untyped"}); err != nil {
		t.Fatalf("AddData: %v", err)
	}

	remote := query.Options{DataLocation: query.DataLocationRemote}
	res, err := graph.Query(query.Typename(taskSchema().Typename, nil, remote)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 {
		t.Fatalf("results = %+v", res.Results)
	}
	got := res.Results[0]
	if got.Object != task || got.Resolution.Source != ResolutionIndex {
		t.Fatalf("result = %+v", got)
	}

	text, err := graph.Query(query.Text("untyped", remote)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run text: %v", err)
	}
	if len(text.Objects) != 1 || text.Objects[0].Get("title") != "untyped" {
		t.Fatalf("text results = %+v", text.Results)
	}
}

func TestIndexSourceSkippedForLocalQueries(t *testing.T) {
	graph, mgr := newIndexedGraph(t)
	stranger := index.ObjectPointer{SpaceKey: keys.RandomSpaceKey(), ObjectID: "far"}
	ref := model.TypeReference(taskSchema().Typename)
	_, err := mgr.Update(context.Background(), []index.Document{{
		ID:        stranger.String(),
		Structure: &model.ObjectStructure{System: model.SystemFields{Type: &ref}},
	}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	res, err := graph.Query(query.Typename(taskSchema().Typename, nil)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].ID != "far" || res.Results[0].Object != nil {
		t.Fatalf("results for unopened space = %+v", res.Results)
	}

	local := query.Typename(taskSchema().Typename, nil, query.Options{DataLocation: query.DataLocationLocal})
	res, err = graph.Query(local).Run(context.Background())
	if err != nil {
		t.Fatalf("Run local: %v", err)
	}
	if len(res.Results) != 0 {
		t.Fatalf("local-only results = %+v", res.Results)
	}
}

func TestIndexSourceInvalidation(t *testing.T) {
	graph, _ := newIndexedGraph(t)
	db := newTestDB(t, graph)

	q := graph.Query(query.Typename(taskSchema().Typename, nil, query.Options{DataLocation: query.DataLocationRemote}))
	notified := 0
	unsub := q.Subscribe(func(*Query) { notified++ })
	defer unsub()
	if len(q.Results()) != 0 {
		t.Fatal("expected empty index")
	}

	if _, err := db.AddData(map[string]any{"title": "late"}, WithSchema(taskSchema())); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if notified == 0 {
		t.Fatal("index source did not signal the change")
	}
	if n := len(q.Results()); n != 1 {
		t.Fatalf("results after indexing = %d", n)
	}
}

func TestQueryCoalescesSourceInvalidations(t *testing.T) {
	graph, _ := newIndexedGraph(t)
	db := newTestDB(t, graph)

	q := graph.Query(query.Typename(taskSchema().Typename, nil))
	notified := 0
	unsub := q.Subscribe(func(*Query) { notified++ })
	defer unsub()
	if len(q.Results()) != 0 {
		t.Fatal("expected no results before the write")
	}

	before := notified
	if _, err := db.AddData(map[string]any{"title": "once"}, WithSchema(taskSchema())); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if got := notified - before; got != 1 {
		t.Fatalf("subscriber notified %d times for one write, want 1", got)
	}
	if n := len(q.Results()); n != 1 {
		t.Fatalf("results = %d, want 1", n)
	}
}
