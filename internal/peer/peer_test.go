package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aidanlsb/echo/internal/config"
	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/echo"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/query"
	"github.com/aidanlsb/echo/internal/replication"
	"github.com/aidanlsb/echo/internal/schema"
)

func taskType() *schema.TypeDefinition {
	return &schema.TypeDefinition{
		Typename: "example.com/type/Task",
		Version:  "0.1.0",
		Fields: map[string]*schema.FieldDefinition{
			"title": {Type: schema.FieldTypeString, Required: true},
		},
	}
}

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	registry := schema.NewRegistry()
	if err := registry.Register(taskType()); err != nil {
		t.Fatalf("register: %v", err)
	}
	p, err := New(context.Background(), Options{Registry: registry, LoadTimeout: time.Second})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func queryIDs(t *testing.T, q *echo.Query) []string {
	t.Helper()
	res, err := q.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ids := make([]string, 0, len(res.Objects))
	for _, obj := range res.Objects {
		ids = append(ids, obj.ID())
	}
	sort.Strings(ids)
	return ids
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startRelay(t *testing.T) string {
	t.Helper()
	repo := crdt.NewRepo(crdt.RepoOptions{})
	host := replication.NewHost(replication.HostOptions{Repo: repo})
	host.Start()
	relay := replication.NewRelayServer(replication.RelayOptions{Host: host})
	server := httptest.NewServer(relay)
	t.Cleanup(func() {
		_ = relay.Close()
		server.Close()
		host.Stop()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPeersConvergeThroughRelay(t *testing.T) {
	ctx := context.Background()
	relayURL := startRelay(t)
	p1, p2 := newTestPeer(t), newTestPeer(t)
	for _, p := range []*Peer{p1, p2} {
		edge, err := replication.NewEdgeReplicator(replication.EdgeOptions{URL: relayURL})
		if err != nil {
			t.Fatalf("edge: %v", err)
		}
		if err := p.AddReplicator(ctx, edge); err != nil {
			t.Fatalf("add replicator: %v", err)
		}
	}

	key := keys.RandomSpaceKey()
	db1, err := p1.CreateDatabase(ctx, key)
	if err != nil {
		t.Fatalf("create database: %v", err)
	}
	for _, title := range []string{"one", "two", "three"} {
		obj, err := echo.New(map[string]any{"title": title}, echo.WithSchema(taskType()))
		if err != nil {
			t.Fatalf("new object: %v", err)
		}
		if _, err := db1.Add(obj); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	want := queryIDs(t, p1.Graph().Query(query.All()))
	if len(want) != 3 {
		t.Fatalf("expected 3 objects on p1, got %v", want)
	}

	octx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db2, err := p2.OpenDatabase(octx, key, db1.RootURL())
	if err != nil {
		t.Fatalf("open database on p2: %v", err)
	}
	waitFor(t, "p2 to see every object", func() bool {
		return reflect.DeepEqual(queryIDs(t, p2.Graph().Query(query.All())), want)
	})

	t.Run("later writes replicate", func(t *testing.T) {
		obj, err := db2.AddData(map[string]any{"title": "from p2"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		waitFor(t, "p1 to see the new object", func() bool {
			return db1.GetObjectByID(obj.ID()) != nil
		})
	})

	t.Run("indexes see replicated objects", func(t *testing.T) {
		waitFor(t, "typename query on p2", func() bool {
			return len(queryIDs(t, p2.Graph().Query(query.Typename(taskType().Typename, nil)))) == 3
		})
	})
}

func TestOpenDatabaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newTestPeer(t)
	key := keys.RandomSpaceKey()
	first, err := p.CreateDatabase(ctx, key)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := p.OpenDatabase(ctx, key, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first != second {
		t.Error("expected the open database to be returned")
	}
	if got, ok := p.Database(key); !ok || got != first {
		t.Error("expected Database to find the space")
	}

	if err := p.CloseDatabase(key); err != nil {
		t.Fatalf("close database: %v", err)
	}
	if _, ok := p.Database(key); ok {
		t.Error("expected closed space to be forgotten")
	}
	if _, ok := p.Graph().Database(key); ok {
		t.Error("expected closed space to leave the graph")
	}
}

func TestOpenUnknownRootTimesOut(t *testing.T) {
	p := newTestPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.OpenDatabase(ctx, keys.RandomSpaceKey(), crdt.URLPrefix+"missing")
	if !errors.Is(err, crdt.ErrDocumentUnavailable) {
		t.Fatalf("expected ErrDocumentUnavailable, got %v", err)
	}
}

func TestClosedPeer(t *testing.T) {
	ctx := context.Background()
	p := newTestPeer(t)
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := p.CreateDatabase(ctx, keys.RandomSpaceKey()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := p.AddReplicator(ctx, replication.NewMeshReplicator(replication.MeshOptions{})); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestOpenFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "tasks.yaml")
	if err := os.WriteFile(schemaPath, []byte(`
types:
  example.com/type/Task:
    version: 0.1.0
    fields:
      title: { type: string, required: true }
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Peer.Schemas = []string{schemaPath}
	cfg.Storage.Dir = filepath.Join(dir, "docs")
	cfg.Storage.SyncWrites = false
	cfg.Index.Dir = filepath.Join(dir, "index")
	state := &config.State{}

	p, err := Open(ctx, cfg, state, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if state.PeerID == "" || p.ID() != state.PeerID {
		t.Fatalf("expected generated peer id in state, got %q (peer %q)", state.PeerID, p.ID())
	}
	if !p.Graph().SchemaRegistry().Has("example.com/type/Task") {
		t.Fatal("expected schema from file to be registered")
	}

	key := keys.RandomSpaceKey()
	db, err := p.CreateDatabase(ctx, key)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	obj, err := db.AddData(map[string]any{"title": "persisted"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	p.RememberSpaces(state)
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, cfg, state, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)
	root, ok := state.SpaceRoot(key)
	if !ok {
		t.Fatal("expected space root in state")
	}
	db, err = reopened.OpenDatabase(ctx, key, root)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	got := db.GetObjectByID(obj.ID())
	if got == nil || got.Get("title") != "persisted" {
		t.Fatalf("expected persisted object, got %v", got)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "loud"
	if _, err := Open(context.Background(), cfg, &config.State{}, nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
