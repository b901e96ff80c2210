package crdt

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestRepoFlushAndReload(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	repo := NewRepo(RepoOptions{Storage: storage})
	doc, err := repo.Create(map[string]any{"version": 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ids, _ := storage.List(ctx)
	if len(ids) != 1 || ids[0] != doc.ID() {
		t.Fatalf("expected stored doc, got %v", ids)
	}

	fresh := NewRepo(RepoOptions{Storage: storage})
	loaded, err := fresh.Find(ctx, doc.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if v, _ := loaded.Get(Path{"version"}); v != int64(1) {
		t.Errorf("expected version 1, got %#v", v)
	}
}

func TestRepoFindTimesOut(t *testing.T) {
	repo := NewRepo(RepoOptions{})
	requested := make(chan DocumentID, 1)
	repo.SetRequester(func(id DocumentID) { requested <- id })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := repo.Find(ctx, "missing")
	if !errors.Is(err, ErrDocumentUnavailable) {
		t.Fatalf("expected ErrDocumentUnavailable, got %v", err)
	}
	if got := <-requested; got != "missing" {
		t.Errorf("expected request for missing, got %s", got)
	}
}

func TestRepoFindWaitsForPeer(t *testing.T) {
	src := NewRepo(RepoOptions{})
	doc, _ := src.Create(map[string]any{"title": "remote"})

	dst := NewRepo(RepoOptions{})
	dst.SetRequester(func(id DocumentID) {
		go func() {
			msg, _ := src.SyncFor(id, Heads{})
			_, _ = dst.ReceiveSync(id, msg)
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := dst.Find(ctx, doc.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if v, _ := got.Get(Path{"title"}); v != "remote" {
		t.Errorf("expected replicated content, got %v", v)
	}
}

func TestSyncExchangeConverges(t *testing.T) {
	a := NewRepo(RepoOptions{PeerID: "a"})
	b := NewRepo(RepoOptions{PeerID: "b"})

	doc, _ := a.Create(map[string]any{"x": 1})
	id := doc.ID()

	var created []DocumentEvent
	b.Subscribe(func(ev DocumentEvent) {
		if ev.Created {
			created = append(created, ev)
		}
	})

	offer, _ := a.SyncOffer(id)
	exchange(t, a, b, id, offer)

	docB, ok := b.Get(id)
	if !ok {
		t.Fatal("expected b to hold the document")
	}
	if len(created) != 1 {
		t.Errorf("expected one arrival event, got %d", len(created))
	}

	_ = docB.Change(func(tx *Tx) error { return tx.Set(Path{"y"}, 2) })
	offer, _ = b.SyncFor(id, Heads{})
	exchange(t, b, a, id, offer)

	if !reflect.DeepEqual(doc.Snapshot(), docB.Snapshot()) {
		t.Errorf("expected convergence: %v vs %v", doc.Snapshot(), docB.Snapshot())
	}
}

// exchange ping-pongs sync messages until neither side replies.
func exchange(t *testing.T, from, to *Repo, id DocumentID, first SyncMessage) {
	t.Helper()
	msg := &first
	for i := 0; msg != nil; i++ {
		if i > 10 {
			t.Fatal("sync did not settle")
		}
		data, err := EncodeSyncMessage(*msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeSyncMessage(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		msg, err = to.ReceiveSync(id, decoded)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		from, to = to, from
	}
}

func TestBadgerStorage(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStorage(InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Save(ctx, "a", []byte("data")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "a")
	if err != nil || string(got) != "data" {
		t.Fatalf("expected data, got %q (%v)", got, err)
	}
	ids, _ := s.List(ctx)
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("unexpected ids %v", ids)
	}
	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Load(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected removal, got %v", err)
	}
}
