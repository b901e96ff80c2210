package replication

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/echo"
	"github.com/aidanlsb/echo/internal/keys"
)

type relayFixture struct {
	server *httptest.Server
	relay  *RelayServer
	host   *Host
	repo   *crdt.Repo
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	host, repo := newTestHost(t)
	relay := NewRelayServer(RelayOptions{Host: host})
	server := httptest.NewServer(relay)
	t.Cleanup(func() {
		_ = relay.Close()
		server.Close()
	})
	return &relayFixture{server: server, relay: relay, host: host, repo: repo}
}

func (f *relayFixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

type edgePeer struct {
	host *Host
	repo *crdt.Repo
	rc   *countingContext
	edge *EdgeReplicator
}

func newEdgePeer(t *testing.T, relayURL string) *edgePeer {
	t.Helper()
	host, repo := newTestHost(t)
	edge, err := NewEdgeReplicator(EdgeOptions{URL: relayURL})
	if err != nil {
		t.Fatalf("new edge replicator: %v", err)
	}
	p := &edgePeer{host: host, repo: repo, rc: &countingContext{Host: host}, edge: edge}
	if err := edge.Connect(context.Background(), p.rc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = edge.Disconnect() })
	return p
}

func TestEdgeRelayConvergence(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	a := newEdgePeer(t, f.url())
	b := newEdgePeer(t, f.url())
	space, other := keys.RandomSpaceKey(), keys.RandomSpaceKey()

	for _, p := range []*edgePeer{a, b} {
		if err := p.edge.ConnectToSpace(ctx, space); err != nil {
			t.Fatalf("connect to space: %v", err)
		}
	}
	waitFor(t, "relay sockets", func() bool { return len(f.host.Connections()) == 2 })

	conn := a.edge.Connections()[0]
	if conn.PeerID() != f.repo.PeerID() {
		t.Errorf("expected relay peer id %s, got %s", f.repo.PeerID(), conn.PeerID())
	}

	foreign, err := a.repo.Create(echo.SpaceDocValue(other))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := a.repo.Create(echo.SpaceDocValue(space))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "document on relay", hasDoc(f.repo, doc.ID()))
	waitFor(t, "document on b", hasDoc(b.repo, doc.ID()))
	waitFor(t, "foreign document on relay", hasDoc(f.repo, foreign.ID()))

	t.Run("relay scopes sockets to their space", func(t *testing.T) {
		time.Sleep(50 * time.Millisecond)
		if _, ok := b.repo.Get(foreign.ID()); ok {
			t.Error("document of another space reached b")
		}
	})

	t.Run("late joiner requests by id", func(t *testing.T) {
		c := newEdgePeer(t, f.url())
		if err := c.edge.ConnectToSpace(ctx, space); err != nil {
			t.Fatalf("connect to space: %v", err)
		}
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		got, err := c.repo.Find(fctx, doc.ID())
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if key, ok := echo.DocumentSpaceKey(got); !ok || key != space {
			t.Errorf("expected space %s, got %s", space, key)
		}
	})
}

func TestEdgeDisconnectFromSpace(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	a := newEdgePeer(t, f.url())
	space := keys.RandomSpaceKey()

	if err := a.edge.ConnectToSpace(ctx, space); err != nil {
		t.Fatalf("connect to space: %v", err)
	}
	if err := a.edge.ConnectToSpace(ctx, space); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	waitFor(t, "open socket", func() bool {
		opened, _, _ := a.rc.counts()
		return opened == 1
	})
	if got := len(a.edge.Connections()); got != 1 {
		t.Fatalf("expected one socket per space, got %d", got)
	}

	if err := a.edge.DisconnectFromSpace(space); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, "relay to drop the socket", func() bool { return len(f.host.Connections()) == 0 })
	if _, closed, _ := a.rc.counts(); closed != 1 {
		t.Errorf("expected one close, got %d", closed)
	}
	if err := a.edge.DisconnectFromSpace(space); err != nil {
		t.Errorf("disconnecting twice: %v", err)
	}
}

func TestEdgeConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	a := newEdgePeer(t, "ws://"+addr)
	if err := a.edge.ConnectToSpace(context.Background(), keys.RandomSpaceKey()); err != nil {
		t.Fatalf("expected refused dial to be swallowed, got %v", err)
	}
	if got := len(a.edge.Connections()); got != 0 {
		t.Errorf("expected no connections, got %d", got)
	}
}

func TestEdgeOptions(t *testing.T) {
	t.Run("rejects non websocket url", func(t *testing.T) {
		if _, err := NewEdgeReplicator(EdgeOptions{URL: "http://localhost"}); err == nil {
			t.Error("expected error for http scheme")
		}
	})

	t.Run("requires connect", func(t *testing.T) {
		edge, err := NewEdgeReplicator(EdgeOptions{URL: "ws://localhost"})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := edge.ConnectToSpace(context.Background(), keys.RandomSpaceKey()); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestRelayRejectsUnknownPath(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Get(f.server.URL + "/not-a-space")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
