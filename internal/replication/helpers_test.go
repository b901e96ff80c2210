package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/aidanlsb/echo/internal/crdt"
)

func newTestHost(t *testing.T) (*Host, *crdt.Repo) {
	t.Helper()
	repo := crdt.NewRepo(crdt.RepoOptions{})
	host := NewHost(HostOptions{Repo: repo})
	host.Start()
	t.Cleanup(host.Stop)
	return host, repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasDoc(repo *crdt.Repo, id crdt.DocumentID) func() bool {
	return func() bool {
		_, ok := repo.Get(id)
		return ok
	}
}

// countingContext counts lifecycle callbacks before passing them on.
type countingContext struct {
	*Host

	mu                     sync.Mutex
	opened, closed, scoped int
}

func (c *countingContext) OnConnectionOpen(conn Connection) {
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	c.Host.OnConnectionOpen(conn)
}

func (c *countingContext) OnConnectionClosed(conn Connection) {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.Host.OnConnectionClosed(conn)
}

func (c *countingContext) OnConnectionAuthScopeChanged(conn Connection) {
	c.mu.Lock()
	c.scoped++
	c.mu.Unlock()
	c.Host.OnConnectionAuthScopeChanged(conn)
}

func (c *countingContext) counts() (opened, closed, scoped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed, c.scoped
}
