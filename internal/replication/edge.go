package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aidanlsb/echo/internal/keys"
)

// EdgeOptions configures NewEdgeReplicator.
type EdgeOptions struct {
	// URL is the websocket base of the relay. Each space is served at
	// <URL>/<spaceID>.
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// EdgeReplicator keeps one relay socket per space. Authorization happens at
// the relay, so every document is offered and accepted.
type EdgeReplicator struct {
	base   string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	rc    Context
	conns map[keys.SpaceID]*edgeConnection
}

var _ Replicator = (*EdgeReplicator)(nil)

func NewEdgeReplicator(opts EdgeOptions) (*EdgeReplicator, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid relay url %q: scheme must be ws or wss", opts.URL)
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EdgeReplicator{
		base:   strings.TrimRight(opts.URL, "/"),
		dialer: opts.Dialer,
		logger: opts.Logger.With(slog.String("replicator", "edge")),
		conns:  map[keys.SpaceID]*edgeConnection{},
	}, nil
}

func (e *EdgeReplicator) Connect(_ context.Context, rc Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rc = rc
	return nil
}

// Disconnect closes every space socket.
func (e *EdgeReplicator) Disconnect() error {
	e.mu.Lock()
	conns := make([]*edgeConnection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	e.mu.Lock()
	e.rc = nil
	e.mu.Unlock()
	return nil
}

// ConnectToSpace dials the relay socket for space. An unreachable relay is
// not an error; the call returns without a connection and is not retried.
func (e *EdgeReplicator) ConnectToSpace(ctx context.Context, space keys.SpaceKey) error {
	sid := space.SpaceID()
	e.mu.Lock()
	rc := e.rc
	_, exists := e.conns[sid]
	e.mu.Unlock()
	if rc == nil {
		return ErrNotConnected
	}
	if exists {
		return nil
	}

	target := e.base + "/" + string(sid)
	ws, _, err := e.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if isConnectionRefused(err) {
			dialFailures.WithLabelValues("refused").Inc()
			e.logger.Debug("relay unreachable", slog.String("url", target), slog.Any("error", err))
			return nil
		}
		dialFailures.WithLabelValues("error").Inc()
		return fmt.Errorf("dial relay %s: %w", target, err)
	}

	c := &edgeConnection{space: space}
	c.link = newLink(NewWebSocketTransport(ws), linkOptions{
		kind:      "edge",
		localID:   rc.PeerID(),
		logger:    e.logger,
		onOpen:    func() { e.withContext(func(rc Context) { rc.OnConnectionOpen(c) }) },
		onMessage: func(env Envelope) { e.withContext(func(rc Context) { rc.OnMessage(c, env) }) },
		onClosed:  func(opened bool, _ error) { e.closed(c, opened) },
	})

	e.mu.Lock()
	if _, raced := e.conns[sid]; raced {
		e.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	e.conns[sid] = c
	e.mu.Unlock()
	c.start()
	return nil
}

// DisconnectFromSpace closes the socket for space, if any.
func (e *EdgeReplicator) DisconnectFromSpace(space keys.SpaceKey) error {
	e.mu.Lock()
	c, ok := e.conns[space.SpaceID()]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Connections returns the space sockets.
func (e *EdgeReplicator) Connections() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (e *EdgeReplicator) withContext(fn func(Context)) {
	e.mu.Lock()
	rc := e.rc
	e.mu.Unlock()
	if rc != nil {
		fn(rc)
	}
}

func (e *EdgeReplicator) closed(c *edgeConnection, opened bool) {
	e.mu.Lock()
	sid := c.space.SpaceID()
	if e.conns[sid] == c {
		delete(e.conns, sid)
	}
	rc := e.rc
	e.mu.Unlock()
	if opened && rc != nil {
		rc.OnConnectionClosed(c)
	}
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

type edgeConnection struct {
	*link
	space keys.SpaceKey
}

func (c *edgeConnection) Send(env Envelope) error {
	return c.sendEnvelope(env)
}

func (c *edgeConnection) ShouldAdvertise(DocumentInfo) bool { return true }

func (c *edgeConnection) ShouldSyncCollection(DocumentInfo) bool { return true }
