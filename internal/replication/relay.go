package replication

import (
	"log/slog"
	"net/http"
	"path"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aidanlsb/echo/internal/keys"
)

// RelayOptions configures NewRelayServer.
type RelayOptions struct {
	// Host is the relay's own sync host; the relay stores every document it
	// relays.
	Host     *Host
	Upgrader *websocket.Upgrader
	Logger   *slog.Logger
}

// RelayServer accepts edge sockets at /<spaceID> and syncs each one with
// the relay's repo, scoped to that space.
type RelayServer struct {
	host     *Host
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*relayConnection]struct{}
}

var _ http.Handler = (*RelayServer)(nil)

func NewRelayServer(opts RelayOptions) *RelayServer {
	if opts.Upgrader == nil {
		opts.Upgrader = &websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RelayServer{
		host:     opts.Host,
		upgrader: opts.Upgrader,
		logger:   opts.Logger.With(slog.String("replicator", "relay")),
		conns:    map[*relayConnection]struct{}{},
	}
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := keys.SpaceID(path.Base(r.URL.Path))
	if !sid.IsValid() {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("space", string(sid)), slog.Any("error", err))
		return
	}

	c := &relayConnection{space: sid}
	c.link = newLink(NewWebSocketTransport(ws), linkOptions{
		kind:       "relay",
		localID:    s.host.PeerID(),
		answerJoin: true,
		logger:     s.logger,
		onOpen:     func() { s.host.OnConnectionOpen(c) },
		onMessage:  func(env Envelope) { s.host.OnMessage(c, env) },
		onClosed:   func(opened bool, _ error) { s.closed(c, opened) },
	})
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("socket accepted", slog.String("space", string(sid)), slog.String("remote", r.RemoteAddr))
	c.start()
}

// Close closes every socket.
func (s *RelayServer) Close() error {
	s.mu.Lock()
	conns := make([]*relayConnection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// Connections returns the accepted sockets.
func (s *RelayServer) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *RelayServer) closed(c *relayConnection, opened bool) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if opened {
		s.host.OnConnectionClosed(c)
	}
}

type relayConnection struct {
	*link
	space keys.SpaceID
}

func (c *relayConnection) Send(env Envelope) error {
	return c.sendEnvelope(env)
}

func (c *relayConnection) ShouldAdvertise(doc DocumentInfo) bool {
	return doc.HasSpace && doc.SpaceKey.SpaceID() == c.space
}

func (c *relayConnection) ShouldSyncCollection(doc DocumentInfo) bool {
	return !doc.HasSpace || doc.SpaceKey.SpaceID() == c.space
}
