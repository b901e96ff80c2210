package replication

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aidanlsb/echo/internal/keys"
)

// MeshOptions configures NewMeshReplicator.
type MeshOptions struct {
	// DeviceKey identifies this device to remote peers. Defaults to the
	// context's peer id.
	DeviceKey string
	Logger    *slog.Logger
}

// MeshReplicator connects peers directly. A remote peer sees a document
// only when its device is authorized for the document's space.
type MeshReplicator struct {
	deviceKey string
	logger    *slog.Logger

	mu         sync.Mutex
	rc         Context
	conns      map[*meshConnection]struct{}
	peers      map[string]*meshConnection
	authorized map[keys.SpaceKey]map[string]bool
}

var _ Replicator = (*MeshReplicator)(nil)

func NewMeshReplicator(opts MeshOptions) *MeshReplicator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MeshReplicator{
		deviceKey:  opts.DeviceKey,
		logger:     opts.Logger.With(slog.String("replicator", "mesh")),
		conns:      map[*meshConnection]struct{}{},
		peers:      map[string]*meshConnection{},
		authorized: map[keys.SpaceKey]map[string]bool{},
	}
}

func (m *MeshReplicator) Connect(_ context.Context, rc Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rc = rc
	if m.deviceKey == "" {
		m.deviceKey = rc.PeerID()
	}
	return nil
}

// Disconnect closes every connection.
func (m *MeshReplicator) Disconnect() error {
	m.mu.Lock()
	conns := make([]*meshConnection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	m.mu.Lock()
	m.rc = nil
	m.mu.Unlock()
	return nil
}

// AddTransport starts a connection over t. It opens when the remote join
// arrives.
func (m *MeshReplicator) AddTransport(t Transport) (Connection, error) {
	m.mu.Lock()
	rc := m.rc
	if rc == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	c := &meshConnection{mesh: m}
	c.link = newLink(t, linkOptions{
		kind:      "mesh",
		localID:   rc.PeerID(),
		metadata:  map[string]any{MetadataDeviceKey: m.deviceKey},
		logger:    m.logger,
		onOpen:    func() { m.opened(c) },
		onMessage: func(env Envelope) { m.deliver(c, env) },
		onClosed:  func(opened bool, _ error) { m.closed(c, opened) },
	})
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	c.start()
	return c, nil
}

// AuthorizeDevice lets deviceKey see the documents of space and re-offers
// them on that device's open connections.
func (m *MeshReplicator) AuthorizeDevice(space keys.SpaceKey, deviceKey string) {
	m.mu.Lock()
	devices := m.authorized[space]
	if devices == nil {
		devices = map[string]bool{}
		m.authorized[space] = devices
	}
	if devices[deviceKey] {
		m.mu.Unlock()
		return
	}
	devices[deviceKey] = true
	rc := m.rc
	var affected []*meshConnection
	for _, c := range m.peers {
		if c.deviceKey() == deviceKey {
			affected = append(affected, c)
		}
	}
	m.mu.Unlock()

	for _, c := range affected {
		if rc != nil {
			rc.OnConnectionAuthScopeChanged(c)
		}
	}
}

// Connections returns the open connections, one per remote peer.
func (m *MeshReplicator) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.peers))
	for _, c := range m.peers {
		out = append(out, c)
	}
	return out
}

func (m *MeshReplicator) isAuthorized(space keys.SpaceKey, deviceKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorized[space][deviceKey]
}

// opened registers c under its remote peer. A second connection from a
// peer already connected is closed and the existing one re-evaluated.
func (m *MeshReplicator) opened(c *meshConnection) {
	peerID := c.PeerID()
	m.mu.Lock()
	rc := m.rc
	existing, dup := m.peers[peerID]
	if !dup {
		m.peers[peerID] = c
	}
	m.mu.Unlock()
	if rc == nil {
		_ = c.Close()
		return
	}
	if dup && existing != c {
		m.logger.Debug("duplicate connection", slog.String("peer", peerID))
		c.duplicate = true
		_ = c.Close()
		rc.OnConnectionAuthScopeChanged(existing)
		return
	}
	rc.OnConnectionOpen(c)
}

func (m *MeshReplicator) deliver(c *meshConnection, env Envelope) {
	m.mu.Lock()
	rc := m.rc
	m.mu.Unlock()
	if rc != nil && !c.duplicate {
		rc.OnMessage(c, env)
	}
}

func (m *MeshReplicator) closed(c *meshConnection, opened bool) {
	m.mu.Lock()
	delete(m.conns, c)
	registered := false
	if peerID := c.PeerID(); m.peers[peerID] == c {
		delete(m.peers, peerID)
		registered = true
	}
	rc := m.rc
	m.mu.Unlock()
	if opened && registered && rc != nil {
		rc.OnConnectionClosed(c)
	}
}

type meshConnection struct {
	*link
	mesh *MeshReplicator
	// duplicate is set before the connection is closed as a second link to
	// an already connected peer.
	duplicate bool
}

func (c *meshConnection) Send(env Envelope) error {
	return c.sendEnvelope(env)
}

func (c *meshConnection) deviceKey() string {
	key, _ := c.remoteMetadata()[MetadataDeviceKey].(string)
	if key == "" {
		return c.PeerID()
	}
	return key
}

func (c *meshConnection) ShouldAdvertise(doc DocumentInfo) bool {
	return doc.HasSpace && c.mesh.isAuthorized(doc.SpaceKey, c.deviceKey())
}

// ShouldSyncCollection accepts documents not yet held locally; their space
// is unknown until they arrive.
func (c *meshConnection) ShouldSyncCollection(doc DocumentInfo) bool {
	if !doc.HasSpace {
		return true
	}
	return c.mesh.isAuthorized(doc.SpaceKey, c.deviceKey())
}
