package replication

import (
	"log/slog"
	"sync"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/echo"
	"github.com/aidanlsb/echo/internal/keys"
)

// HostOptions configures NewHost.
type HostOptions struct {
	Repo   *crdt.Repo
	Logger *slog.Logger
	// SpaceOf names the space of a held document. Defaults to
	// echo.DocumentSpaceKey.
	SpaceOf func(*crdt.Doc) (keys.SpaceKey, bool)
}

// Host drives document sync for a repo over any number of connections.
// It is the Context handed to replicators.
type Host struct {
	repo    *crdt.Repo
	logger  *slog.Logger
	spaceOf func(*crdt.Doc) (keys.SpaceKey, bool)

	mu          sync.Mutex
	peers       map[Connection]*peerState
	unsubscribe func()
}

// peerState tracks the heads each document is known to have on the remote
// side, so pushes only carry what it lacks.
type peerState struct {
	theirs map[crdt.DocumentID]crdt.Heads
}

var _ Context = (*Host)(nil)

func NewHost(opts HostOptions) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SpaceOf == nil {
		opts.SpaceOf = echo.DocumentSpaceKey
	}
	return &Host{
		repo:    opts.Repo,
		logger:  opts.Logger.With(slog.String("component", "replication")),
		spaceOf: opts.SpaceOf,
		peers:   map[Connection]*peerState{},
	}
}

// Start subscribes to repo changes and answers repo lookups for missing
// documents by asking every open connection.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil {
		return
	}
	h.unsubscribe = h.repo.Subscribe(h.onDocumentEvent)
	h.repo.SetRequester(h.request)
}

// Stop detaches from the repo. Open connections stay registered.
func (h *Host) Stop() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
		h.repo.SetRequester(nil)
	}
}

func (h *Host) PeerID() string {
	return h.repo.PeerID()
}

// Connections returns the open connections.
func (h *Host) Connections() []Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Connection, 0, len(h.peers))
	for conn := range h.peers {
		out = append(out, conn)
	}
	return out
}

func (h *Host) OnConnectionOpen(conn Connection) {
	h.mu.Lock()
	if _, ok := h.peers[conn]; !ok {
		h.peers[conn] = &peerState{theirs: map[crdt.DocumentID]crdt.Heads{}}
	}
	h.mu.Unlock()
	h.logger.Info("connect", slog.String("peer", conn.PeerID()))
	h.advertise(conn)
	for _, id := range h.repo.Pending() {
		h.requestFrom(conn, id)
	}
}

func (h *Host) OnConnectionClosed(conn Connection) {
	h.mu.Lock()
	delete(h.peers, conn)
	h.mu.Unlock()
	h.logger.Info("close", slog.String("peer", conn.PeerID()))
}

// OnConnectionAuthScopeChanged offers every document the connection may
// now see.
func (h *Host) OnConnectionAuthScopeChanged(conn Connection) {
	h.logger.Debug("auth scope changed", slog.String("peer", conn.PeerID()))
	h.advertise(conn)
}

func (h *Host) OnMessage(conn Connection, env Envelope) {
	switch env.Type {
	case MessageSync, MessageRequest:
	default:
		h.logger.Debug("ignoring message", slog.String("type", string(env.Type)), slog.String("peer", conn.PeerID()))
		return
	}
	id := crdt.DocumentID(env.DocumentID)
	if id == "" {
		messagesDropped.WithLabelValues("host", "document").Inc()
		return
	}
	if !conn.ShouldSyncCollection(h.infoByID(id)) {
		h.logger.Debug("share policy check", slog.String("doc", string(id)),
			slog.String("peer", conn.PeerID()), slog.Bool("allowed", false))
		return
	}
	msg, err := crdt.DecodeSyncMessage(env.Data)
	if err != nil {
		syncFailures.Inc()
		h.logger.Warn("dropping sync message", slog.String("doc", string(id)), slog.Any("error", err))
		return
	}
	h.noteTheirs(conn, id, msg.Heads, msg.Changes)

	reply, err := h.repo.ReceiveSync(id, msg)
	if err != nil {
		syncFailures.Inc()
		h.logger.Warn("sync failed", slog.String("doc", string(id)),
			slog.String("peer", conn.PeerID()), slog.Any("error", err))
		return
	}
	if reply == nil {
		return
	}
	if len(reply.Changes) > 0 && !conn.ShouldAdvertise(h.infoByID(id)) {
		reply.Changes = nil
	}
	h.send(conn, id, *reply)
}

func (h *Host) advertise(conn Connection) {
	for _, doc := range h.repo.Documents() {
		info := h.info(doc)
		if !conn.ShouldAdvertise(info) {
			h.logger.Debug("share policy check", slog.String("doc", string(info.ID)),
				slog.String("peer", conn.PeerID()), slog.Bool("allowed", false))
			continue
		}
		offer, ok := h.repo.SyncOffer(info.ID)
		if !ok {
			continue
		}
		h.send(conn, info.ID, offer)
	}
}

// onDocumentEvent pushes local and adopted changes to every connection
// that may see the document.
func (h *Host) onDocumentEvent(ev crdt.DocumentEvent) {
	info := h.info(ev.Doc)
	for _, conn := range h.Connections() {
		if conn.State() != StateOpen || !conn.ShouldAdvertise(info) {
			continue
		}
		msg, ok := h.repo.SyncFor(info.ID, h.theirs(conn, info.ID))
		if !ok || len(msg.Changes) == 0 {
			continue
		}
		h.send(conn, info.ID, msg)
	}
}

func (h *Host) request(id crdt.DocumentID) {
	for _, conn := range h.Connections() {
		if conn.State() == StateOpen {
			h.requestFrom(conn, id)
		}
	}
}

func (h *Host) requestFrom(conn Connection, id crdt.DocumentID) {
	if !conn.ShouldSyncCollection(DocumentInfo{ID: id}) {
		return
	}
	data, err := crdt.EncodeSyncMessage(crdt.RequestMessage())
	if err != nil {
		h.logger.Error("encode request", slog.Any("error", err))
		return
	}
	if err := conn.Send(Envelope{Type: MessageRequest, DocumentID: string(id), Data: data}); err != nil {
		h.logger.Debug("request failed", slog.String("doc", string(id)), slog.Any("error", err))
	}
}

func (h *Host) send(conn Connection, id crdt.DocumentID, msg crdt.SyncMessage) {
	data, err := crdt.EncodeSyncMessage(msg)
	if err != nil {
		h.logger.Error("encode sync message", slog.String("doc", string(id)), slog.Any("error", err))
		return
	}
	if err := conn.Send(Envelope{Type: MessageSync, DocumentID: string(id), Data: data}); err != nil {
		h.logger.Debug("send failed", slog.String("doc", string(id)),
			slog.String("peer", conn.PeerID()), slog.Any("error", err))
		return
	}
	if len(msg.Changes) > 0 {
		changesSent.Add(float64(len(msg.Changes)))
		h.noteTheirs(conn, id, nil, msg.Changes)
	}
}

// noteTheirs merges heads and the sequence numbers of changes into what
// the remote side is known to hold.
func (h *Host) noteTheirs(conn Connection, id crdt.DocumentID, heads crdt.Heads, changes []crdt.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ps, ok := h.peers[conn]
	if !ok {
		return
	}
	known := ps.theirs[id]
	if known == nil {
		known = crdt.Heads{}
		ps.theirs[id] = known
	}
	for actor, seq := range heads {
		if seq > known[actor] {
			known[actor] = seq
		}
	}
	for _, ch := range changes {
		if ch.Seq > known[ch.Actor] {
			known[ch.Actor] = ch.Seq
		}
	}
}

func (h *Host) theirs(conn Connection, id crdt.DocumentID) crdt.Heads {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ps, ok := h.peers[conn]; ok {
		if known := ps.theirs[id]; known != nil {
			return known.Clone()
		}
	}
	return crdt.Heads{}
}

func (h *Host) info(doc *crdt.Doc) DocumentInfo {
	info := DocumentInfo{ID: doc.ID()}
	info.SpaceKey, info.HasSpace = h.spaceOf(doc)
	return info
}

func (h *Host) infoByID(id crdt.DocumentID) DocumentInfo {
	if doc, ok := h.repo.Get(id); ok {
		return h.info(doc)
	}
	return DocumentInfo{ID: id}
}
