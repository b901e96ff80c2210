package replication

import (
	"context"
	"errors"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/keys"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned by replicators used before Connect.
	ErrNotConnected = errors.New("replicator not connected")
)

// ConnectionState is the lifecycle state of a connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	// StateOpen means the remote peer id is known.
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DocumentInfo describes a document to the authorization policy. SpaceKey
// is set when the document is held locally and names its space.
type DocumentInfo struct {
	ID       crdt.DocumentID
	SpaceKey keys.SpaceKey
	HasSpace bool
}

// Connection is one open link to a remote peer.
type Connection interface {
	// PeerID is the remote peer id, empty until the connection opens.
	PeerID() string
	State() ConnectionState
	// Send frames env from the local peer to the remote one.
	Send(env Envelope) error
	// ShouldAdvertise reports whether the local peer may offer the document.
	ShouldAdvertise(doc DocumentInfo) bool
	// ShouldSyncCollection reports whether sync traffic for the document is
	// accepted from the remote peer.
	ShouldSyncCollection(doc DocumentInfo) bool
	Close() error
}

// Context receives connection lifecycle events from a replicator.
type Context interface {
	PeerID() string
	OnConnectionOpen(conn Connection)
	// OnConnectionClosed is called exactly once for every opened connection.
	OnConnectionClosed(conn Connection)
	// OnConnectionAuthScopeChanged is called when the documents a connection
	// may see have changed.
	OnConnectionAuthScopeChanged(conn Connection)
	// OnMessage receives every non-handshake envelope of an open connection.
	OnMessage(conn Connection, env Envelope)
}

// Replicator manages a set of connections on behalf of a Context.
type Replicator interface {
	Connect(ctx context.Context, rc Context) error
	Disconnect() error
}
