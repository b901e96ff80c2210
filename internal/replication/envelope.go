// Package replication moves document changes between peers: a sync host
// driving the repo, plus mesh, edge and relay replicators carrying the
// envelopes.
package replication

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageType is the envelope type tag.
type MessageType string

const (
	// MessageJoin announces the sender's peer id. It is the first message
	// on every connection.
	MessageJoin MessageType = "join"
	// MessagePeer answers a join.
	MessagePeer MessageType = "peer"
	// MessageSync carries a sync message for one document.
	MessageSync MessageType = "sync"
	// MessageRequest asks for a document the sender does not hold.
	MessageRequest MessageType = "request"
	// MessageLeave announces an orderly close.
	MessageLeave MessageType = "leave"
)

// ProtocolVersion is the sync protocol spoken by this package.
const ProtocolVersion = "1"

// MetadataDeviceKey is the peer metadata entry holding the device key.
const MetadataDeviceKey = "deviceKey"

// ErrInvalidEnvelope is returned for undecodable or incomplete envelopes.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope frames every message on the wire.
type Envelope struct {
	Type                      MessageType    `cbor:"type"`
	SenderID                  string         `cbor:"senderId"`
	TargetID                  string         `cbor:"targetId,omitempty"`
	DocumentID                string         `cbor:"documentId,omitempty"`
	PeerMetadata              map[string]any `cbor:"peerMetadata,omitempty"`
	SupportedProtocolVersions []string       `cbor:"supportedProtocolVersions,omitempty"`
	Data                      []byte         `cbor:"data,omitempty"`
}

var (
	envEncMode cbor.EncMode
	envDecMode cbor.DecMode
)

func init() {
	var err error
	if envEncMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if envDecMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeEnvelope serializes e.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	data, err := envEncMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses data produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := envDecMode.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.Type == "" || e.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: missing type or sender", ErrInvalidEnvelope)
	}
	return e, nil
}

func joinEnvelope(peerID string, metadata map[string]any) Envelope {
	return Envelope{
		Type:                      MessageJoin,
		SenderID:                  peerID,
		PeerMetadata:              metadata,
		SupportedProtocolVersions: []string{ProtocolVersion},
	}
}
