package crdt

import "fmt"

// SyncMessage is the payload of a sync exchange for one document: the
// sender's heads plus any changes it believes the receiver lacks.
type SyncMessage struct {
	Heads   Heads    `cbor:"heads"`
	Changes []Change `cbor:"changes,omitempty"`
}

// EncodeSyncMessage serializes m.
func EncodeSyncMessage(m SyncMessage) ([]byte, error) {
	data, err := Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode sync message: %w", err)
	}
	return data, nil
}

// DecodeSyncMessage parses a payload produced by EncodeSyncMessage.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var m SyncMessage
	if err := Unmarshal(data, &m); err != nil {
		return SyncMessage{}, fmt.Errorf("decode sync message: %w", err)
	}
	if m.Heads == nil {
		m.Heads = Heads{}
	}
	return m, nil
}

// SyncOffer announces the local heads of a document.
func (r *Repo) SyncOffer(id DocumentID) (SyncMessage, bool) {
	doc, ok := r.Get(id)
	if !ok {
		return SyncMessage{}, false
	}
	return SyncMessage{Heads: doc.Heads()}, true
}

// SyncFor returns the local heads plus every change not covered by theirs.
func (r *Repo) SyncFor(id DocumentID, theirs Heads) (SyncMessage, bool) {
	doc, ok := r.Get(id)
	if !ok {
		return SyncMessage{}, false
	}
	return SyncMessage{Heads: doc.Heads(), Changes: doc.ChangesSince(theirs)}, true
}

// RequestMessage asks a peer for a whole document.
func RequestMessage() SyncMessage {
	return SyncMessage{Heads: Heads{}}
}

// ReceiveSync applies an incoming sync message and returns the reply to
// send, or nil when both sides hold the same changes.
func (r *Repo) ReceiveSync(id DocumentID, msg SyncMessage) (*SyncMessage, error) {
	doc, ok := r.Get(id)
	if !ok {
		if len(msg.Changes) == 0 {
			if len(msg.Heads) == 0 {
				// A request for a document we do not hold.
				return nil, nil
			}
			return &SyncMessage{Heads: Heads{}}, nil
		}
		fresh := newDoc(id, r.peerID)
		if _, err := fresh.ApplyChanges(msg.Changes); err != nil {
			return nil, fmt.Errorf("apply changes to %s: %w", id, err)
		}
		doc = r.adopt(fresh)
		if doc != fresh {
			if _, err := doc.ApplyChanges(msg.Changes); err != nil {
				return nil, fmt.Errorf("apply changes to %s: %w", id, err)
			}
		}
	} else if _, err := doc.ApplyChanges(msg.Changes); err != nil {
		return nil, fmt.Errorf("apply changes to %s: %w", id, err)
	}

	theirs := msg.Heads.Clone()
	for _, ch := range msg.Changes {
		if ch.Seq > theirs[ch.Actor] {
			theirs[ch.Actor] = ch.Seq
		}
	}

	ours := doc.Heads()
	missing := doc.ChangesSince(theirs)
	if len(missing) == 0 && ours.Covers(theirs) {
		return nil, nil
	}
	return &SyncMessage{Heads: ours, Changes: missing}, nil
}
