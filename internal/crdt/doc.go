// Package crdt is the document substrate under the object graph: replicated
// documents with point reads, atomic multi-path changes, stable text cursors
// and a small heads-based sync exchange.
//
// Documents are op logs. Every change carries a Lamport timestamp and every
// replica materializes state by folding all known changes in (lamport, actor,
// seq) order, so replicas holding the same changes hold the same state.
// Concurrent writes to the same path resolve last-writer-wins.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aidanlsb/echo/internal/keys"
)

// URLPrefix is the scheme of document URLs.
const URLPrefix = "echo-doc:"

// ErrInvalidURL is returned for malformed document URLs.
var ErrInvalidURL = errors.New("invalid document url")

// DocumentID identifies a document across replicas.
type DocumentID string

// URL returns the document URL for the id.
func (id DocumentID) URL() string {
	return URLPrefix + string(id)
}

// ParseURL extracts the document id from a document URL.
func ParseURL(url string) (DocumentID, error) {
	if !strings.HasPrefix(url, URLPrefix) || len(url) == len(URLPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	return DocumentID(strings.TrimPrefix(url, URLPrefix)), nil
}

// OpKind is the kind of a single document operation.
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpDelete
)

// Op is one write inside a change.
type Op struct {
	Kind  OpKind   `cbor:"k"`
	Path  []string `cbor:"p"`
	Value any      `cbor:"v,omitempty"`
}

// Change is an atomic group of ops authored by one actor.
type Change struct {
	Actor   string `cbor:"a"`
	Seq     uint64 `cbor:"s"`
	Lamport uint64 `cbor:"l"`
	Ops     []Op   `cbor:"o"`
}

func (c Change) before(o Change) bool {
	if c.Lamport != o.Lamport {
		return c.Lamport < o.Lamport
	}
	if c.Actor != o.Actor {
		return c.Actor < o.Actor
	}
	return c.Seq < o.Seq
}

// Heads maps each actor to the highest contiguous sequence number known.
type Heads map[string]uint64

// Clone returns a copy of h.
func (h Heads) Clone() Heads {
	out := make(Heads, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Covers reports whether h includes everything in other.
func (h Heads) Covers(other Heads) bool {
	for actor, seq := range other {
		if h[actor] < seq {
			return false
		}
	}
	return true
}

// Equal reports whether both heads describe the same changes.
func (h Heads) Equal(other Heads) bool {
	return h.Covers(other) && other.Covers(h)
}

// ChangeEvent describes one applied change batch.
type ChangeEvent struct {
	Doc *Doc
	// Paths lists every path written by the batch.
	Paths []Path
	// Local is true for changes made through Change on this replica.
	Local bool
}

// Touches reports whether any written path overlaps p.
func (e ChangeEvent) Touches(p Path) bool {
	for _, written := range e.Paths {
		if written.Overlaps(p) {
			return true
		}
	}
	return false
}

// Doc is a replicated document.
type Doc struct {
	id    DocumentID
	actor string

	// writeMu is held for the duration of a local change.
	writeMu sync.Mutex

	mu        sync.Mutex
	changes   []Change
	heads     Heads
	lamport   uint64
	state     map[string]any
	inChange  bool
	pending   []Change
	dirty     bool
	listeners map[int]func(ChangeEvent)
	nextID    int
}

// NewDoc creates an empty document with a random id and actor.
func NewDoc() *Doc {
	return newDoc(DocumentID(keys.NewDocumentID()), keys.NewPeerID())
}

func newDoc(id DocumentID, actor string) *Doc {
	return &Doc{
		id:        id,
		actor:     actor,
		heads:     Heads{},
		state:     map[string]any{},
		listeners: map[int]func(ChangeEvent){},
	}
}

// ID returns the document id.
func (d *Doc) ID() DocumentID {
	return d.id
}

// URL returns the document URL.
func (d *Doc) URL() string {
	return d.id.URL()
}

// Get returns a copy of the value at path.
func (d *Doc) Get(path Path) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := lookup(d.state, path)
	if !ok {
		return nil, false
	}
	return Clone(v), true
}

// Snapshot returns a copy of the whole document state.
func (d *Doc) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Clone(d.state).(map[string]any)
}

// Heads returns the heads of the document.
func (d *Doc) Heads() Heads {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heads.Clone()
}

// ChangesSince returns the changes not covered by heads, in apply order.
func (d *Doc) ChangesSince(heads Heads) []Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Change
	for _, ch := range d.changes {
		if ch.Seq > heads[ch.Actor] {
			out = append(out, ch)
		}
	}
	return out
}

// OnChange registers fn for every applied change batch. Listeners run after
// the batch is committed, outside the document lock.
func (d *Doc) OnChange(fn func(ChangeEvent)) (cancel func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Tx stages writes inside Change. Writes are visible to reads on the
// document as soon as they are made.
type Tx struct {
	doc *Doc
	ops []Op
}

// Set writes value at path.
func (tx *Tx) Set(path Path, value any) error {
	v, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	op := Op{Kind: OpSet, Path: append([]string(nil), path...), Value: v}
	tx.doc.mu.Lock()
	applyOp(tx.doc.state, op)
	tx.doc.mu.Unlock()
	tx.ops = append(tx.ops, op)
	return nil
}

// Delete removes the value at path.
func (tx *Tx) Delete(path Path) {
	op := Op{Kind: OpDelete, Path: append([]string(nil), path...)}
	tx.doc.mu.Lock()
	applyOp(tx.doc.state, op)
	tx.doc.mu.Unlock()
	tx.ops = append(tx.ops, op)
}

// Get reads through the document, including writes staged so far.
func (tx *Tx) Get(path Path) (any, bool) {
	return tx.doc.Get(path)
}

// Doc returns the document the transaction writes to.
func (tx *Tx) Doc() *Doc {
	return tx.doc
}

// Change runs fn as one atomic change. If fn returns an error the staged
// writes are discarded. Changes on the same document run one at a time:
// a Change from another goroutine waits for the current one to commit, and
// fn must not call Change on d itself. Remote changes arriving meanwhile
// are applied after fn returns. Listeners run after the next change may
// already have started.
func (d *Doc) Change(fn func(tx *Tx) error) error {
	d.writeMu.Lock()
	d.mu.Lock()
	tx := &Tx{doc: d}
	d.inChange = true
	d.mu.Unlock()

	fnErr := d.run(tx, fn)

	d.mu.Lock()
	d.inChange = false
	pending := d.pending
	d.pending = nil
	var ev *ChangeEvent
	switch {
	case fnErr != nil:
		if len(tx.ops) > 0 {
			d.rebuildLocked()
		}
	case len(tx.ops) > 0:
		d.lamport++
		ch := Change{Actor: d.actor, Seq: d.heads[d.actor] + 1, Lamport: d.lamport, Ops: tx.ops}
		d.heads[d.actor] = ch.Seq
		d.changes = append(d.changes, ch)
		d.dirty = true
		ev = &ChangeEvent{Doc: d, Paths: opPaths(tx.ops), Local: true}
	}
	listeners := d.listenersLocked()
	d.mu.Unlock()
	d.writeMu.Unlock()

	if ev != nil {
		for _, fn := range listeners {
			fn(*ev)
		}
	}
	if len(pending) > 0 {
		if _, err := d.ApplyChanges(pending); err != nil && fnErr == nil {
			return err
		}
	}
	return fnErr
}

// run calls fn, undoing its staged writes and releasing the document if fn
// panics.
func (d *Doc) run(tx *Tx, fn func(tx *Tx) error) error {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.inChange = false
			if len(tx.ops) > 0 {
				d.rebuildLocked()
			}
			d.mu.Unlock()
			d.writeMu.Unlock()
			panic(r)
		}
	}()
	return fn(tx)
}

// ApplyChanges merges changes from another replica and returns how many were
// new. Changes that leave a gap in an actor's sequence are skipped; the
// sender will offer them again on the next exchange.
func (d *Doc) ApplyChanges(changes []Change) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	for _, ch := range changes {
		if ch.Actor == "" || ch.Seq == 0 {
			return 0, fmt.Errorf("%w: change without actor or sequence", ErrUnsupportedValue)
		}
	}

	d.mu.Lock()
	if d.inChange {
		d.pending = append(d.pending, changes...)
		d.mu.Unlock()
		return 0, nil
	}

	sorted := append([]Change(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Actor != sorted[j].Actor {
			return sorted[i].Actor < sorted[j].Actor
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	var paths []Path
	applied := 0
	rebuild := false
	for _, ch := range sorted {
		if ch.Seq != d.heads[ch.Actor]+1 {
			continue
		}
		for i := range ch.Ops {
			v, err := Normalize(ch.Ops[i].Value)
			if err != nil {
				d.mu.Unlock()
				return applied, err
			}
			ch.Ops[i].Value = v
		}
		d.heads[ch.Actor] = ch.Seq
		if ch.Lamport > d.lamport {
			d.lamport = ch.Lamport
		}
		n := len(d.changes)
		if n == 0 || d.changes[n-1].before(ch) {
			d.changes = append(d.changes, ch)
			if !rebuild {
				for _, op := range ch.Ops {
					applyOp(d.state, op)
				}
			}
		} else {
			at := sort.Search(n, func(i int) bool { return ch.before(d.changes[i]) })
			d.changes = append(d.changes, Change{})
			copy(d.changes[at+1:], d.changes[at:])
			d.changes[at] = ch
			rebuild = true
		}
		paths = append(paths, opPaths(ch.Ops)...)
		applied++
	}
	if rebuild {
		d.rebuildLocked()
	}
	if applied > 0 {
		d.dirty = true
	}
	listeners := d.listenersLocked()
	d.mu.Unlock()

	if applied > 0 {
		ev := ChangeEvent{Doc: d, Paths: paths}
		for _, fn := range listeners {
			fn(ev)
		}
	}
	return applied, nil
}

func (d *Doc) rebuildLocked() {
	d.state = map[string]any{}
	for _, ch := range d.changes {
		for _, op := range ch.Ops {
			applyOp(d.state, op)
		}
	}
}

func (d *Doc) listenersLocked() []func(ChangeEvent) {
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(ChangeEvent), len(ids))
	for i, id := range ids {
		out[i] = d.listeners[id]
	}
	return out
}

// takeDirty reports and clears the unsaved flag.
func (d *Doc) takeDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	dirty := d.dirty
	d.dirty = false
	return dirty
}

func (d *Doc) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

func applyOp(state map[string]any, op Op) {
	switch op.Kind {
	case OpSet:
		setPath(state, op.Path, Clone(op.Value))
	case OpDelete:
		deletePath(state, op.Path)
	}
}

func opPaths(ops []Op) []Path {
	out := make([]Path, len(ops))
	for i, op := range ops {
		out[i] = Path(op.Path)
	}
	return out
}
