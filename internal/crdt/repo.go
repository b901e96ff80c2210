package crdt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aidanlsb/echo/internal/keys"
)

// ErrDocumentUnavailable is returned by Find when a document is neither
// stored locally nor delivered by a peer before the context ends.
var ErrDocumentUnavailable = errors.New("document unavailable")

// RepoOptions configures a Repo.
type RepoOptions struct {
	// PeerID is the actor id for local changes. Generated when empty.
	PeerID string

	// Storage receives documents on Flush. Defaults to MemoryStorage.
	Storage Storage

	Logger *slog.Logger
}

// DocumentEvent is emitted for every change applied to any document the
// repo holds, and once when a document first arrives from a peer.
type DocumentEvent struct {
	Doc    *Doc
	Change ChangeEvent
	// Created is set once when the document joins the repo, created
	// locally or arriving from a peer.
	Created bool
}

// Repo holds the documents of one peer.
type Repo struct {
	peerID  string
	storage Storage
	logger  *slog.Logger

	mu        sync.Mutex
	docs      map[DocumentID]*Doc
	cancels   map[DocumentID]func()
	waiters   map[DocumentID][]chan struct{}
	subs      map[int]func(DocumentEvent)
	nextSub   int
	requester func(DocumentID)
}

// NewRepo creates an empty repo.
func NewRepo(opts RepoOptions) *Repo {
	if opts.PeerID == "" {
		opts.PeerID = keys.NewPeerID()
	}
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Repo{
		peerID:  opts.PeerID,
		storage: opts.Storage,
		logger:  opts.Logger.With(slog.String("component", "repo")),
		docs:    map[DocumentID]*Doc{},
		cancels: map[DocumentID]func(){},
		waiters: map[DocumentID][]chan struct{}{},
		subs:    map[int]func(DocumentEvent){},
	}
}

// PeerID returns the local actor id.
func (r *Repo) PeerID() string {
	return r.peerID
}

// Create makes a new document holding initial.
func (r *Repo) Create(initial map[string]any) (*Doc, error) {
	doc := newDoc(DocumentID(keys.NewDocumentID()), r.peerID)
	if len(initial) > 0 {
		err := doc.Change(func(tx *Tx) error {
			return tx.Set(nil, initial)
		})
		if err != nil {
			return nil, fmt.Errorf("initialize document: %w", err)
		}
	} else {
		doc.markDirty()
	}
	r.add(doc)
	r.announce(doc)
	return doc, nil
}

// Get returns a document that is already loaded.
func (r *Repo) Get(id DocumentID) (*Doc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	return doc, ok
}

// Documents returns every loaded document ordered by id.
func (r *Repo) Documents() []*Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Doc, 0, len(r.docs))
	for _, doc := range r.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SetRequester installs the hook Find uses to ask peers for a document it
// does not have.
func (r *Repo) SetRequester(fn func(DocumentID)) {
	r.mu.Lock()
	r.requester = fn
	r.mu.Unlock()
}

// Find returns the document, loading it from storage or waiting for a peer
// to deliver it. It fails with ErrDocumentUnavailable when ctx ends first.
func (r *Repo) Find(ctx context.Context, id DocumentID) (*Doc, error) {
	if doc, ok := r.Get(id); ok {
		return doc, nil
	}

	data, err := r.storage.Load(ctx, id)
	switch {
	case err == nil:
		doc, err := Load(data, r.peerID)
		if err != nil {
			return nil, err
		}
		return r.add(doc), nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	r.mu.Lock()
	if doc, ok := r.docs[id]; ok {
		r.mu.Unlock()
		return doc, nil
	}
	ch := make(chan struct{})
	r.waiters[id] = append(r.waiters[id], ch)
	requester := r.requester
	r.mu.Unlock()

	if requester != nil {
		requester(id)
	}

	select {
	case <-ch:
		doc, _ := r.Get(id)
		return doc, nil
	case <-ctx.Done():
		r.dropWaiter(id, ch)
		return nil, fmt.Errorf("%w: %s: %v", ErrDocumentUnavailable, id, ctx.Err())
	}
}

// Pending returns the documents Find is still waiting for.
func (r *Repo) Pending() []DocumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DocumentID, 0, len(r.waiters))
	for id := range r.waiters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindURL is Find for a document URL.
func (r *Repo) FindURL(ctx context.Context, url string) (*Doc, error) {
	id, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	return r.Find(ctx, id)
}

// Subscribe registers fn for changes on every document.
func (r *Repo) Subscribe(fn func(DocumentEvent)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Flush saves the given documents, or every unsaved document when no ids
// are given.
func (r *Repo) Flush(ctx context.Context, ids ...DocumentID) error {
	var docs []*Doc
	if len(ids) == 0 {
		docs = r.Documents()
	} else {
		for _, id := range ids {
			if doc, ok := r.Get(id); ok {
				docs = append(docs, doc)
			}
		}
	}

	var errs []error
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !doc.takeDirty() {
			continue
		}
		data, err := doc.Save()
		if err == nil {
			err = r.storage.Save(ctx, doc.id, data)
		}
		if err != nil {
			doc.markDirty()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes every document and closes storage.
func (r *Repo) Close(ctx context.Context) error {
	flushErr := r.Flush(ctx)
	r.mu.Lock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
	return errors.Join(flushErr, r.storage.Close())
}

// adopt registers a document replicated from a peer and announces it to
// subscribers.
func (r *Repo) adopt(doc *Doc) *Doc {
	got := r.add(doc)
	if got != doc {
		return got
	}
	doc.markDirty()
	r.announce(doc)
	return doc
}

func (r *Repo) announce(doc *Doc) {
	ev := DocumentEvent{
		Doc:     doc,
		Change:  ChangeEvent{Doc: doc, Paths: []Path{{}}},
		Created: true,
	}
	for _, fn := range r.subscribers() {
		fn(ev)
	}
}

func (r *Repo) subscribers() []func(DocumentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(DocumentEvent), len(ids))
	for i, id := range ids {
		out[i] = r.subs[id]
	}
	return out
}

func (r *Repo) add(doc *Doc) *Doc {
	r.mu.Lock()
	if existing, ok := r.docs[doc.id]; ok {
		r.mu.Unlock()
		return existing
	}
	r.docs[doc.id] = doc
	waiters := r.waiters[doc.id]
	delete(r.waiters, doc.id)
	r.mu.Unlock()

	cancel := doc.OnChange(func(ev ChangeEvent) {
		for _, fn := range r.subscribers() {
			fn(DocumentEvent{Doc: doc, Change: ev})
		}
	})
	r.mu.Lock()
	r.cancels[doc.id] = cancel
	r.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	r.logger.Debug("document available", slog.String("doc", string(doc.id)))
	return doc
}

func (r *Repo) dropWaiter(id DocumentID, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[id]
	for i, w := range list {
		if w == ch {
			r.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[id]) == 0 {
		delete(r.waiters, id)
	}
}
