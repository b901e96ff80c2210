// Package peer wires a document repo, the sync host, the object graph and
// its indexes into one local echo peer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aidanlsb/echo/internal/config"
	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/echo"
	"github.com/aidanlsb/echo/internal/index"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/replication"
	"github.com/aidanlsb/echo/internal/schema"
)

// ErrClosed is returned by a peer after Close.
var ErrClosed = errors.New("peer closed")

// Options configures New.
type Options struct {
	// PeerID is generated when empty.
	PeerID string
	// Storage receives flushed documents. Nil keeps them in memory.
	Storage  crdt.Storage
	Registry *schema.Registry

	// IndexStore persists indexes. Nil keeps them in memory.
	IndexStore *index.Store
	IndexKinds []index.Kind
	// DisableIndex runs queries against loaded spaces only.
	DisableIndex bool

	LoadTimeout time.Duration
	Logger      *slog.Logger
}

// Peer is one local participant in replication.
type Peer struct {
	repo    *crdt.Repo
	host    *replication.Host
	graph   *echo.Hypergraph
	index   *index.Manager
	indexer *echo.Indexer

	loadTimeout      time.Duration
	logger           *slog.Logger
	unregisterSource func()

	mu          sync.Mutex
	closed      bool
	dbs         map[keys.SpaceKey]*echo.Database
	replicators []replication.Replicator
	// owned are the stores Open created, closed last.
	owned []func() error
}

// New assembles a peer. Callers own opts.Storage and opts.IndexStore.
func New(ctx context.Context, opts Options) (*Peer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = schema.NewRegistry()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = echo.DefaultLoadTimeout
	}

	repo := crdt.NewRepo(crdt.RepoOptions{PeerID: opts.PeerID, Storage: opts.Storage, Logger: opts.Logger})
	p := &Peer{
		repo:        repo,
		host:        replication.NewHost(replication.HostOptions{Repo: repo, Logger: opts.Logger}),
		graph:       echo.NewHypergraph(echo.HypergraphOptions{Registry: opts.Registry, Logger: opts.Logger}),
		loadTimeout: opts.LoadTimeout,
		logger:      opts.Logger.With(slog.String("peer", repo.PeerID())),
		dbs:         map[keys.SpaceKey]*echo.Database{},
	}

	if !opts.DisableIndex {
		manager, err := index.NewManager(ctx, index.ManagerOptions{
			Store:  opts.IndexStore,
			Kinds:  opts.IndexKinds,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open indexes: %w", err)
		}
		p.index = manager
		p.indexer = echo.NewIndexer(p.graph, manager, opts.Logger)
		p.indexer.Start()
		p.unregisterSource = p.graph.RegisterQuerySourceProvider(&echo.IndexQuerySourceProvider{
			Graph:   p.graph,
			Index:   manager,
			Logger:  opts.Logger,
			Timeout: opts.LoadTimeout,
		})
	}

	p.host.Start()
	p.logger.Debug("peer started", slog.Bool("index", p.index != nil))
	return p, nil
}

// Open builds a peer from configuration, opening the document and index
// stores it names and any configured relay. A peer id is created in state
// when it has none; the caller saves state.
func Open(ctx context.Context, cfg *config.Config, state *config.State, logger *slog.Logger) (*Peer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state.PeerID == "" {
		state.PeerID = keys.NewPeerID()
	}

	registry := schema.NewRegistry()
	for _, path := range cfg.Peer.Schemas {
		if err := schema.LoadInto(registry, path); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", path, err)
		}
	}

	// The repo closes storage; owned lists what else the peer must release.
	var owned []func() error
	var storage crdt.Storage
	release := func() {
		for i := len(owned) - 1; i >= 0; i-- {
			_ = owned[i]()
		}
		if storage != nil {
			_ = storage.Close()
		}
	}

	if cfg.Storage.Dir != "" {
		bc := crdt.DefaultBadgerConfig(cfg.Storage.Dir)
		bc.SyncWrites = cfg.Storage.SyncWrites
		bc.Logger = logger.With(slog.String("component", "badger"))
		bs, err := crdt.OpenBadgerStorage(bc)
		if err != nil {
			return nil, err
		}
		storage = bs
	}

	var store *index.Store
	if !cfg.Index.Disabled && cfg.Index.Dir != "" {
		s, err := index.OpenStore(cfg.Index.Dir)
		if err != nil {
			release()
			return nil, err
		}
		store = s
		owned = append(owned, s.Close)
	}

	p, err := New(ctx, Options{
		PeerID:       state.PeerID,
		Storage:      storage,
		Registry:     registry,
		IndexStore:   store,
		IndexKinds:   cfg.IndexKinds(),
		DisableIndex: cfg.Index.Disabled,
		LoadTimeout:  cfg.Peer.LoadTimeout.Duration,
		Logger:       logger,
	})
	if err != nil {
		release()
		return nil, err
	}
	p.owned = owned

	if cfg.Replication.RelayURL != "" {
		edge, err := replication.NewEdgeReplicator(replication.EdgeOptions{URL: cfg.Replication.RelayURL, Logger: logger})
		if err != nil {
			_ = p.Close(ctx)
			return nil, err
		}
		if err := p.AddReplicator(ctx, edge); err != nil {
			_ = p.Close(ctx)
			return nil, err
		}
	}
	return p, nil
}

func (p *Peer) ID() string { return p.repo.PeerID() }

func (p *Peer) Repo() *crdt.Repo { return p.repo }

func (p *Peer) Host() *replication.Host { return p.host }

func (p *Peer) Graph() *echo.Hypergraph { return p.graph }

// Index returns the index manager, nil when indexing is disabled.
func (p *Peer) Index() *index.Manager { return p.index }

// AddReplicator connects r to the peer's sync host. Spaces already open
// are joined on replicators that connect per space.
func (p *Peer) AddReplicator(ctx context.Context, r replication.Replicator) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()
	if err := r.Connect(ctx, p.host); err != nil {
		return err
	}
	p.mu.Lock()
	p.replicators = append(p.replicators, r)
	spaces := make([]keys.SpaceKey, 0, len(p.dbs))
	for key := range p.dbs {
		spaces = append(spaces, key)
	}
	p.mu.Unlock()
	for _, key := range spaces {
		p.joinSpace(ctx, r, key)
	}
	return nil
}

// CreateDatabase creates a new space root document for key.
func (p *Peer) CreateDatabase(ctx context.Context, key keys.SpaceKey) (*echo.Database, error) {
	return p.OpenDatabase(ctx, key, "")
}

// OpenDatabase opens the space whose root document is rootURL, waiting for
// replicators to deliver it when it is not stored locally. An empty
// rootURL creates the space.
func (p *Peer) OpenDatabase(ctx context.Context, key keys.SpaceKey, rootURL string) (*echo.Database, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if db, ok := p.dbs[key]; ok {
		p.mu.Unlock()
		return db, nil
	}
	replicators := append([]replication.Replicator(nil), p.replicators...)
	p.mu.Unlock()

	for _, r := range replicators {
		p.joinSpace(ctx, r, key)
	}
	db, err := echo.OpenDatabase(ctx, echo.DatabaseOptions{
		Graph:       p.graph,
		Repo:        p.repo,
		SpaceKey:    key,
		RootURL:     rootURL,
		Owner:       p,
		Logger:      p.logger,
		LoadTimeout: p.loadTimeout,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.dbs[key]; ok {
		p.mu.Unlock()
		_ = db.Close()
		return existing, nil
	}
	p.dbs[key] = db
	p.mu.Unlock()

	if p.indexer != nil {
		if err := p.indexer.IndexDatabase(ctx, db); err != nil {
			p.logger.Warn("failed to index space", slog.String("space", key.String()), slog.Any("error", err))
		}
	}
	return db, nil
}

// Database returns an open database.
func (p *Peer) Database(key keys.SpaceKey) (*echo.Database, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	db, ok := p.dbs[key]
	return db, ok
}

// CloseDatabase closes one space and leaves its relay socket.
func (p *Peer) CloseDatabase(key keys.SpaceKey) error {
	p.mu.Lock()
	db, ok := p.dbs[key]
	delete(p.dbs, key)
	replicators := append([]replication.Replicator(nil), p.replicators...)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	for _, r := range replicators {
		if sc, ok := r.(spaceConnector); ok {
			_ = sc.DisconnectFromSpace(key)
		}
	}
	return db.Close()
}

// RememberSpaces records the root of every open space in state.
func (p *Peer) RememberSpaces(state *config.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, db := range p.dbs {
		state.RememberSpace(key, db.RootURL())
	}
}

// Flush persists every pending document change and saves the indexes.
func (p *Peer) Flush(ctx context.Context) error {
	errs := []error{p.repo.Flush(ctx)}
	if p.index != nil {
		errs = append(errs, p.index.Save(ctx))
	}
	return errors.Join(errs...)
}

// Close disconnects replicators, closes every database, flushes documents
// and indexes and releases the stores Open created.
func (p *Peer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	replicators := p.replicators
	p.replicators = nil
	dbs := make([]*echo.Database, 0, len(p.dbs))
	for _, db := range p.dbs {
		dbs = append(dbs, db)
	}
	p.dbs = map[keys.SpaceKey]*echo.Database{}
	owned := p.owned
	p.owned = nil
	p.mu.Unlock()

	var errs []error
	for _, r := range replicators {
		errs = append(errs, r.Disconnect())
	}
	p.host.Stop()
	if p.indexer != nil {
		p.indexer.Stop()
	}
	if p.unregisterSource != nil {
		p.unregisterSource()
	}
	for _, db := range dbs {
		errs = append(errs, db.Close())
	}
	errs = append(errs, p.repo.Close(ctx))
	if p.index != nil {
		errs = append(errs, p.index.Close(ctx))
	}
	for i := len(owned) - 1; i >= 0; i-- {
		errs = append(errs, owned[i]())
	}
	return errors.Join(errs...)
}

// spaceConnector is implemented by replicators that hold one connection
// per space.
type spaceConnector interface {
	ConnectToSpace(ctx context.Context, key keys.SpaceKey) error
	DisconnectFromSpace(key keys.SpaceKey) error
}

func (p *Peer) joinSpace(ctx context.Context, r replication.Replicator, key keys.SpaceKey) {
	sc, ok := r.(spaceConnector)
	if !ok {
		return
	}
	if err := sc.ConnectToSpace(ctx, key); err != nil {
		p.logger.Warn("failed to join space", slog.String("space", key.String()), slog.Any("error", err))
	}
}
