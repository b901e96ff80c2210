package replication

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"
)

const outboxSize = 256

type linkOptions struct {
	// kind labels metrics and logs: mesh, edge or relay.
	kind     string
	localID  string
	metadata map[string]any
	// answerJoin makes the link reply to join with peer instead of sending
	// its own join first.
	answerJoin bool
	logger     *slog.Logger

	onOpen    func()
	onMessage func(Envelope)
	// onClosed runs once. opened reports whether onOpen ran before.
	onClosed func(opened bool, err error)
}

// link runs the handshake, read loop and write loop shared by every
// connection type.
type link struct {
	opts      linkOptions
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	outbox chan []byte
	done   chan struct{}

	mu         sync.Mutex
	state      ConnectionState
	remoteID   string
	remoteMeta map[string]any

	openOnce  sync.Once
	closeOnce sync.Once
}

func newLink(t Transport, opts linkOptions) *link {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		opts:      opts,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		outbox:    make(chan []byte, outboxSize),
		done:      make(chan struct{}),
	}
}

// start queues the join before reading so it precedes any sync traffic.
func (l *link) start() {
	if !l.opts.answerJoin {
		if err := l.sendEnvelope(joinEnvelope(l.opts.localID, l.opts.metadata)); err != nil {
			l.close(err)
			return
		}
	}
	go l.writeLoop()
	go l.readLoop()
}

func (l *link) PeerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteID
}

func (l *link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// remoteMetadata returns a copy of the metadata the remote peer announced.
func (l *link) remoteMetadata() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.remoteMeta)
}

func (l *link) sendEnvelope(env Envelope) error {
	env.SenderID = l.opts.localID
	if env.TargetID == "" && env.Type != MessageJoin {
		env.TargetID = l.PeerID()
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case l.outbox <- data:
		messagesSent.WithLabelValues(l.opts.kind, string(env.Type)).Inc()
		return nil
	case <-l.done:
		return ErrConnectionClosed
	}
}

// Close sends leave and closes the transport.
func (l *link) Close() error {
	if l.State() == StateOpen {
		leave, err := EncodeEnvelope(Envelope{Type: MessageLeave, SenderID: l.opts.localID, TargetID: l.PeerID()})
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = l.transport.WriteMessage(ctx, leave)
			cancel()
		}
	}
	l.close(nil)
	return nil
}

func (l *link) close(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		opened := l.state == StateOpen
		l.state = StateClosed
		l.mu.Unlock()

		l.cancel()
		close(l.done)
		_ = l.transport.Close()

		if err != nil && !errors.Is(err, ErrTransportClosed) && !errors.Is(err, context.Canceled) {
			l.opts.logger.Warn("close", slog.String("replicator", l.opts.kind),
				slog.String("peer", l.PeerID()), slog.Any("error", err))
		} else {
			l.opts.logger.Debug("close", slog.String("replicator", l.opts.kind), slog.String("peer", l.PeerID()))
		}
		if opened {
			connectionsClosed.WithLabelValues(l.opts.kind).Inc()
			openConnections.WithLabelValues(l.opts.kind).Dec()
		}
		if l.opts.onClosed != nil {
			l.opts.onClosed(opened, err)
		}
	})
}

func (l *link) readLoop() {
	for {
		data, err := l.transport.ReadMessage(l.ctx)
		if err != nil {
			l.close(err)
			return
		}
		bytesTransferred.WithLabelValues(l.opts.kind, "in").Add(float64(len(data)))
		env, err := DecodeEnvelope(data)
		if err != nil {
			messagesDropped.WithLabelValues(l.opts.kind, "decode").Inc()
			l.opts.logger.Warn("dropping undecodable envelope", slog.String("replicator", l.opts.kind), slog.Any("error", err))
			continue
		}
		messagesReceived.WithLabelValues(l.opts.kind, string(env.Type)).Inc()
		l.handle(env)
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case data := <-l.outbox:
			if err := l.transport.WriteMessage(l.ctx, data); err != nil {
				l.close(err)
				return
			}
			bytesTransferred.WithLabelValues(l.opts.kind, "out").Add(float64(len(data)))
		case <-l.done:
			return
		}
	}
}

func (l *link) handle(env Envelope) {
	if env.TargetID != "" && env.TargetID != l.opts.localID {
		messagesDropped.WithLabelValues(l.opts.kind, "target").Inc()
		return
	}
	switch env.Type {
	case MessageJoin:
		l.setRemote(env)
		if l.opts.answerJoin {
			reply := Envelope{
				Type:                      MessagePeer,
				TargetID:                  env.SenderID,
				PeerMetadata:              l.opts.metadata,
				SupportedProtocolVersions: []string{ProtocolVersion},
			}
			if err := l.sendEnvelope(reply); err != nil {
				l.close(err)
				return
			}
		}
		l.opened()
	case MessagePeer:
		l.setRemote(env)
		l.opened()
	case MessageLeave:
		l.close(nil)
	default:
		if l.State() != StateOpen {
			messagesDropped.WithLabelValues(l.opts.kind, "early").Inc()
			return
		}
		if l.opts.onMessage != nil {
			l.opts.onMessage(env)
		}
	}
}

func (l *link) setRemote(env Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	l.remoteID = env.SenderID
	l.remoteMeta = maps.Clone(env.PeerMetadata)
}

func (l *link) opened() {
	l.openOnce.Do(func() {
		l.mu.Lock()
		if l.state != StateConnecting {
			l.mu.Unlock()
			return
		}
		l.state = StateOpen
		l.mu.Unlock()
		connectionsOpened.WithLabelValues(l.opts.kind).Inc()
		openConnections.WithLabelValues(l.opts.kind).Inc()
		l.opts.logger.Debug("connect", slog.String("replicator", l.opts.kind), slog.String("peer", l.PeerID()))
		if l.opts.onOpen != nil {
			l.opts.onOpen()
		}
	})
}
