package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport moves framed binary messages between two endpoints.
type Transport interface {
	WriteMessage(ctx context.Context, data []byte) error
	// ReadMessage blocks until a message arrives, the transport closes or
	// ctx ends.
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory transports. Writes never block.
func Pipe() (Transport, Transport) {
	ab, ba := newQueue(), newQueue()
	return &pipeEnd{in: ba, out: ab}, &pipeEnd{in: ab, out: ba}
}

type pipeEnd struct {
	in, out *queue
}

func (p *pipeEnd) WriteMessage(_ context.Context, data []byte) error {
	return p.out.push(append([]byte(nil), data...))
}

func (p *pipeEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	return p.in.pop(ctx)
}

func (p *pipeEnd) Close() error {
	p.in.close()
	p.out.close()
	return nil
}

// queue is an unbounded FIFO of messages.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	ready  chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrTransportClosed
	}
	q.items = append(q.items, data)
	q.signal()
	return nil
}

func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrTransportClosed
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

const websocketWriteTimeout = 10 * time.Second

// WebSocketTransport carries messages as binary websocket frames.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (w *WebSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(websocketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadMessage skips text frames.
func (w *WebSocketTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrTransportClosed
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *WebSocketTransport) Close() error {
	var err error
	w.once.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
