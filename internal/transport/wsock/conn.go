// Package wsock carries wire frames over a websocket.
//
// The primary runs a Server (mounted on a chi router) and the companion
// runs a Client that dials it and redials after a drop. Either side may
// send requests; replies are matched to requests by frame ID.
package wsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/roach88/sprintsync/internal/transport"
	"github.com/roach88/sprintsync/internal/wire"
)

// maxFrame bounds one inbound frame. A full program is well under this.
const maxFrame = 4 << 20

var errConnClosed = errors.New("connection closed")

// conn is one live websocket plus its in-flight requests.
type conn struct {
	ws      *websocket.Conn
	prefix  string
	handler func() transport.Handler
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan wire.Message
	closed  bool
	seq     atomic.Uint64
	done    chan struct{}
}

func newConn(ws *websocket.Conn, prefix string, handler func() transport.Handler, logger *slog.Logger) *conn {
	ws.SetReadLimit(maxFrame)
	return &conn{
		ws:      ws,
		prefix:  prefix,
		handler: handler,
		logger:  logger,
		pending: make(map[string]chan wire.Message),
		done:    make(chan struct{}),
	}
}

func (c *conn) nextID() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.seq.Add(1))
}

// run reads frames until the connection fails or ctx ends.
func (c *conn) run(ctx context.Context) error {
	defer c.shutdown()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}

		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		if f.ReplyTo != "" {
			c.resolve(f.ReplyTo, f.Message)
			continue
		}

		go c.serve(ctx, f)
	}
}

func (c *conn) serve(ctx context.Context, f wire.Frame) {
	reply := transport.ServeOrError(ctx, c.handler(), f.Message)
	if reply == nil {
		return
	}
	if err := c.write(ctx, wire.Frame{ID: c.nextID(), ReplyTo: f.ID, Message: reply}); err != nil {
		c.logger.Debug("reply not sent", "action", reply.Action(), "error", err)
	}
}

func (c *conn) resolve(id string, msg wire.Message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("reply for unknown request", "reply_to", id)
		return
	}
	ch <- msg
}

func (c *conn) request(ctx context.Context, msg wire.Message) (wire.Message, error) {
	id := c.nextID()
	ch := make(chan wire.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrUnreachable
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(ctx, wire.Frame{ID: id, Message: msg}); err != nil {
		forget()
		return nil, err
	}

	select {
	case reply := <-ch:
		return transport.ReplyError(reply)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, errConnClosed)
	}
}

func (c *conn) send(ctx context.Context, msg wire.Message) error {
	return c.write(ctx, wire.Frame{ID: c.nextID(), Message: msg})
}

func (c *conn) write(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return nil
}

func (c *conn) close(reason string) {
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
}

// shutdown fails every waiting request.
func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = map[string]chan wire.Message{}
	close(c.done)
	_ = c.ws.CloseNow()
}

// endpoint is the Channel half shared by Server and Client: it tracks the
// current connection and the handler.
type endpoint struct {
	logger *slog.Logger
	notify *transport.Notifier

	mu      sync.RWMutex
	current *conn
	handler transport.Handler
	closed  bool
}

func (e *endpoint) init(logger *slog.Logger) {
	e.logger = logger
	e.notify = transport.NewNotifier(false)
}

// attach makes c current and returns the connection it displaced.
func (e *endpoint) attach(c *conn) *conn {
	e.mu.Lock()
	old := e.current
	e.current = c
	e.mu.Unlock()
	e.notify.Publish(true)
	return old
}

func (e *endpoint) detach(c *conn) {
	e.mu.Lock()
	if e.current != c {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.mu.Unlock()
	e.notify.Publish(false)
}

func (e *endpoint) conn() (*conn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, transport.ErrUnavailable
	}
	if e.current == nil {
		return nil, transport.ErrUnreachable
	}
	return e.current, nil
}

func (e *endpoint) currentHandler() transport.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

// SetHandler installs the inbound handler.
func (e *endpoint) SetHandler(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Request sends msg over the current connection and waits for the reply.
func (e *endpoint) Request(ctx context.Context, msg wire.Message) (wire.Message, error) {
	c, err := e.conn()
	if err != nil {
		return nil, err
	}
	return c.request(ctx, msg)
}

// Send writes msg without waiting for a reply.
func (e *endpoint) Send(ctx context.Context, msg wire.Message) error {
	c, err := e.conn()
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// Reachable reports whether a connection is up.
func (e *endpoint) Reachable() bool {
	_, err := e.conn()
	return err == nil
}

// Reachability returns the change notification channel.
func (e *endpoint) Reachability() <-chan bool {
	return e.notify.C()
}

func (e *endpoint) shut(reason string) {
	e.mu.Lock()
	e.closed = true
	c := e.current
	e.current = nil
	e.mu.Unlock()

	if c != nil {
		c.close(reason)
	}
	e.notify.Publish(false)
}
