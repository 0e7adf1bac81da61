// Package transport abstracts the unreliable bearer between two peers.
//
// A Channel offers an immediate request/reply round trip while the other
// peer is reachable, and a one-way Send for fire-and-forget messages.
// Durable delivery of messages that could not be sent right away is the
// coordinator's job; the channel only reports whether the peer is
// reachable and tells subscribers when that changes.
//
// Two implementations exist: Pipe, an in-process pair used by tests and the
// simulator, and the websocket bearer in subpackage wsock.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/sprintsync/internal/wire"
)

var (
	// ErrUnavailable means there is no counterpart at all: not paired, not
	// installed, or the channel is closed. Retrying will not help.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrUnreachable means the counterpart exists but cannot be reached
	// right now.
	ErrUnreachable = errors.New("peer unreachable")
)

// RemoteError is returned by Request when the other peer answered with an
// error reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// Handler serves inbound messages. A nil reply with a nil error means the
// message needs no answer.
type Handler interface {
	Serve(ctx context.Context, msg wire.Message) (wire.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg wire.Message) (wire.Message, error)

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, msg wire.Message) (wire.Message, error) {
	return f(ctx, msg)
}

// Channel is one peer's end of the bearer.
type Channel interface {
	// Request sends msg and waits for the reply.
	Request(ctx context.Context, msg wire.Message) (wire.Message, error)
	// Send delivers msg without waiting for a reply.
	Send(ctx context.Context, msg wire.Message) error
	// Reachable reports whether the peer can be reached right now.
	Reachable() bool
	// Reachability delivers the latest reachability after each change.
	// Only the most recent value is buffered.
	Reachability() <-chan bool
	// SetHandler installs the handler for inbound messages.
	SetHandler(h Handler)
	// Close releases the channel. Later calls fail with ErrUnavailable.
	Close() error
}

// Notifier publishes reachability changes to one subscriber, keeping only
// the latest value when the subscriber falls behind.
type Notifier struct {
	mu   sync.Mutex
	ch   chan bool
	last bool
}

// NewNotifier returns a notifier whose current value is initial. Nothing
// is delivered until the value changes.
func NewNotifier(initial bool) *Notifier {
	return &Notifier{ch: make(chan bool, 1), last: initial}
}

// C returns the subscription channel.
func (n *Notifier) C() <-chan bool {
	return n.ch
}

// Publish records v and notifies the subscriber if v differs from the
// previous value.
func (n *Notifier) Publish(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.last == v {
		return
	}
	n.last = v

	select {
	case <-n.ch:
	default:
	}
	n.ch <- v
}

// ReplyError turns an ErrorReply into a *RemoteError and passes any other
// message through.
func ReplyError(msg wire.Message) (wire.Message, error) {
	if er, ok := msg.(wire.ErrorReply); ok {
		return nil, &RemoteError{Message: er.Error}
	}
	return msg, nil
}

// ServeOrError runs h and converts a handler error into an ErrorReply so
// the requester always gets an answer.
func ServeOrError(ctx context.Context, h Handler, msg wire.Message) wire.Message {
	if h == nil {
		return wire.ErrorReply{Error: "no handler installed"}
	}
	reply, err := h.Serve(ctx, msg)
	if err != nil {
		return wire.ErrorReply{Error: err.Error()}
	}
	return reply
}
