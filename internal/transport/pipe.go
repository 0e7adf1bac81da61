package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/sprintsync/internal/wire"
)

// Link is the shared state between the two ends of a Pipe.
type Link struct {
	mu        sync.Mutex
	reachable bool
	available bool
	latency   time.Duration
	ends      [2]*Endpoint
}

// NewPipe returns two connected endpoints. The link starts available and
// reachable.
func NewPipe() (*Endpoint, *Endpoint, *Link) {
	l := &Link{reachable: true, available: true}
	a := &Endpoint{link: l, side: 0, notify: NewNotifier(true)}
	b := &Endpoint{link: l, side: 1, notify: NewNotifier(true)}
	l.ends = [2]*Endpoint{a, b}
	return a, b, l
}

// SetReachable flips reachability and notifies both ends.
func (l *Link) SetReachable(v bool) {
	l.mu.Lock()
	l.reachable = v
	ends := l.ends
	l.mu.Unlock()

	for _, e := range ends {
		e.notify.Publish(e.Reachable())
	}
}

// SetAvailable simulates the counterpart being installed or removed.
func (l *Link) SetAvailable(v bool) {
	l.mu.Lock()
	l.available = v
	ends := l.ends
	l.mu.Unlock()

	for _, e := range ends {
		e.notify.Publish(e.Reachable())
	}
}

// SetLatency delays every delivery by d.
func (l *Link) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

func (l *Link) state() (reachable, available bool, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reachable, l.available, l.latency
}

// Endpoint is one end of a Pipe. Every message is encoded to a wire frame
// and decoded on the other side, exactly as a real bearer would.
type Endpoint struct {
	link   *Link
	side   int
	notify *Notifier

	mu      sync.RWMutex
	handler Handler
	closed  bool
	seq     int
}

var _ Channel = (*Endpoint)(nil)

func (e *Endpoint) peer() *Endpoint {
	return e.link.ends[1-e.side]
}

// SetHandler installs the inbound handler.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Endpoint) currentHandler() (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler, !e.closed
}

// Reachable reports whether a request would currently be delivered.
func (e *Endpoint) Reachable() bool {
	reachable, available, _ := e.link.state()
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	return reachable && available && !closed
}

// Reachability returns the change notification channel.
func (e *Endpoint) Reachability() <-chan bool {
	return e.notify.C()
}

// Request delivers msg to the other end's handler and returns its reply.
func (e *Endpoint) Request(ctx context.Context, msg wire.Message) (wire.Message, error) {
	id, err := e.check()
	if err != nil {
		return nil, err
	}

	reply, err := e.deliver(ctx, wire.Frame{ID: id, Message: msg})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%s: no reply", msg.Action())
	}
	return ReplyError(reply)
}

// Send delivers msg and discards any reply.
func (e *Endpoint) Send(ctx context.Context, msg wire.Message) error {
	id, err := e.check()
	if err != nil {
		return err
	}
	_, err = e.deliver(ctx, wire.Frame{ID: id, Message: msg})
	return err
}

// Close detaches this end. The other end sees it as unavailable.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.notify.Publish(false)
	e.peer().notify.Publish(false)
	return nil
}

func (e *Endpoint) check() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrUnavailable
	}
	reachable, available, _ := e.link.state()
	if !available {
		return "", ErrUnavailable
	}
	if !reachable {
		return "", ErrUnreachable
	}
	e.seq++
	return fmt.Sprintf("p%d-%d", e.side, e.seq), nil
}

func (e *Endpoint) deliver(ctx context.Context, f wire.Frame) (wire.Message, error) {
	data, err := wire.Encode(f)
	if err != nil {
		return nil, err
	}

	_, _, latency := e.link.state()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Reachability may have dropped while in flight.
	if reachable, available, _ := e.link.state(); !available {
		return nil, ErrUnavailable
	} else if !reachable {
		return nil, ErrUnreachable
	}

	h, open := e.peer().currentHandler()
	if !open {
		return nil, ErrUnavailable
	}

	in, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	reply := ServeOrError(ctx, h, in.Message)
	if reply == nil {
		return nil, nil
	}

	out, err := wire.Encode(wire.Frame{ID: f.ID + "-r", ReplyTo: f.ID, Message: reply})
	if err != nil {
		return nil, err
	}
	back, err := wire.Decode(out)
	if err != nil {
		return nil, err
	}
	return back.Message, nil
}
