// Package actor provides the single-writer goroutine each peer uses to
// mutate its local state.
//
// Components that own mutable peer state (the session store, the sync
// identity) never lock around their writes. They submit closures to one
// Actor, and the Actor runs them one at a time, in order, on the goroutine
// that called Run. Two writers cannot race because there is only one.
//
// Thread-safety model:
//   - Do, Go: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// Do called from inside a task runs inline instead of queueing, so a task
// may call other actor-backed methods without deadlocking.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStopped is returned for work submitted to, or pending in, an actor
// whose Run loop has exited.
var ErrStopped = errors.New("actor stopped")

type ctxKey struct{}

// Actor serializes closures onto one goroutine.
type Actor struct {
	name   string
	queue  *taskQueue
	done   chan struct{}
	logger *slog.Logger
}

// Option configures an Actor.
type Option func(*Actor)

// WithLogger sets the logger used for fire-and-forget task failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) {
		a.logger = l
	}
}

// New creates an actor. Nothing runs until Run is called.
func New(name string, opts ...Option) *Actor {
	a := &Actor{
		name:   name,
		queue:  newTaskQueue(),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Inside reports whether ctx belongs to a task running on a.
func (a *Actor) Inside(ctx context.Context) bool {
	owner, _ := ctx.Value(ctxKey{}).(*Actor)
	return owner == a
}

// Do runs fn on the actor goroutine and returns its error.
// It blocks until fn has run, ctx is done, or the actor stops. If ctx ends
// first, fn may still run later.
func (a *Actor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.Inside(ctx) {
		return fn(ctx)
	}

	result := make(chan error, 1)
	if !a.queue.Enqueue(task{fn: fn, result: result}) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		// Run may have delivered the result just before exiting.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Go queues fn without waiting. Errors are logged under label.
// Returns false if the actor has stopped.
func (a *Actor) Go(label string, fn func(ctx context.Context) error) bool {
	return a.queue.Enqueue(task{fn: fn, label: label})
}

// Pending returns the number of queued tasks.
func (a *Actor) Pending() int {
	return a.queue.Len()
}

// Done is closed once Run has returned.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Run processes tasks until ctx is cancelled.
//
// CRITICAL: Must be called from exactly ONE goroutine, and only once.
//
// A failing fire-and-forget task is logged and processing continues.
// Tasks still queued at shutdown fail with ErrStopped.
func (a *Actor) Run(ctx context.Context) error {
	a.logger.Debug("actor starting", "actor", a.name)
	defer close(a.done)

	taskCtx := context.WithValue(ctx, ctxKey{}, a)

	for {
		if t, ok := a.queue.TryDequeue(); ok {
			a.execute(taskCtx, t)
			continue
		}

		select {
		case <-ctx.Done():
			a.logger.Debug("actor stopping: context cancelled", "actor", a.name)
			for _, t := range a.queue.Close() {
				if t.result != nil {
					t.result <- ErrStopped
				}
			}
			return ctx.Err()
		case <-a.queue.Wait():
		}
	}
}

func (a *Actor) execute(ctx context.Context, t task) {
	err := a.call(ctx, t.fn)
	if t.result != nil {
		t.result <- err
		return
	}
	if err != nil {
		a.logger.Error("actor task failed", "actor", a.name, "task", t.label, "error", err)
	}
}

// call converts a panic in fn into an error.
func (a *Actor) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s: task panicked: %v", a.name, r)
		}
	}()
	return fn(ctx)
}
