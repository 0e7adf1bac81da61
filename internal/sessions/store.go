// Package sessions is a peer's local cache of its training program plus the
// sync state of each session.
//
// Mutations (Replace, Merge, MarkCompleted, Clear, state changes) run on
// the peer's actor and are persisted before they become visible. Reads
// (Load, Get, Len, State) use the last published snapshot and never block
// behind a writer.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/wire"
)

// Blob keys.
const (
	KeyData   = "sessions.data"
	KeyStates = "sessions.state"
	KeySource = "sessions.source"
)

// ErrNotFound is returned by MarkCompleted for an unknown session ID.
var ErrNotFound = errors.New("session not found")

// view is an immutable snapshot. Never modify one after publishing it.
type view struct {
	sessions []program.Session
	index    map[string]int
	states   map[string]SyncState
	source   Source
}

func newView(sessions []program.Session, states map[string]SyncState, source Source) *view {
	v := &view{
		sessions: sessions,
		index:    make(map[string]int, len(sessions)),
		states:   make(map[string]SyncState, len(sessions)),
		source:   source,
	}
	for i, s := range sessions {
		v.index[s.ID] = i
		v.states[s.ID] = states[s.ID] // missing means Pending
	}
	return v
}

// Store is the session cache.
type Store struct {
	actor  *actor.Actor
	blobs  store.Blobs
	logger *slog.Logger
	view   atomic.Pointer[view]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open loads persisted sessions from blobs.
//
// A corrupt payload is logged and the store starts empty rather than
// failing; the caller's fallback path repopulates it. Open touches blobs
// directly, so call it before the store is shared.
func Open(ctx context.Context, a *actor.Actor, blobs store.Blobs, opts ...Option) (*Store, error) {
	s := &Store{actor: a, blobs: blobs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	v, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	s.view.Store(v)
	return s, nil
}

func (s *Store) read(ctx context.Context) (*view, error) {
	data, ok, err := s.blobs.Get(ctx, KeyData)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if !ok {
		return newView(nil, nil, SourceNone), nil
	}

	sessions, err := decodeStored(data)
	if err != nil {
		s.logger.Error("discarding unreadable session cache", "error", err)
		return newView(nil, nil, SourceNone), nil
	}

	states := map[string]SyncState{}
	if raw, ok, err := s.blobs.Get(ctx, KeyStates); err != nil {
		return nil, fmt.Errorf("load sync states: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &states); err != nil {
			s.logger.Warn("discarding unreadable sync states", "error", err)
			states = map[string]SyncState{}
		}
	}

	source := SourceNone
	if raw, ok, err := s.blobs.Get(ctx, KeySource); err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	} else if ok {
		source = Source(raw)
	}

	return newView(sessions, states, source), nil
}

func decodeStored(data []byte) ([]program.Session, error) {
	n, err := wire.PeekCount(data)
	if err != nil {
		return nil, err
	}
	return wire.DecodeSessions(data, n)
}

// Load returns the sessions in (week, day) order.
func (s *Store) Load() []program.Session {
	return slices.Clone(s.view.Load().sessions)
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	return len(s.view.Load().sessions)
}

// Get returns the session with id.
func (s *Store) Get(id string) (program.Session, bool) {
	v := s.view.Load()
	i, ok := v.index[id]
	if !ok {
		return program.Session{}, false
	}
	return v.sessions[i], true
}

// State returns the sync state of id.
func (s *Store) State(id string) (SyncState, bool) {
	st, ok := s.view.Load().states[id]
	return st, ok
}

// StateCounts tallies sessions by sync state.
func (s *Store) StateCounts() map[SyncState]int {
	counts := map[SyncState]int{}
	for _, st := range s.view.Load().states {
		counts[st]++
	}
	return counts
}

// Source returns where the current contents came from.
func (s *Store) Source() Source {
	return s.view.Load().source
}

// Replace swaps the whole collection. Sessions received from the owner are
// Synced; locally generated ones are Pending. A local completion the
// incoming session lacks is kept and its session stays Pending, since the
// owner has not seen it.
func (s *Store) Replace(ctx context.Context, sessions []program.Session, source Source) error {
	incoming := sortSessions(sessions)
	return s.update(ctx, "replace", func(cur *view) (*view, error) {
		states := make(map[string]SyncState, len(incoming))
		for i, in := range incoming {
			var st SyncState
			incoming[i], st = carryCompletion(cur, in, source)
			states[in.ID] = st
		}
		return newView(incoming, states, source), nil
	})
}

// Merge upserts sessions by ID. Sessions absent from the batch are kept.
// When an incoming session is not completed, the local completion fields
// survive and the session stays Pending. Applying the same batch twice
// changes nothing.
func (s *Store) Merge(ctx context.Context, sessions []program.Session, source Source) error {
	incoming := sortSessions(sessions)
	return s.update(ctx, "merge", func(cur *view) (*view, error) {
		merged := slices.Clone(cur.sessions)
		states := cloneStates(cur.states)

		for _, in := range incoming {
			i, exists := cur.index[in.ID]
			var st SyncState
			in, st = carryCompletion(cur, in, source)
			states[in.ID] = st
			if !exists {
				merged = append(merged, in)
				continue
			}
			merged[i] = in
		}

		if source == SourceNone {
			source = cur.source
		}
		return newView(sortSessions(merged), states, source), nil
	})
}

// carryCompletion returns in with the completion recorded locally for the
// same ID when in has none, and the state the result should take.
func carryCompletion(cur *view, in program.Session, source Source) (program.Session, SyncState) {
	i, ok := cur.index[in.ID]
	if !ok || in.Completed || !cur.sessions[i].Completed {
		return in, initialState(source)
	}
	return in.WithCompletionFrom(cur.sessions[i]), Pending
}

// MarkCompleted records a workout result. The session goes back to Pending
// until the change reaches the other peer.
func (s *Store) MarkCompleted(ctx context.Context, id string, r program.Result) error {
	return s.update(ctx, "mark completed", func(cur *view) (*view, error) {
		i, ok := cur.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		sessions := slices.Clone(cur.sessions)
		sessions[i] = sessions[i].Complete(r)
		states := cloneStates(cur.states)
		states[id] = Pending
		return newView(sessions, states, cur.source), nil
	})
}

// Clear drops every session.
func (s *Store) Clear(ctx context.Context) error {
	return s.actor.Do(ctx, func(ctx context.Context) error {
		for _, key := range []string{KeyData, KeyStates, KeySource} {
			if err := s.blobs.Remove(ctx, key); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
		}
		s.view.Store(newView(nil, nil, SourceNone))
		s.logger.Info("session store cleared")
		return nil
	})
}

// SetState moves the given sessions, or all sessions when ids is empty,
// to state.
func (s *Store) SetState(ctx context.Context, state SyncState, ids ...string) error {
	return s.update(ctx, "set state", func(cur *view) (*view, error) {
		states := cloneStates(cur.states)
		if len(ids) == 0 {
			for id := range states {
				states[id] = state
			}
		}
		for _, id := range ids {
			if _, ok := cur.index[id]; ok {
				states[id] = state
			}
		}
		return newView(cur.sessions, states, cur.source), nil
	})
}

// Transition moves every session currently in from to to and returns how
// many moved.
func (s *Store) Transition(ctx context.Context, from, to SyncState) (int, error) {
	return s.TransitionWhere(ctx, from, to, nil)
}

// TransitionWhere is Transition restricted to sessions for which match
// returns true. A nil match selects every session.
func (s *Store) TransitionWhere(ctx context.Context, from, to SyncState, match func(program.Session) bool) (int, error) {
	moved := 0
	err := s.update(ctx, "transition", func(cur *view) (*view, error) {
		moved = 0
		states := cloneStates(cur.states)
		for _, sess := range cur.sessions {
			if states[sess.ID] != from || (match != nil && !match(sess)) {
				continue
			}
			states[sess.ID] = to
			moved++
		}
		if moved == 0 {
			return nil, nil
		}
		return newView(cur.sessions, states, cur.source), nil
	})
	return moved, err
}

// ResetInterrupted returns sessions left Syncing by a cycle that never
// finished to Pending.
func (s *Store) ResetInterrupted(ctx context.Context) (int, error) {
	n, err := s.Transition(ctx, Syncing, Pending)
	if err == nil && n > 0 {
		s.logger.Info("reset interrupted sync", "sessions", n)
	}
	return n, err
}

// update runs fn on the actor, persists the view it returns, then publishes
// it. A nil view means nothing changed.
func (s *Store) update(ctx context.Context, op string, fn func(cur *view) (*view, error)) error {
	return s.actor.Do(ctx, func(ctx context.Context) error {
		next, err := fn(s.view.Load())
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if err := s.persist(ctx, next); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		s.view.Store(next)
		s.logger.Debug("session store updated", "op", op, "sessions", len(next.sessions), "source", next.source)
		return nil
	})
}

func (s *Store) persist(ctx context.Context, v *view) error {
	states, err := json.Marshal(v.states)
	if err != nil {
		return fmt.Errorf("encode states: %w", err)
	}
	if err := s.blobs.Set(ctx, KeyData, wire.EncodeSessions(v.sessions)); err != nil {
		return err
	}
	if err := s.blobs.Set(ctx, KeyStates, states); err != nil {
		return err
	}
	return s.blobs.Set(ctx, KeySource, []byte(v.source))
}

func initialState(source Source) SyncState {
	if source == SourceSynced {
		return Synced
	}
	return Pending
}

func cloneStates(m map[string]SyncState) map[string]SyncState {
	out := make(map[string]SyncState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortSessions returns a copy ordered by (week, day), keeping the last
// entry for a duplicated ID.
func sortSessions(in []program.Session) []program.Session {
	byID := make(map[string]int, len(in))
	out := make([]program.Session, 0, len(in))
	for _, s := range in {
		if i, dup := byID[s.ID]; dup {
			out[i] = s
			continue
		}
		byID[s.ID] = len(out)
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b program.Session) int {
		if a.Week != b.Week {
			return a.Week - b.Week
		}
		return a.Day - b.Day
	})
	return out
}
