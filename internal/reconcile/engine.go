// Package reconcile runs the token-exchange protocol that keeps a
// companion's program in step with the primary's.
//
// The same Engine type serves both roles. As requester, Sync compares
// tokens and pulls a batch when they differ. As owner, it answers those
// requests through Serve and can push batches unprompted with Push.
//
// Errors never clear local sessions. Every failure is classified into a
// SyncError whose Message is kept for ConnectionError.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/sprintsync/internal/batch"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/transport"
	"github.com/roach88/sprintsync/internal/wire"
)

// ErrBusy is returned by Sync and Push while another cycle is running.
var ErrBusy = errors.New("reconciliation already in progress")

// DefaultPushTimeout bounds an asynchronous push started by a
// SessionsRequest.
const DefaultPushTimeout = 30 * time.Second

// Outcome says how a successful cycle ended.
type Outcome int

const (
	// OutcomeReconciled: tokens matched, nothing moved.
	OutcomeReconciled Outcome = iota + 1
	// OutcomeApplied: a batch was applied locally.
	OutcomeApplied
	// OutcomePushed: a batch was delivered to the other peer.
	OutcomePushed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeApplied:
		return "applied"
	case OutcomePushed:
		return "pushed"
	default:
		return "none"
	}
}

// Result describes a successful cycle.
type Result struct {
	Outcome  Outcome
	Phase    batch.Phase
	Sessions int  // sessions in the batch
	Replaced bool // applied with Replace rather than Merge
	Token    string
}

// Engine is one peer's side of the protocol.
type Engine struct {
	id      *identity.Identity
	store   *sessions.Store
	ch      transport.Channel
	profile profile.Provider
	now     func() time.Time
	logger  *slog.Logger

	pushTimeout time.Duration
	pushes      sync.WaitGroup

	// cycle admits one Sync or Push at a time.
	cycle sync.Mutex

	mu            sync.Mutex
	state         State
	lastErr       *SyncError
	lastSync      time.Time
	lastHeartbeat time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithProfile sets where the owner reads level and frequency for outgoing
// batches. Without one, frequency is inferred from the sessions.
func WithProfile(p profile.Provider) Option {
	return func(e *Engine) {
		e.profile = p
	}
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPushTimeout bounds pushes started by SessionsRequest.
func WithPushTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.pushTimeout = d
	}
}

// New creates an engine. It does not install itself on ch; the caller
// passes it to ch.SetHandler.
func New(id *identity.Identity, store *sessions.Store, ch transport.Channel, opts ...Option) *Engine {
	e := &Engine{
		id:          id,
		store:       store,
		ch:          ch,
		now:         time.Now,
		logger:      slog.Default(),
		pushTimeout: DefaultPushTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ConnectionError returns the user-facing text of the last failure, or ""
// after a successful cycle.
func (e *Engine) ConnectionError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == nil {
		return ""
	}
	return e.lastErr.Message
}

// LastError returns the last failure, or nil.
func (e *Engine) LastError() *SyncError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSync returns when the last cycle succeeded.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastHeartbeat returns when the other peer last sent a heartbeat.
func (e *Engine) LastHeartbeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHeartbeat
}

// Wait blocks until asynchronous pushes have finished.
func (e *Engine) Wait() {
	e.pushes.Wait()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Debug("reconcile state", "from", prev, "to", s)
	}
}

func (e *Engine) succeed(r Result) Result {
	e.mu.Lock()
	e.state = Idle
	e.lastErr = nil
	e.lastSync = e.now()
	e.mu.Unlock()
	return r
}

// fail records err, passes through Failed and lands in Idle.
func (e *Engine) fail(ctx context.Context, step string, err error) error {
	se := Classify(err)
	e.setState(Failed)
	e.logger.Warn("sync failed", "step", step, "code", se.Code, "error", se.Err)

	if _, rerr := e.store.Transition(context.WithoutCancel(ctx), sessions.Syncing, sessions.Pending); rerr != nil {
		e.logger.Error("could not release syncing sessions", "error", rerr)
	}

	e.mu.Lock()
	e.lastErr = se
	e.state = Idle
	e.mu.Unlock()
	return se
}

// Sync runs one requester cycle: exchange tokens and, if they differ or
// force is set, pull a batch and apply it.
func (e *Engine) Sync(ctx context.Context, force bool) (Result, error) {
	if !e.cycle.TryLock() {
		return Result{}, ErrBusy
	}
	defer e.cycle.Unlock()

	e.setState(TokenExchange)
	reply, err := e.ch.Request(ctx, wire.TokenExchange{
		DeviceID:     e.id.DeviceID(),
		SyncToken:    e.id.Token(),
		DeviceType:   e.id.Role().String(),
		SessionCount: e.store.Len(),
		Timestamp:    e.now(),
	})
	if err != nil {
		return Result{}, e.fail(ctx, "token exchange", err)
	}
	tr, ok := reply.(wire.TokenExchangeReply)
	if !ok {
		return Result{}, e.fail(ctx, "token exchange", unexpected(wire.ActionTokenExchangeReply, reply))
	}

	if !force && e.id.Matches(tr.SyncToken) {
		e.setState(Reconciled)
		e.logger.Debug("tokens match", "peer", tr.DeviceID)
		return e.succeed(Result{Outcome: OutcomeReconciled, Token: tr.SyncToken}), nil
	}

	e.setState(AwaitingFullTransfer)
	if err := e.beginReceive(ctx); err != nil {
		return Result{}, e.fail(ctx, "mark syncing", newSyncError(ErrCodeStoreFailure, err))
	}

	reply, err = e.ch.Request(ctx, wire.FullSessionsRequest{
		DeviceID:  e.id.DeviceID(),
		UserWeek:  batch.UserWeek(e.store.Load()),
		Timestamp: e.now(),
	})
	if err != nil {
		return Result{}, e.fail(ctx, "full transfer", err)
	}
	fr, ok := reply.(wire.FullSessionsReply)
	if !ok {
		return Result{}, e.fail(ctx, "full transfer", unexpected(wire.ActionFullSessions, reply))
	}

	e.setState(Applying)
	r, err := e.apply(ctx, fr.SessionsData, fr.SessionCount, fr.BatchInfo, fr.SyncToken)
	if err != nil {
		return Result{}, e.fail(ctx, "apply", err)
	}
	e.logger.Info("sync applied",
		"peer", fr.DeviceID, "phase", r.Phase, "sessions", r.Sessions, "replaced", r.Replaced)
	return e.succeed(r), nil
}

// beginReceive marks sessions Syncing before an incoming batch is applied.
// Completions recorded here stay Pending: a batch from the owner does not
// deliver them.
func (e *Engine) beginReceive(ctx context.Context) error {
	_, err := e.store.TransitionWhere(ctx, sessions.Pending, sessions.Syncing, func(s program.Session) bool {
		return !s.Completed
	})
	return err
}

// apply decodes a batch and writes it to the store. Phase 4 batches, or
// any batch into an empty store, replace; the rest merge so future weeks
// already held locally survive.
func (e *Engine) apply(ctx context.Context, data []byte, count int, info wire.BatchInfo, token string) (Result, error) {
	incoming, err := wire.DecodeSessions(data, count)
	if err != nil {
		return Result{}, err
	}
	phase, err := batch.ParsePhase(info.Phase)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", wire.ErrDecodeFailure, err)
	}

	replace := phase.IsFull() || e.store.Len() == 0
	if replace {
		err = e.store.Replace(ctx, incoming, sessions.SourceSynced)
	} else {
		err = e.store.Merge(ctx, incoming, sessions.SourceSynced)
	}
	if err != nil {
		return Result{}, newSyncError(ErrCodeStoreFailure, err)
	}

	if err := e.id.Adopt(ctx, token); err != nil {
		return Result{}, newSyncError(ErrCodeStoreFailure, err)
	}
	if _, err := e.store.Transition(ctx, sessions.Syncing, sessions.Synced); err != nil {
		return Result{}, newSyncError(ErrCodeStoreFailure, err)
	}

	return Result{
		Outcome:  OutcomeApplied,
		Phase:    phase,
		Sessions: len(incoming),
		Replaced: replace,
		Token:    token,
	}, nil
}

// Push sends the owner's batch for a peer at userWeek and waits for the
// acknowledgement. A userWeek below 1 uses the profile's current week, or
// the progress recorded in the local store.
func (e *Engine) Push(ctx context.Context, userWeek int) (Result, error) {
	if !e.cycle.TryLock() {
		return Result{}, ErrBusy
	}
	defer e.cycle.Unlock()

	e.setState(AwaitingFullTransfer)
	msg, sel, err := e.syncSessions(ctx, userWeek)
	if err != nil {
		return Result{}, e.fail(ctx, "prepare push", err)
	}
	if _, err := e.store.Transition(ctx, sessions.Pending, sessions.Syncing); err != nil {
		return Result{}, e.fail(ctx, "mark syncing", newSyncError(ErrCodeStoreFailure, err))
	}

	reply, err := e.ch.Request(ctx, msg)
	if err != nil {
		return Result{}, e.fail(ctx, "push", err)
	}
	sr, ok := reply.(wire.StatusReply)
	if !ok {
		return Result{}, e.fail(ctx, "push", unexpected(wire.ActionStatus, reply))
	}
	if sr.Status != wire.StatusReceived {
		return Result{}, e.fail(ctx, "push", &transport.RemoteError{Message: "batch " + sr.Status})
	}

	if _, err := e.store.Transition(ctx, sessions.Syncing, sessions.Synced); err != nil {
		return Result{}, e.fail(ctx, "mark synced", newSyncError(ErrCodeStoreFailure, err))
	}

	e.logger.Info("batch pushed", "phase", sel.Phase, "sessions", len(sel.Sessions))
	return e.succeed(Result{
		Outcome:  OutcomePushed,
		Phase:    sel.Phase,
		Sessions: len(sel.Sessions),
		Token:    msg.SyncToken,
	}), nil
}

func (e *Engine) syncSessions(ctx context.Context, userWeek int) (wire.SyncSessions, batch.Batch, error) {
	all := e.store.Load()
	if len(all) == 0 {
		return wire.SyncSessions{}, batch.Batch{}, errors.New("no sessions to send")
	}
	p := e.ownerProfile(ctx, all)
	if userWeek < 1 {
		userWeek = max(p.CurrentWeek, batch.UserWeek(all))
	}
	sel := batch.Select(all, userWeek, p.Frequency)
	return wire.SyncSessions{
		SessionsData:  wire.EncodeSessions(sel.Sessions),
		SessionCount:  len(sel.Sessions),
		TotalSessions: sel.Total,
		BatchInfo:     batchInfo(sel),
		DeviceID:      e.id.DeviceID(),
		SyncToken:     e.id.Token(),
		UserLevel:     p.Level.String(),
		UserFrequency: p.Frequency,
		UserName:      p.Name,
		Timestamp:     e.now(),
	}, sel, nil
}

// ownerProfile returns the profile used to describe outgoing batches.
func (e *Engine) ownerProfile(ctx context.Context, all []program.Session) profile.Profile {
	if e.profile != nil {
		if p, err := e.profile.Profile(ctx); err == nil {
			return p
		}
	}
	p := profile.Default()
	p.Frequency = inferFrequency(all)
	return p.Normalize()
}

// inferFrequency is the highest day number in the program.
func inferFrequency(all []program.Session) int {
	f := 0
	for _, s := range all {
		f = max(f, s.Day)
	}
	return program.ClampFrequency(f)
}

func batchInfo(b batch.Batch) wire.BatchInfo {
	return wire.BatchInfo{
		Phase:       b.Phase.String(),
		Description: b.Description,
		UserWeek:    b.UserWeek,
		Frequency:   b.Frequency,
	}
}
