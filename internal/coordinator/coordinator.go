// Package coordinator decides when a peer syncs and what happens when it
// cannot.
//
// A single worker goroutine (Run) consumes sync requests, reachability
// changes and two tickers: the staleness check and, on a companion, the
// heartbeat. Retries run inside that loop with a cancellable delay, so
// there is never more than one cycle in flight.
//
// A companion that cannot reach its primary generates the program locally
// and reports ModeOffline. It never shows an empty program.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/reconcile"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/transport"
	"github.com/roach88/sprintsync/internal/wire"
)

var (
	// ErrSyncInProgress is returned when a sync is already queued or running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrDropped is passed to a Send callback when its message exhausted
	// its delivery attempts.
	ErrDropped = errors.New("message dropped after retries")
)

// UnknownBattery is sent in heartbeats; this process has no battery reading.
const UnknownBattery = -1

// Config holds the timing policy.
type Config struct {
	MaxRetries        int
	MinRetryDelay     time.Duration // doubled after each failed attempt
	MaxRetryDelay     time.Duration
	RequestTimeout    time.Duration // bounds one attempt or one queued delivery
	CheckInterval     time.Duration
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration // 0 disables
	Weeks             int           // program length for local generation
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		MinRetryDelay:     2 * time.Second,
		MaxRetryDelay:     30 * time.Second,
		RequestTimeout:    15 * time.Second,
		CheckInterval:     2 * time.Minute,
		StaleAfter:        5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		Weeks:             program.DefaultWeeks,
	}
}

// Mode is the sync status shown to the user.
type Mode int

const (
	ModeIdle Mode = iota
	ModeSyncing
	ModeSynced
	ModeOffline // running on a locally generated program
	ModeFailed
)

var modeNames = [...]string{"idle", "syncing", "synced", "offline", "failed"}

func (m Mode) String() string {
	if m < ModeIdle || m > ModeFailed {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// Status is a point-in-time view for display.
type Status struct {
	Role      identity.Role
	Mode      Mode
	Engine    reconcile.State
	Reachable bool
	LastSync  time.Time
	LastError string
	Dropped   []string // undelivered messages, kept until ClearDropped
	Pending   int
	Sessions  int
	Source    sessions.Source
	Token     string
}

// Deps are the collaborators a Coordinator drives. Profile may be nil.
type Deps struct {
	Actor    *actor.Actor
	Identity *identity.Identity
	Store    *sessions.Store
	Engine   *reconcile.Engine
	Channel  transport.Channel
	Blobs    store.Blobs
	Profile  profile.Provider
}

type request struct {
	force bool
}

// Coordinator owns sync timing for one peer.
type Coordinator struct {
	cfg     Config
	actor   *actor.Actor
	id      *identity.Identity
	store   *sessions.Store
	engine  *reconcile.Engine
	ch      transport.Channel
	blobs   store.Blobs
	profile profile.Provider
	now     func() time.Time
	logger  *slog.Logger

	requests chan request
	// busy is set from the moment a request is accepted until its cycle
	// ends.
	busy atomic.Bool

	mu        sync.Mutex
	mode      Mode
	lastErr   string
	dropped   []string
	queue     []PendingMessage
	callbacks map[string]func(wire.Message, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a coordinator. Zero fields in cfg take their defaults.
func New(d Deps, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	cfg.MaxRetryDelay = max(cfg.MaxRetryDelay, cfg.MinRetryDelay)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Weeks <= 0 {
		cfg.Weeks = def.Weeks
	}

	c := &Coordinator{
		cfg:       cfg,
		actor:     d.Actor,
		id:        d.Identity,
		store:     d.Store,
		engine:    d.Engine,
		ch:        d.Channel,
		blobs:     d.Blobs,
		profile:   d.Profile,
		now:       time.Now,
		logger:    slog.Default(),
		requests:  make(chan request, 1),
		callbacks: make(map[string]func(wire.Message, error)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestSync asks for a sync cycle. Sessions that failed last time go back
// to Pending. It returns ErrSyncInProgress if a cycle is already queued or
// running.
func (c *Coordinator) RequestSync(ctx context.Context) error {
	return c.enqueue(ctx, request{})
}

// ForceSync mints a new token so the next exchange cannot match, then
// requests a cycle that transfers regardless.
func (c *Coordinator) ForceSync(ctx context.Context) error {
	if c.busy.Load() {
		return ErrSyncInProgress
	}
	if _, err := c.id.Regenerate(ctx); err != nil {
		return fmt.Errorf("force sync: %w", err)
	}
	return c.enqueue(ctx, request{force: true})
}

func (c *Coordinator) enqueue(ctx context.Context, req request) error {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Debug("sync request short-circuited")
		return ErrSyncInProgress
	}
	if _, err := c.store.Transition(ctx, sessions.Failed, sessions.Pending); err != nil {
		c.busy.Store(false)
		return fmt.Errorf("request sync: %w", err)
	}
	c.requests <- req
	return nil
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	mode, lastErr, pending := c.mode, c.lastErr, len(c.queue)
	dropped := slices.Clone(c.dropped)
	c.mu.Unlock()

	return Status{
		Role:      c.id.Role(),
		Mode:      mode,
		Engine:    c.engine.State(),
		Reachable: c.ch.Reachable(),
		LastSync:  c.engine.LastSync(),
		LastError: lastErr,
		Dropped:   dropped,
		Pending:   pending,
		Sessions:  c.store.Len(),
		Source:    c.store.Source(),
		Token:     c.id.Token(),
	}
}

// ClearDropped forgets the undelivered messages reported in Status.
func (c *Coordinator) ClearDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = nil
}

func (c *Coordinator) setMode(m Mode, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != m {
		c.logger.Info("sync mode", "from", c.mode, "to", m)
	}
	c.mode = m
	c.lastErr = lastErr
}

// Run starts the peer and processes work until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		return err
	}

	check := time.NewTicker(c.cfg.CheckInterval)
	defer check.Stop()

	var heartbeat <-chan time.Time
	if c.id.Role() == identity.Companion && c.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	if c.ch.Reachable() {
		c.onReachability(ctx, true)
	}

	reach := c.ch.Reachability()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.requests:
			c.cycle(ctx, req)
			c.busy.Store(false)
		case up := <-reach:
			c.onReachability(ctx, up)
		case <-check.C:
			c.checkStale(ctx)
		case <-heartbeat:
			c.sendHeartbeat(ctx)
		}
	}
}

// start recovers from an interrupted run and makes sure there is a
// program to show.
func (c *Coordinator) start(ctx context.Context) error {
	if _, err := c.store.ResetInterrupted(ctx); err != nil {
		return fmt.Errorf("reset interrupted sync: %w", err)
	}
	if err := c.loadQueue(ctx); err != nil {
		return err
	}
	if c.store.Len() > 0 {
		return nil
	}

	p, err := profile.Resolve(ctx, c.profile, c.blobs)
	if err != nil {
		return err
	}
	if c.id.Role() == identity.Companion {
		c.logger.Info("no program yet, generating locally")
		if _, err := c.generate(ctx, p, sessions.SourceFallback); err != nil {
			return err
		}
		c.setMode(ModeOffline, "")
		return nil
	}
	_, err = c.generate(ctx, p, sessions.SourceGenerated)
	return err
}

// cycle runs one logical sync with retries. Each attempt gets
// RequestTimeout; a peer that stays silent counts as unreachable.
func (c *Coordinator) cycle(ctx context.Context, req request) {
	c.setMode(ModeSyncing, "")

	var err error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		var r reconcile.Result
		r, err = c.attempt(ctx, req)
		if err == nil {
			c.logger.Info("sync complete", "outcome", r.Outcome, "attempt", attempt)
			c.setMode(ModeSynced, "")
			c.reportCompletions(ctx)
			return
		}
		if errors.Is(err, reconcile.ErrBusy) {
			c.logger.Debug("engine busy, skipping cycle")
			c.setMode(ModeIdle, "")
			return
		}
		if ctx.Err() != nil {
			c.setMode(ModeIdle, "")
			return
		}

		se := reconcile.Classify(err)
		if !se.Retryable() || attempt == c.cfg.MaxRetries {
			break
		}
		delay := c.retryDelay(attempt)
		c.logger.Info("sync attempt failed, retrying", "attempt", attempt, "code", se.Code, "delay", delay)
		if !sleep(ctx, delay) {
			c.setMode(ModeIdle, "")
			return
		}
	}

	c.failed(ctx, err)
}

func (c *Coordinator) attempt(ctx context.Context, req request) (reconcile.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if c.id.Role() == identity.Primary {
		return c.engine.Push(ctx, 0)
	}
	return c.engine.Sync(ctx, req.force)
}

// retryDelay is the wait after the given failed attempt: MinRetryDelay
// doubled for each earlier attempt, capped at MaxRetryDelay.
func (c *Coordinator) retryDelay(attempt int) time.Duration {
	d := c.cfg.MinRetryDelay << min(attempt-1, 30)
	if d < 0 || d > c.cfg.MaxRetryDelay {
		return c.cfg.MaxRetryDelay
	}
	return d
}

func (c *Coordinator) failed(ctx context.Context, err error) {
	se := reconcile.Classify(err)
	c.logger.Warn("sync gave up", "code", se.Code, "error", err)

	if _, terr := c.store.Transition(ctx, sessions.Pending, sessions.Failed); terr != nil {
		c.logger.Error("could not mark sessions failed", "error", terr)
	}
	if c.id.Role() != identity.Companion {
		c.setMode(ModeFailed, se.Message)
		return
	}
	if ferr := c.fallback(ctx); ferr != nil {
		c.logger.Error("offline fallback failed", "error", ferr)
	}
	c.setMode(ModeOffline, se.Message)
}

// fallback generates locally when the store is empty or already holds a
// local program. Synced data is never overwritten.
func (c *Coordinator) fallback(ctx context.Context) error {
	if c.store.Len() > 0 && c.store.Source() != sessions.SourceFallback {
		return nil
	}
	p, err := profile.Resolve(ctx, c.profile, c.blobs)
	if err != nil {
		return err
	}
	_, err = c.generate(ctx, p, sessions.SourceFallback)
	return err
}

// Regenerate rebuilds the program from p, keeping recorded completions for
// sessions that still exist. The token changes only if the content did.
func (c *Coordinator) Regenerate(ctx context.Context, p profile.Profile) error {
	if err := profile.SaveLastKnown(ctx, c.blobs, p); err != nil {
		return err
	}
	_, err := c.generate(ctx, p, sessions.SourceGenerated)
	return err
}

// Complete records a finished workout. A companion reports it to the
// primary through the outbound queue, and the session stays Pending until
// the primary acknowledges it. On the primary the next push carries it.
func (c *Coordinator) Complete(ctx context.Context, id string, r program.Result) error {
	if err := c.store.MarkCompleted(ctx, id, r); err != nil {
		return err
	}
	if c.id.Role() != identity.Companion {
		return nil
	}
	s, _ := c.store.Get(id)
	return c.report(ctx, s)
}

func (c *Coordinator) report(ctx context.Context, s program.Session) error {
	msg := wire.CompletionReport{
		DeviceID:    c.id.DeviceID(),
		SessionID:   s.ID,
		CompletedAt: *s.CompletedAt,
		Results:     s.Results,
		Timestamp:   c.now(),
	}
	return c.Send(ctx, msg, func(reply wire.Message, err error) {
		c.acknowledged(s.ID, reply, err)
	})
}

func (c *Coordinator) acknowledged(id string, reply wire.Message, err error) {
	if err != nil {
		c.logger.Warn("completion not delivered", "session", id, "error", err)
		return
	}
	if sr, ok := reply.(wire.StatusReply); !ok || sr.Status != wire.StatusReceived {
		c.logger.Warn("completion not acknowledged", "session", id, "reply", fmt.Sprintf("%T", reply))
		return
	}
	if err := c.store.SetState(context.Background(), sessions.Synced, id); err != nil {
		c.logger.Error("could not mark completion synced", "session", id, "error", err)
	}
}

// reportCompletions sends completions that are still Pending after a
// successful companion sync and are not already queued. Acknowledgements
// do not survive a restart, so this is how such sessions settle.
func (c *Coordinator) reportCompletions(ctx context.Context) {
	if c.id.Role() != identity.Companion {
		return
	}
	queued := map[string]bool{}
	for _, p := range c.Pending() {
		if m, ok := p.Message.(wire.CompletionReport); ok {
			queued[m.SessionID] = true
		}
	}
	for _, s := range c.store.Load() {
		if !s.Completed || s.CompletedAt == nil || queued[s.ID] {
			continue
		}
		if st, _ := c.store.State(s.ID); st != sessions.Pending {
			continue
		}
		if err := c.report(ctx, s); err != nil {
			c.logger.Warn("could not report completion", "session", s.ID, "error", err)
		}
	}
}

func (c *Coordinator) generate(ctx context.Context, p profile.Profile, source sessions.Source) (bool, error) {
	current := c.store.Load()
	prev := make(map[string]program.Session, len(current))
	for _, s := range current {
		prev[s.ID] = s
	}

	next := program.Generate(p.Params(c.cfg.Weeks))
	for i, s := range next {
		if old, ok := prev[s.ID]; ok && old.Completed {
			next[i] = s.WithCompletionFrom(old)
		}
	}

	before, err := program.Digest(current)
	if err != nil {
		return false, err
	}
	after, err := program.Digest(next)
	if err != nil {
		return false, err
	}
	if before == after && c.store.Source() == source {
		return false, nil
	}

	if err := c.store.Replace(ctx, next, source); err != nil {
		return false, err
	}
	if _, err := c.id.Regenerate(ctx); err != nil {
		return false, err
	}
	c.logger.Info("program generated",
		"source", source, "level", p.Level, "frequency", p.Frequency, "sessions", len(next))
	return true, nil
}

func (c *Coordinator) onReachability(ctx context.Context, up bool) {
	c.logger.Info("peer reachability changed", "reachable", up)
	if !up {
		return
	}
	c.flush(ctx)
	c.checkStale(ctx)
}

// checkStale starts a cycle when the peer is reachable and the last
// successful sync is older than StaleAfter.
func (c *Coordinator) checkStale(ctx context.Context) {
	if !c.ch.Reachable() {
		return
	}
	last := c.engine.LastSync()
	if !last.IsZero() && c.now().Sub(last) < c.cfg.StaleAfter {
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		return
	}
	defer c.busy.Store(false)
	c.logger.Debug("sync stale", "last_sync", last)
	c.cycle(ctx, request{})
}

func (c *Coordinator) sendHeartbeat(ctx context.Context) {
	if !c.ch.Reachable() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	err := c.ch.Send(ctx, wire.Heartbeat{
		SessionCount: c.store.Len(),
		BatteryLevel: UnknownBattery,
		Timestamp:    c.now(),
	})
	if err != nil {
		c.logger.Debug("heartbeat not sent", "error", err)
	}
}

// Send delivers msg to the peer. If the peer cannot be reached the message
// is queued durably and sent on the next reachable transition; onReply,
// which may be nil, runs once the message is delivered or dropped.
// Callbacks do not survive a restart.
func (c *Coordinator) Send(ctx context.Context, msg wire.Message, onReply func(wire.Message, error)) error {
	p := PendingMessage{ID: uuid.NewString(), Message: msg, QueuedAt: c.now()}

	if c.ch.Reachable() {
		reply, err := c.request(ctx, msg)
		if !queueable(err) {
			if onReply != nil {
				onReply(reply, err)
			}
			return nil
		}
		p.Attempts = 1
	}

	c.mu.Lock()
	c.queue = append(c.queue, p)
	if onReply != nil {
		c.callbacks[p.ID] = onReply
	}
	c.mu.Unlock()
	c.logger.Info("message queued", "action", msg.Action(), "id", p.ID)
	return c.saveQueue(ctx)
}

// request is one bounded delivery. A peer that does not answer within
// RequestTimeout is reported as unreachable.
func (c *Coordinator) request(ctx context.Context, msg wire.Message) (wire.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	reply, err := c.ch.Request(rctx, msg)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: no reply to %s within %s", transport.ErrUnreachable, msg.Action(), c.cfg.RequestTimeout)
	}
	return reply, err
}

func queueable(err error) bool {
	return errors.Is(err, transport.ErrUnreachable) || errors.Is(err, transport.ErrUnavailable)
}

// flush sends queued messages in order until one cannot be delivered.
// A message that reaches MaxRetries attempts is dropped and reported.
func (c *Coordinator) flush(ctx context.Context) {
	c.mu.Lock()
	queue := append([]PendingMessage(nil), c.queue...)
	c.mu.Unlock()
	if len(queue) == 0 {
		return
	}
	c.logger.Info("flushing pending messages", "count", len(queue))

	for _, p := range queue {
		reply, err := c.request(ctx, p.Message)
		if ctx.Err() != nil {
			break
		}
		if queueable(err) {
			p.Attempts++
			if p.Attempts >= c.cfg.MaxRetries {
				c.logger.Warn("dropping message", "action", p.Message.Action(), "id", p.ID, "attempts", p.Attempts)
				c.resolve(p.ID, nil, ErrDropped)
				c.mu.Lock()
				c.dropped = append(c.dropped, fmt.Sprintf("%s not delivered after %d attempts", p.Message.Action(), p.Attempts))
				c.mu.Unlock()
				continue
			}
			c.update(p)
			break
		}
		c.resolve(p.ID, reply, err)
	}

	if err := c.saveQueue(ctx); err != nil {
		c.logger.Error("could not persist pending queue", "error", err)
	}
}

// resolve removes id from the queue and runs its callback.
func (c *Coordinator) resolve(id string, reply wire.Message, err error) {
	c.mu.Lock()
	for i, p := range c.queue {
		if p.ID == id {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			break
		}
	}
	cb := c.callbacks[id]
	delete(c.callbacks, id)
	c.mu.Unlock()

	if cb != nil {
		cb(reply, err)
	}
}

func (c *Coordinator) update(p PendingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.queue {
		if c.queue[i].ID == p.ID {
			c.queue[i] = p
			return
		}
	}
}

// Pending returns a copy of the outbound queue.
func (c *Coordinator) Pending() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingMessage(nil), c.queue...)
}

// Clear drops the local program and mints a new token.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	_, err := c.id.Regenerate(ctx)
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
