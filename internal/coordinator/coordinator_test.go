package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/reconcile"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/testutil"
	"github.com/roach88/sprintsync/internal/transport"
	"github.com/roach88/sprintsync/internal/wire"
)

var t0 = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxRetries:    3,
		MinRetryDelay: time.Millisecond,
		CheckInterval: time.Hour,
		StaleAfter:    5 * time.Minute,
		Weeks:         12,
	}
}

// counter wraps a handler and tallies inbound actions.
type counter struct {
	next transport.Handler
	mu   sync.Mutex
	seen map[wire.Action]int
}

func (c *counter) Serve(ctx context.Context, msg wire.Message) (wire.Message, error) {
	c.mu.Lock()
	if c.seen == nil {
		c.seen = map[wire.Action]int{}
	}
	c.seen[msg.Action()]++
	c.mu.Unlock()
	return c.next.Serve(ctx, msg)
}

func (c *counter) count(a wire.Action) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[a]
}

// silent is reachable but never answers a request.
type silent struct {
	transport.Channel
	mu    sync.Mutex
	calls int
}

func (s *silent) Request(ctx context.Context, _ wire.Message) (wire.Message, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *silent) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type peer struct {
	blobs  store.Blobs
	id     *identity.Identity
	store  *sessions.Store
	engine *reconcile.Engine
	coord  *Coordinator
	clock  *testutil.FakeClock
	inbox  *counter
}

func newPeer(t *testing.T, role identity.Role, device string, ch transport.Channel, blobs store.Blobs, pr profile.Provider, cfg Config) *peer {
	t.Helper()
	ctx := context.Background()
	a := actor.New(device)
	testutil.StartActor(t, a)

	id, err := identity.Load(ctx, a, blobs, role,
		identity.WithTokenGenerator(testutil.NewSequenceGenerator("tok")),
		identity.WithDeviceIDSource(func() string { return device }),
	)
	require.NoError(t, err)
	st, err := sessions.Open(ctx, a, blobs)
	require.NoError(t, err)

	clock := testutil.NewFakeClock(t0)
	e := reconcile.New(id, st, ch, reconcile.WithClock(clock.Now), reconcile.WithProfile(pr))
	inbox := &counter{next: e}
	ch.SetHandler(inbox)

	c := New(Deps{Actor: a, Identity: id, Store: st, Engine: e, Channel: ch, Blobs: blobs, Profile: pr}, cfg,
		WithClock(clock.Now))
	return &peer{blobs: blobs, id: id, store: st, engine: e, coord: c, clock: clock, inbox: inbox}
}

func run(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func setup(t *testing.T) (primary, companion *peer, link *transport.Link) {
	t.Helper()
	a, b, link := transport.NewPipe()
	pr := profile.Static{Name: "Sam", Level: program.Beginner, Frequency: 3}
	primary = newPeer(t, identity.Primary, "phone", a, store.NewMemory(), pr, testConfig())
	companion = newPeer(t, identity.Companion, "watch", b, store.NewMemory(), nil, testConfig())
	require.NoError(t, primary.coord.start(context.Background()))
	return primary, companion, link
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStart_PrimaryGeneratesFromProfile(t *testing.T) {
	primary, _, _ := setup(t)
	assert.Equal(t, 36, primary.store.Len())
	assert.Equal(t, sessions.SourceGenerated, primary.store.Source())

	p, ok, err := profile.LoadLastKnown(context.Background(), primary.blobs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, p.Frequency)
}

func TestStart_CompanionNeverBlank(t *testing.T) {
	_, companion, link := setup(t)
	link.SetReachable(false)

	run(t, companion.coord)
	eventually(t, func() bool { return companion.store.Len() == 36 }, "fallback program generated")

	st := companion.coord.Status()
	assert.Equal(t, ModeOffline, st.Mode)
	assert.Equal(t, sessions.SourceFallback, st.Source)
}

func TestStart_SyncsWhenReachable(t *testing.T) {
	primary, companion, _ := setup(t)

	run(t, companion.coord)
	eventually(t, func() bool { return companion.coord.Status().Mode == ModeSynced }, "initial sync")
	assert.Equal(t, primary.id.Token(), companion.id.Token())
	assert.Equal(t, sessions.SourceSynced, companion.store.Source())
}

func TestStart_ResetsInterruptedSync(t *testing.T) {
	ctx := context.Background()
	_, companion, link := setup(t)
	link.SetReachable(false)
	require.NoError(t, companion.store.Replace(ctx, program.Generate(program.Params{Frequency: 2, Weeks: 1}), sessions.SourceSynced))
	require.NoError(t, companion.store.SetState(ctx, sessions.Syncing))

	require.NoError(t, companion.coord.start(ctx))
	assert.Equal(t, map[sessions.SyncState]int{sessions.Pending: 2}, companion.store.StateCounts())
}

func TestCycle_RetriesThenFallsBack(t *testing.T) {
	ctx := context.Background()
	primary, companion, link := setup(t)
	link.SetReachable(false)

	companion.coord.cycle(ctx, request{})

	st := companion.coord.Status()
	assert.Equal(t, ModeOffline, st.Mode)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 36, st.Sessions)
	assert.Equal(t, sessions.SourceFallback, st.Source)
	assert.Zero(t, primary.inbox.count(wire.ActionTokenExchange))
}

func TestCycle_RetryCountBounded(t *testing.T) {
	ctx := context.Background()
	a, b, _ := transport.NewPipe()
	inbox := &counter{next: transport.HandlerFunc(func(context.Context, wire.Message) (wire.Message, error) {
		return nil, assert.AnError
	})}
	a.SetHandler(inbox)
	companion := newPeer(t, identity.Companion, "watch", b, store.NewMemory(), nil, testConfig())

	companion.coord.cycle(ctx, request{})

	assert.Equal(t, 3, inbox.count(wire.ActionTokenExchange))
	assert.Equal(t, ModeOffline, companion.coord.Status().Mode)
}

func TestCycle_SilentPeerTimesOutAndFallsBack(t *testing.T) {
	_, b, _ := transport.NewPipe()
	ch := &silent{Channel: b}
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	companion := newPeer(t, identity.Companion, "watch", ch, store.NewMemory(), nil, cfg)

	run(t, companion.coord)
	eventually(t, func() bool {
		return ch.count() == 3 && companion.coord.Status().Mode == ModeOffline && !companion.coord.busy.Load()
	}, "cycle gives up on a peer that never answers")

	st := companion.coord.Status()
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 36, st.Sessions)
	assert.Equal(t, sessions.SourceFallback, st.Source)
	assert.NoError(t, companion.coord.RequestSync(context.Background()), "loop is free for the next request")
}

func TestSend_SilentPeerQueues(t *testing.T) {
	ctx := context.Background()
	_, b, _ := transport.NewPipe()
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	companion := newPeer(t, identity.Companion, "watch", &silent{Channel: b}, store.NewMemory(), nil, cfg)

	var replied bool
	require.NoError(t, companion.coord.Send(ctx, wire.Ping{}, func(wire.Message, error) { replied = true }))

	assert.False(t, replied)
	pending := companion.coord.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestRetryDelay_DoublesUpToCap(t *testing.T) {
	c := New(Deps{}, Config{MinRetryDelay: time.Second, MaxRetryDelay: 5 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, c.retryDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 5*time.Second, c.retryDelay(200))

	c = New(Deps{}, Config{MinRetryDelay: time.Minute})
	assert.Equal(t, time.Minute, c.retryDelay(3), "cap never undercuts the minimum")
}

func TestCycle_UnavailableDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	primary, companion, link := setup(t)
	link.SetAvailable(false)

	companion.coord.cycle(ctx, request{})
	assert.Equal(t, ModeOffline, companion.coord.Status().Mode)
	assert.Equal(t, 36, companion.store.Len())
	assert.Zero(t, primary.inbox.count(wire.ActionTokenExchange))
}

func TestCycle_FallbackKeepsSyncedData(t *testing.T) {
	ctx := context.Background()
	_, companion, link := setup(t)
	companion.coord.cycle(ctx, request{})
	require.Equal(t, sessions.SourceSynced, companion.store.Source())
	synced := companion.store.Load()

	link.SetReachable(false)
	companion.coord.cycle(ctx, request{})

	assert.Equal(t, ModeOffline, companion.coord.Status().Mode)
	assert.Equal(t, synced, companion.store.Load())
}

func TestCycle_PrimaryFailureIsNotOffline(t *testing.T) {
	ctx := context.Background()
	primary, _, link := setup(t)
	link.SetReachable(false)

	primary.coord.cycle(ctx, request{})
	assert.Equal(t, ModeFailed, primary.coord.Status().Mode)
	assert.Equal(t, map[sessions.SyncState]int{sessions.Failed: 36}, primary.store.StateCounts())

	require.NoError(t, primary.coord.RequestSync(ctx))
	assert.Equal(t, map[sessions.SyncState]int{sessions.Pending: 36}, primary.store.StateCounts())
}

func TestCycle_PrimaryPushes(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)

	primary.coord.cycle(ctx, request{})
	assert.Equal(t, ModeSynced, primary.coord.Status().Mode)
	assert.Equal(t, 3, companion.store.Len())
	assert.Equal(t, primary.id.Token(), companion.id.Token())
}

func TestRequestSync_RetriesFailedSessions(t *testing.T) {
	ctx := context.Background()
	primary, companion, link := setup(t)
	link.SetReachable(false)
	primary.coord.cycle(ctx, request{})
	require.Equal(t, map[sessions.SyncState]int{sessions.Failed: 36}, primary.store.StateCounts())

	link.SetReachable(true)
	require.NoError(t, primary.coord.RequestSync(ctx))
	assert.Equal(t, map[sessions.SyncState]int{sessions.Pending: 36}, primary.store.StateCounts())

	run(t, primary.coord)
	eventually(t, func() bool {
		return primary.store.StateCounts()[sessions.Synced] == 36
	}, "failed sessions synced on the next request")
	assert.Equal(t, ModeSynced, primary.coord.Status().Mode)
	assert.Equal(t, primary.id.Token(), companion.id.Token())
}

func TestRequestSync_ShortCircuitsDuplicates(t *testing.T) {
	ctx := context.Background()
	_, companion, _ := setup(t)

	require.NoError(t, companion.coord.RequestSync(ctx))
	assert.ErrorIs(t, companion.coord.RequestSync(ctx), ErrSyncInProgress)
	assert.ErrorIs(t, companion.coord.ForceSync(ctx), ErrSyncInProgress)

	run(t, companion.coord)
	eventually(t, func() bool { return companion.coord.RequestSync(ctx) == nil }, "accepts again after the cycle")
}

func TestForceSync_TransfersWhenInSync(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)
	run(t, companion.coord)
	eventually(t, func() bool {
		return companion.coord.Status().Mode == ModeSynced && !companion.coord.busy.Load()
	}, "initial sync")
	before := primary.inbox.count(wire.ActionRequestFullSessions)

	require.NoError(t, companion.coord.RequestSync(ctx))
	eventually(t, func() bool { return !companion.coord.busy.Load() }, "sync done")
	assert.Equal(t, before, primary.inbox.count(wire.ActionRequestFullSessions), "matching tokens skip the transfer")

	require.NoError(t, companion.coord.ForceSync(ctx))
	eventually(t, func() bool {
		return primary.inbox.count(wire.ActionRequestFullSessions) == before+1 && !companion.coord.busy.Load()
	}, "forced transfer")
	assert.Equal(t, primary.id.Token(), companion.id.Token())
}

func TestCheckStale(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)

	companion.coord.checkStale(ctx)
	require.Equal(t, 1, primary.inbox.count(wire.ActionTokenExchange))

	companion.clock.Advance(time.Minute)
	companion.coord.checkStale(ctx)
	assert.Equal(t, 1, primary.inbox.count(wire.ActionTokenExchange), "fresh sync is not repeated")

	companion.clock.Advance(5 * time.Minute)
	companion.coord.checkStale(ctx)
	assert.Equal(t, 2, primary.inbox.count(wire.ActionTokenExchange))
}

func TestCheckStale_SkipsWhenUnreachable(t *testing.T) {
	primary, companion, link := setup(t)
	link.SetReachable(false)

	companion.coord.checkStale(context.Background())
	assert.Zero(t, primary.inbox.count(wire.ActionTokenExchange))
	assert.Equal(t, ModeIdle, companion.coord.Status().Mode)
}

func TestSend_QueuedAndFlushedOncePerTransition(t *testing.T) {
	ctx := context.Background()
	primary, companion, link := setup(t)
	link.SetReachable(false)
	run(t, companion.coord)
	eventually(t, func() bool { return companion.store.Len() > 0 }, "started")

	replies := make(chan wire.Message, 4)
	require.NoError(t, companion.coord.Send(ctx, wire.Ping{DeviceType: "companion"}, func(m wire.Message, err error) {
		assert.NoError(t, err)
		replies <- m
	}))
	assert.Equal(t, 1, companion.coord.Status().Pending)

	link.SetReachable(true)
	select {
	case m := <-replies:
		assert.Equal(t, "pong", m.(wire.Pong).Status)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message not flushed")
	}
	eventually(t, func() bool { return companion.coord.Status().Pending == 0 }, "queue drained")

	link.SetReachable(false)
	link.SetReachable(true)
	eventually(t, func() bool { return companion.coord.Status().Mode == ModeSynced }, "settled")
	assert.Equal(t, 1, primary.inbox.count(wire.ActionPing))
}

func TestSend_DeliversImmediatelyWhenReachable(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)

	var got wire.Message
	require.NoError(t, companion.coord.Send(ctx, wire.Ping{}, func(m wire.Message, err error) {
		require.NoError(t, err)
		got = m
	}))
	assert.IsType(t, wire.Pong{}, got)
	assert.Zero(t, companion.coord.Status().Pending)
	assert.Equal(t, 1, primary.inbox.count(wire.ActionPing))
}

func TestSend_DroppedAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	_, companion, link := setup(t)
	link.SetReachable(false)

	var dropped error
	require.NoError(t, companion.coord.Send(ctx, wire.ClearData{}, func(_ wire.Message, err error) { dropped = err }))

	for range 3 {
		companion.coord.flush(ctx)
	}
	assert.ErrorIs(t, dropped, ErrDropped)
	st := companion.coord.Status()
	assert.Zero(t, st.Pending)
	assert.Equal(t, []string{"clearData not delivered after 3 attempts"}, st.Dropped)

	_, ok, err := companion.blobs.Get(ctx, KeyPending)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSend_DroppedSurvivesLaterSync(t *testing.T) {
	ctx := context.Background()
	_, companion, link := setup(t)
	link.SetReachable(false)
	require.NoError(t, companion.coord.Send(ctx, wire.ClearData{}, nil))
	for range 3 {
		companion.coord.flush(ctx)
	}

	run(t, companion.coord)
	link.SetReachable(true)
	eventually(t, func() bool {
		return companion.coord.Status().Mode == ModeSynced && !companion.coord.busy.Load()
	}, "synced after reconnect")

	st := companion.coord.Status()
	assert.Empty(t, st.LastError)
	assert.Len(t, st.Dropped, 1)

	companion.coord.ClearDropped()
	assert.Empty(t, companion.coord.Status().Dropped)
}

func TestComplete_CompanionReportsToPrimary(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)
	companion.coord.cycle(ctx, request{})
	id := program.SessionID(1, 1)

	require.NoError(t, companion.coord.Complete(ctx, id, program.Result{At: t0, Times: []float64{5.0, 5.2}}))

	assert.Equal(t, 1, primary.inbox.count(wire.ActionCompletion))
	owner, _ := primary.store.Get(id)
	assert.True(t, owner.Completed)
	assert.Equal(t, []float64{5.0, 5.2}, owner.Results)
	st, _ := companion.store.State(id)
	assert.Equal(t, sessions.Synced, st)
}

func TestComplete_QueuedUntilReachable(t *testing.T) {
	ctx := context.Background()
	primary, companion, link := setup(t)
	companion.coord.cycle(ctx, request{})
	id := program.SessionID(1, 2)

	link.SetReachable(false)
	require.NoError(t, companion.coord.Complete(ctx, id, program.Result{At: t0}))
	st, _ := companion.store.State(id)
	assert.Equal(t, sessions.Pending, st)
	assert.Equal(t, 1, companion.coord.Status().Pending)

	link.SetReachable(true)
	companion.coord.cycle(ctx, request{force: true})
	st, _ = companion.store.State(id)
	assert.Equal(t, sessions.Pending, st, "a pulled batch does not deliver the completion")

	companion.coord.flush(ctx)
	st, _ = companion.store.State(id)
	assert.Equal(t, sessions.Synced, st)
	owner, _ := primary.store.Get(id)
	assert.True(t, owner.Completed)
	assert.Zero(t, companion.coord.Status().Pending)
}

func TestCycle_ReportsUnacknowledgedCompletions(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)
	companion.coord.cycle(ctx, request{})
	id := program.SessionID(1, 3)
	require.NoError(t, companion.store.MarkCompleted(ctx, id, program.Result{At: t0}))

	companion.coord.cycle(ctx, request{})

	assert.Equal(t, 1, primary.inbox.count(wire.ActionCompletion))
	st, _ := companion.store.State(id)
	assert.Equal(t, sessions.Synced, st)
	owner, _ := primary.store.Get(id)
	assert.True(t, owner.Completed)
}

func TestComplete_PrimaryIsCarriedByPush(t *testing.T) {
	ctx := context.Background()
	primary, companion, _ := setup(t)
	id := program.SessionID(1, 1)

	require.NoError(t, primary.coord.Complete(ctx, id, program.Result{At: t0}))
	st, _ := primary.store.State(id)
	assert.Equal(t, sessions.Pending, st)
	assert.Zero(t, companion.inbox.count(wire.ActionCompletion))

	primary.coord.cycle(ctx, request{})
	st, _ = primary.store.State(id)
	assert.Equal(t, sessions.Synced, st)
	got, _ := companion.store.Get(id)
	assert.True(t, got.Completed)
}

func TestSend_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	a, b, link := transport.NewPipe()
	link.SetReachable(false)
	blobs := store.NewMemory()

	first := newPeer(t, identity.Companion, "watch", b, blobs, nil, testConfig())
	require.NoError(t, first.coord.Send(ctx, wire.Heartbeat{SessionCount: 7}, nil))

	second := newPeer(t, identity.Companion, "watch", a, blobs, nil, testConfig())
	require.NoError(t, second.coord.start(ctx))

	pending := second.coord.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, wire.Heartbeat{SessionCount: 7}, pending[0].Message)
	assert.Equal(t, t0, pending[0].QueuedAt)
}

func TestHeartbeat(t *testing.T) {
	a, b, _ := transport.NewPipe()
	primary := newPeer(t, identity.Primary, "phone", a, store.NewMemory(), nil, testConfig())
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	companion := newPeer(t, identity.Companion, "watch", b, store.NewMemory(), nil, cfg)

	run(t, companion.coord)
	eventually(t, func() bool { return primary.inbox.count(wire.ActionHeartbeat) >= 2 }, "heartbeats")
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	primary, _, _ := setup(t)
	first := primary.store.Load()[0]
	require.NoError(t, primary.store.MarkCompleted(ctx, first.ID, program.Result{At: t0}))
	token := primary.id.Token()

	require.NoError(t, primary.coord.Regenerate(ctx, profile.Profile{Level: program.Beginner, Frequency: 3}))
	assert.Equal(t, token, primary.id.Token(), "unchanged profile keeps the token")

	require.NoError(t, primary.coord.Regenerate(ctx, profile.Profile{Level: program.Elite, Frequency: 4}))
	assert.NotEqual(t, token, primary.id.Token())
	assert.Equal(t, 48, primary.store.Len())
	got, _ := primary.store.Get(first.ID)
	assert.True(t, got.Completed, "completion carried to the regenerated session")
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	primary, _, _ := setup(t)
	token := primary.id.Token()

	require.NoError(t, primary.coord.Clear(ctx))
	assert.Zero(t, primary.store.Len())
	assert.NotEqual(t, token, primary.id.Token())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "offline", ModeOffline.String())
	assert.Equal(t, "Mode(9)", Mode(9).String())
}
