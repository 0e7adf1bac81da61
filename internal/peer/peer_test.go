package peer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sprintsync/internal/coordinator"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/testutil"
	"github.com/roach88/sprintsync/internal/transport"
)

func testConfig() coordinator.Config {
	return coordinator.Config{
		MaxRetries:    3,
		MinRetryDelay: time.Millisecond,
		CheckInterval: time.Hour,
		StaleAfter:    5 * time.Minute,
		Weeks:         12,
	}
}

func start(t *testing.T, p *Peer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, p.Close())
	})
}

func newPeer(t *testing.T, role identity.Role, device string, ch transport.Channel, pr profile.Provider) *Peer {
	t.Helper()
	p, err := New(context.Background(), Options{
		Role:        role,
		Blobs:       store.NewMemory(),
		Channel:     ch,
		Profile:     pr,
		Coordinator: testConfig(),
		Tokens:      testutil.NewSequenceGenerator(device),
		DeviceID:    func() string { return device },
	})
	require.NoError(t, err)
	return p
}

func TestOpenBlobs(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{BackendMemory, BackendFile, BackendSQLite} {
		t.Run(kind, func(t *testing.T) {
			blobs, closer, err := OpenBlobs(kind, t.TempDir())
			require.NoError(t, err)
			defer closer.Close()

			require.NoError(t, blobs.Set(ctx, "k", []byte("v")))
			v, ok, err := blobs.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v"), v)
		})
	}

	_, _, err := OpenBlobs("tape", t.TempDir())
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(context.Background(), Options{Role: identity.Primary, Blobs: store.NewMemory()})
	assert.Error(t, err)
}

func TestPeers_CompanionReceivesFirstWeek(t *testing.T) {
	a, b, _ := transport.NewPipe()
	primary := newPeer(t, identity.Primary, "phone", a, profile.Static{Name: "Sam", Level: program.Beginner, Frequency: 3})
	companion := newPeer(t, identity.Companion, "watch", b, nil)

	start(t, primary)
	start(t, companion)

	require.Eventually(t, func() bool {
		return companion.Store.Source() == sessions.SourceSynced &&
			companion.Store.StateCounts()[sessions.Synced] == companion.Store.Len()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, sessions.SourceSynced, companion.Store.Source())
	assert.Equal(t, 36, primary.Store.Len())
	// The companion's startup fallback matches the primary's profile, so
	// the first-week batch lands on the same IDs.
	assert.Equal(t, 36, companion.Store.Len())
	assert.Equal(t, primary.Identity.Token(), companion.Identity.Token())
	assert.Equal(t, map[sessions.SyncState]int{sessions.Synced: 36}, companion.Store.StateCounts())
}

func TestPeers_ProfileEditReachesCompanion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	file := profile.NewFile(path)
	require.NoError(t, file.Save(profile.Profile{Name: "Sam", Level: program.Beginner, Frequency: 3, CurrentWeek: 1}))

	a, b, _ := transport.NewPipe()
	primary := newPeer(t, identity.Primary, "phone", a, file)
	companion := newPeer(t, identity.Companion, "watch", b, nil)

	start(t, primary)
	start(t, companion)

	require.Eventually(t, func() bool {
		return companion.Store.Source() == sessions.SourceSynced
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := companion.Store.Get(program.SessionID(1, 4))
	require.False(t, ok)

	// The watcher may not be armed yet, so keep editing until an edit lands.
	freq := 4
	require.Eventually(t, func() bool {
		if _, ok := companion.Store.Get(program.SessionID(1, 4)); ok {
			return true
		}
		_ = file.Save(profile.Profile{Name: "Sam", Level: program.Beginner, Frequency: freq, CurrentWeek: 1})
		freq = 9 - freq
		return false
	}, 5*time.Second, 50*time.Millisecond)

	assert.GreaterOrEqual(t, primary.Store.Len(), 48)
}

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := transport.NewPipe()
	p := newPeer(t, identity.Primary, "phone", a, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	<-p.Actor.Done()
}
