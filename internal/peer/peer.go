// Package peer wires one device's components together. It is the only
// place that constructs them; everything else receives its collaborators
// explicitly.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/coordinator"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/reconcile"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/transport"
)

// Store backends accepted by OpenBlobs.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// OpenBlobs opens the blob store kind under dir. The returned closer is
// never nil.
func OpenBlobs(kind, dir string) (store.Blobs, io.Closer, error) {
	switch kind {
	case BackendMemory:
		return store.NewMemory(), io.NopCloser(nil), nil
	case BackendFile:
		fs, err := store.NewFileStore(afero.NewOsFs(), filepath.Join(dir, "blobs"))
		if err != nil {
			return nil, nil, err
		}
		return fs, io.NopCloser(nil), nil
	case BackendSQLite, "":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := store.Open(filepath.Join(dir, "sprintsync.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// Options are the inputs to New. Blobs, Channel and Role are required.
type Options struct {
	Role        identity.Role
	Blobs       store.Blobs
	Channel     transport.Channel
	Profile     profile.Provider
	Coordinator coordinator.Config
	Logger      *slog.Logger
	Clock       func() time.Time

	// Tokens and DeviceID override identity generation, for tests and
	// the simulator.
	Tokens   identity.TokenGenerator
	DeviceID func() string
}

// Peer is one running device.
type Peer struct {
	Actor       *actor.Actor
	Identity    *identity.Identity
	Store       *sessions.Store
	Engine      *reconcile.Engine
	Coordinator *coordinator.Coordinator
	Channel     transport.Channel
	Profile     profile.Provider

	logger    *slog.Logger
	stopActor context.CancelFunc
	closeOnce sync.Once
}

// runner is a channel that needs its own loop, such as a dialing client.
type runner interface {
	Run(ctx context.Context) error
}

// watcher is a profile source that reports edits.
type watcher interface {
	Watch(ctx context.Context, fn func(profile.Profile)) error
}

// New builds a peer and starts its actor. Call Close when done.
func New(ctx context.Context, o Options) (*Peer, error) {
	if o.Blobs == nil || o.Channel == nil {
		return nil, errors.New("peer: blobs and channel are required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	logger := o.Logger.With("role", o.Role.String())

	a := actor.New(o.Role.String(), actor.WithLogger(logger))
	actx, stop := context.WithCancel(context.WithoutCancel(ctx))
	go func() { _ = a.Run(actx) }()

	idOpts := []identity.Option{identity.WithLogger(logger)}
	if o.Tokens != nil {
		idOpts = append(idOpts, identity.WithTokenGenerator(o.Tokens))
	}
	if o.DeviceID != nil {
		idOpts = append(idOpts, identity.WithDeviceIDSource(o.DeviceID))
	}
	id, err := identity.Load(ctx, a, o.Blobs, o.Role, idOpts...)
	if err != nil {
		stop()
		return nil, fmt.Errorf("load identity: %w", err)
	}

	st, err := sessions.Open(ctx, a, o.Blobs, sessions.WithLogger(logger))
	if err != nil {
		stop()
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	engine := reconcile.New(id, st, o.Channel,
		reconcile.WithProfile(o.Profile),
		reconcile.WithClock(o.Clock),
		reconcile.WithLogger(logger),
	)
	o.Channel.SetHandler(engine)

	coord := coordinator.New(coordinator.Deps{
		Actor:    a,
		Identity: id,
		Store:    st,
		Engine:   engine,
		Channel:  o.Channel,
		Blobs:    o.Blobs,
		Profile:  o.Profile,
	}, o.Coordinator, coordinator.WithClock(o.Clock), coordinator.WithLogger(logger))

	logger.Info("peer ready", "device", id.DeviceID(), "sessions", st.Len())
	return &Peer{
		Actor:       a,
		Identity:    id,
		Store:       st,
		Engine:      engine,
		Coordinator: coord,
		Channel:     o.Channel,
		Profile:     o.Profile,
		logger:      logger,
		stopActor:   stop,
	}, nil
}

// Run drives the peer until ctx is cancelled: the coordinator loop, the
// channel's own loop if it has one, and on a primary the profile watch
// that regenerates and pushes the program after an edit.
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	spawn("coordinator", p.Coordinator.Run)
	if r, ok := p.Channel.(runner); ok {
		spawn("transport", r.Run)
	}
	if w, ok := p.Profile.(watcher); ok && p.Identity.Role() == identity.Primary {
		spawn("profile watch", func(ctx context.Context) error {
			return w.Watch(ctx, func(pr profile.Profile) { p.onProfileChange(ctx, pr) })
		})
	}

	wg.Wait()
	close(errc)
	return <-errc
}

func (p *Peer) onProfileChange(ctx context.Context, pr profile.Profile) {
	if err := p.Coordinator.Regenerate(ctx, pr); err != nil {
		p.logger.Error("regenerate after profile change", "error", err)
		return
	}
	if err := p.Coordinator.RequestSync(ctx); err != nil && !errors.Is(err, coordinator.ErrSyncInProgress) {
		p.logger.Warn("sync after profile change", "error", err)
	}
}

// Close stops the actor and the channel.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.Channel.Close()
		p.stopActor()
		<-p.Actor.Done()
	})
	return err
}
