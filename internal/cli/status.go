package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/actor"
	"github.com/roach88/sprintsync/internal/config"
	"github.com/roach88/sprintsync/internal/coordinator"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/peer"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/store"
)

// local is a device's stored state opened without a transport.
type local struct {
	blobs store.Blobs
	id    *identity.Identity
	store *sessions.Store

	close func()
}

// openLocal opens the configured store and loads identity and sessions
// from it. The caller must call close.
func openLocal(ctx context.Context, cfg config.Config, logger *slog.Logger) (*local, error) {
	role, err := identity.ParseRole(cfg.Role)
	if err != nil {
		return nil, commandError("invalid role", err)
	}
	blobs, blobCloser, err := peer.OpenBlobs(cfg.Store, cfg.DataDir)
	if err != nil {
		return nil, commandError("failed to open store", err)
	}

	a := actor.New(cfg.Role, actor.WithLogger(logger))
	actx, stop := context.WithCancel(context.WithoutCancel(ctx))
	go func() { _ = a.Run(actx) }()
	cleanup := func() {
		stop()
		<-a.Done()
		if err := blobCloser.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}

	id, err := identity.Load(ctx, a, blobs, role, identity.WithLogger(logger))
	if err != nil {
		cleanup()
		return nil, commandError("failed to load identity", err)
	}
	st, err := sessions.Open(ctx, a, blobs, sessions.WithLogger(logger))
	if err != nil {
		cleanup()
		return nil, commandError("failed to open sessions", err)
	}
	return &local{blobs: blobs, id: id, store: st, close: cleanup}, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored program, token and outbound queue",
		Long: `Show what this device has stored: how many sessions and where they came
from, per-session sync states, the current sync token and any messages
still queued for the other peer.

Example:
  sprintsync status --config ./watch.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
	return cmd
}

// pendingView is one queued outbound message.
type pendingView struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	Attempts int    `json:"attempts"`
}

type storedStatus struct {
	statusView
	Queue []pendingView `json:"queue,omitempty"`
}

func (s storedStatus) Text(w io.Writer) error {
	if err := s.statusView.Text(w); err != nil {
		return err
	}
	for _, p := range s.Queue {
		fmt.Fprintf(w, "    %s %s (attempts %d)\n", p.ID, p.Action, p.Attempts)
	}
	return nil
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig("")
	if err != nil {
		return err
	}
	logger, logCloser := opts.newLogger(cmd.ErrOrStderr(), cfg.LogFile)
	defer logCloser.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	l, err := openLocal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.close()

	queue, err := coordinator.LoadPending(ctx, l.blobs)
	if err != nil {
		logger.Warn("pending queue unreadable", "error", err)
	}

	out := storedStatus{
		statusView: statusView{
			Role:     l.id.Role().String(),
			Device:   l.id.DeviceID(),
			Pending:  len(queue),
			Sessions: l.store.Len(),
			Source:   string(l.store.Source()),
			States:   stateCounts(l.store),
			Digest:   digestOf(l.store),
			Token:    l.id.Token(),
		},
	}
	for _, p := range queue {
		out.Queue = append(out.Queue, pendingView{ID: p.ID, Action: string(p.Message.Action()), Attempts: p.Attempts})
	}
	return opts.output(cmd).print(out)
}
