package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/peer"
	"github.com/roach88/sprintsync/internal/transport/wsock"
)

// CompanionOptions holds flags for the companion command.
type CompanionOptions struct {
	*RootOptions
	Peer string
}

// NewCompanionCommand creates the companion command.
func NewCompanionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompanionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "companion",
		Short: "Run the device that mirrors the primary's program",
		Long: `Run the companion peer.

The companion dials the primary, pulls the batch for its current week and
keeps it up to date. Until the primary answers it trains from a locally
generated fallback program.

Example:
  sprintsync companion --peer ws://phone.local:8787/sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompanion(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Peer, "peer", "", "primary websocket URL (overrides config)")

	return cmd
}

func runCompanion(opts *CompanionOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(identity.Companion.String())
	if err != nil {
		return err
	}
	if opts.Peer != "" {
		cfg.Peer = opts.Peer
		if err := cfg.Validate(); err != nil {
			return commandError("invalid --peer", err)
		}
	}
	logger, logCloser := opts.newLogger(cmd.ErrOrStderr(), cfg.LogFile)
	defer logCloser.Close()

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	blobs, blobCloser, err := peer.OpenBlobs(cfg.Store, cfg.DataDir)
	if err != nil {
		return commandError("failed to open store", err)
	}
	defer func() {
		if err := blobCloser.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	client := wsock.NewClient(cfg.Peer,
		wsock.WithReconnectDelay(cfg.Sync.ReconnectDelay),
		wsock.WithLogger(logger),
	)
	p, err := peer.New(ctx, peer.Options{
		Role:        identity.Companion,
		Blobs:       blobs,
		Channel:     client,
		Coordinator: coordinatorConfig(cfg),
		Logger:      logger,
	})
	if err != nil {
		return commandError("failed to start peer", err)
	}

	logger.Info("companion starting", "peer", cfg.Peer, "store", cfg.Store)
	fmt.Fprintf(cmd.OutOrStdout(), "Companion syncing with %s\n", cfg.Peer)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	runErr := p.Run(ctx)
	final := viewOf(p)
	if err := p.Close(); err != nil {
		logger.Warn("error closing peer", "error", err)
	}
	if runErr != nil {
		return failure("companion stopped", runErr)
	}
	logger.Info("companion stopped gracefully")
	return opts.output(cmd).print(final)
}
