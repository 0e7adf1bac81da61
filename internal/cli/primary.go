package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/peer"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/transport/wsock"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 5 * time.Second

// NewPrimaryCommand creates the primary command.
func NewPrimaryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "primary",
		Short: "Run the device that owns the training program",
		Long: `Run the primary peer.

The primary generates the program from the profile file, serves it to a
companion over a websocket at /sync, and pushes a fresh batch whenever the
profile file changes. A missing profile file is created with defaults.

Example:
  sprintsync primary --config ./sprintsync.yaml
  SPRINTSYNC_LISTEN=0.0.0.0:8787 sprintsync primary -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrimary(rootOpts, cmd)
		},
	}
	return cmd
}

func runPrimary(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(identity.Primary.String())
	if err != nil {
		return err
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

	prof, err := ensureProfile(cfg.Profile, logger)
	if err != nil {
		return commandError("failed to prepare profile", err)
	}

	srv := wsock.NewServer(logger)
	p, err := peer.New(ctx, peer.Options{
		Role:        identity.Primary,
		Blobs:       blobs,
		Channel:     srv,
		Profile:     prof,
		Coordinator: coordinatorConfig(cfg),
		Logger:      logger,
	})
	if err != nil {
		return commandError("failed to start peer", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = p.Close()
		return commandError("failed to listen", err)
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			cancel()
		}
	}()

	logger.Info("primary listening", "addr", ln.Addr().String(), "profile", cfg.Profile, "store", cfg.Store)
	fmt.Fprintf(cmd.OutOrStdout(), "Primary listening on ws://%s/sync\n", ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	runErr := p.Run(ctx)

	final := viewOf(p)
	if err := p.Close(); err != nil {
		logger.Warn("error closing peer", "error", err)
	}
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	if runErr != nil {
		return failure("primary stopped", runErr)
	}
	logger.Info("primary stopped gracefully")
	return opts.output(cmd).print(final)
}

// ensureProfile returns the profile file at path, writing a default one
// first when it does not exist.
func ensureProfile(path string, logger *slog.Logger) (*profile.File, error) {
	f := profile.NewFile(path, profile.WithLogger(logger))
	if _, err := os.Stat(path); err == nil {
		return f, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := f.Save(profile.Default().Normalize()); err != nil {
		return nil, err
	}
	logger.Info("created default profile", "path", path)
	return f, nil
}
