package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/coordinator"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	Yes bool
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored program and start over",
		Long: `Delete this device's stored sessions and outbound queue and mint a new
sync token, so the next sync transfers everything again. The device ID is
kept.

Example:
  sprintsync clear --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearLocal(opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm deletion")

	return cmd
}

type cleared struct {
	Removed int    `json:"removed"`
	Token   string `json:"token"`
}

func (c cleared) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Removed %d sessions. New sync token %s\n", c.Removed, c.Token)
	return err
}

func clearLocal(opts *ClearOptions, cmd *cobra.Command) error {
	if !opts.Yes {
		return commandError("refusing to clear without --yes", nil)
	}
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

	removed := l.store.Len()
	if err := l.store.Clear(ctx); err != nil {
		return failure("failed to clear sessions", err)
	}
	if err := l.blobs.Remove(ctx, coordinator.KeyPending); err != nil {
		return failure("failed to clear queue", err)
	}
	token, err := l.id.Regenerate(ctx)
	if err != nil {
		return failure("failed to mint token", err)
	}

	logger.Info("local data cleared", "sessions", removed)
	return opts.output(cmd).print(cleared{Removed: removed, Token: token})
}
