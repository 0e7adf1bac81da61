package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/sprintsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	LogFile    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the sprintsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with args and returns the process exit code. A
// failing command is reported on stderr, as an error envelope under
// --format json.
func Execute(args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err != nil {
		newOutput(opts.Format, opts.Verbose, stderr, nil).fail(err)
	}
	return ExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sprintsync",
		Short: "sprintsync - training programs across two devices",
		Long: `Generate sprint training programs and keep a primary device and a
companion device in agreement about them.

The primary owns the program and serves it over a websocket; the companion
dials in, pulls the batch it needs, and falls back to a locally generated
program when the primary cannot be reached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return commandError(fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./sprintsync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "also write logs to this file, rotated")

	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewPrimaryCommand(opts))
	cmd.AddCommand(NewCompanionCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))

	return cmd
}

// output returns where cmd writes its result and diagnostics.
func (o *RootOptions) output(cmd *cobra.Command) *output {
	return newOutput(o.Format, o.Verbose, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// loadConfig reads the config and forces role, then revalidates so the
// role-specific rules apply.
func (o *RootOptions) loadConfig(role string) (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, commandError("failed to load config", err)
	}
	if role != "" {
		cfg.Role = role
	}
	if o.LogFile != "" {
		cfg.LogFile = o.LogFile
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, commandError("invalid config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to w, and also to a
// rotating file when logFile is set. The returned closer is never nil.
func (o *RootOptions) newLogger(w io.Writer, logFile string) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}

	var closer io.Closer = io.NopCloser(nil)
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w = io.MultiWriter(w, lj)
		closer = lj
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if o.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h), closer
}
