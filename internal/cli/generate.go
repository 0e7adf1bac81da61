package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/batch"
	"github.com/roach88/sprintsync/internal/program"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	Level     string
	Frequency int
	Weeks     int
	Week      int
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a generated training program",
		Long: `Generate a training program for a level and weekly frequency and print it.

With --week, print only the batch a companion at that week would receive.

Example:
  sprintsync generate --level advanced --frequency 4
  sprintsync generate --frequency 3 --week 6 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Level, "level", "l", "beginner", "training level (beginner|intermediate|advanced|elite)")
	cmd.Flags().IntVarP(&opts.Frequency, "frequency", "f", 3, "sessions per week (1-7)")
	cmd.Flags().IntVar(&opts.Weeks, "weeks", program.DefaultWeeks, "program length in weeks")
	cmd.Flags().IntVar(&opts.Week, "week", 0, "print the companion batch for this week")

	return cmd
}

// generated is the result of the generate command.
type generated struct {
	Level     string            `json:"level"`
	Frequency int               `json:"frequency"`
	Phase     string            `json:"phase,omitempty"`
	Batch     string            `json:"batch,omitempty"`
	Total     int               `json:"total"`
	Digest    string            `json:"digest"`
	Sessions  []program.Session `json:"sessions"`
}

func (g generated) Text(w io.Writer) error {
	fmt.Fprintf(w, "%s, %d per week, %d sessions\n", g.Level, g.Frequency, g.Total)
	fmt.Fprintf(w, "digest %s\n", g.Digest)
	if g.Batch != "" {
		fmt.Fprintf(w, "%s: %s (%d sessions)\n", g.Phase, g.Batch, len(g.Sessions))
	}
	_, err := io.WriteString(w, program.Summary(g.Sessions))
	return err
}

func generate(opts *GenerateOptions, cmd *cobra.Command) error {
	if opts.Weeks < 1 {
		return commandError("--weeks must be at least 1", nil)
	}
	if opts.Week < 0 {
		return commandError("--week must not be negative", nil)
	}

	p := program.Params{
		Level:     program.ParseLevel(opts.Level),
		Frequency: opts.Frequency,
		Weeks:     opts.Weeks,
	}.Normalize()
	all := program.Generate(p)
	digest, err := program.Digest(all)
	if err != nil {
		return failure("failed to digest program", err)
	}

	out := generated{
		Level:     p.Level.String(),
		Frequency: p.Frequency,
		Total:     len(all),
		Digest:    digest,
		Sessions:  all,
	}
	if opts.Week > 0 {
		sel := batch.Select(all, opts.Week, p.Frequency)
		out.Phase = sel.Phase.String()
		out.Batch = sel.Description
		out.Sessions = sel.Sessions
	}

	opts.output(cmd).debugf("generated %d sessions", len(all))
	return opts.output(cmd).print(out)
}
