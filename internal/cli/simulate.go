package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/config"
	"github.com/roach88/sprintsync/internal/identity"
	"github.com/roach88/sprintsync/internal/peer"
	"github.com/roach88/sprintsync/internal/profile"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/sessions"
	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/transport"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Level     string
	Frequency int
	Offline   bool
	Workout   bool
	Latency   time.Duration
	Timeout   time.Duration
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a primary and a companion in one process",
		Long: `Run both peers in memory, connected by an in-process link, and report
how the companion reaches agreement with the primary.

With --offline the link starts down: the companion falls back to a locally
generated program, then the link comes up and the real program replaces it.
With --workout the companion then finishes its first session and reports
the result to the primary.

Example:
  sprintsync simulate --level elite --frequency 5 --offline`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Level, "level", "l", "beginner", "primary user's training level")
	cmd.Flags().IntVarP(&opts.Frequency, "frequency", "f", 3, "primary user's sessions per week")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start with the link down")
	cmd.Flags().BoolVar(&opts.Workout, "workout", false, "complete a session on the companion after syncing")
	cmd.Flags().DurationVar(&opts.Latency, "latency", 0, "delay added to every delivery")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "give up after this long")

	return cmd
}

type simulation struct {
	Steps     []string   `json:"steps"`
	Primary   statusView `json:"primary"`
	Companion statusView `json:"companion"`
}

func (s simulation) Text(w io.Writer) error {
	for i, step := range s.Steps {
		fmt.Fprintf(w, "%d. %s\n", i+1, step)
	}
	fmt.Fprintln(w)
	if err := s.Primary.Text(w); err != nil {
		return err
	}
	return s.Companion.Text(w)
}

func simulate(opts *SimulateOptions, cmd *cobra.Command) error {
	logger, logCloser := opts.newLogger(cmd.ErrOrStderr(), opts.LogFile)
	defer logCloser.Close()

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, opts.Timeout)
	defer stop()

	cfg := coordinatorConfig(config.Default())
	cfg.MinRetryDelay = 20 * time.Millisecond

	a, b, link := transport.NewPipe()
	link.SetLatency(opts.Latency)
	if opts.Offline {
		link.SetReachable(false)
	}

	owner := profile.Static{Name: "simulated", Level: program.ParseLevel(opts.Level), Frequency: opts.Frequency}
	primary, err := peer.New(ctx, peer.Options{
		Role: identity.Primary, Blobs: store.NewMemory(), Channel: a,
		Profile: owner, Coordinator: cfg, Logger: logger.With("device", "primary"),
	})
	if err != nil {
		return failure("failed to start primary", err)
	}
	companion, err := peer.New(ctx, peer.Options{
		Role: identity.Companion, Blobs: store.NewMemory(), Channel: b,
		Coordinator: cfg, Logger: logger.With("device", "companion"),
	})
	if err != nil {
		_ = primary.Close()
		return failure("failed to start companion", err)
	}

	runCtx, halt := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, p := range []*peer.Peer{primary, companion} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(runCtx); err != nil {
				logger.Error("peer stopped", "error", err)
			}
		}()
	}
	defer func() {
		halt()
		wg.Wait()
		_ = primary.Close()
		_ = companion.Close()
	}()

	out := simulation{}
	step := func(format string, args ...any) {
		out.Steps = append(out.Steps, fmt.Sprintf(format, args...))
		opts.output(cmd).debugf("step: "+format, args...)
	}

	if err := waitFor(ctx, func() bool { return primary.Store.Len() > 0 }); err != nil {
		return failure("primary never generated a program", err)
	}
	step("primary generated %d sessions (%s, %d per week)", primary.Store.Len(), owner.Level, program.ClampFrequency(owner.Frequency))

	if opts.Offline {
		if err := waitFor(ctx, func() bool { return companion.Store.Source() == sessions.SourceFallback }); err != nil {
			return failure("companion never fell back", err)
		}
		step("link down: companion trains on %d fallback sessions", companion.Store.Len())
		link.SetReachable(true)
		step("link up")
	}

	synced := func() bool {
		return companion.Store.Source() == sessions.SourceSynced &&
			companion.Identity.Token() == primary.Identity.Token()
	}
	if err := waitFor(ctx, synced); err != nil {
		return failure("companion never synced", err)
	}
	step("companion synced %d sessions, tokens agree", companion.Store.Len())

	if opts.Workout {
		id := program.SessionID(1, 1)
		result := program.Result{At: time.Now(), Times: []float64{5.4, 5.2, 5.3}}
		if err := companion.Coordinator.Complete(ctx, id, result); err != nil {
			return failure("companion could not record the workout", err)
		}
		recorded := func() bool {
			s, _ := primary.Store.Get(id)
			st, _ := companion.Store.State(id)
			return s.Completed && st == sessions.Synced
		}
		if err := waitFor(ctx, recorded); err != nil {
			return failure("primary never recorded the workout", err)
		}
		step("companion completed week 1 day 1, primary recorded it")
	}

	out.Primary = viewOf(primary)
	out.Companion = viewOf(companion)
	return opts.output(cmd).print(out)
}

// waitFor polls cond until it holds or ctx ends.
func waitFor(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
