package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sprintsync/internal/config"
	"github.com/roach88/sprintsync/internal/coordinator"
	"github.com/roach88/sprintsync/internal/peer"
	"github.com/roach88/sprintsync/internal/program"
	"github.com/roach88/sprintsync/internal/sessions"
)

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// the command's own context ends.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func coordinatorConfig(cfg config.Config) coordinator.Config {
	return coordinator.Config{
		MaxRetries:        cfg.Sync.MaxRetries,
		MinRetryDelay:     cfg.Sync.MinRetryDelay,
		MaxRetryDelay:     cfg.Sync.MaxRetryDelay,
		RequestTimeout:    cfg.Sync.RequestTimeout,
		CheckInterval:     cfg.Sync.CheckInterval,
		StaleAfter:        cfg.Sync.StaleAfter,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		Weeks:             cfg.Program.Weeks,
	}
}

// statusView is the printable form of a peer's status.
type statusView struct {
	Role      string         `json:"role"`
	Device    string         `json:"device,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Engine    string         `json:"engine,omitempty"`
	Reachable bool           `json:"reachable"`
	LastSync  *time.Time     `json:"last_sync,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Dropped   []string       `json:"dropped,omitempty"`
	Pending   int            `json:"pending"`
	Sessions  int            `json:"sessions"`
	Source    string         `json:"source,omitempty"`
	States    map[string]int `json:"states,omitempty"`
	Digest    string         `json:"digest,omitempty"`
	Token     string         `json:"token"`
}

func viewOf(p *peer.Peer) statusView {
	st := p.Coordinator.Status()
	v := statusView{
		Role:      st.Role.String(),
		Device:    p.Identity.DeviceID(),
		Mode:      st.Mode.String(),
		Engine:    st.Engine.String(),
		Reachable: st.Reachable,
		LastError: st.LastError,
		Dropped:   st.Dropped,
		Pending:   st.Pending,
		Sessions:  st.Sessions,
		Source:    string(st.Source),
		States:    stateCounts(p.Store),
		Digest:    digestOf(p.Store),
		Token:     st.Token,
	}
	if !st.LastSync.IsZero() {
		t := st.LastSync
		v.LastSync = &t
	}
	return v
}

// digestOf fingerprints the stored program so two peers can be compared
// by eye.
func digestOf(s *sessions.Store) string {
	if s.Len() == 0 {
		return ""
	}
	d, err := program.Digest(s.Load())
	if err != nil {
		return ""
	}
	return d
}

func stateCounts(s *sessions.Store) map[string]int {
	counts := s.StateCounts()
	if len(counts) == 0 {
		return nil
	}
	out := make(map[string]int, len(counts))
	for k, n := range counts {
		out[k.String()] = n
	}
	return out
}

func (v statusView) Text(w io.Writer) error {
	fmt.Fprintf(w, "%s %s\n", v.Role, v.Device)
	if v.Mode != "" {
		fmt.Fprintf(w, "  mode:      %s (engine %s)\n", v.Mode, v.Engine)
		fmt.Fprintf(w, "  reachable: %t\n", v.Reachable)
	}
	fmt.Fprintf(w, "  sessions:  %d", v.Sessions)
	if v.Source != "" {
		fmt.Fprintf(w, " from %s", v.Source)
	}
	fmt.Fprintln(w)
	for _, s := range []string{"pending", "syncing", "synced", "failed"} {
		if n := v.States[s]; n > 0 {
			fmt.Fprintf(w, "    %-8s %d\n", s+":", n)
		}
	}
	if v.Digest != "" {
		fmt.Fprintf(w, "  digest:    %s\n", v.Digest)
	}
	fmt.Fprintf(w, "  queued:    %d\n", v.Pending)
	fmt.Fprintf(w, "  token:     %s\n", v.Token)
	if v.LastSync != nil {
		fmt.Fprintf(w, "  last sync: %s\n", v.LastSync.Format(time.RFC3339))
	}
	if v.LastError != "" {
		fmt.Fprintf(w, "  error:     %s\n", v.LastError)
	}
	for _, d := range v.Dropped {
		fmt.Fprintf(w, "  dropped:   %s\n", d)
	}
	return nil
}
