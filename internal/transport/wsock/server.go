package wsock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/roach88/sprintsync/internal/transport"
)

// Server is the primary's end. It accepts one companion at a time; a new
// connection displaces the old one.
type Server struct {
	endpoint
	router chi.Router
	ctx    context.Context
	cancel context.CancelFunc
}

var _ transport.Channel = (*Server)(nil)

// NewServer creates a server with routes:
//
//	GET /sync     websocket upgrade
//	GET /healthz  {"status":"ok","peer_connected":bool}
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router: chi.NewRouter(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.init(logger)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"peer_connected": s.Reachable(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if _, err := s.conn(); errors.Is(err, transport.ErrUnavailable) {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := newConn(ws, "srv", s.currentHandler, s.logger)
	if old := s.attach(c); old != nil {
		old.close("replaced by new connection")
	}
	s.logger.Info("companion connected", "remote", r.RemoteAddr)

	err = c.run(s.ctx)
	s.detach(c)
	s.logger.Info("companion disconnected", "remote", r.RemoteAddr, "reason", err)
}

// Close drops the current connection and refuses new ones.
func (s *Server) Close() error {
	s.shut("server closing")
	s.cancel()
	return nil
}
