package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/relayfield/outreach/internal/api"
	"github.com/relayfield/outreach/internal/config"
	"go.uber.org/zap"
)

// Server manages the HTTP API lifecycle for a session daemon. It binds to
// loopback only; the daemon is a per-user local service, not a network one.
type Server struct {
	httpServer *http.Server
	addr       string
	logger     *zap.Logger
}

// NewServer creates the HTTP server for the daemon's local API.
func NewServer(p Params, cfg *config.Config, h *api.Handler, logger *zap.Logger) *Server {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.Listen.Addr
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           api.NewRouter(h, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr:   addr,
		logger: logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Start begins serving API requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}
