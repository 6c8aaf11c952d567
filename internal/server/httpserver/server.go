package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/yndnr/corestate-go/internal/infra/tlsroots"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr    string
	Handler http.Handler

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	keyPair    *tlsroots.KeyPair
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server. With TLS configured the certificate pair is
// loaded immediately, so a bad pair fails here rather than on the first
// handshake.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		kp, err := tlsroots.NewKeyPair(cfg.TLSCertFile, cfg.TLSKeyFile, tlsroots.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("httpserver: %w", err)
		}
		s.keyPair = kp
		s.httpServer.TLSConfig = kp.ServerConfig()
	}
	return s, nil
}

// Start binds the address and serves in the background. Serve errors
// other than a clean shutdown are passed to onError.
func (s *Server) Start(onError func(error)) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.cfg.Addr, err)
	}
	if s.keyPair != nil {
		if err := s.keyPair.Watch(); err != nil {
			s.logger.Warn("certificate rotation disabled", "error", err)
		}
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("admin API listening", "addr", ln.Addr().String(), "tls", s.keyPair != nil)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin API stopped", "error", err)
			if onError != nil {
				onError(err)
			}
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.keyPair != nil {
		s.keyPair.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
