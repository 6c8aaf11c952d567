package localserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Server defaults.
const (
	DefaultIdleTimeout = 5 * time.Minute
	maxLineBytes       = 64 * 1024
)

// Server serves Handler over a Unix domain socket.
type Server struct {
	path        string
	handler     *Handler
	logger      *slog.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New creates a server for the socket at path.
func New(path string, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		path:        path,
		handler:     handler,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one left by a previous run.
// The socket is only accessible to its owner.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("localserver: create socket dir: %w", err)
	}
	if err := removeStale(s.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("localserver: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("localserver: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)
	s.logger.Info("local command socket listening", "path", s.path)
	return nil
}

// removeStale deletes a socket file nobody is listening on.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("localserver: stat socket: %w", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("localserver: %s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("localserver: %s is in use by another process", path)
	}
	return os.Remove(path)
}

// Serve accepts connections until Shutdown. Listen must be called first.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("localserver: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting, closes idle sessions and waits for commands
// in progress.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	s.mu.Lock()
	var closeErr error
	if s.listener != nil {
		closeErr = s.listener.Close()
	}
	for c := range s.conns {
		// Unblocks the reader; a command in progress still finishes.
		c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			return closeErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	w := bufio.NewWriter(conn)

	for s.running.Load() {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if !s.running.Load() || !scanner.Scan() {
			return
		}
		line := scanner.Text()
		err := s.handler.Execute(ctx, w, line)
		if ferr := w.Flush(); ferr != nil {
			return
		}
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			s.logger.Debug("local command reply failed", "error", err)
			return
		}
		s.logger.Debug("local command", "command", line)
	}
}
