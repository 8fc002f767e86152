package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Server accepts worker control connections and runs one Session per
// connection
type Server struct {
	c      *Coordinator
	addr   string
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a control server listening on addr, e.g. ":55334"
func NewServer(c *Coordinator, addr string) *Server {
	return &Server{
		c:      c,
		addr:   addr,
		logger: c.logger.With("component", "control_server"),
	}
}

// ListenAndServe binds addr and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the bound address once serving
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts on ln until ctx is done, then closes every session and waits
// for them to finish
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("Control server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Control server stopping")
				s.c.Shutdown()
				s.c.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.c.sessionsWG.Add(1)
		go func() {
			defer s.c.sessionsWG.Done()
			s.c.serveConn(ctx, conn)
		}()
	}
}
