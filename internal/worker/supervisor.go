package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/discovery"
	"github.com/AltairaLabs/renderfarm/internal/protocol"
	"github.com/AltairaLabs/renderfarm/internal/retry"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

const defaultCheckInterval = 1 * time.Second

// SupervisorConfig configures a Supervisor
type SupervisorConfig struct {
	// Session is the template for every session; Addr is filled per attempt
	Session SessionConfig
	// StaticAddr, when set, is used instead of discovered coordinators
	StaticAddr string
	// Registry supplies discovered coordinators
	Registry      *discovery.Registry
	CheckInterval time.Duration
	Policy        retry.Policy
	Logger        *slog.Logger
}

// Supervisor keeps at most one session with a coordinator alive, starting a
// new one whenever the worker is disconnected and a coordinator is known.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu          sync.RWMutex
	current     *Session
	attempting  bool
	failures    int
	nextAttempt time.Time
	rendered    int // frames rendered by finished sessions

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if err := cfg.Policy.Validate(); err != nil {
		if cfg.Policy != (retry.Policy{}) {
			cfg.Logger.Warn("Invalid reconnect policy, using default", "error", err)
		}
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Registry == nil {
		cfg.Registry = discovery.NewRegistry()
	}
	cfg.Session.Logger = cfg.Logger
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker_supervisor"),
	}
}

// Run checks the connection every CheckInterval until ctx is done, then waits
// for the active session to finish. It returns an error only when the retry
// policy is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Starting worker supervisor",
		"worker_id", s.cfg.Session.ID,
		"name", s.cfg.Session.Name,
		"static_coordinator", s.cfg.StaticAddr)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		if err := s.check(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Worker supervisor stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// check starts a connection attempt if one is due
func (s *Supervisor) check(ctx context.Context) error {
	addr := s.CoordinatorAddr()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempting || addr == "" || ctx.Err() != nil {
		return nil
	}
	if !s.cfg.Policy.ShouldRetry(s.failures) {
		return fmt.Errorf("giving up after %d failed connection attempts", s.failures)
	}
	if time.Now().Before(s.nextAttempt) {
		return nil
	}

	sessCfg := s.cfg.Session
	sessCfg.Addr = addr
	sess := NewSession(sessCfg)

	s.attempting = true
	s.current = sess
	s.wg.Add(1)
	go s.attempt(ctx, sess)
	return nil
}

func (s *Supervisor) attempt(ctx context.Context, sess *Session) {
	defer s.wg.Done()

	addr := sess.cfg.Addr
	err := sess.Connect(ctx)

	s.mu.Lock()
	if err != nil {
		s.failures++
		delay := s.cfg.Policy.CalculateDelay(s.failures)
		if !transient(err) {
			delay = s.cfg.Policy.MaxDelay
		}
		s.nextAttempt = time.Now().Add(delay)
		s.attempting = false
		s.current = nil
		failures := s.failures
		s.mu.Unlock()

		if ctx.Err() == nil {
			s.logger.Warn("Connection attempt failed",
				"coordinator", addr,
				"failures", failures,
				"retry_in", delay,
				"error", err)
		}
		return
	}
	s.failures = 0
	s.nextAttempt = time.Time{}
	s.mu.Unlock()

	err = sess.Serve(ctx)

	s.mu.Lock()
	s.rendered += sess.Status().FramesRendered
	s.attempting = false
	s.current = nil
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Disconnected from coordinator", "coordinator", addr, "error", err)
	} else {
		s.logger.Info("Session ended", "coordinator", addr)
	}
}

// transient reports whether a failed attempt may succeed soon. Anything else,
// such as a peer that does not speak the control protocol, waits MaxDelay.
func transient(err error) bool {
	return retry.IsRetriableError(err) ||
		errors.Is(err, ErrHandshakeTimeout) ||
		errors.Is(err, protocol.ErrClosed)
}

// CoordinatorAddr returns the address the next attempt would use
func (s *Supervisor) CoordinatorAddr() string {
	if s.cfg.StaticAddr != "" {
		return s.cfg.StaticAddr
	}
	if p, ok := s.cfg.Registry.Latest(types.RoleCoordinator); ok {
		return p.ControlAddr()
	}
	return ""
}

// Status reports the current session, or disconnected between sessions
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	current := s.current
	rendered := s.rendered
	s.mu.RUnlock()

	if current == nil {
		return Status{State: StateDisconnected, CoordinatorAddr: s.CoordinatorAddr(), FramesRendered: rendered}
	}
	st := current.Status()
	st.FramesRendered += rendered
	return st
}
