// Package coordinator owns the active render job and hands its frames to
// connected workers, collecting the rendered images into the output store.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AltairaLabs/renderfarm/internal/backend"
	"github.com/AltairaLabs/renderfarm/internal/discovery"
	"github.com/AltairaLabs/renderfarm/internal/framequeue"
	"github.com/AltairaLabs/renderfarm/internal/protocol"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

var (
	// ErrJobActive is returned by StartJob while another job runs
	ErrJobActive = errors.New("a render job is already active")
	// ErrNoActiveJob is returned by CancelJob when nothing runs
	ErrNoActiveJob = errors.New("no render job is active")
	// ErrEmptyScene is returned when the scene payload has no bytes
	ErrEmptyScene = errors.New("scene payload is empty")
)

// Config configures a Coordinator
type Config struct {
	ID   string
	Name string
	// TempDir holds staged scene copies and local render output
	TempDir          string
	OutputDir        string
	OutputPerJob     bool
	LocalRender      bool
	MaxFrameFailures int
	// Renderer is used by the local render worker
	Renderer backend.Renderer
	Registry *discovery.Registry
	Scenes   SceneSource
	Limits   protocol.Limits
	// WriteTimeout bounds every send to a worker; zero disables it
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Coordinator is the shared state of one coordinator process: live sessions,
// the active job and its frame queue. Sessions hold a reference to it but
// never own it.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	queue    *framequeue.Queue
	registry *discovery.Registry
	output   *OutputStore
	scenes   SceneSource
	validate *validator.Validate

	// lifetime bounds background work such as the local render worker
	lifetime context.Context
	shutdown context.CancelFunc

	// startMu serializes StartJob and CancelJob
	startMu sync.Mutex

	mu        sync.Mutex
	sessions  map[string]*Session // keyed by peer id, handshaken only
	job       *framequeue.Job
	cancelled bool
	lastJob   *types.Progress
	stopLocal context.CancelFunc

	sessionsWG sync.WaitGroup
}

// New creates a coordinator with no active job
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = discovery.NewRegistry()
	}
	if cfg.Scenes == nil {
		cfg.Scenes = FileSceneSource{}
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "renderfarm")
	}
	if cfg.Name == "" {
		cfg.Name = "coordinator"
	}

	lifetime, shutdown := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "coordinator"),
		queue:    framequeue.New(cfg.MaxFrameFailures),
		registry: cfg.Registry,
		output:   NewOutputStore(cfg.OutputDir, cfg.OutputPerJob),
		scenes:   cfg.Scenes,
		validate: validator.New(),
		lifetime: lifetime,
		shutdown: shutdown,
		sessions: make(map[string]*Session),
	}
}

// Registry returns the peer registry shared with discovery
func (c *Coordinator) Registry() *discovery.Registry {
	return c.registry
}

// Peers lists every worker seen by discovery or a handshake
func (c *Coordinator) Peers() []types.Peer {
	return c.registry.List()
}

// Snapshot returns a consistent read-only view of job progress
func (c *Coordinator) Snapshot() types.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

// LastJob returns the final snapshot of the most recently finished or
// cancelled job
func (c *Coordinator) LastJob() (types.Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastJob == nil {
		return types.Progress{}, false
	}
	return *c.lastJob, true
}

func (c *Coordinator) progressLocked() types.Progress {
	p := types.Progress{ConnectedWorkerCount: len(c.sessions)}
	if c.job == nil {
		return p
	}
	st := c.queue.Stats()
	p.JobID = c.job.ID
	p.Active = true
	p.Cancelled = c.cancelled
	p.TotalFrames = st.Total
	p.FramesDone = st.Done
	p.FramesFailed = st.Failed
	p.InFlight = st.InFlight
	p.Pending = st.Pending
	return p
}

// activeJob returns the current job and whether it was cancelled
func (c *Coordinator) activeJob() (*framequeue.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job, c.cancelled
}

// liveSessions copies the session table
func (c *Coordinator) liveSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// register adds s to the live table, returning any stale session it replaced
func (c *Coordinator) register(s *Session) (stale *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale = c.sessions[s.peer.ID]
	c.sessions[s.peer.ID] = s
	return stale
}

// unregister removes s if it is still the live session for its peer
func (c *Coordinator) unregister(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.peer.ID]; ok && cur == s {
		delete(c.sessions, s.peer.ID)
		return true
	}
	return false
}

// kick gives every idle session a chance to take a requeued frame
func (c *Coordinator) kick() {
	for _, s := range c.liveSessions() {
		if err := s.assignNext(); err != nil {
			s.logger.Warn("Assignment failed", "error", err)
		}
	}
}

// Shutdown stops background work and closes every session. Sessions finish
// asynchronously; their frames return to the queue.
func (c *Coordinator) Shutdown() {
	c.shutdown()
	for _, s := range c.liveSessions() {
		s.close()
	}
}

// Wait blocks until every session goroutine has returned
func (c *Coordinator) Wait() {
	c.sessionsWG.Wait()
}
