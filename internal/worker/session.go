// Package worker implements the render node side of the control protocol:
// a single session with the coordinator and the supervisor that keeps one
// alive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/backend"
	"github.com/AltairaLabs/renderfarm/internal/protocol"
)

// ErrHandshakeTimeout is returned when the coordinator does not answer hello
var ErrHandshakeTimeout = errors.New("timed out waiting for hello_ack")

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	byeTimeout              = 500 * time.Millisecond
)

// State is the session's position in the protocol
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAwaitingHelloAck State = "awaiting_hello_ack"
	StateIdle             State = "idle"
	StateJobLoaded        State = "job_loaded"
	StateRendering        State = "rendering"
)

// Status is a read-only view of a session for logging and presentation
type Status struct {
	State           State
	CoordinatorID   string
	CoordinatorAddr string
	JobID           string
	Frame           int // frame being rendered, valid in StateRendering
	FramesRendered  int
}

// SessionConfig configures a Session
type SessionConfig struct {
	ID   string
	Name string
	// Addr is the coordinator control address, host:port
	Addr             string
	TempDir          string
	Renderer         backend.Renderer
	Limits           protocol.Limits
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

type jobState struct {
	id        string
	format    string
	engine    string
	scenePath string
	stageDir  string
}

// Session is one control connection to a coordinator. It is used once:
// Connect, then Serve until the connection ends.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	conn   *protocol.Conn

	mu     sync.RWMutex
	status Status
	job    *jobState
}

// NewSession creates a disconnected session
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "renderfarm")
	}
	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker_session", "coordinator", cfg.Addr),
		status: Status{State: StateDisconnected, CoordinatorAddr: cfg.Addr},
	}
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

// Run connects and serves; see Connect and Serve
func (s *Session) Run(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Connect dials the coordinator and completes the hello handshake. On error
// the session is left disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	c, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to coordinator %s: %w", s.cfg.Addr, err)
	}
	conn := protocol.NewConn(c, s.cfg.Limits, 0)

	if err := s.handshake(conn); err != nil {
		_ = conn.Close()
		s.setState(StateDisconnected)
		return err
	}

	s.conn = conn
	return nil
}

func (s *Session) handshake(conn *protocol.Conn) error {
	if err := conn.Send(protocol.TypeHello, protocol.Hello{ID: s.cfg.ID, Name: s.cfg.Name}, nil); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	s.setState(StateAwaitingHelloAck)

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	msg, err := conn.Receive()
	if err != nil {
		if protocol.IsTimeout(err) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("handshake failed: %w", err)
	}
	if msg.Type != protocol.TypeHelloAck {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("expected hello_ack, got %s", msg.Type)}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	var ack protocol.HelloAck
	if err := msg.Decode(&ack); err != nil {
		return err
	}

	s.mu.Lock()
	s.status.State = StateIdle
	s.status.CoordinatorID = ack.ID
	s.mu.Unlock()

	s.logger.Info("Connected to coordinator", "coordinator_id", ack.ID)
	return nil
}

// Serve processes coordinator messages until the connection ends, the
// coordinator says bye, or ctx is done. The latter two return nil.
func (s *Session) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("session is not connected")
	}
	conn := s.conn

	stop := context.AfterFunc(ctx, func() {
		sent := make(chan struct{})
		go func() {
			_ = conn.Send(protocol.TypeBye, nil, nil)
			close(sent)
		}()
		select {
		case <-sent:
		case <-time.After(byeTimeout):
		}
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		s.dropJob()
		s.setState(StateDisconnected)
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrClosed) {
				return fmt.Errorf("coordinator closed the connection: %w", err)
			}
			return err
		}

		done, err := s.handle(ctx, conn, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if done {
			return nil
		}
	}
}

// handle dispatches one message; done reports an orderly end of session
func (s *Session) handle(ctx context.Context, conn *protocol.Conn, msg *protocol.Message) (done bool, err error) {
	switch msg.Type {
	case protocol.TypeJobInit:
		return false, s.handleJobInit(conn, msg)
	case protocol.TypeAssign:
		return false, s.handleAssign(ctx, conn, msg)
	case protocol.TypeCancel:
		var cancel protocol.Cancel
		_ = msg.Decode(&cancel)
		s.mu.RLock()
		loaded := s.job
		s.mu.RUnlock()
		if cancel.JobID != "" && loaded != nil && loaded.id != cancel.JobID {
			s.logger.Debug("Ignoring cancel for another job", "job_id", cancel.JobID, "loaded", loaded.id)
			return false, nil
		}
		s.logger.Info("Job cancelled by coordinator", "job_id", cancel.JobID)
		s.dropJob()
		s.setState(StateIdle)
		return false, nil
	case protocol.TypeBye:
		s.logger.Info("Coordinator said bye")
		return true, nil
	default:
		s.logger.Debug("Ignoring message", "type", msg.Type)
		return false, nil
	}
}

func (s *Session) handleJobInit(conn *protocol.Conn, msg *protocol.Message) error {
	var init protocol.JobInit
	if err := msg.Decode(&init); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		s.logger.Warn("Ignoring job_init without scene payload", "job_id", init.JobID)
		return nil
	}

	s.dropJob()

	name := sceneFileName(init.BlendName, init.JobID)
	if err := os.MkdirAll(s.cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	scenePath := filepath.Join(s.cfg.TempDir, name)
	if err := os.WriteFile(scenePath, msg.Payload, 0o644); err != nil {
		return fmt.Errorf("failed to store scene: %w", err)
	}

	job := &jobState{
		id:        init.JobID,
		format:    init.Format,
		engine:    init.Engine,
		scenePath: scenePath,
		stageDir:  filepath.Join(s.cfg.TempDir, "frames", stagingName(init.JobID)),
	}

	s.mu.Lock()
	s.job = job
	s.status.State = StateJobLoaded
	s.status.JobID = init.JobID
	s.mu.Unlock()

	s.logger.Info("Job loaded",
		"job_id", init.JobID,
		"frames", fmt.Sprintf("%d..%d/%d", init.FrameStart, init.FrameEnd, init.FrameStep),
		"format", init.Format,
		"scene_bytes", len(msg.Payload))

	return conn.Send(protocol.TypeReady, protocol.Ready{JobID: init.JobID}, nil)
}

func (s *Session) handleAssign(ctx context.Context, conn *protocol.Conn, msg *protocol.Message) error {
	var assign protocol.Assign
	if err := msg.Decode(&assign); err != nil {
		return err
	}

	s.mu.RLock()
	job := s.job
	s.mu.RUnlock()

	if job == nil || (assign.JobID != "" && assign.JobID != job.id) {
		text := fmt.Sprintf("cannot render frame %d: no matching job loaded", assign.Frame)
		s.logger.Warn("Assignment without job", "frame", assign.Frame, "job_id", assign.JobID)
		if err := conn.Send(protocol.TypeLog, protocol.Log{Text: text}, nil); err != nil {
			return err
		}
		return conn.Send(protocol.TypeFrameFailed,
			protocol.FrameFailed{JobID: assign.JobID, Frame: assign.Frame, Text: text}, nil)
	}

	s.mu.Lock()
	s.status.State = StateRendering
	s.status.Frame = assign.Frame
	s.mu.Unlock()

	s.logger.Info("Rendering frame", "job_id", job.id, "frame", assign.Frame)
	image, ext, err := s.render(ctx, job, assign.Frame)

	s.setState(StateJobLoaded)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("Frame render failed", "job_id", job.id, "frame", assign.Frame, "error", err)
		text := fmt.Sprintf("frame %d failed on %s: %v", assign.Frame, s.cfg.Name, err)
		if err := conn.Send(protocol.TypeLog, protocol.Log{Text: text}, nil); err != nil {
			return err
		}
		if err := conn.Send(protocol.TypeFrameFailed,
			protocol.FrameFailed{JobID: job.id, Frame: assign.Frame, Text: err.Error()}, nil); err != nil {
			return err
		}
		return conn.Send(protocol.TypeReady, protocol.Ready{JobID: job.id}, nil)
	}

	if err := conn.Send(protocol.TypeFrameResult,
		protocol.FrameResult{JobID: job.id, Frame: assign.Frame, Ext: ext}, image); err != nil {
		return err
	}

	s.mu.Lock()
	s.status.FramesRendered++
	s.mu.Unlock()

	return conn.Send(protocol.TypeReady, protocol.Ready{JobID: job.id}, nil)
}

// render runs the backend and returns the image bytes, removing the staged file
func (s *Session) render(ctx context.Context, job *jobState, frame int) ([]byte, string, error) {
	res, err := s.cfg.Renderer.Render(ctx, &backend.Request{
		ScenePath: job.scenePath,
		OutputDir: job.stageDir,
		Format:    job.format,
		Engine:    job.engine,
		Frame:     frame,
	})
	if err != nil {
		return nil, "", err
	}
	defer os.Remove(res.Path)

	image, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read rendered frame: %w", err)
	}
	return image, res.Ext, nil
}

// dropJob forgets the loaded job and removes its files
func (s *Session) dropJob() {
	s.mu.Lock()
	job := s.job
	s.job = nil
	s.status.JobID = ""
	s.mu.Unlock()

	if job == nil {
		return
	}
	if err := os.Remove(job.scenePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove scene file", "path", job.scenePath, "error", err)
	}
	if err := os.RemoveAll(job.stageDir); err != nil {
		s.logger.Warn("Failed to remove staged frames", "path", job.stageDir, "error", err)
	}
}

// sceneFileName reduces name to a safe base name
func sceneFileName(name, jobID string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "" || base == "." || base == "/" || base == ".." {
		return "job_" + stagingName(jobID) + ".blend"
	}
	return base
}

func stagingName(jobID string) string {
	if jobID == "" {
		return "current"
	}
	return filepath.Base(jobID)
}
