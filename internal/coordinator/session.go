package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/AltairaLabs/renderfarm/internal/framequeue"
	"github.com/AltairaLabs/renderfarm/internal/protocol"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

// Session is the coordinator side of one worker control connection. It holds
// at most one frame, tracked in the queue under the session's holder id.
type Session struct {
	c      *Coordinator
	conn   *protocol.Conn
	holder string
	peer   types.Peer
	logger *slog.Logger

	// initMu serializes job_init so each job is pushed to a worker once
	initMu    sync.Mutex
	initJobID string
}

// serveConn runs a session on an accepted connection until it ends. The
// session's frame, if any, is requeued on exit.
func (c *Coordinator) serveConn(ctx context.Context, nc net.Conn) {
	s := &Session{
		c:      c,
		conn:   protocol.NewConn(nc, c.cfg.Limits, c.cfg.WriteTimeout),
		holder: uuid.NewString(),
		logger: c.logger.With("remote", nc.RemoteAddr().String()),
	}

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	err := s.run(ctx)
	s.teardown(err)
}

func (s *Session) run(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		return err
	}

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			return err
		}

		switch msg.Type {
		case protocol.TypeReady:
			err = s.onReady()
		case protocol.TypeFrameResult:
			err = s.onResult(msg)
		case protocol.TypeFrameFailed:
			err = s.onFailed(msg)
		case protocol.TypeLog:
			var l protocol.Log
			if err := msg.Decode(&l); err == nil {
				s.logger.Info("Worker log", "text", l.Text)
			}
		case protocol.TypeBye:
			s.logger.Info("Worker said bye")
			return nil
		default:
			s.logger.Debug("Ignoring message", "type", msg.Type)
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handshake requires hello as the first message and registers the peer
func (s *Session) handshake() error {
	msg, err := s.conn.Receive()
	if err != nil {
		return err
	}
	if msg.Type != protocol.TypeHello {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("expected hello, got %s", msg.Type)}
	}
	var hello protocol.Hello
	if err := msg.Decode(&hello); err != nil {
		return err
	}
	if hello.ID == "" {
		hello.ID = uuid.NewString()
	}

	s.peer = types.Peer{
		ID:      hello.ID,
		Name:    hello.Name,
		Role:    types.RoleWorker,
		Address: hostOf(s.conn.RemoteAddr()),
	}
	s.logger = s.logger.With("worker_id", hello.ID, "worker", hello.Name)

	// ack before register so job_init and assign always follow hello_ack
	if err := s.conn.Send(protocol.TypeHelloAck, protocol.HelloAck{ID: s.c.cfg.ID}, nil); err != nil {
		return err
	}

	if stale := s.c.register(s); stale != nil {
		s.logger.Info("Worker reconnected, replacing stale session")
		stale.close()
		if a, ok := s.c.queue.Release(stale.holder); ok {
			s.logger.Info("Requeued frame of stale session", "frame", a.Frame)
		}
	}
	s.c.registry.MarkConnected(s.peer)
	s.logger.Info("Worker connected")

	if job, cancelled := s.c.activeJob(); job != nil && !cancelled {
		return s.pushJob(job)
	}
	return nil
}

// pushJob sends job_init once per job and then offers a frame
func (s *Session) pushJob(job *framequeue.Job) error {
	if err := s.sendJobInit(job); err != nil {
		return err
	}
	return s.assignNext()
}

func (s *Session) sendJobInit(job *framequeue.Job) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initJobID == job.ID {
		return nil
	}
	// the job may have been cancelled while this push waited
	if cur, cancelled := s.c.activeJob(); cur != job || cancelled {
		return nil
	}
	init := protocol.JobInit{
		JobID:      job.ID,
		FrameStart: job.Spec.FrameStart,
		FrameEnd:   job.Spec.FrameEnd,
		FrameStep:  job.Spec.Step(),
		ResX:       job.Spec.ResX,
		ResY:       job.Spec.ResY,
		Format:     job.Spec.Format,
		Engine:     job.Spec.Engine,
		BlendName:  job.Spec.SceneName,
	}
	if err := s.conn.Send(protocol.TypeJobInit, init, job.Scene); err != nil {
		return fmt.Errorf("failed to send job_init: %w", err)
	}
	s.initJobID = job.ID
	s.logger.Debug("Sent job to worker", "job_id", job.ID, "scene_bytes", len(job.Scene))
	return nil
}

func (s *Session) hasJob(jobID string) bool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initJobID == jobID
}

// assignNext pops one frame for this session and sends it. Pop refuses while
// the session already holds a frame. A failed send requeues the frame and
// closes the connection.
func (s *Session) assignNext() error {
	job, cancelled := s.c.activeJob()
	if job == nil || cancelled || !s.hasJob(job.ID) {
		return nil
	}

	a, ok := s.c.queue.Pop(s.holder)
	if !ok {
		return nil
	}

	if err := s.conn.Send(protocol.TypeAssign, protocol.Assign{JobID: a.JobID, Frame: a.Frame}, nil); err != nil {
		s.c.queue.Release(s.holder)
		s.close()
		return fmt.Errorf("failed to assign frame %d: %w", a.Frame, err)
	}
	s.logger.Debug("Assigned frame", "job_id", a.JobID, "frame", a.Frame)
	return nil
}

func (s *Session) onReady() error {
	job, cancelled := s.c.activeJob()
	if job == nil {
		return nil
	}
	if cancelled {
		return s.sendCancel(job.ID)
	}
	return s.assignNext()
}

// heldFrame checks that a report concerns the frame this session holds for
// the active job
func (s *Session) heldFrame(tag string, frame int) (*framequeue.Job, bool) {
	job, _ := s.c.activeJob()
	if job == nil {
		return nil, false
	}
	if tag != "" && tag != job.ID {
		return nil, false
	}
	held, ok := s.c.queue.Held(s.holder)
	if !ok || held.JobID != job.ID || held.Frame != frame {
		return nil, false
	}
	return job, true
}

func (s *Session) onResult(msg *protocol.Message) error {
	var r protocol.FrameResult
	if err := msg.Decode(&r); err != nil {
		return err
	}

	job, ok := s.heldFrame(r.JobID, r.Frame)
	if !ok {
		s.logger.Warn("Dropping result for frame not held",
			"job_id", r.JobID, "frame", r.Frame, "bytes", len(msg.Payload))
		return nil
	}

	if len(msg.Payload) == 0 {
		s.logger.Warn("Empty frame result, requeueing", "frame", r.Frame)
		s.c.queue.Release(s.holder)
		return nil
	}

	path, err := s.c.output.Write(job.ID, r.Frame, r.Ext, msg.Payload)
	if err != nil {
		s.logger.Error("Failed to store frame, requeueing", "frame", r.Frame, "error", err)
		s.c.queue.Release(s.holder)
		return nil
	}

	if err := s.c.queue.Complete(s.holder, job.ID, r.Frame); err != nil {
		// The job was reset between validation and completion
		s.logger.Debug("Frame completion rejected", "frame", r.Frame, "error", err)
		return nil
	}
	s.logger.Info("Frame done", "job_id", job.ID, "frame", r.Frame, "path", path)

	if s.c.finishIfDone(job.ID) {
		return nil
	}
	return s.assignNext()
}

func (s *Session) onFailed(msg *protocol.Message) error {
	var f protocol.FrameFailed
	if err := msg.Decode(&f); err != nil {
		return err
	}

	job, ok := s.heldFrame(f.JobID, f.Frame)
	if !ok {
		s.logger.Debug("Ignoring failure for frame not held", "job_id", f.JobID, "frame", f.Frame)
		return nil
	}

	gaveUp, err := s.c.queue.Fail(s.holder, job.ID, f.Frame)
	if err != nil {
		return nil
	}
	if gaveUp {
		s.logger.Error("Frame failed too often, giving up", "job_id", job.ID, "frame", f.Frame, "reason", f.Text)
		s.c.finishIfDone(job.ID)
		return nil
	}
	s.logger.Warn("Frame failed, requeued", "job_id", job.ID, "frame", f.Frame, "reason", f.Text)
	s.c.kick()
	return nil
}

// sendCancel shares initMu with job_init so a cancel never overtakes the
// job_init of the job it cancels
func (s *Session) sendCancel(jobID string) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.conn.Send(protocol.TypeCancel, protocol.Cancel{JobID: jobID}, nil)
}

func (s *Session) close() {
	_ = s.conn.Close()
}

// teardown unregisters the session and requeues its frame
func (s *Session) teardown(err error) {
	s.close()

	if s.peer.ID == "" {
		if err != nil && !errors.Is(err, protocol.ErrClosed) {
			s.logger.Warn("Connection failed before handshake", "error", err)
		}
		return
	}

	if s.c.unregister(s) {
		s.c.registry.MarkDisconnected(s.peer.ID)
	}

	requeued, ok := s.c.queue.Release(s.holder)

	switch {
	case err == nil, errors.Is(err, protocol.ErrClosed):
		s.logger.Info("Worker disconnected")
	case protocol.IsProtocolError(err):
		s.logger.Warn("Protocol error, closing session", "error", err)
	default:
		s.logger.Warn("Session failed", "error", err)
	}

	if ok {
		s.logger.Info("Requeued frame of disconnected worker", "job_id", requeued.JobID, "frame", requeued.Frame)
		s.c.kick()
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
