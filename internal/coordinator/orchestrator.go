package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/renderfarm/internal/framequeue"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

// SceneSource loads scene files for new jobs
type SceneSource interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// FileSceneSource reads scenes from the local filesystem
type FileSceneSource struct{}

// Load reads the whole file at path
func (FileSceneSource) Load(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// JobRequest describes a job to start. Scene, when set, is used instead of
// reading ScenePath.
type JobRequest struct {
	ScenePath string `validate:"required_without=Scene"`
	Scene     []byte
	Spec      types.JobSpec
}

// StartJob creates the job, loads its frames into the queue and pushes it to
// every connected worker. It returns the new job id.
func (c *Coordinator) StartJob(ctx context.Context, req JobRequest) (string, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if job, _ := c.activeJob(); job != nil {
		return "", ErrJobActive
	}

	if err := c.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid job request: %w", err)
	}

	scene := req.Scene
	if len(scene) == 0 {
		data, err := c.scenes.Load(ctx, req.ScenePath)
		if err != nil {
			return "", fmt.Errorf("failed to read scene %s: %w", req.ScenePath, err)
		}
		scene = data
	}
	if len(scene) == 0 {
		return "", ErrEmptyScene
	}

	spec := req.Spec
	if spec.SceneName == "" {
		spec.SceneName = filepath.Base(req.ScenePath)
	}
	if spec.SceneName == "" || spec.SceneName == "." {
		spec.SceneName = "scene.blend"
	}
	spec.FrameStep = spec.Step()

	id := uuid.NewString()
	job := &framequeue.Job{
		ID:        id,
		Spec:      spec,
		Scene:     scene,
		OutputDir: c.output.Dir(id),
		StartedAt: time.Now(),
	}

	staged, err := c.stageScene(job)
	if err != nil {
		return "", err
	}
	job.ScenePath = staged

	if err := c.queue.Load(id, spec.Frames()); err != nil {
		_ = os.RemoveAll(filepath.Dir(staged))
		return "", fmt.Errorf("failed to load frames: %w", err)
	}

	c.mu.Lock()
	c.job = job
	c.cancelled = false
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	c.logger.Info("Job started",
		"job_id", id,
		"frames", len(spec.Frames()),
		"range", fmt.Sprintf("%d..%d/%d", spec.FrameStart, spec.FrameEnd, spec.FrameStep),
		"format", spec.Format,
		"scene_bytes", len(scene),
		"workers", len(sessions))

	broadcast(sessions, "push job", func(s *Session) error { return s.pushJob(job) })

	if c.cfg.LocalRender && c.cfg.Renderer != nil {
		c.startLocal(job)
	}
	return id, nil
}

// broadcast runs send for every session without waiting for slow workers. A
// failed send closes that session; its teardown requeues any held frame.
func broadcast(sessions []*Session, what string, send func(*Session) error) {
	for _, s := range sessions {
		go func(s *Session) {
			if err := send(s); err != nil {
				s.logger.Warn("Failed to "+what, "error", err)
				s.close()
			}
		}(s)
	}
}

// stageScene writes the scene payload into the coordinator temp dir
func (c *Coordinator) stageScene(job *framequeue.Job) (string, error) {
	dir := filepath.Join(c.cfg.TempDir, "jobs", job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(job.Spec.SceneName))
	if err := os.WriteFile(path, job.Scene, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage scene: %w", err)
	}
	return path, nil
}

// CancelJob aborts the active job: workers are told to cancel and the job
// state is reset so a new job may start.
func (c *Coordinator) CancelJob(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	job := c.job
	if job == nil {
		c.mu.Unlock()
		return ErrNoActiveJob
	}
	c.cancelled = true
	c.queue.Cancel()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	broadcast(sessions, "send cancel", func(s *Session) error { return s.sendCancel(job.ID) })

	c.mu.Lock()
	final := c.progressLocked()
	c.resetLocked()
	c.mu.Unlock()

	c.cleanupJob(job)
	c.logger.Info("Job cancelled",
		"job_id", job.ID,
		"frames_done", final.FramesDone,
		"total_frames", final.TotalFrames)
	return nil
}

// finishIfDone resets the job once every frame is done or failed. It reports
// whether the job with jobID is no longer active.
func (c *Coordinator) finishIfDone(jobID string) bool {
	c.mu.Lock()
	job := c.job
	if job == nil || job.ID != jobID {
		c.mu.Unlock()
		return true
	}
	if !c.queue.Stats().Finished() {
		c.mu.Unlock()
		return false
	}
	final := c.progressLocked()
	c.resetLocked()
	c.mu.Unlock()

	c.cleanupJob(job)
	c.logger.Info("Job complete",
		"job_id", job.ID,
		"frames_done", final.FramesDone,
		"frames_failed", final.FramesFailed,
		"elapsed", time.Since(job.StartedAt).Round(time.Millisecond),
		"output_dir", job.OutputDir)
	return true
}

// resetLocked records the final snapshot and clears job state. c.mu held.
func (c *Coordinator) resetLocked() {
	final := c.progressLocked()
	final.Active = false
	c.lastJob = &final
	c.job = nil
	c.cancelled = false
	c.queue.Reset()
	if c.stopLocal != nil {
		c.stopLocal()
		c.stopLocal = nil
	}
}

// cleanupJob removes the staged scene
func (c *Coordinator) cleanupJob(job *framequeue.Job) {
	if job.ScenePath == "" {
		return
	}
	if err := os.RemoveAll(filepath.Dir(job.ScenePath)); err != nil {
		c.logger.Warn("Failed to remove staged scene", "path", job.ScenePath, "error", err)
	}
}
