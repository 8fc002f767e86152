package coordinator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/backend"
	"github.com/AltairaLabs/renderfarm/internal/framequeue"
)

// localHolder is the queue holder id of the coordinator's own renderer for
// one job. A local worker left over from a cancelled job must never settle a
// frame of the next one.
func localHolder(jobID string) string {
	return "local-" + jobID
}

// localPollInterval is how often an idle local worker looks for requeued frames
const localPollInterval = 250 * time.Millisecond

// LocalWorker renders frames on the coordinator host, competing with remote
// workers for the same queue
type LocalWorker struct {
	c        *Coordinator
	renderer backend.Renderer
	job      *framequeue.Job
	holder   string
	logger   *slog.Logger
}

// NewLocalWorker creates a local worker rendering frames of job
func NewLocalWorker(c *Coordinator, renderer backend.Renderer, job *framequeue.Job) *LocalWorker {
	holder := localHolder(job.ID)
	return &LocalWorker{
		c:        c,
		renderer: renderer,
		job:      job,
		holder:   holder,
		logger:   c.logger.With("worker", holder),
	}
}

func (c *Coordinator) startLocal(job *framequeue.Job) {
	ctx, cancel := context.WithCancel(c.lifetime)

	c.mu.Lock()
	if c.job != job {
		c.mu.Unlock()
		cancel()
		return
	}
	c.stopLocal = cancel
	c.mu.Unlock()

	go NewLocalWorker(c, c.cfg.Renderer, job).Run(ctx)
}

// Run renders frames until the job finishes or is cancelled, or ctx is done.
// While other holders have frames in flight it polls for requeues.
func (w *LocalWorker) Run(ctx context.Context) {
	job := w.job
	stageDir := filepath.Join(w.c.cfg.TempDir, "local", job.ID)
	defer os.RemoveAll(stageDir)

	w.logger.Info("Local render worker started", "job_id", job.ID)
	rendered := 0
	defer func() {
		w.logger.Info("Local render worker stopped", "job_id", job.ID, "frames_rendered", rendered)
	}()

	for ctx.Err() == nil {
		if active, cancelled := w.c.activeJob(); active != job || cancelled {
			return
		}
		a, ok := w.c.queue.Pop(w.holder)
		if !ok {
			select {
			case <-ctx.Done():
			case <-time.After(localPollInterval):
			}
			continue
		}
		if w.renderOne(ctx, a, stageDir) {
			rendered++
		}
		if w.c.finishIfDone(job.ID) {
			return
		}
	}
}

// renderOne renders a popped frame and settles it in the queue
func (w *LocalWorker) renderOne(ctx context.Context, a framequeue.Assignment, stageDir string) bool {
	job := w.job
	res, err := w.renderer.Render(ctx, &backend.Request{
		ScenePath: job.ScenePath,
		OutputDir: stageDir,
		Format:    job.Spec.Format,
		Engine:    job.Spec.Engine,
		Frame:     a.Frame,
	})
	if err != nil {
		if ctx.Err() != nil {
			w.c.queue.Release(w.holder)
			return false
		}
		gaveUp, ferr := w.c.queue.Fail(w.holder, job.ID, a.Frame)
		if ferr == nil {
			w.logger.Warn("Local render failed", "frame", a.Frame, "gave_up", gaveUp, "error", err)
			w.c.kick()
		}
		return false
	}
	defer os.Remove(res.Path)

	data, err := os.ReadFile(res.Path)
	if err == nil && len(data) > 0 {
		_, err = w.c.output.Write(job.ID, a.Frame, res.Ext, data)
	}
	if err != nil || len(data) == 0 {
		// counted as a failure so an unwritable output dir cannot spin this loop
		gaveUp, _ := w.c.queue.Fail(w.holder, job.ID, a.Frame)
		w.logger.Error("Failed to store local frame", "frame", a.Frame, "gave_up", gaveUp, "error", err)
		w.c.kick()
		return false
	}

	if err := w.c.queue.Complete(w.holder, job.ID, a.Frame); err != nil {
		return false
	}
	w.logger.Info("Frame done", "job_id", job.ID, "frame", a.Frame)
	return true
}
