// Package mock provides an in-process render backend for tests.
package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/backend"
)

// Renderer writes a small fake image instead of running a render program.
// It is safe for concurrent use.
type Renderer struct {
	mu       sync.Mutex
	delay    time.Duration
	failures map[int]int
	calls    []int
	// gate, when set, blocks every render until a value is received
	gate chan struct{}
}

// NewRenderer creates a mock renderer that succeeds instantly
func NewRenderer() *Renderer {
	return &Renderer{failures: make(map[int]int)}
}

// Name returns "mock"
func (r *Renderer) Name() string {
	return "mock"
}

// Render writes frame_#####.<ext> containing the frame number
func (r *Renderer) Render(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.Frame)
	delay := r.delay
	gate := r.gate
	fail := r.failures[req.Frame] > 0
	if fail {
		r.failures[req.Frame]--
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &backend.RenderError{Frame: req.Frame, Err: ctx.Err()}
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &backend.RenderError{Frame: req.Frame, Err: ctx.Err()}
		}
	}

	if fail {
		return nil, &backend.RenderError{Frame: req.Frame, ExitCode: 1, Output: "mock render failure"}
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	ext := backend.Extension(req.Format)
	path := filepath.Join(req.OutputDir, fmt.Sprintf("frame_%05d.%s", req.Frame, ext))
	if err := os.WriteFile(path, ImageBytes(req.Frame), 0o644); err != nil {
		return nil, err
	}
	return &backend.Result{Path: path, Ext: ext, Duration: delay}, nil
}

// ImageBytes returns the content the mock writes for frame
func ImageBytes(frame int) []byte {
	return []byte(fmt.Sprintf("mock-image-%d", frame))
}

// Test helper methods

// SetDelay makes every render take d
func (r *Renderer) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// FailFrame makes the next n renders of frame fail
func (r *Renderer) FailFrame(frame, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[frame] = n
}

// Gate makes renders block until a value is sent on the returned channel
func (r *Renderer) Gate() chan<- struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	return r.gate
}

// Calls returns the frames rendered so far, in call order
func (r *Renderer) Calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.calls))
	copy(out, r.calls)
	return out
}
