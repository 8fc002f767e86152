package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// BlenderRenderer renders frames with a headless Blender process:
//
//	blender -b <scene> -o <dir>/frame_##### -F <FORMAT> [-E <ENGINE>] -f <frame>
type BlenderRenderer struct {
	binary  string
	timeout time.Duration
}

// NewBlenderRenderer creates a renderer using the given Blender executable
func NewBlenderRenderer(binary string, timeout time.Duration) *BlenderRenderer {
	if binary == "" {
		binary = "blender"
	}
	return &BlenderRenderer{binary: binary, timeout: timeout}
}

// Name returns "blender"
func (b *BlenderRenderer) Name() string {
	return KindBlender
}

// Args returns the command line used for req
func (b *BlenderRenderer) Args(req *Request) []string {
	args := []string{
		"-b", req.ScenePath,
		"-o", OutputPattern(req.OutputDir),
		"-F", req.Format,
	}
	// -E must precede -f, which triggers the render
	if req.Engine != "" {
		args = append(args, "-E", req.Engine)
	}
	return append(args, "-f", strconv.Itoa(req.Frame))
}

// Render runs Blender for one frame
func (b *BlenderRenderer) Render(ctx context.Context, req *Request) (*Result, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	start := time.Now()
	if err := runProcess(ctx, req.Frame, b.timeout, b.binary, b.Args(req)...); err != nil {
		return nil, err
	}

	ext := Extension(req.Format)
	path, err := FindOutput(req.OutputDir, req.Frame, ext)
	if err != nil {
		return nil, &RenderError{Frame: req.Frame, Err: err}
	}
	return &Result{Path: path, Ext: ext, Duration: time.Since(start)}, nil
}
