// Package backend adapts external render programs to a single blocking call:
// render one frame of a scene file into an image, or fail.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrOutputMissing is returned when a render exits cleanly but leaves no image
var ErrOutputMissing = errors.New("render produced no output file")

// Renderer renders single frames. Implementations block for the whole render.
type Renderer interface {
	// Name returns the backend identifier (e.g., "blender", "command")
	Name() string

	// Render produces exactly one image for req.Frame inside req.OutputDir
	Render(ctx context.Context, req *Request) (*Result, error)
}

// Request describes one frame render
type Request struct {
	ScenePath string
	OutputDir string
	Format    string
	Engine    string
	Frame     int
}

// Result locates the rendered image
type Result struct {
	Path     string
	Ext      string
	Duration time.Duration
}

// RenderError reports a failed render process
type RenderError struct {
	Frame    int
	ExitCode int
	// Output holds the tail of the combined process output
	Output string
	Err    error
}

func (e *RenderError) Error() string {
	msg := fmt.Sprintf("render of frame %d failed", e.Frame)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Extension maps a render image format name to its file extension
func Extension(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "jpeg":
		return "jpg"
	case "open_exr", "open_exr_multilayer":
		return "exr"
	case "tiff":
		return "tif"
	case "targa", "targa_raw":
		return "tga"
	case "":
		return "png"
	default:
		return f
	}
}

// OutputPattern is the output path template handed to the render program;
// each '#' is replaced by one digit of the frame number
func OutputPattern(dir string) string {
	return filepath.Join(dir, "frame_#####")
}

// FindOutput locates the image written for frame, accepting both the 5-digit
// padding of OutputPattern and the 4-digit padding some versions produce
func FindOutput(dir string, frame int, ext string) (string, error) {
	for _, name := range []string{
		fmt.Sprintf("frame_%05d.%s", frame, ext),
		fmt.Sprintf("frame_%04d.%s", frame, ext),
	} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: frame %d in %s", ErrOutputMissing, frame, dir)
}
