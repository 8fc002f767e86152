package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ErrEmptyCommand is returned for a command template with no program
var ErrEmptyCommand = errors.New("render command template is empty")

// Placeholders recognised in command templates
const (
	PlaceholderScene  = "{scene}"
	PlaceholderOutput = "{output}"
	PlaceholderFormat = "{format}"
	PlaceholderFrame  = "{frame}"
)

// CommandRenderer runs an operator supplied command line per frame, e.g.
//
//	my-renderer --scene {scene} --out {output} --format {format} --frame {frame}
//
// {output} expands to the frame_##### pattern inside the output directory.
type CommandRenderer struct {
	argv    []string
	timeout time.Duration
}

// NewCommandRenderer parses template with shell quoting rules
func NewCommandRenderer(template string, timeout time.Duration) (*CommandRenderer, error) {
	argv, err := shellwords.Parse(template)
	if err != nil {
		return nil, fmt.Errorf("failed to parse render command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return &CommandRenderer{argv: argv, timeout: timeout}, nil
}

// Name returns "command"
func (c *CommandRenderer) Name() string {
	return KindCommand
}

// Args expands the template for req; element 0 is the program
func (c *CommandRenderer) Args(req *Request) []string {
	replacer := strings.NewReplacer(
		PlaceholderScene, req.ScenePath,
		PlaceholderOutput, OutputPattern(req.OutputDir),
		PlaceholderFormat, req.Format,
		PlaceholderFrame, strconv.Itoa(req.Frame),
	)
	out := make([]string, len(c.argv))
	for i, arg := range c.argv {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// Render runs the expanded command and locates its output
func (c *CommandRenderer) Render(ctx context.Context, req *Request) (*Result, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	argv := c.Args(req)
	start := time.Now()
	if err := runProcess(ctx, req.Frame, c.timeout, argv[0], argv[1:]...); err != nil {
		return nil, err
	}

	ext := Extension(req.Format)
	path, err := FindOutput(req.OutputDir, req.Frame, ext)
	if err != nil {
		return nil, &RenderError{Frame: req.Frame, Err: err}
	}
	return &Result{Path: path, Ext: ext, Duration: time.Since(start)}, nil
}
