package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const outputTailBytes = 4096

// runProcess executes name with args, enforcing timeout when positive
func runProcess(ctx context.Context, frame int, timeout time.Duration, name string, args ...string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	//nolint:gosec // G204: the render program is operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	renderErr := &RenderError{Frame: frame, Output: tail(output), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		renderErr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		renderErr.Err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return renderErr
}

func tail(b []byte) string {
	if len(b) > outputTailBytes {
		b = b[len(b)-outputTailBytes:]
	}
	return string(b)
}
