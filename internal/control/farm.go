// Package control exposes the coordinator to operators: a gRPC admin service
// with health checking, and MCP tools for agent clients.
package control

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AltairaLabs/renderfarm/internal/config"
	"github.com/AltairaLabs/renderfarm/internal/coordinator"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

// ErrInvalidArgument marks malformed control requests
var ErrInvalidArgument = errors.New("invalid argument")

// Farm is the coordinator surface driven by the control services
type Farm interface {
	StartJob(ctx context.Context, req coordinator.JobRequest) (string, error)
	CancelJob(ctx context.Context) error
	Snapshot() types.Progress
	LastJob() (types.Progress, bool)
	Peers() []types.Peer
}

// Request argument names shared by the gRPC and MCP surfaces
const (
	argScenePath  = "scene_path"
	argFrameStart = "frame_start"
	argFrameEnd   = "frame_end"
	argFrameStep  = "frame_step"
	argResX       = "res_x"
	argResY       = "res_y"
	argFormat     = "format"
	argEngine     = "engine"
)

// jobRequest builds a job request from loosely typed arguments, filling
// omitted fields from defaults
func jobRequest(args map[string]any, defaults config.JobDefaults) (coordinator.JobRequest, error) {
	spec := defaults.Spec()
	spec.SceneName = ""

	scenePath, err := stringArg(args, argScenePath, defaults.ScenePath)
	if err != nil {
		return coordinator.JobRequest{}, err
	}
	if spec.Format, err = stringArg(args, argFormat, spec.Format); err != nil {
		return coordinator.JobRequest{}, err
	}
	if spec.Engine, err = stringArg(args, argEngine, spec.Engine); err != nil {
		return coordinator.JobRequest{}, err
	}

	ints := []struct {
		key string
		dst *int
	}{
		{argFrameStart, &spec.FrameStart},
		{argFrameEnd, &spec.FrameEnd},
		{argFrameStep, &spec.FrameStep},
		{argResX, &spec.ResX},
		{argResY, &spec.ResY},
	}
	for _, f := range ints {
		if *f.dst, err = intArg(args, f.key, *f.dst); err != nil {
			return coordinator.JobRequest{}, err
		}
	}

	// a single-frame request should not inherit a longer default range
	if _, ok := args[argFrameEnd]; !ok {
		if _, ok := args[argFrameStart]; ok && spec.FrameEnd < spec.FrameStart {
			spec.FrameEnd = spec.FrameStart
		}
	}

	if scenePath == "" {
		return coordinator.JobRequest{}, fmt.Errorf("%w: %s is required", ErrInvalidArgument, argScenePath)
	}
	return coordinator.JobRequest{ScenePath: scenePath, Spec: spec}, nil
}

func stringArg(args map[string]any, key, def string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgument, key)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, key)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, key)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, key)
	}
}

func progressMap(p types.Progress) map[string]any {
	return map[string]any{
		"job_id":                 p.JobID,
		"active":                 p.Active,
		"cancelled":              p.Cancelled,
		"total_frames":           p.TotalFrames,
		"frames_done":            p.FramesDone,
		"frames_failed":          p.FramesFailed,
		"in_flight":              p.InFlight,
		"pending":                p.Pending,
		"connected_worker_count": p.ConnectedWorkerCount,
		"fraction":               p.Fraction(),
	}
}

// statusMap reports the current job and, if any, the last finished one
func statusMap(f Farm) map[string]any {
	out := map[string]any{"progress": progressMap(f.Snapshot())}
	if last, ok := f.LastJob(); ok {
		out["last_job"] = progressMap(last)
	}
	return out
}

func peersMap(peers []types.Peer) map[string]any {
	list := make([]any, 0, len(peers))
	for _, p := range peers {
		entry := map[string]any{
			"id":        p.ID,
			"name":      p.Name,
			"role":      string(p.Role),
			"address":   p.Address,
			"connected": p.Connected,
		}
		if !p.LastSeen.IsZero() {
			entry["last_seen"] = p.LastSeen.UTC().Format(time.RFC3339)
		}
		list = append(list, entry)
	}
	return map[string]any{"peers": list}
}

// grpcError maps farm errors onto status codes
func grpcError(err error) error {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordinator.ErrJobActive), errors.Is(err, coordinator.ErrNoActiveJob):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, coordinator.ErrEmptyScene), errors.As(err, &verrs):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
