// Package types provides shared types used across the renderfarm codebase
package types

import (
	"fmt"
	"time"
)

// Role identifies which side of the protocol a peer plays. The wire values
// are kept for compatibility with existing render nodes.
type Role string

const (
	RoleCoordinator Role = "master"
	RoleWorker      Role = "slave"
)

// Opposite returns the role a node of role r listens for
func (r Role) Opposite() Role {
	if r == RoleCoordinator {
		return RoleWorker
	}
	return RoleCoordinator
}

// Peer is a participant learned through discovery or a handshake
type Peer struct {
	ID          string
	Name        string
	Role        Role
	Address     string // host without port
	ControlPort int    // coordinators only
	LastSeen    time.Time
	Connected   bool
}

// ControlAddr returns host:port for a coordinator peer, or "" when unknown
func (p Peer) ControlAddr() string {
	if p.Address == "" || p.ControlPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.Address, p.ControlPort)
}

// JobSpec describes what to render
type JobSpec struct {
	FrameStart int    `json:"frame_start" validate:"gte=0"`
	FrameEnd   int    `json:"frame_end" validate:"gtefield=FrameStart"`
	FrameStep  int    `json:"frame_step"`
	ResX       int    `json:"res_x" validate:"gte=0"`
	ResY       int    `json:"res_y" validate:"gte=0"`
	Format     string `json:"format" validate:"required"`
	Engine     string `json:"engine"`
	SceneName  string `json:"blend_name"`
}

// Step returns the frame step floored to 1
func (s JobSpec) Step() int {
	if s.FrameStep < 1 {
		return 1
	}
	return s.FrameStep
}

// Frames expands the inclusive range start..end by Step
func (s JobSpec) Frames() []int {
	if s.FrameEnd < s.FrameStart {
		return nil
	}
	step := s.Step()
	frames := make([]int, 0, (s.FrameEnd-s.FrameStart)/step+1)
	for f := s.FrameStart; f <= s.FrameEnd; f += step {
		frames = append(frames, f)
	}
	return frames
}

// Progress is a consistent read-only view of the coordinator
type Progress struct {
	JobID                string `json:"job_id"`
	Active               bool   `json:"active"`
	Cancelled            bool   `json:"cancelled"`
	TotalFrames          int    `json:"total_frames"`
	FramesDone           int    `json:"frames_done"`
	FramesFailed         int    `json:"frames_failed"`
	InFlight             int    `json:"in_flight"`
	Pending              int    `json:"pending"`
	ConnectedWorkerCount int    `json:"connected_worker_count"`
}

// Fraction returns completion in [0,1]
func (p Progress) Fraction() float64 {
	if p.TotalFrames <= 0 {
		return 0
	}
	return float64(p.FramesDone) / float64(p.TotalFrames)
}
