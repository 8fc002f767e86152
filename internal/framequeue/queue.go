// Package framequeue holds the authoritative state of the active render job:
// which frames are pending, which holder renders which frame, and which are
// done.
//
// Every method is atomic with respect to the others. A frame leaves the
// pending list only through Pop, so no two holders can ever hold the same
// frame, and a holder holds at most one frame at a time.
package framequeue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/types"
)

var (
	// ErrJobLoaded is returned by Load while another job is loaded
	ErrJobLoaded = errors.New("a job is already loaded")
	// ErrNoJob is returned when no job is loaded
	ErrNoJob = errors.New("no job loaded")
	// ErrStaleJob is returned for results tagged with another job's id
	ErrStaleJob = errors.New("result belongs to a different job")
	// ErrNotHeld is returned when a holder reports a frame it does not hold
	ErrNotHeld = errors.New("frame is not held by this holder")
)

// Job is one render task. Scene is immutable once the job is created and may
// be read concurrently without locking.
type Job struct {
	ID        string
	Spec      types.JobSpec
	Scene     []byte
	ScenePath string
	OutputDir string
	StartedAt time.Time
}

// Assignment is a frame handed to a holder
type Assignment struct {
	JobID string
	Frame int
}

// Stats is a consistent snapshot of the queue
type Stats struct {
	JobID     string
	Loaded    bool
	Cancelled bool
	Total     int
	Pending   int
	InFlight  int
	Done      int
	Failed    int
}

// Finished reports whether every frame reached a terminal state
func (s Stats) Finished() bool {
	return s.Loaded && s.Total > 0 && s.Done+s.Failed == s.Total
}

// Queue tracks the frames of at most one job
type Queue struct {
	mu sync.Mutex

	jobID     string
	loaded    bool
	cancelled bool
	total     int

	pending  []int
	held     map[string]int
	done     map[int]struct{}
	failed   map[int]struct{}
	failures map[int]int

	maxFailures int
}

// New creates an empty queue. A frame reported failed maxFailures times is
// given up on; zero or less disables the limit.
func New(maxFailures int) *Queue {
	q := &Queue{maxFailures: maxFailures}
	q.clear()
	return q
}

func (q *Queue) clear() {
	q.jobID = ""
	q.loaded = false
	q.cancelled = false
	q.total = 0
	q.pending = nil
	q.held = make(map[string]int)
	q.done = make(map[int]struct{})
	q.failed = make(map[int]struct{})
	q.failures = make(map[int]int)
}

// Load installs a job's frames. Duplicate frame numbers are collapsed.
func (q *Queue) Load(jobID string, frames []int) error {
	if jobID == "" {
		return errors.New("job ID cannot be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.loaded {
		return fmt.Errorf("%w: %s", ErrJobLoaded, q.jobID)
	}

	seen := make(map[int]struct{}, len(frames))
	pending := make([]int, 0, len(frames))
	for _, f := range frames {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		pending = append(pending, f)
	}

	q.clear()
	q.jobID = jobID
	q.loaded = true
	q.total = len(pending)
	q.pending = pending
	return nil
}

// Pop hands the next pending frame to holder. It returns false when there is
// no job, the job is cancelled, nothing is pending, or holder already holds a
// frame.
func (q *Queue) Pop(holder string) (Assignment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.loaded || q.cancelled || len(q.pending) == 0 {
		return Assignment{}, false
	}
	if _, busy := q.held[holder]; busy {
		return Assignment{}, false
	}

	frame := q.pending[0]
	q.pending = q.pending[1:]
	q.held[holder] = frame
	return Assignment{JobID: q.jobID, Frame: frame}, true
}

// Held returns the frame holder currently holds
func (q *Queue) Held(holder string) (Assignment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	frame, ok := q.held[holder]
	if !ok {
		return Assignment{}, false
	}
	return Assignment{JobID: q.jobID, Frame: frame}, true
}

// Release returns holder's frame, if any, to the front of the pending list
// so it is the next frame handed out
func (q *Queue) Release(holder string) (Assignment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	frame, ok := q.held[holder]
	if !ok {
		return Assignment{}, false
	}
	delete(q.held, holder)
	q.pending = append([]int{frame}, q.pending...)
	return Assignment{JobID: q.jobID, Frame: frame}, true
}

func (q *Queue) validate(holder, jobID string, frame int) error {
	if !q.loaded {
		return ErrNoJob
	}
	if jobID != "" && jobID != q.jobID {
		return fmt.Errorf("%w: got %s, active %s", ErrStaleJob, jobID, q.jobID)
	}
	held, ok := q.held[holder]
	if !ok || held != frame {
		return fmt.Errorf("%w: frame %d", ErrNotHeld, frame)
	}
	return nil
}

// Complete marks holder's frame done. An empty jobID is accepted from
// workers that do not tag results.
func (q *Queue) Complete(holder, jobID string, frame int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.validate(holder, jobID, frame); err != nil {
		return err
	}
	delete(q.held, holder)
	q.done[frame] = struct{}{}
	return nil
}

// Fail records a failed render of holder's frame. The frame is requeued
// unless it has now failed maxFailures times, in which case it is given up
// and gaveUp is true.
func (q *Queue) Fail(holder, jobID string, frame int) (gaveUp bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.validate(holder, jobID, frame); err != nil {
		return false, err
	}
	delete(q.held, holder)
	q.failures[frame]++

	if q.maxFailures > 0 && q.failures[frame] >= q.maxFailures {
		q.failed[frame] = struct{}{}
		return true, nil
	}
	q.pending = append(q.pending, frame)
	return false, nil
}

// Cancel stops further Pops without discarding state
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
}

// Cancelled reports whether the loaded job was cancelled
func (q *Queue) Cancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

// Reset drains the queue and forgets the job
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clear()
}

// JobID returns the loaded job's id, or "" when idle
func (q *Queue) JobID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobID
}

// Stats returns a consistent snapshot
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		JobID:     q.jobID,
		Loaded:    q.loaded,
		Cancelled: q.cancelled,
		Total:     q.total,
		Pending:   len(q.pending),
		InFlight:  len(q.held),
		Done:      len(q.done),
		Failed:    len(q.failed),
	}
}
