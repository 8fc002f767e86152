package framequeue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func assertInvariant(t *testing.T, q *Queue) {
	t.Helper()
	s := q.Stats()
	if s.Pending+s.InFlight+s.Done+s.Failed != s.Total {
		t.Fatalf("invariant broken: pending %d + in-flight %d + done %d + failed %d != total %d",
			s.Pending, s.InFlight, s.Done, s.Failed, s.Total)
	}
}

func TestQueue_LoadAndDrain(t *testing.T) {
	q := New(0)
	if err := q.Load("job-1", []int{1, 2, 3, 2}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertInvariant(t, q)

	if s := q.Stats(); s.Total != 3 {
		t.Errorf("Expected duplicates collapsed to 3 frames, got %d", s.Total)
	}

	var order []int
	for {
		a, ok := q.Pop("w1")
		if !ok {
			break
		}
		if a.JobID != "job-1" {
			t.Errorf("Expected job-1, got %s", a.JobID)
		}
		order = append(order, a.Frame)
		assertInvariant(t, q)
		if err := q.Complete("w1", "job-1", a.Frame); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		assertInvariant(t, q)
	}

	if fmt.Sprint(order) != "[1 2 3]" {
		t.Errorf("Expected FIFO order [1 2 3], got %v", order)
	}
	if !q.Stats().Finished() {
		t.Error("Expected queue to be finished")
	}
}

func TestQueue_LoadWhileLoaded(t *testing.T) {
	q := New(0)
	if err := q.Load("a", []int{1}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := q.Load("b", []int{2}); !errors.Is(err, ErrJobLoaded) {
		t.Errorf("Expected ErrJobLoaded, got %v", err)
	}
	if err := q.Load("", []int{2}); err == nil {
		t.Error("Expected error for empty job ID")
	}
}

func TestQueue_OneFramePerHolder(t *testing.T) {
	q := New(0)
	_ = q.Load("job", []int{1, 2, 3})

	first, ok := q.Pop("w1")
	if !ok {
		t.Fatal("Expected first pop to succeed")
	}
	if _, ok := q.Pop("w1"); ok {
		t.Error("Expected second pop for same holder to be refused")
	}
	held, ok := q.Held("w1")
	if !ok || held.Frame != first.Frame {
		t.Errorf("Expected w1 to hold %d, got %+v", first.Frame, held)
	}
	if _, ok := q.Pop("w2"); !ok {
		t.Error("Expected another holder to get a frame")
	}
	assertInvariant(t, q)
}

func TestQueue_PopEmptyOrIdle(t *testing.T) {
	q := New(0)
	if _, ok := q.Pop("w1"); ok {
		t.Error("Expected pop on idle queue to fail")
	}
	_ = q.Load("job", []int{1})
	_, _ = q.Pop("w1")
	if _, ok := q.Pop("w2"); ok {
		t.Error("Expected pop on empty queue to fail")
	}
}

func TestQueue_DisconnectRoundTrip(t *testing.T) {
	q := New(0)
	_ = q.Load("job", []int{10, 11})

	a, _ := q.Pop("w1")
	if a.Frame != 10 {
		t.Fatalf("Expected frame 10, got %d", a.Frame)
	}

	released, ok := q.Release("w1")
	if !ok || released.Frame != 10 {
		t.Fatalf("Expected release of frame 10, got %+v ok=%v", released, ok)
	}
	assertInvariant(t, q)

	b, ok := q.Pop("w2")
	if !ok || b.Frame != 10 {
		t.Fatalf("Expected released frame 10 to be handed out first, got %+v", b)
	}
	if err := q.Complete("w2", "job", 10); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := q.Complete("w1", "job", 10); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld for the disconnected holder, got %v", err)
	}
	if s := q.Stats(); s.Done != 1 {
		t.Errorf("Expected 1 done, got %d", s.Done)
	}
}

func TestQueue_ReleaseWithoutFrame(t *testing.T) {
	q := New(0)
	_ = q.Load("job", []int{1})
	if _, ok := q.Release("nobody"); ok {
		t.Error("Expected release without held frame to report false")
	}
}

func TestQueue_CompleteValidation(t *testing.T) {
	q := New(0)
	if err := q.Complete("w1", "", 1); !errors.Is(err, ErrNoJob) {
		t.Errorf("Expected ErrNoJob, got %v", err)
	}

	_ = q.Load("job", []int{1, 2})
	a, _ := q.Pop("w1")

	if err := q.Complete("w1", "other-job", a.Frame); !errors.Is(err, ErrStaleJob) {
		t.Errorf("Expected ErrStaleJob, got %v", err)
	}
	if err := q.Complete("w1", "job", a.Frame+1); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld for wrong frame, got %v", err)
	}
	if err := q.Complete("w1", "", a.Frame); err != nil {
		t.Errorf("Expected untagged result to be accepted, got %v", err)
	}
	assertInvariant(t, q)
}

func TestQueue_FailRequeuesUntilLimit(t *testing.T) {
	q := New(2)
	_ = q.Load("job", []int{5})

	a, _ := q.Pop("w1")
	gaveUp, err := q.Fail("w1", "job", a.Frame)
	if err != nil || gaveUp {
		t.Fatalf("Expected requeue on first failure, gaveUp=%v err=%v", gaveUp, err)
	}
	assertInvariant(t, q)
	if s := q.Stats(); s.Pending != 1 {
		t.Errorf("Expected frame back in pending, got %d pending", s.Pending)
	}

	a, _ = q.Pop("w2")
	gaveUp, err = q.Fail("w2", "job", a.Frame)
	if err != nil || !gaveUp {
		t.Fatalf("Expected give up on second failure, gaveUp=%v err=%v", gaveUp, err)
	}
	assertInvariant(t, q)

	s := q.Stats()
	if s.Failed != 1 || !s.Finished() {
		t.Errorf("Expected 1 failed and finished, got %+v", s)
	}
}

func TestQueue_CancelAndReset(t *testing.T) {
	q := New(0)
	_ = q.Load("job", []int{1, 2, 3})
	_, _ = q.Pop("w1")

	q.Cancel()
	if !q.Cancelled() {
		t.Error("Expected cancelled")
	}
	if _, ok := q.Pop("w2"); ok {
		t.Error("Expected pop after cancel to be refused")
	}

	q.Reset()
	s := q.Stats()
	if s.Loaded || s.Total != 0 || s.Done != 0 || s.InFlight != 0 || s.Pending != 0 || s.Cancelled {
		t.Errorf("Expected clean state after reset, got %+v", s)
	}

	if err := q.Load("job-2", []int{1, 2}); err != nil {
		t.Fatalf("Load after reset failed: %v", err)
	}
	s = q.Stats()
	if s.Done != 0 || s.InFlight != 0 || s.Total != 2 {
		t.Errorf("Expected fresh job with 0 done and 0 in flight, got %+v", s)
	}
}

// Simulated workers pull concurrently; a frame must never be held twice and
// every frame must complete exactly once, including frames dropped by
// "disconnecting" holders.
func TestQueue_ConcurrentHoldersNeverShareFrames(t *testing.T) {
	const workers = 16
	const frames = 500

	q := New(0)
	all := make([]int, frames)
	for i := range all {
		all[i] = i + 1
	}
	_ = q.Load("job", all)

	var mu sync.Mutex
	outstanding := make(map[int]string)
	completed := make(map[int]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			holder := fmt.Sprintf("w%d", id)
			for n := 0; ; n++ {
				a, ok := q.Pop(holder)
				if !ok {
					if q.Stats().Pending == 0 {
						return
					}
					continue
				}

				mu.Lock()
				if other, dup := outstanding[a.Frame]; dup {
					mu.Unlock()
					t.Errorf("frame %d held by %s and %s", a.Frame, other, holder)
					return
				}
				outstanding[a.Frame] = holder
				mu.Unlock()

				// Every seventh pull simulates a disconnect
				if (n+id)%7 == 0 {
					mu.Lock()
					delete(outstanding, a.Frame)
					mu.Unlock()
					q.Release(holder)
					continue
				}

				mu.Lock()
				delete(outstanding, a.Frame)
				completed[a.Frame]++
				mu.Unlock()
				if err := q.Complete(holder, "job", a.Frame); err != nil {
					t.Errorf("Complete failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assertInvariant(t, q)
	s := q.Stats()
	if s.Done != frames {
		t.Errorf("Expected %d done, got %d", frames, s.Done)
	}
	for f, n := range completed {
		if n != 1 {
			t.Errorf("frame %d completed %d times", f, n)
		}
	}
}
