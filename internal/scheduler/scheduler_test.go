package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"tsgrab/internal/logger"
	"tsgrab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func segments(from, to int) []models.Segment {
	var out []models.Segment
	for i := from; i < to; i++ {
		out = append(out, models.Segment{Index: uint32(i), URI: "https://cdn.example/" + string(rune('a'+i))})
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	fetched []uint32
}

func (r *recorder) add(i uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, i)
}

func (r *recorder) sorted() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.fetched)
	slices.Sort(out)
	return out
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "failed", Failed.String())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("sequential")
	require.NoError(t, err)
	assert.Equal(t, Sequential, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Parallel, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestScheduler_SequentialResumesRemaining(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	var progress [][2]int
	s := &Scheduler{
		Policy: Sequential,
		Fetch: func(_ context.Context, seg models.Segment) error {
			rec.add(seg.Index)
			return nil
		},
		OnProgress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
		Logger:     logger.Nop(),
	}

	// Segments 0-5 are already done; they arrive out of order.
	pending := []models.Segment{{Index: 8}, {Index: 6}, {Index: 9}, {Index: 7}}
	require.NoError(t, s.Run(context.Background(), pending, 6, 10))

	assert.Equal(t, []uint32{6, 7, 8, 9}, rec.fetched)
	assert.Equal(t, [][2]int{{7, 10}, {8, 10}, {9, 10}, {10, 10}}, progress)
	assert.Equal(t, Completed, s.State())
	assert.Equal(t, 10, s.Completed())
}

func TestScheduler_ParallelBoundedPool(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const workers = 4
	rec := &recorder{}
	var inFlight, peak atomic.Int32
	rng := rand.New(rand.NewSource(7))
	var rngMu sync.Mutex

	var lastProgress atomic.Int32
	s := &Scheduler{
		Policy:  Parallel,
		Workers: workers,
		Fetch: func(_ context.Context, seg models.Segment) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			rngMu.Lock()
			d := time.Duration(rng.Intn(5)) * time.Millisecond
			rngMu.Unlock()
			time.Sleep(d)
			rec.add(seg.Index)
			return nil
		},
		OnProgress: func(done, _ int) {
			// Serialized callbacks see strictly increasing counts.
			assert.Equal(t, int32(done-1), lastProgress.Load())
			lastProgress.Store(int32(done))
		},
		Logger: logger.Nop(),
	}

	require.NoError(t, s.Run(context.Background(), segments(0, 20), 0, 20))
	assert.Len(t, rec.sorted(), 20)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, rec.sorted())
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Equal(t, Completed, s.State())
	assert.Equal(t, int32(20), lastProgress.Load())
}

func TestScheduler_ParallelUnboundedWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	s := &Scheduler{Policy: Parallel, Fetch: func(_ context.Context, seg models.Segment) error {
		rec.add(seg.Index)
		return nil
	}}
	require.NoError(t, s.Run(context.Background(), segments(0, 8), 0, 8))
	assert.Len(t, rec.sorted(), 8)
}

func TestScheduler_SequentialStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	var s *Scheduler
	s = &Scheduler{
		Policy: Sequential,
		Fetch: func(_ context.Context, seg models.Segment) error {
			rec.add(seg.Index)
			if seg.Index == 2 {
				s.Stop()
			}
			return nil
		},
		Logger: logger.Nop(),
	}

	err := s.Run(context.Background(), segments(0, 10), 0, 10)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []uint32{0, 1, 2}, rec.fetched)
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, 3, s.Completed())
}

func TestScheduler_ParallelStopLetsInFlightFinish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	started := make(chan struct{}, 10)
	rec := &recorder{}
	s := &Scheduler{
		Policy:  Parallel,
		Workers: 2,
		Fetch: func(ctx context.Context, seg models.Segment) error {
			started <- struct{}{}
			<-release
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec.add(seg.Index)
			return nil
		},
		Logger: logger.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, segments(0, 10), 0, 10) }()

	<-started
	<-started
	cancel()
	close(release)

	err := <-done
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Failed, s.State())
	// Both in-flight fetches completed on a context that outlived the cancellation,
	// and the slots they freed were not reused.
	assert.Equal(t, []uint32{0, 1}, rec.sorted())
	assert.Equal(t, 2, s.Completed())
}

func TestScheduler_ParallelStopNoDispatchAfterFreedSlot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	var s *Scheduler
	s = &Scheduler{
		Policy:  Parallel,
		Workers: 1,
		Fetch: func(ctx context.Context, seg models.Segment) error {
			calls.Add(1)
			if seg.Index == 2 {
				s.Stop()
			}
			return nil
		},
		Logger: logger.Nop(),
	}

	err := s.Run(context.Background(), segments(0, 10), 0, 10)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, s.Completed())
	assert.Equal(t, Failed, s.State())
}

func TestScheduler_ParallelFailureNoDispatchAfterFreedSlot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("segment 0 unavailable")
	var calls atomic.Int32
	s := &Scheduler{
		Policy:  Parallel,
		Workers: 1,
		Fetch: func(ctx context.Context, seg models.Segment) error {
			calls.Add(1)
			if seg.Index == 0 {
				return boom
			}
			return nil
		},
		Logger: logger.Nop(),
	}

	err := s.Run(context.Background(), segments(0, 5), 0, 5)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, s.Completed())
	assert.Equal(t, Failed, s.State())
}

func TestScheduler_ParallelFailureDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("segment 3 unavailable")
	var finished atomic.Int32
	s := &Scheduler{
		Policy:  Parallel,
		Workers: 3,
		Fetch: func(_ context.Context, seg models.Segment) error {
			defer finished.Add(1)
			if seg.Index == 3 {
				return boom
			}
			time.Sleep(time.Millisecond)
			return nil
		},
		Logger: logger.Nop(),
	}

	err := s.Run(context.Background(), segments(0, 30), 0, 30)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, s.State())
	// Run returned only after every dispatched fetch did.
	assert.Equal(t, int32(s.Completed()+1), finished.Load())
	assert.Less(t, s.Completed(), 30)
}

func TestScheduler_SequentialFailure(t *testing.T) {
	boom := errors.New("boom")
	s := &Scheduler{Policy: Sequential, Fetch: func(_ context.Context, seg models.Segment) error {
		if seg.Index == 1 {
			return boom
		}
		return nil
	}}
	err := s.Run(context.Background(), segments(0, 5), 0, 5)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Completed())
	assert.Equal(t, Failed, s.State())
}

func TestScheduler_RunsOnce(t *testing.T) {
	s := &Scheduler{Fetch: func(context.Context, models.Segment) error { return nil }}
	require.NoError(t, s.Run(context.Background(), nil, 3, 3))
	assert.Equal(t, Completed, s.State())
	assert.ErrorIs(t, s.Run(context.Background(), nil, 3, 3), ErrAlreadyStarted)
}

func TestScheduler_StopBeforeRun(t *testing.T) {
	var calls atomic.Int32
	s := &Scheduler{Policy: Parallel, Fetch: func(context.Context, models.Segment) error {
		calls.Add(1)
		return nil
	}}
	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.Run(context.Background(), segments(0, 4), 0, 4), ErrCancelled)
	assert.Zero(t, calls.Load())
}
