package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"tsgrab/internal/logger"
	"tsgrab/internal/models"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrCancelled is the failure cause when a run was stopped before all segments were dispatched.
	ErrCancelled = errors.New("download cancelled")
	// ErrAlreadyStarted is returned by Run on a scheduler that has left Idle.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// State is the lifecycle of a scheduler run.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Policy selects how pending segments are dispatched.
type Policy int

const (
	Sequential Policy = iota
	Parallel
)

func (p Policy) String() string {
	if p == Parallel {
		return "parallel"
	}
	return "sequential"
}

// ParsePolicy maps a configuration value onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "parallel":
		return Parallel, nil
	case "sequential":
		return Sequential, nil
	default:
		return Sequential, fmt.Errorf("unknown scheduling policy %q", s)
	}
}

// FetchFunc runs the fetch pipeline for one segment.
type FetchFunc func(ctx context.Context, seg models.Segment) error

// ProgressFunc is called after every finished segment with the completed and total counts.
type ProgressFunc func(completed, total int)

// Scheduler dispatches segment fetches. A Scheduler runs once.
type Scheduler struct {
	Policy Policy
	// Workers bounds parallel fetches. Zero or less means one worker per pending segment.
	Workers    int
	Fetch      FetchFunc
	OnProgress ProgressFunc
	Logger     logger.Logger

	state     atomic.Int32
	stopped   atomic.Bool
	failed    atomic.Bool
	completed atomic.Int64

	progressMu sync.Mutex
}

// Stop asks the scheduler to dispatch no more fetches. Fetches already in flight finish.
// Calling Stop more than once, or before Run, is allowed.
func (s *Scheduler) Stop() {
	if !s.stopped.Swap(true) && s.Logger != nil {
		s.Logger.Infof("Stop requested")
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Completed returns the number of completed segments, including those done before Run.
func (s *Scheduler) Completed() int { return int(s.completed.Load()) }

// Run fetches pending and blocks until every dispatched fetch has returned.
// alreadyDone and total only feed the progress counts. Cancelling ctx acts like Stop;
// fetches in flight keep running on a context detached from ctx's cancellation.
func (s *Scheduler) Run(ctx context.Context, pending []models.Segment, alreadyDone, total int) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	if s.Logger == nil {
		s.Logger = logger.Nop()
	}
	s.completed.Store(int64(alreadyDone))
	s.Logger.Infof("Dispatching %d of %d segments (%s)", len(pending), total, s.Policy)

	var err error
	if s.Policy == Parallel {
		err = s.runParallel(ctx, pending, total)
	} else {
		err = s.runSequential(ctx, pending, total)
	}

	if err != nil {
		s.state.Store(int32(Failed))
		s.Logger.Errorf("Run failed after %d of %d segments: %v", s.Completed(), total, err)
		return err
	}
	s.state.Store(int32(Completed))
	s.Logger.Infof("All %d segments completed", total)
	return nil
}

func (s *Scheduler) runSequential(ctx context.Context, pending []models.Segment, total int) error {
	ordered := slices.Clone(pending)
	slices.SortFunc(ordered, func(a, b models.Segment) int {
		return int(int64(a.Index) - int64(b.Index))
	})

	fetchCtx := context.WithoutCancel(ctx)
	for _, seg := range ordered {
		if s.stopRequested(ctx) {
			return ErrCancelled
		}
		if err := s.Fetch(fetchCtx, seg); err != nil {
			return err
		}
		s.report(total)
	}
	return nil
}

func (s *Scheduler) runParallel(ctx context.Context, pending []models.Segment, total int) error {
	limit := s.Workers
	if limit <= 0 || limit > len(pending) {
		limit = len(pending)
	}

	// A slot is taken before the stop and failure checks, so a slot freed by a
	// failing or stopped worker is never handed to another segment.
	var g errgroup.Group
	sem := semaphore.NewWeighted(int64(max(limit, 1)))

	fetchCtx := context.WithoutCancel(ctx)
	dispatched := 0
	for _, seg := range pending {
		if err := sem.Acquire(fetchCtx, 1); err != nil {
			break
		}
		if s.stopRequested(ctx) || s.failed.Load() {
			sem.Release(1)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := s.Fetch(fetchCtx, seg); err != nil {
				s.failed.Store(true)
				return err
			}
			s.report(total)
			return nil
		})
		dispatched++
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if dispatched < len(pending) {
		return ErrCancelled
	}
	return nil
}

func (s *Scheduler) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		s.Stop()
	}
	return s.stopped.Load()
}

func (s *Scheduler) report(total int) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	done := int(s.completed.Add(1))
	if s.OnProgress != nil {
		s.OnProgress(done, total)
	}
}
