// Package scheduler admits queued jobs to a bounded pool of render workers
// in submission order and owns the cancellation path for queued and running
// jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"syntheme/internal/config"
	"syntheme/internal/logging"
	"syntheme/internal/queue"
	"syntheme/internal/services"
)

const pollInterval = 2 * time.Second

// Processor runs one job to a terminal state.
type Processor interface {
	Process(ctx context.Context, jobID int64, cancelRequested func() bool) error
}

// jobHandle tracks one in-flight job so a cancel request can reach it.
type jobHandle struct {
	cancelRequested atomic.Bool
	cancel          context.CancelFunc
	done            chan struct{}
}

// Scheduler pulls queued jobs in FIFO order and runs at most MaxConcurrent
// of them at once.
type Scheduler struct {
	cfg       *config.Config
	q         *queue.Store
	processor Processor
	logger    *slog.Logger

	wake chan struct{}

	mu     sync.Mutex
	active map[int64]*jobHandle

	wg sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New builds a scheduler over the shared queue store.
func New(cfg *config.Config, q *queue.Store, processor Processor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		q:          q,
		processor:  processor,
		logger:     logging.WithComponent(logger, "scheduler"),
		wake:       make(chan struct{}, 1),
		active:     make(map[int64]*jobHandle),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Run dispatches until ctx is cancelled, then drains in-flight jobs within
// the shutdown grace period before killing what remains.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// Admit nudges the dispatcher after a new job is enqueued. Safe to call from
// any goroutine; missed signals are covered by the poll ticker.
func (s *Scheduler) Admit() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops a job. Queued jobs settle cancelled without ever running;
// running jobs have their engine killed, and Cancel waits for the job to
// settle so the caller observes the final state. Cancelling a job that
// already settled is a no-op and returns it unchanged.
func (s *Scheduler) Cancel(ctx context.Context, jobID int64) (*queue.Job, error) {
	s.mu.Lock()
	handle, running := s.active[jobID]
	if running {
		handle.cancelRequested.Store(true)
		handle.cancel()
	}
	s.mu.Unlock()

	if running {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.q.GetJob(ctx, jobID)
	}

	err := s.q.CancelQueued(ctx, jobID)
	if err == nil {
		s.logger.Info("cancelled queued job", logging.Int64(logging.FieldJobID, jobID))
		return s.q.GetJob(ctx, jobID)
	}
	if !errors.Is(err, queue.ErrConflict) {
		return nil, err
	}

	job, getErr := s.q.GetJob(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	switch {
	case job.State.Terminal():
		// Cancel of a settled job is a no-op; the caller sees the
		// final state either way.
		return job, nil
	case job.State == queue.StateRunning:
		// Raced with dispatch; the handle exists by now.
		s.mu.Lock()
		handle, running = s.active[job.ID]
		if running {
			handle.cancelRequested.Store(true)
			handle.cancel()
		}
		s.mu.Unlock()
		if running {
			select {
			case <-handle.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return s.q.GetJob(ctx, jobID)
	default:
		return job, fmt.Errorf("job %d in state %s: %w", jobID, job.State, queue.ErrConflict)
	}
}

// ActiveCount reports how many jobs currently hold worker slots.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// RecoverInterrupted settles jobs left running by a previous daemon process.
// Called once at startup before dispatching.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) error {
	stale, err := s.q.ListJobs(ctx, queue.StateRunning)
	if err != nil {
		return services.Wrap(services.ErrIO, "scheduler", "recover", "list running jobs", err)
	}
	for _, job := range stale {
		err := s.q.SettleRunning(ctx, job.ID, queue.StateFailed, "interrupted by daemon restart", nil)
		if err != nil && !errors.Is(err, queue.ErrConflict) {
			return err
		}
		s.logger.Warn("recovered interrupted job", logging.Int64(logging.FieldJobID, job.ID))
	}
	return nil
}

// dispatch fills free worker slots with the oldest queued jobs.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	free := s.cfg.Render.MaxConcurrent - len(s.active)
	s.mu.Unlock()
	if free <= 0 {
		return
	}

	jobs, err := s.q.ListJobs(ctx, queue.StateQueued)
	if err != nil {
		s.logger.Warn("queued job query failed", logging.Error(err))
		return
	}

	for _, job := range jobs {
		if free == 0 {
			return
		}
		if s.start(job.ID) {
			free--
		}
	}
}

// start launches a worker for the job unless it is already active.
func (s *Scheduler) start(jobID int64) bool {
	s.mu.Lock()
	if _, exists := s.active[jobID]; exists {
		s.mu.Unlock()
		return false
	}
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	handle := &jobHandle{cancel: cancel, done: make(chan struct{})}
	s.active[jobID] = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, jobID)
			s.mu.Unlock()
			close(handle.done)
			s.wg.Done()
			s.Admit()
		}()
		if err := s.processor.Process(jobCtx, jobID, handle.cancelRequested.Load); err != nil {
			s.logger.Error("job processing failed",
				logging.Int64(logging.FieldJobID, jobID), logging.Error(err))
		}
	}()
	return true
}

// drain waits out the shutdown grace period, then cancels whatever is still
// running and waits for the workers to settle their jobs.
func (s *Scheduler) drain() {
	defer s.baseCancel()
	grace := s.cfg.ShutdownGrace()
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-time.After(grace):
	}

	s.logger.Warn("shutdown grace expired, interrupting remaining jobs",
		logging.Int("active", s.ActiveCount()))
	s.baseCancel()
	<-finished
}
