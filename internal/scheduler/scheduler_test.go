package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"syntheme/internal/config"
	"syntheme/internal/queue"
	"syntheme/internal/testsupport"
)

// stubProcessor mirrors the runner's settle behavior without an engine. It
// records admission order and peak concurrency.
type stubProcessor struct {
	q *queue.Store

	mu      sync.Mutex
	order   []int64
	running int
	peak    int

	// block, when non-nil, holds each Process call until closed or until
	// the job context is cancelled.
	block chan struct{}
}

func (p *stubProcessor) Process(ctx context.Context, jobID int64, cancelRequested func() bool) error {
	p.mu.Lock()
	p.order = append(p.order, jobID)
	p.running++
	if p.running > p.peak {
		p.peak = p.running
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	// Store writes run detached from the job context, matching the runner.
	storeCtx := context.WithoutCancel(ctx)

	if err := p.q.MarkRunning(storeCtx, jobID); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			return nil
		}
		return err
	}

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	var err error
	switch {
	case cancelRequested():
		err = p.q.SettleRunning(storeCtx, jobID, queue.StateCancelled, "", nil)
	case ctx.Err() != nil:
		err = p.q.SettleRunning(storeCtx, jobID, queue.StateFailed, "interrupted by shutdown", nil)
	default:
		err = p.q.SettleRunning(storeCtx, jobID, queue.StateSucceeded, "", nil)
	}
	if errors.Is(err, queue.ErrConflict) {
		return nil
	}
	return err
}

func (p *stubProcessor) admissionOrder() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.order))
	copy(out, p.order)
	return out
}

type schedFixture struct {
	cfg   *config.Config
	q     *queue.Store
	stub  *stubProcessor
	sched *Scheduler

	cancelRun context.CancelFunc
	stopped   chan struct{}
}

func newSchedFixture(t *testing.T, opts ...testsupport.ConfigOption) *schedFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	q := testsupport.MustOpenStore(t, cfg)
	stub := &stubProcessor{q: q}
	return &schedFixture{cfg: cfg, q: q, stub: stub, sched: New(cfg, q, stub, nil)}
}

func (f *schedFixture) startScheduler(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancelRun = cancel
	f.stopped = make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(f.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.stopped:
		case <-time.After(10 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func (f *schedFixture) enqueue(t *testing.T, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		upload := testsupport.NewUpload(t, f.q, f.cfg, []byte{byte(i)})
		job := testsupport.NewJob(t, f.q, upload.ID, "night-mode")
		ids = append(ids, job.ID)
	}
	return ids
}

func waitForState(t *testing.T, q *queue.Store, jobID int64, want queue.State) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %d never reached %s, stuck at %s", jobID, want, job.State)
	return nil
}

func TestRunsJobsInSubmissionOrder(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(1))
	ids := f.enqueue(t, 3)
	f.startScheduler(t)
	f.sched.Admit()

	for _, id := range ids {
		waitForState(t, f.q, id, queue.StateSucceeded)
	}

	order := f.stub.admissionOrder()
	if len(order) != 3 {
		t.Fatalf("processed %d jobs, want 3", len(order))
	}
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Errorf("admission order not FIFO: %v", order)
		}
	}
}

func TestConcurrencyLimit(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(2))
	f.stub.block = make(chan struct{})
	ids := f.enqueue(t, 5)
	f.startScheduler(t)
	f.sched.Admit()

	deadline := time.Now().Add(5 * time.Second)
	for f.sched.ActiveCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.sched.ActiveCount(); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}

	close(f.stub.block)
	for _, id := range ids {
		waitForState(t, f.q, id, queue.StateSucceeded)
	}

	f.stub.mu.Lock()
	peak := f.stub.peak
	f.stub.mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(1))
	f.stub.block = make(chan struct{})
	ids := f.enqueue(t, 2)
	f.startScheduler(t)
	f.sched.Admit()

	waitForState(t, f.q, ids[0], queue.StateRunning)

	job, err := f.sched.Cancel(context.Background(), ids[1])
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if job.State != queue.StateCancelled {
		t.Fatalf("state = %s, want cancelled", job.State)
	}

	close(f.stub.block)
	waitForState(t, f.q, ids[0], queue.StateSucceeded)

	for _, id := range f.stub.admissionOrder() {
		if id == ids[1] {
			t.Error("cancelled queued job was admitted to a worker")
		}
	}
}

func TestCancelRunningJob(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(1))
	f.stub.block = make(chan struct{})
	ids := f.enqueue(t, 1)
	f.startScheduler(t)
	f.sched.Admit()

	waitForState(t, f.q, ids[0], queue.StateRunning)

	job, err := f.sched.Cancel(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if job.State != queue.StateCancelled {
		t.Fatalf("state = %s, want cancelled", job.State)
	}
}

func TestCancelIsIdempotentForCancelledJobs(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(1))
	ids := f.enqueue(t, 1)

	if _, err := f.sched.Cancel(context.Background(), ids[0]); err != nil {
		t.Fatalf("first Cancel failed: %v", err)
	}
	job, err := f.sched.Cancel(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	if job.State != queue.StateCancelled {
		t.Errorf("state = %s, want cancelled", job.State)
	}
}

func TestCancelSucceededJobIsNoOp(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(1))
	ids := f.enqueue(t, 1)
	f.startScheduler(t)
	f.sched.Admit()
	waitForState(t, f.q, ids[0], queue.StateSucceeded)

	job, err := f.sched.Cancel(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if job.State != queue.StateSucceeded {
		t.Errorf("state = %s, want succeeded", job.State)
	}
}

func TestShutdownInterruptsAfterGrace(t *testing.T) {
	f := newSchedFixture(t, testsupport.WithMaxConcurrent(1))
	f.cfg.Cleanup.ShutdownGraceSeconds = 1
	f.stub.block = make(chan struct{}) // never closed
	ids := f.enqueue(t, 1)
	f.startScheduler(t)
	f.sched.Admit()

	waitForState(t, f.q, ids[0], queue.StateRunning)
	f.cancelRun()

	select {
	case <-f.stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not drain")
	}

	job := waitForState(t, f.q, ids[0], queue.StateFailed)
	if job.ErrorDetail != "interrupted by shutdown" {
		t.Errorf("error detail = %q", job.ErrorDetail)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	f := newSchedFixture(t)
	ids := f.enqueue(t, 2)
	ctx := context.Background()
	if err := f.q.MarkRunning(ctx, ids[0]); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	if err := f.sched.RecoverInterrupted(ctx); err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}

	recovered, err := f.q.GetJob(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if recovered.State != queue.StateFailed {
		t.Errorf("state = %s, want failed", recovered.State)
	}
	untouched, err := f.q.GetJob(ctx, ids[1])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if untouched.State != queue.StateQueued {
		t.Errorf("queued job state = %s, want queued", untouched.State)
	}
}
