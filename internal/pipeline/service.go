// Package pipeline exposes the operations the API and CLI are built on:
// submitting renders, inspecting jobs, fetching artifacts, and cancelling
// work. It owns no state of its own; it coordinates the stores, the intake,
// and the scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"syntheme/internal/artifacts"
	"syntheme/internal/config"
	"syntheme/internal/logging"
	"syntheme/internal/queue"
	"syntheme/internal/scheduler"
	"syntheme/internal/services"
	"syntheme/internal/synthemes"
	"syntheme/internal/uploads"
)

// ErrNotReady reports that a job has not produced its artifact yet.
var ErrNotReady = errors.New("artifact not ready")

// Service is the coordination layer between the transport surfaces and the
// rendering machinery.
type Service struct {
	cfg      *config.Config
	q        *queue.Store
	registry *synthemes.Registry
	intake   *uploads.Intake
	sched    *scheduler.Scheduler
	store    *artifacts.Store
	logger   *slog.Logger
}

// New wires the service over its collaborators.
func New(cfg *config.Config, q *queue.Store, registry *synthemes.Registry, intake *uploads.Intake, sched *scheduler.Scheduler, store *artifacts.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		cfg:      cfg,
		q:        q,
		registry: registry,
		intake:   intake,
		sched:    sched,
		store:    store,
		logger:   logging.WithComponent(logger, "pipeline"),
	}
}

// CreateJob accepts an upload and enqueues a render with the named theme.
// The theme is resolved before any bytes are read so a bad name costs
// nothing.
func (s *Service) CreateJob(ctx context.Context, r io.Reader, originalName, declaredType string, declaredSize int64, themeName string) (*queue.Job, error) {
	theme, err := s.registry.Get(themeName)
	if err != nil {
		// Keeps the registry's not-found marker so the caller sees 404,
		// not a validation failure.
		return nil, err
	}
	if !theme.Accepts(declaredType) {
		return nil, services.Wrap(services.ErrUnsupportedType, "pipeline", "create job",
			fmt.Sprintf("syntheme %q does not accept %s", theme.Name(), declaredType), nil)
	}

	upload, err := s.intake.Accept(ctx, r, originalName, declaredType, declaredSize)
	if err != nil {
		return nil, err
	}

	job, err := s.q.NewJob(ctx, upload.ID, theme.Name())
	if err != nil {
		if removeErr := s.intake.Remove(ctx, upload); removeErr != nil {
			s.logger.Warn("failed to remove upload after enqueue failure",
				logging.String(logging.FieldUploadID, upload.ID), logging.Error(removeErr))
		}
		return nil, services.Wrap(services.ErrIO, "pipeline", "create job", "enqueue render", err)
	}

	s.sched.Admit()
	s.logger.Info("job enqueued",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldSyntheme, theme.Name()),
		logging.String(logging.FieldUploadID, upload.ID))
	return job, nil
}

// Job returns the current state of one job.
func (s *Service) Job(ctx context.Context, id int64) (*queue.Job, error) {
	return s.q.GetJob(ctx, id)
}

// Jobs lists jobs, optionally restricted to the given states.
func (s *Service) Jobs(ctx context.Context, states ...queue.State) ([]*queue.Job, error) {
	return s.q.ListJobs(ctx, states...)
}

// Artifact returns the artifact for a succeeded job. Jobs still in flight
// report ErrNotReady; jobs that ended without output report not found.
func (s *Service) Artifact(ctx context.Context, jobID int64) (*queue.Artifact, error) {
	job, err := s.q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.State == queue.StateSucceeded:
		return s.store.Fetch(ctx, jobID)
	case !job.State.Terminal():
		return nil, fmt.Errorf("job %d is %s: %w", jobID, job.State, ErrNotReady)
	default:
		return nil, services.Wrap(services.ErrNotFound, "pipeline", "artifact",
			fmt.Sprintf("job %d ended %s without output", jobID, job.State), nil)
	}
}

// Cancel stops a job and returns its settled state.
func (s *Service) Cancel(ctx context.Context, jobID int64) (*queue.Job, error) {
	return s.sched.Cancel(ctx, jobID)
}

// Synthemes returns the loaded themes in name order.
func (s *Service) Synthemes() []synthemes.Syntheme {
	return s.registry.List()
}

// Summary reports queue depth and worker occupancy for the status surfaces.
type Summary struct {
	Counts      map[queue.State]int
	Active      int
	MaxWorkers  int
	ThemeCount  int
	UploadLimit int64
}

// Status assembles the daemon status summary.
func (s *Service) Status(ctx context.Context) (*Summary, error) {
	counts, err := s.q.CountByState(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "pipeline", "status", "count jobs", err)
	}
	return &Summary{
		Counts:      counts,
		Active:      s.sched.ActiveCount(),
		MaxWorkers:  s.cfg.Render.MaxConcurrent,
		ThemeCount:  s.registry.Len(),
		UploadLimit: s.cfg.MaxUploadBytes(),
	}, nil
}
