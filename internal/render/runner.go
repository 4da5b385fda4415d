// Package render executes individual render jobs: claiming them from the
// queue, validating their inputs, driving the transcoding engine, and
// settling each job into exactly one terminal state.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"syntheme/internal/artifacts"
	"syntheme/internal/config"
	"syntheme/internal/engine"
	"syntheme/internal/ffprobe"
	"syntheme/internal/fileutil"
	"syntheme/internal/logging"
	"syntheme/internal/queue"
	"syntheme/internal/synthemes"
)

const probeTimeout = 30 * time.Second

// Runner processes one job at a time. It is safe for concurrent use; the
// scheduler runs one Process call per worker.
type Runner struct {
	cfg      *config.Config
	q        *queue.Store
	registry *synthemes.Registry
	engine   engine.Engine
	store    *artifacts.Store
	previews *PreviewGenerator
	logger   *slog.Logger

	// Probe inspects input media before rendering. Defaults to
	// ffprobe.Inspect; tests substitute it.
	Probe func(ctx context.Context, binary, path string) (ffprobe.Result, error)
}

// NewRunner wires a runner over the shared stores and engine.
func NewRunner(cfg *config.Config, q *queue.Store, registry *synthemes.Registry, eng engine.Engine, store *artifacts.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		q:        q,
		registry: registry,
		engine:   eng,
		store:    store,
		previews: NewPreviewGenerator(eng, logger),
		logger:   logging.WithComponent(logger, "render"),
		Probe:    ffprobe.Inspect,
	}
}

// Process runs a queued job to a terminal state. cancelRequested is polled at
// the settle decision point; when it reports true the job settles cancelled
// regardless of how the engine run ended. A nil return means the job reached
// a terminal state (including failure states); an error means the store
// itself misbehaved.
func (r *Runner) Process(ctx context.Context, jobID int64, cancelRequested func() bool) error {
	if cancelRequested == nil {
		cancelRequested = func() bool { return false }
	}
	log := r.logger.With(logging.Int64(logging.FieldJobID, jobID))

	// Store reads and settles must land even when a cancel or shutdown has
	// already pulled the job context, so they run detached from it.
	storeCtx := context.WithoutCancel(ctx)

	if err := r.q.MarkRunning(storeCtx, jobID); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			// Cancelled while queued. Nothing to do.
			log.Info("job left queue before start")
			return nil
		}
		return err
	}

	job, err := r.q.GetJob(storeCtx, jobID)
	if err != nil {
		return err
	}
	log = log.With(logging.String(logging.FieldSyntheme, job.Syntheme))

	theme, upload, failDetail := r.prepare(ctx, storeCtx, job)
	if failDetail != "" {
		if cancelRequested() {
			log.Info("render cancelled")
			return r.settle(storeCtx, jobID, queue.StateCancelled, "", nil)
		}
		log.Warn("job rejected before render", logging.String("reason", failDetail))
		return r.settle(storeCtx, jobID, queue.StateFailed, failDetail, nil)
	}

	artifactID, outputPath := r.store.Allocate(theme.Extension())

	runCtx, cancelRun := context.WithTimeout(ctx, r.cfg.JobTimeout())
	defer cancelRun()

	log.Info("render started", logging.String(logging.FieldUploadID, upload.ID))
	result, runErr := r.engine.Run(runCtx, engine.Invocation{
		InputPath:  upload.Path,
		OutputPath: outputPath,
		Args:       theme.Args(),
	})

	// Single settle decision point. Cancellation takes precedence over both
	// timeout and whatever the engine reported.
	switch {
	case cancelRequested():
		r.discard(outputPath)
		log.Info("render cancelled")
		return r.settle(storeCtx, jobID, queue.StateCancelled, "", nil)

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		r.discard(outputPath)
		log.Warn("render timed out", logging.Duration("timeout", r.cfg.JobTimeout()))
		return r.settle(storeCtx, jobID, queue.StateTimedOut,
			fmt.Sprintf("render exceeded %s timeout", r.cfg.JobTimeout()), nil)

	case runCtx.Err() != nil:
		// Daemon shutdown pulled the context before the job finished.
		r.discard(outputPath)
		log.Warn("render interrupted by shutdown")
		return r.settle(storeCtx, jobID, queue.StateFailed, "interrupted by shutdown", nil)

	case runErr != nil:
		r.discard(outputPath)
		detail := engineFailureDetail(result)
		log.Warn("render failed", logging.Int("exit_code", result.ExitCode))
		return r.settle(storeCtx, jobID, queue.StateFailed, detail, &result.ExitCode)
	}

	if ok, err := fileutil.NonEmpty(outputPath); err != nil || !ok {
		r.discard(outputPath)
		log.Warn("engine produced no output")
		return r.settle(storeCtx, jobID, queue.StateFailed, "engine produced no output", &result.ExitCode)
	}

	previewPath := r.maybePreview(ctx, theme, artifactID, outputPath, log)

	if _, err := r.store.Register(storeCtx, jobID, artifactID, outputPath, previewPath, theme.ContentType()); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			// A cancel settled the job first; Register already discarded the files.
			log.Info("render output discarded after losing settle race")
			return nil
		}
		return err
	}

	log.Info("render succeeded", logging.String("artifact_id", artifactID))
	return nil
}

// prepare validates the job's inputs while it already holds a worker slot.
// A non-empty failDetail settles the job without touching the engine. The
// probe runs on the cancellable job context; record reads use storeCtx so a
// cancel arriving mid-prepare cannot fail them.
func (r *Runner) prepare(ctx, storeCtx context.Context, job *queue.Job) (synthemes.Syntheme, *queue.Upload, string) {
	upload, err := r.q.GetUpload(storeCtx, job.UploadID)
	if err != nil {
		return synthemes.Syntheme{}, nil, fmt.Sprintf("upload %s not found", job.UploadID)
	}
	if ok, err := fileutil.NonEmpty(upload.Path); err != nil || !ok {
		return synthemes.Syntheme{}, nil, "source file missing from disk"
	}

	theme, err := r.registry.Get(job.Syntheme)
	if err != nil {
		return synthemes.Syntheme{}, nil, fmt.Sprintf("unknown syntheme %q", job.Syntheme)
	}
	if !theme.Accepts(upload.ContentType) {
		return synthemes.Syntheme{}, nil, fmt.Sprintf("syntheme %q does not accept %s", theme.Name(), upload.ContentType)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	probed, err := r.Probe(probeCtx, r.cfg.Render.FFprobeBinary, upload.Path)
	if err != nil {
		return synthemes.Syntheme{}, nil, "input is not decodable media"
	}
	if probed.MediaStreamCount() == 0 {
		return synthemes.Syntheme{}, nil, "input contains no audio or video streams"
	}

	return theme, upload, ""
}

// maybePreview generates a thumbnail for video artifacts when enabled.
// Preview failures never fail the job.
func (r *Runner) maybePreview(ctx context.Context, theme synthemes.Syntheme, artifactID, outputPath string, log *slog.Logger) string {
	if !r.cfg.Render.PreviewThumbnails || !strings.HasPrefix(theme.ContentType(), "video/") {
		return ""
	}
	previewPath := r.store.PreviewPath(artifactID)
	if err := r.previews.Generate(ctx, outputPath, previewPath); err != nil {
		log.Warn("preview generation failed", logging.Error(err))
		_ = fileutil.RemoveIfExists(previewPath)
		return ""
	}
	return previewPath
}

func (r *Runner) settle(ctx context.Context, jobID int64, to queue.State, detail string, exitCode *int) error {
	err := r.q.SettleRunning(ctx, jobID, to, detail, exitCode)
	if errors.Is(err, queue.ErrConflict) {
		return nil
	}
	return err
}

func (r *Runner) discard(outputPath string) {
	if err := fileutil.RemoveIfExists(outputPath); err != nil {
		r.logger.Warn("failed to remove stray output",
			logging.String("path", outputPath), logging.Error(err))
	}
}

func engineFailureDetail(result engine.Result) string {
	diag := strings.TrimSpace(result.Diagnostic)
	if diag == "" {
		return fmt.Sprintf("engine exited with code %d", result.ExitCode)
	}
	// Keep the tail of the diagnostics; ffmpeg puts the useful error last.
	const limit = 1024
	if len(diag) > limit {
		diag = diag[len(diag)-limit:]
	}
	return fmt.Sprintf("engine exited with code %d: %s", result.ExitCode, diag)
}
