package artifacts

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"syntheme/internal/config"
	"syntheme/internal/fileutil"
	"syntheme/internal/logging"
	"syntheme/internal/queue"
)

// SweepStats summarizes one cleanup pass.
type SweepStats struct {
	UploadsRemoved   int
	ArtifactsRemoved int
	OrphansRemoved   int
	Errors           int
}

// Sweeper periodically reclaims expired uploads, expired artifacts, and
// orphaned files left behind by crashes.
type Sweeper struct {
	cfg    *config.Config
	q      *queue.Store
	store  *Store
	logger *slog.Logger
}

// NewSweeper builds the cleanup sweeper.
func NewSweeper(cfg *config.Config, q *queue.Store, store *Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{cfg: cfg, q: q, store: store, logger: logging.WithComponent(logger, "cleanup")}
}

// Run sweeps immediately and then on every interval tick until the context
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	stats := s.SweepOnce(ctx)
	if stats.UploadsRemoved+stats.ArtifactsRemoved+stats.OrphansRemoved+stats.Errors == 0 {
		return
	}
	s.logger.Info("sweep complete",
		logging.Int("uploads_removed", stats.UploadsRemoved),
		logging.Int("artifacts_removed", stats.ArtifactsRemoved),
		logging.Int("orphans_removed", stats.OrphansRemoved),
		logging.Int("errors", stats.Errors))
}

// SweepOnce performs a single cleanup pass. Individual file failures are
// logged and counted without aborting the rest of the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	now := time.Now().UTC()

	s.sweepUploads(ctx, now, &stats)
	s.sweepArtifacts(ctx, now, &stats)
	s.sweepOrphans(ctx, now, &stats)
	return stats
}

// sweepUploads removes uploads past their retention window that no queued or
// running job still references.
func (s *Sweeper) sweepUploads(ctx context.Context, now time.Time, stats *SweepStats) {
	cutoff := now.Add(-s.cfg.UploadRetention())
	expired, err := s.q.ExpiredUploads(ctx, cutoff)
	if err != nil {
		s.logger.Warn("expired upload query failed", logging.Error(err))
		stats.Errors++
		return
	}
	for _, upload := range expired {
		if err := fileutil.RemoveIfExists(upload.Path); err != nil {
			s.logger.Warn("failed to remove expired upload",
				logging.String(logging.FieldUploadID, upload.ID), logging.Error(err))
			stats.Errors++
			continue
		}
		if err := s.q.DeleteUpload(ctx, upload.ID); err != nil {
			s.logger.Warn("failed to delete expired upload record",
				logging.String(logging.FieldUploadID, upload.ID), logging.Error(err))
			stats.Errors++
			continue
		}
		stats.UploadsRemoved++
	}
}

func (s *Sweeper) sweepArtifacts(ctx context.Context, now time.Time, stats *SweepStats) {
	expired, err := s.q.ExpiredArtifacts(ctx, now)
	if err != nil {
		s.logger.Warn("expired artifact query failed", logging.Error(err))
		stats.Errors++
		return
	}
	for _, artifact := range expired {
		if err := s.store.Delete(ctx, artifact); err != nil {
			s.logger.Warn("failed to remove expired artifact",
				logging.Int64(logging.FieldJobID, artifact.JobID), logging.Error(err))
			stats.Errors++
			continue
		}
		stats.ArtifactsRemoved++
	}
}

// sweepOrphans removes files in the managed directories that the store does
// not track. Only files untouched for at least one sweep interval are
// eligible, so an in-flight engine write is never reclaimed from under it.
func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time, stats *SweepStats) {
	known, err := s.q.KnownPaths(ctx)
	if err != nil {
		s.logger.Warn("known path query failed", logging.Error(err))
		stats.Errors++
		return
	}
	minAge := s.cfg.SweepInterval()

	for _, dir := range []string{s.cfg.Paths.UploadsDir, s.cfg.Paths.ArtifactsDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("failed to scan directory", logging.String("dir", dir), logging.Error(err))
			stats.Errors++
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if _, ok := known[path]; ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < minAge {
				continue
			}
			if err := fileutil.RemoveIfExists(path); err != nil {
				s.logger.Warn("failed to remove orphan file",
					logging.String("path", path), logging.Error(err))
				stats.Errors++
				continue
			}
			s.logger.Info("removed orphan file", logging.String("path", path))
			stats.OrphansRemoved++
		}
	}
}
