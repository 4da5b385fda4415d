// Package artifacts manages finished render outputs: allocating their paths,
// registering them against succeeded jobs, and reclaiming expired or
// orphaned files during periodic sweeps.
package artifacts

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"syntheme/internal/config"
	"syntheme/internal/fileutil"
	"syntheme/internal/logging"
	"syntheme/internal/queue"
	"syntheme/internal/services"
)

// Store persists artifacts in the artifacts directory and the queue database.
type Store struct {
	cfg    *config.Config
	q      *queue.Store
	logger *slog.Logger
}

// NewStore returns an artifact store over the configured artifacts directory.
func NewStore(cfg *config.Config, q *queue.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{cfg: cfg, q: q, logger: logging.WithComponent(logger, "artifacts")}
}

// Allocate reserves a fresh artifact identity and its destination path. The
// file does not exist yet; the engine writes it there.
func (s *Store) Allocate(extension string) (id string, path string) {
	id = uuid.New().String()
	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if extension == "" {
		extension = "bin"
	}
	return id, filepath.Join(s.cfg.Paths.ArtifactsDir, id+"."+extension)
}

// PreviewPath returns where a preview thumbnail for the given artifact lives.
func (s *Store) PreviewPath(artifactID string) string {
	return filepath.Join(s.cfg.Paths.ArtifactsDir, artifactID+".preview.jpg")
}

// Register atomically marks the job succeeded and records the artifact. If
// another settle won the race the output files are removed and the settle
// conflict is returned.
func (s *Store) Register(ctx context.Context, jobID int64, artifactID, path, previewPath, contentType string) (*queue.Artifact, error) {
	size, err := fileutil.Size(path)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "artifacts", "register", "stat output", err)
	}

	now := time.Now().UTC()
	artifact := &queue.Artifact{
		JobID:       jobID,
		ID:          artifactID,
		Path:        path,
		PreviewPath: previewPath,
		ContentType: contentType,
		SizeBytes:   size,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.ArtifactRetention()),
	}
	if err := s.q.CompleteJob(ctx, jobID, artifact); err != nil {
		s.removeFiles(artifact)
		return nil, err
	}

	s.logger.Info("artifact registered",
		logging.Int64(logging.FieldJobID, jobID),
		logging.String("artifact_id", artifactID),
		logging.Int64("size_bytes", size))
	return artifact, nil
}

// Fetch returns the artifact for a succeeded job after confirming the file
// is still present on disk.
func (s *Store) Fetch(ctx context.Context, jobID int64) (*queue.Artifact, error) {
	artifact, err := s.q.ArtifactForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ok, err := fileutil.NonEmpty(artifact.Path)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "artifacts", "fetch", "stat artifact", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "artifacts", "fetch",
			"artifact file missing from disk", nil)
	}
	return artifact, nil
}

// Delete removes an artifact's files and record.
func (s *Store) Delete(ctx context.Context, artifact *queue.Artifact) error {
	if artifact == nil {
		return nil
	}
	s.removeFiles(artifact)
	if err := s.q.DeleteArtifact(ctx, artifact.JobID); err != nil {
		return services.Wrap(services.ErrIO, "artifacts", "delete", "delete record", err)
	}
	return nil
}

func (s *Store) removeFiles(artifact *queue.Artifact) {
	if err := fileutil.RemoveIfExists(artifact.Path); err != nil {
		s.logger.Warn("failed to remove artifact file",
			logging.String("path", artifact.Path), logging.Error(err))
	}
	if artifact.PreviewPath != "" {
		if err := fileutil.RemoveIfExists(artifact.PreviewPath); err != nil {
			s.logger.Warn("failed to remove preview file",
				logging.String("path", artifact.PreviewPath), logging.Error(err))
		}
	}
}
